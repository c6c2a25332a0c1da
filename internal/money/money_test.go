package money

import (
	"testing"
)

func TestFromMajor(t *testing.T) {
	tests := []struct {
		name       string
		major      string
		wantAtomic int64
		wantErr    bool
	}{
		{"whole ZEC", "1", 100000000, false},
		{"1.5 ZEC", "1.5", 150000000, false},
		{"smallest unit", "0.00000001", 1, false},
		{"negative", "-0.5", -50000000, false},
		{"rounding up", "1.123456789", 112345679, false},
		{"rounding down", "1.123456781", 112345678, false},
		{"invalid format", "1.5.0", 0, true},
		{"invalid number", "abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromMajor(ZEC, tt.major)
			if (err != nil) != tt.wantErr {
				t.Errorf("FromMajor() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got.Atomic != tt.wantAtomic {
				t.Errorf("FromMajor() atomic = %v, want %v", got.Atomic, tt.wantAtomic)
			}
		})
	}
}

func TestToMajor(t *testing.T) {
	tests := []struct {
		name  string
		money Money
		want  string
	}{
		{"1.5 ZEC", Money{ZEC, 150000000}, "1.50000000"},
		{"smallest unit", Money{ZEC, 1}, "0.00000001"},
		{"negative", Money{ZEC, -50000000}, "-0.50000000"},
		{"zero", Money{ZEC, 0}, "0.00000000"},
		{"whole amount", Money{ZEC, 1000000000}, "10.00000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.money.ToMajor()
			if got != tt.want {
				t.Errorf("ToMajor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFromAtomic(t *testing.T) {
	tests := []struct {
		name       string
		atomic     string
		wantAtomic int64
		wantErr    bool
	}{
		{"zatoshi amount", "150000000", 150000000, false},
		{"invalid", "abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromAtomic(ZEC, tt.atomic)
			if (err != nil) != tt.wantErr {
				t.Errorf("FromAtomic() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got.Atomic != tt.wantAtomic {
				t.Errorf("FromAtomic() = %v, want %v", got.Atomic, tt.wantAtomic)
			}
		})
	}
}

func TestAdd(t *testing.T) {
	tests := []struct {
		name    string
		a       Money
		b       Money
		want    int64
		wantErr bool
	}{
		{"same asset", Money{ZEC, 1000}, Money{ZEC, 500}, 1500, false},
		{"negative", Money{ZEC, 1000}, Money{ZEC, -500}, 500, false},
		{"different assets", Money{ZEC, 1000}, Money{Asset{Code: "BTC", Decimals: 8}, 500}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.a.Add(tt.b)
			if (err != nil) != tt.wantErr {
				t.Errorf("Add() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got.Atomic != tt.want {
				t.Errorf("Add() = %v, want %v", got.Atomic, tt.want)
			}
		})
	}
}

func TestSub(t *testing.T) {
	tests := []struct {
		name    string
		a       Money
		b       Money
		want    int64
		wantErr bool
	}{
		{"positive result", Money{ZEC, 1000}, Money{ZEC, 500}, 500, false},
		{"negative result", Money{ZEC, 500}, Money{ZEC, 1000}, -500, false},
		{"different assets", Money{ZEC, 1000}, Money{Asset{Code: "BTC", Decimals: 8}, 500}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.a.Sub(tt.b)
			if (err != nil) != tt.wantErr {
				t.Errorf("Sub() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got.Atomic != tt.want {
				t.Errorf("Sub() = %v, want %v", got.Atomic, tt.want)
			}
		})
	}
}

func TestMul(t *testing.T) {
	tests := []struct {
		name       string
		money      Money
		multiplier int64
		want       int64
		wantErr    bool
	}{
		{"double", Money{ZEC, 1000}, 2, 2000, false},
		{"zero", Money{ZEC, 1000}, 0, 0, false},
		{"negative", Money{ZEC, 1000}, -2, -2000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.money.Mul(tt.multiplier)
			if (err != nil) != tt.wantErr {
				t.Errorf("Mul() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got.Atomic != tt.want {
				t.Errorf("Mul() = %v, want %v", got.Atomic, tt.want)
			}
		})
	}
}

func TestMulBasisPoints(t *testing.T) {
	tests := []struct {
		name        string
		money       Money
		basisPoints int64
		want        int64
		wantErr     bool
	}{
		{"2.5% of 1 ZEC", Money{ZEC, 100000000}, 250, 2500000, false},
		{"10% of 0.5 ZEC", Money{ZEC, 50000000}, 1000, 5000000, false},
		{"100% of 0.1 ZEC", Money{ZEC, 10000000}, 10000, 10000000, false},
		{"0%", Money{ZEC, 100000000}, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.money.MulBasisPoints(tt.basisPoints)
			if (err != nil) != tt.wantErr {
				t.Errorf("MulBasisPoints() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got.Atomic != tt.want {
				t.Errorf("MulBasisPoints() = %v, want %v", got.Atomic, tt.want)
			}
		})
	}
}

func TestMulPercent(t *testing.T) {
	tests := []struct {
		name    string
		money   Money
		percent int64
		want    int64
	}{
		{"10% of 1 ZEC", Money{ZEC, 100000000}, 10, 10000000},
		{"50% of 0.2 ZEC", Money{ZEC, 20000000}, 50, 10000000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := tt.money.MulPercent(tt.percent)
			if got.Atomic != tt.want {
				t.Errorf("MulPercent() = %v, want %v", got.Atomic, tt.want)
			}
		})
	}
}

func TestDiv(t *testing.T) {
	tests := []struct {
		name    string
		money   Money
		divisor int64
		want    int64
		wantErr bool
	}{
		{"divide by 2", Money{ZEC, 1000}, 2, 500, false},
		{"divide by 3 with rounding", Money{ZEC, 1000}, 3, 333, false},
		{"divide by zero", Money{ZEC, 1000}, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.money.Div(tt.divisor)
			if (err != nil) != tt.wantErr {
				t.Errorf("Div() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got.Atomic != tt.want {
				t.Errorf("Div() = %v, want %v", got.Atomic, tt.want)
			}
		})
	}
}

func TestComparisons(t *testing.T) {
	a := Money{ZEC, 1000}
	b := Money{ZEC, 500}
	c := Money{ZEC, 1000}
	d := Money{Asset{Code: "BTC", Decimals: 8}, 1000}

	if !a.GreaterThan(b) {
		t.Error("Expected a > b")
	}
	if !b.LessThan(a) {
		t.Error("Expected b < a")
	}
	if !a.Equal(c) {
		t.Error("Expected a == c")
	}
	if a.Equal(d) {
		t.Error("Expected a != d (different assets)")
	}
}

func TestChecks(t *testing.T) {
	positive := Money{ZEC, 100}
	negative := Money{ZEC, -100}
	zero := Money{ZEC, 0}

	if !positive.IsPositive() || positive.IsNegative() || positive.IsZero() {
		t.Error("Positive check failed")
	}
	if !negative.IsNegative() || negative.IsPositive() || negative.IsZero() {
		t.Error("Negative check failed")
	}
	if !zero.IsZero() || zero.IsPositive() || zero.IsNegative() {
		t.Error("Zero check failed")
	}
}

func TestAbsNegate(t *testing.T) {
	positive := Money{ZEC, 100}
	negative := Money{ZEC, -100}

	if positive.Abs().Atomic != 100 {
		t.Error("Abs of positive failed")
	}
	if negative.Abs().Atomic != 100 {
		t.Error("Abs of negative failed")
	}
	if positive.Negate().Atomic != -100 {
		t.Error("Negate of positive failed")
	}
	if negative.Negate().Atomic != 100 {
		t.Error("Negate of negative failed")
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		name  string
		money Money
		want  string
	}{
		{"positive", Money{ZEC, 150000000}, "1.50000000 ZEC"},
		{"small amount", Money{ZEC, 1}, "0.00000001 ZEC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.money.String(); got != tt.want {
				t.Errorf("String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRoundTripMajor(t *testing.T) {
	tests := []string{"1.5", "0.123456789", "10", "0.00000001"}

	for _, major := range tests {
		t.Run(major, func(t *testing.T) {
			m, err := FromMajor(ZEC, major)
			if err != nil {
				t.Fatalf("FromMajor() error = %v", err)
			}

			roundTrip, err := FromMajor(ZEC, m.ToMajor())
			if err != nil {
				t.Fatalf("Round trip FromMajor() error = %v", err)
			}

			if m.Atomic != roundTrip.Atomic {
				t.Errorf("Round trip failed: %v → %v → %v", major, m.Atomic, roundTrip.Atomic)
			}
		})
	}
}
