package zcash402

import "testing"

func TestBase58CheckRoundTrip(t *testing.T) {
	payload := []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a,
		0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10, 0x11, 0x12, 0x13, 0x14,
	}

	encoded := base58CheckEncode(mainnetP2PKHPrefix, payload)

	prefix, decoded, err := base58CheckDecode(encoded, 2)
	if err != nil {
		t.Fatalf("base58CheckDecode() error = %v", err)
	}
	if string(prefix) != string(mainnetP2PKHPrefix) {
		t.Errorf("prefix = %v, want %v", prefix, mainnetP2PKHPrefix)
	}
	if string(decoded) != string(payload) {
		t.Errorf("payload = %v, want %v", decoded, payload)
	}
}

func TestBase58CheckDecode_BadChecksum(t *testing.T) {
	encoded := base58CheckEncode(mainnetP2PKHPrefix, make([]byte, 20))
	tampered := encoded[:len(encoded)-1] + "1"

	if _, _, err := base58CheckDecode(tampered, 2); err == nil {
		t.Error("expected checksum error for tampered address")
	}
}

func TestValidateTransparentAddress(t *testing.T) {
	mainnetP2PKH := base58CheckEncode(mainnetP2PKHPrefix, make([]byte, 20))
	mainnetP2SH := base58CheckEncode(mainnetP2SHPrefix, make([]byte, 20))
	testnetP2PKH := base58CheckEncode(testnetP2PKHPrefix, make([]byte, 20))

	tests := []struct {
		name    string
		addr    string
		network Network
		want    bool
	}{
		{"mainnet P2PKH on mainnet", mainnetP2PKH, NetworkMainnet, true},
		{"mainnet P2SH on mainnet", mainnetP2SH, NetworkMainnet, true},
		{"testnet address on mainnet", testnetP2PKH, NetworkMainnet, false},
		{"mainnet address on testnet", mainnetP2PKH, NetworkTestnet, false},
		{"garbage", "not-an-address", NetworkMainnet, false},
		{"empty", "", NetworkMainnet, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateTransparentAddress(tt.addr, tt.network); got != tt.want {
				t.Errorf("ValidateTransparentAddress(%q, %s) = %v, want %v", tt.addr, tt.network, got, tt.want)
			}
		})
	}
}

func TestValidateShieldedAddress(t *testing.T) {
	tests := []struct {
		name string
		addr string
		want bool
	}{
		{"mainnet sapling prefix", "zs1" + repeat("q", 70), true},
		{"testnet sapling prefix", "ztestsapling1" + repeat("q", 60), true},
		{"transparent prefix", "t1" + repeat("q", 32), false},
		{"too short", "zs1short", false},
		{"too long", "zs1" + repeat("q", 200), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateShieldedAddress(tt.addr); got != tt.want {
				t.Errorf("ValidateShieldedAddress(%q) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}

func TestValidateAddress_Dispatch(t *testing.T) {
	transparent := base58CheckEncode(mainnetP2PKHPrefix, make([]byte, 20))
	shielded := "zs1" + repeat("q", 70)

	if !ValidateAddress(transparent, SchemeTransparent, NetworkMainnet) {
		t.Error("expected transparent address to validate under transparent scheme")
	}
	if !ValidateAddress(shielded, SchemeShielded, NetworkMainnet) {
		t.Error("expected shielded address to validate under shielded scheme")
	}
	if ValidateAddress(shielded, SchemeTransparent, NetworkMainnet) {
		t.Error("expected shielded address to fail transparent validation")
	}
	if ValidateAddress(transparent, Scheme("bogus"), NetworkMainnet) {
		t.Error("expected unknown scheme to fail validation")
	}
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
