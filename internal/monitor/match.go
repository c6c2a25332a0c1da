package monitor

import (
	"github.com/CedrosPay/server/internal/store"
)

// amountTolerance is the largest difference, in either direction, between
// a matched output and the requested amount (§4.2 match rules, §8). Unlike
// pkg/zcash402, which tolerates only a shortfall, an output larger than
// the amount by more than this does not match.
const amountTolerance int64 = 1

// matchOutput reports whether tx carries an output paying intent's
// PayToAddress within tolerance, and returns the matched output's amount
// and the tx's sender address (best-effort, from the first input).
func matchOutput(tx RawTransaction, intent store.PaymentIntent) (amount int64, from string, ok bool) {
	for _, out := range tx.Vout {
		if out.Address != intent.PayToAddress {
			continue
		}
		diff := out.ValueZatoshis - intent.Amount
		if diff < 0 {
			diff = -diff
		}
		if diff > amountTolerance {
			continue
		}
		return out.ValueZatoshis, firstInputAddress(tx), true
	}
	return 0, "", false
}

func firstInputAddress(tx RawTransaction) string {
	if len(tx.Vin) == 0 {
		return ""
	}
	return tx.Vin[0].Address
}

// confirmationsOf derives a TxRecord's observable confirmations. A tx with
// BlockHeight == nil is still in the mempool and has 0 confirmations
// regardless of what the node's "confirmations" field says (some nodes
// report -1 for conflicted transactions, which this clamps to 0).
func confirmationsOf(tx RawTransaction) int {
	if tx.BlockHeight == nil {
		return 0
	}
	if tx.Confirmations < 0 {
		return 0
	}
	return tx.Confirmations
}
