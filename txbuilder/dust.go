package txbuilder

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
)

// dustProbeOutput returns a TxOut matching the CET/refund payout script size,
// with the given value, so txrules can judge dustiness against it.
func dustProbeOutput(amt btcutil.Amount) *wire.TxOut {
	return &wire.TxOut{Value: int64(amt), PkScript: make([]byte, 22)}
}

// DustLimit is the dust threshold this package enforces on CET and refund
// payout outputs, delegated to btcwallet's txrules the way the teacher's
// sweep package already does for sweep outputs, rather than hand-rolling
// the relay-fee-dependent formula again.
func DustLimit() btcutil.Amount {
	var lo, hi btcutil.Amount = 0, btcutil.MaxSatoshi
	for lo < hi {
		mid := (lo + hi) / 2
		if txrules.IsDustOutput(dustProbeOutput(mid), txrules.DefaultRelayFeePerKb) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// IsDust reports whether amt is below the dust threshold.
func IsDust(amt btcutil.Amount) bool {
	return txrules.IsDustOutput(dustProbeOutput(amt), txrules.DefaultRelayFeePerKb)
}
