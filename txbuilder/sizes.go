package txbuilder

// Weight/size constants for the transaction shapes this package builds,
// kept in the same byte-accounting style as the teacher's size.go (each
// figure commented with its field-by-field breakdown) but trimmed to the
// P2WSH/P2WPKH and 2-of-2 CHECKMULTISIG shapes. The funding output this
// package builds is a P2TR tapscript 2-of-2 (scripts.go): its 34-byte
// pkScript matches P2WSHOutputSize, and its spend is estimated with the
// CHECKMULTISIG witness figures below, which do not count the taproot
// control block. The HTLC- and commitment-revocation-script sizes that file
// also carried have no counterpart here.
const (
	// P2WSHOutputSize: value(8) + var_int(1) + pkscript-p2wsh(34).
	P2WSHOutputSize = 8 + 1 + 34

	// P2WPKHOutputSize: value(8) + var_int(1) + pkscript-p2wpkh(22).
	P2WPKHOutputSize = 8 + 1 + 22

	// MultiSigWitnessScriptSize: OP_2(1) + len+pubA(34) + len+pubB(34) +
	// OP_2(1) + OP_CHECKMULTISIG(1).
	MultiSigWitnessScriptSize = 1 + 34 + 34 + 1 + 1

	// FundingWitnessSize: numElements(1) + nil(1) + sigA(1+73) +
	// sigB(1+73) + redeemScript(1+MultiSigWitnessScriptSize).
	FundingWitnessSize = 1 + 1 + 1 + 73 + 1 + 73 + 1 + MultiSigWitnessScriptSize

	// BaseTxSize: version(4) + locktime(4) + input/output count varints,
	// approximated as 2 bytes total the way the teacher's estimator does.
	BaseTxSize = 4 + 4 + 2

	// InputBaseSize: outpoint(36) + scriptSig varint+empty(1) + sequence(4).
	InputBaseSize = 36 + 1 + 4

	// witnessScaleFactor converts witness bytes to weight units, per BIP-141.
	witnessScaleFactor = 4
)

// EstimateFundingWeight estimates the funding transaction's weight given
// the number of offerer/acceptor inputs (assumed P2WPKH) and whether each
// side needs a change output, mirroring the teacher's
// estimateCommitTxWeight's per-component accounting applied to a funding
// transaction instead of a commitment transaction.
func EstimateFundingWeight(offerInputs, acceptInputs int, offerChange, acceptChange bool) int64 {
	baseSize := int64(BaseTxSize)
	witnessSize := int64(0)

	totalInputs := offerInputs + acceptInputs
	baseSize += int64(totalInputs) * InputBaseSize
	witnessSize += int64(totalInputs) * (1 + 1 + 73 + 1 + 33) // P2WPKH witness

	// Funding output itself.
	baseSize += P2WSHOutputSize

	if offerChange {
		baseSize += P2WPKHOutputSize
	}
	if acceptChange {
		baseSize += P2WPKHOutputSize
	}

	return baseSize*witnessScaleFactor + witnessSize
}

// EstimateCETWeight estimates a CET/refund transaction's weight: one
// funding input spent via the 2-of-2 witness, two payout outputs.
func EstimateCETWeight() int64 {
	baseSize := int64(BaseTxSize) + InputBaseSize + 2*P2WPKHOutputSize
	witnessSize := int64(FundingWitnessSize)
	return baseSize*witnessScaleFactor + witnessSize
}
