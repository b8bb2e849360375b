package revocation

import (
	"github.com/btcsuite/btcd/btcec/v2"
)

// TweakPublishBase derives this update's publish-base point from a party's
// fixed base point, tweaked by the revocation secret revealed for the
// previous update — the concrete construction DESIGN.md's open-question
// decision settles on, mirroring Lightning's
// per-commitment-point-tweaked-key scheme for penalty outputs.
func TweakPublishBase(base *btcec.PublicKey, revocationSecret [32]byte) *btcec.PublicKey {
	var tweak btcec.ModNScalar
	tweak.SetBytes(&revocationSecret)

	var tweakPoint, baseJ, resultJ btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&tweak, &tweakPoint)
	base.AsJacobian(&baseJ)
	btcec.AddNonConst(&baseJ, &tweakPoint, &resultJ)
	resultJ.ToAffine()

	return btcec.NewPublicKey(&resultJ.X, &resultJ.Y)
}

// TweakPublishPrivKey derives the private key matching TweakPublishBase's
// output, for the party that owns the base point and the revealed secret.
func TweakPublishPrivKey(basePriv *btcec.PrivateKey, revocationSecret [32]byte) *btcec.PrivateKey {
	var tweak btcec.ModNScalar
	tweak.SetBytes(&revocationSecret)

	var result btcec.ModNScalar
	result.Set(&basePriv.Key)
	result.Add(&tweak)

	resultBytes := result.Bytes()
	priv, _ := btcec.PrivKeyFromBytes(resultBytes[:])
	return priv
}
