// Package gate authenticates encrypted inputs before a contract folds them
// into its state. A submission carries a proof binding the ciphertext to the
// submitter identity and the target contract; the gate accepts or rejects it
// without looking inside the ciphertext.
package gate

import (
	"encoding/hex"
	"strings"

	"go.dedis.ch/dela/crypto"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/suites"
	"golang.org/x/xerrors"
)

var suite = suites.MustFind("Ed25519")

// submitterPrefix is the prefix of the text form of an ed25519 public key.
const submitterPrefix = "schnorr:"

// Validator authenticates a ciphertext as produced by the submitter for the
// target context. The contracts call it exactly once per submission attempt,
// before mutating any state.
type Validator interface {
	Validate(ciphertext, proof, submitter, context []byte) error
}

// Schnorr validates proofs as schnorr signatures over the digest of the
// ciphertext and the target context, verified against the submitter's
// ed25519 public key. The submitter is expected in the text form produced
// by the dela ed25519 identities.
//
// - implements gate.Validator
type Schnorr struct{}

// Validate implements gate.Validator. It returns nil when the proof binds
// the ciphertext to the submitter and the context.
func (Schnorr) Validate(ciphertext, proof, submitter, context []byte) error {
	text := string(submitter)
	if !strings.HasPrefix(text, submitterPrefix) {
		return xerrors.Errorf("invalid submitter '%s'", text)
	}

	data, err := hex.DecodeString(strings.TrimPrefix(text, submitterPrefix))
	if err != nil {
		return xerrors.Errorf("failed to decode submitter: %v", err)
	}

	point := suite.Point()

	err = point.UnmarshalBinary(data)
	if err != nil {
		return xerrors.Errorf("failed to unmarshal submitter point: %v", err)
	}

	err = schnorr.Verify(suite, point, digest(ciphertext, context), proof)
	if err != nil {
		return xerrors.Errorf("schnorr verify failed: %v", err)
	}

	return nil
}

// Prove signs the binding of a ciphertext to a target context. Submitters
// use it to produce the proof expected by the schnorr validator.
func Prove(signer crypto.Signer, ciphertext, context []byte) ([]byte, error) {
	sig, err := signer.Sign(digest(ciphertext, context))
	if err != nil {
		return nil, xerrors.Errorf("failed to sign: %v", err)
	}

	data, err := sig.MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal signature: %v", err)
	}

	return data, nil
}

func digest(ciphertext, context []byte) []byte {
	h := crypto.NewHashFactory(crypto.Sha256).New()
	h.Write(ciphertext)
	h.Write(context)

	return h.Sum(nil)
}
