// Package elgamal implements the homomorphic engine of the module with
// exponential ElGamal over the Ed25519 group.
//
// A value v is encrypted for the public point P as the pair (rG, rP + vG)
// with a fresh random scalar r. Adding two ciphertexts point-wise yields a
// ciphertext of the sum of the plaintexts, which is the fold operation the
// contracts rely on. Decryption removes the shared secret and then searches
// the bounded multiples of the base point, so only values up to MaxValue
// can be recovered.
package elgamal

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/suites"
	"golang.org/x/xerrors"
)

var suite = suites.MustFind("Ed25519")

// MaxValue bounds the discrete logarithm search of the decryption.
const MaxValue = 1 << 24

// pointLen is the marshaled size of an Ed25519 point.
const pointLen = 32

// NewKeyPair returns a fresh secret scalar and the matching public point.
func NewKeyPair() (kyber.Scalar, kyber.Point) {
	secret := suite.Scalar().Pick(suite.RandomStream())

	return secret, suite.Point().Mul(secret, nil)
}

// Cipher encrypts values and folds ciphertexts for a public point.
//
// - implements evalue.Folder
type Cipher struct {
	pub kyber.Point
}

// NewCipher creates a cipher for the given public point.
func NewCipher(pub kyber.Point) Cipher {
	return Cipher{pub: pub}
}

// Encrypt returns the ciphertext of the value.
func (c Cipher) Encrypt(value uint64) ([]byte, error) {
	r := suite.Scalar().Pick(suite.RandomStream())

	k := suite.Point().Mul(r, nil)
	shared := suite.Point().Mul(r, c.pub)
	msg := suite.Point().Mul(suite.Scalar().SetInt64(int64(value)), nil)

	return marshalPair(k, suite.Point().Add(shared, msg))
}

// Fold implements evalue.Folder. It adds the two ciphertexts point-wise. A
// nil first operand denotes the zero slot and returns the second operand.
func (c Cipher) Fold(a, b []byte) ([]byte, error) {
	kb, cb, err := unmarshalPair(b)
	if err != nil {
		return nil, xerrors.Errorf("invalid ciphertext: %v", err)
	}

	if len(a) == 0 {
		return append([]byte{}, b...), nil
	}

	ka, ca, err := unmarshalPair(a)
	if err != nil {
		return nil, xerrors.Errorf("invalid slot: %v", err)
	}

	return marshalPair(suite.Point().Add(ka, kb), suite.Point().Add(ca, cb))
}

// Decrypter recovers bounded plaintexts with the secret scalar.
//
// - implements reveal.Decrypter
type Decrypter struct {
	secret kyber.Scalar
	max    uint64
}

// NewDecrypter creates a decrypter for the given secret scalar.
func NewDecrypter(secret kyber.Scalar) Decrypter {
	return Decrypter{secret: secret, max: MaxValue}
}

// Decrypt implements reveal.Decrypter. It returns the plaintext of the
// ciphertext, walking the multiples of the base point until it finds the
// matching one.
func (d Decrypter) Decrypt(ciphertext []byte) (uint64, error) {
	k, c, err := unmarshalPair(ciphertext)
	if err != nil {
		return 0, xerrors.Errorf("invalid ciphertext: %v", err)
	}

	msg := suite.Point().Sub(c, suite.Point().Mul(d.secret, k))

	base := suite.Point().Base()
	cur := suite.Point().Null()

	for value := uint64(0); value <= d.max; value++ {
		if cur.Equal(msg) {
			return value, nil
		}

		cur.Add(cur, base)
	}

	return 0, xerrors.Errorf("plaintext out of range: bound %d exceeded", d.max)
}

func marshalPair(k, c kyber.Point) ([]byte, error) {
	kbuf, err := k.MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal point: %v", err)
	}

	cbuf, err := c.MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal point: %v", err)
	}

	return append(kbuf, cbuf...), nil
}

func unmarshalPair(data []byte) (kyber.Point, kyber.Point, error) {
	if len(data) != 2*pointLen {
		return nil, nil, xerrors.Errorf("invalid length %d", len(data))
	}

	k := suite.Point()

	err := k.UnmarshalBinary(data[:pointLen])
	if err != nil {
		return nil, nil, xerrors.Errorf("failed to unmarshal point: %v", err)
	}

	c := suite.Point()

	err = c.UnmarshalBinary(data[pointLen:])
	if err != nil {
		return nil, nil, xerrors.Errorf("failed to unmarshal point: %v", err)
	}

	return k, c, nil
}
