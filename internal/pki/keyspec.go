package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"

	"github.com/pkg/errors"
)

// KeyType selects the cryptosystem of a provisioned keypair.
type KeyType string

const (
	KeyTypeRSA KeyType = "rsa"
	KeyTypeECC KeyType = "ecc"
)

// KeySpec describes one keypair to provision. Purpose only shows up in
// diagnostics.
type KeySpec struct {
	Type    KeyType
	RSABits int
	Curve   string
	Purpose string
}

func (s KeySpec) generate() (crypto.Signer, error) {
	switch s.Type {
	case KeyTypeRSA:
		bits := s.RSABits
		if bits == 0 {
			bits = 2048
		}
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, errors.Wrapf(err, "generate RSA-%d keypair for %s", bits, s.Purpose)
		}
		return key, nil
	case KeyTypeECC:
		curve, err := curveByName(s.Curve)
		if err != nil {
			return nil, errors.Wrapf(err, "keypair for %s", s.Purpose)
		}
		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, errors.Wrapf(err, "generate %s keypair for %s", s.Curve, s.Purpose)
		}
		return key, nil
	default:
		return nil, errors.Errorf("unknown key type %q for %s", s.Type, s.Purpose)
	}
}

func curveByName(name string) (elliptic.Curve, error) {
	switch name {
	case "", "secp384r1", "P-384":
		return elliptic.P384(), nil
	case "secp256r1", "prime256v1", "P-256":
		return elliptic.P256(), nil
	case "secp521r1", "P-521":
		return elliptic.P521(), nil
	}
	return nil, errors.Errorf("unsupported curve %q", name)
}
