package pki

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"
)

// LoadOrGenerateKey reads PEM key material from path if present, otherwise
// generates a keypair matching spec and persists it there.
func LoadOrGenerateKey(spec KeySpec, path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, perr := ParsePrivateKeyPEM(data)
		if perr != nil {
			return nil, errors.Wrapf(perr, "parse %s key %s", spec.Purpose, path)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "read %s key", spec.Purpose)
	}
	key, err := spec.generate()
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s key", spec.Purpose)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, block, 0o600); err != nil {
		return nil, errors.Wrapf(err, "persist %s key", spec.Purpose)
	}
	return key, nil
}

// ParsePrivateKeyPEM accepts PKCS#8, PKCS#1 and SEC1 encodings.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errors.Errorf("unsupported private key type %T", key)
		}
		return signer, nil
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	}
	return nil, errors.Errorf("unsupported PEM block %q", block.Type)
}
