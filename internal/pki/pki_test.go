package pki

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateKeyRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		spec KeySpec
	}{
		{"ecc", KeySpec{Type: KeyTypeECC, Curve: "secp256r1", Purpose: "root"}},
		{"rsa", KeySpec{Type: KeyTypeRSA, RSABits: 2048, Purpose: "TLS server"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "key.pem")
			key, err := LoadOrGenerateKey(tc.spec, path)
			require.NoError(t, err)

			info, err := os.Stat(path)
			require.NoError(t, err)
			require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

			again, err := LoadOrGenerateKey(tc.spec, path)
			require.NoError(t, err)
			switch k := key.(type) {
			case *ecdsa.PrivateKey:
				require.True(t, k.Equal(again))
			case *rsa.PrivateKey:
				require.True(t, k.Equal(again))
			default:
				t.Fatalf("unexpected key type %T", key)
			}
		})
	}
}

func TestLoadOrGenerateKeyRejectsBadSpecs(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadOrGenerateKey(KeySpec{Type: "dsa", Purpose: "root"}, filepath.Join(dir, "a.pem"))
	require.Error(t, err)
	_, err = LoadOrGenerateKey(KeySpec{Type: KeyTypeECC, Curve: "brainpoolP256r1", Purpose: "root"}, filepath.Join(dir, "b.pem"))
	require.Error(t, err)
}

func TestLoadOrGenerateKeyRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))
	_, err := LoadOrGenerateKey(KeySpec{Type: KeyTypeECC, Curve: "secp256r1", Purpose: "root"}, path)
	require.Error(t, err)
}

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := LoadOrGenerateKey(KeySpec{Type: KeyTypeECC, Curve: "secp256r1", Purpose: "test"},
		filepath.Join(t.TempDir(), "key.pem"))
	require.NoError(t, err)
	return key.(*ecdsa.PrivateKey)
}

func TestSignSelfSignedCA(t *testing.T) {
	key := testKey(t)
	cert, err := SignCertificate(&CertificateSpec{
		SubjectPublicKey: key.Public(),
		IssuerKey:        key,
		CommonName:       "test root",
		IsCA:             true,
		Predate:          24 * time.Hour,
		Validity:         5 * 365 * 24 * time.Hour,
	})
	require.NoError(t, err)
	require.True(t, cert.IsCA)
	require.Equal(t, "test root", cert.Subject.CommonName)
	require.Equal(t, cert.Subject.CommonName, cert.Issuer.CommonName)
	require.True(t, cert.NotBefore.Before(time.Now()))
	require.WithinDuration(t, time.Now().Add(-24*time.Hour), cert.NotBefore, time.Minute)
	require.WithinDuration(t, cert.NotBefore.Add(5*365*24*time.Hour), cert.NotAfter, time.Minute)
	require.False(t, IsMarkedForged(cert))
}

func TestSignLeafExtensions(t *testing.T) {
	caKey := testKey(t)
	ca, err := SignCertificate(&CertificateSpec{
		SubjectPublicKey: caKey.Public(),
		IssuerKey:        caKey,
		CommonName:       "test root",
		IsCA:             true,
		Predate:          time.Hour,
		Validity:         time.Hour * 24,
	})
	require.NoError(t, err)

	leafKey := testKey(t)
	leaf, err := SignCertificate(&CertificateSpec{
		SubjectPublicKey:  leafKey.Public(),
		IssuerKey:         caKey,
		IssuerCertificate: ca,
		CommonName:        "example.com",
		DNSName:           "example.com",
		IPv4:              netip.MustParseAddr("192.0.2.7"),
		Predate:           time.Hour,
		Validity:          time.Hour * 24,
		CRLURI:            "http://crl.example/root.crl",
		OCSPResponderURI:  "http://ocsp.example",
		MarkForged:        true,
	})
	require.NoError(t, err)
	require.False(t, leaf.IsCA)
	require.Equal(t, []string{"example.com"}, leaf.DNSNames)
	require.Equal(t, []string{"http://crl.example/root.crl"}, leaf.CRLDistributionPoints)
	require.Equal(t, []string{"http://ocsp.example"}, leaf.OCSPServer)
	require.True(t, IsMarkedForged(leaf))
	require.Equal(t, "test root", leaf.Issuer.CommonName)
}

func TestLoadOrCreateSelfSigned(t *testing.T) {
	key := testKey(t)
	spec := &CertificateSpec{
		SubjectPublicKey: key.Public(),
		IssuerKey:        key,
		CommonName:       "test root",
		IsCA:             true,
		Predate:          time.Hour,
		Validity:         time.Hour * 24,
	}
	path := filepath.Join(t.TempDir(), "root.crt")

	_, err := LoadOrCreateSelfSigned(spec, path, false, false)
	require.Error(t, err, "createIfMissing=false must not mint")

	cert, err := LoadOrCreateSelfSigned(spec, path, true, true)
	require.NoError(t, err)

	again, err := LoadOrCreateSelfSigned(spec, path, true, true)
	require.NoError(t, err)
	require.Equal(t, 0, cert.SerialNumber.Cmp(again.SerialNumber), "reload must return the persisted certificate")
}

func TestCertificateText(t *testing.T) {
	key := testKey(t)
	cert, err := SignCertificate(&CertificateSpec{
		SubjectPublicKey: key.Public(),
		IssuerKey:        key,
		CommonName:       "test root",
		IsCA:             true,
		Predate:          time.Hour,
		Validity:         time.Hour,
		MarkForged:       true,
	})
	require.NoError(t, err)
	text := CertificateText(cert)
	require.Contains(t, text, "CN=test root")
	require.Contains(t, text, "ca=true")
	require.Contains(t, text, "marked=true")
}
