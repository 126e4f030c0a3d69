package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/pkg/errors"
)

// CertificateSpec describes a certificate to mint. A nil IssuerCertificate
// means self-signed. The value is consumed by the signing call and not
// retained.
type CertificateSpec struct {
	SubjectPublicKey  crypto.PublicKey
	IssuerKey         crypto.Signer
	IssuerCertificate *x509.Certificate
	CommonName        string
	IsCA              bool
	Predate           time.Duration
	Validity          time.Duration
	DNSName           string
	IPv4              netip.Addr
	CRLURI            string
	OCSPResponderURI  string
	MarkForged        bool
}

// nsComment extension; a visible marker that keeps forged certificates
// auditable without disturbing validation.
var nsCommentOID = asn1.ObjectIdentifier{2, 16, 840, 1, 113730, 1, 13}

const forgedComment = "Forged certificate"

// SignCertificate mints a certificate from spec and signs it with the
// issuer key.
func SignCertificate(spec *CertificateSpec) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, "generate serial number")
	}
	notBefore := time.Now().Add(-spec.Predate)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: spec.CommonName},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(spec.Validity),
		BasicConstraintsValid: true,
		IsCA:                  spec.IsCA,
	}
	if spec.IsCA {
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	} else {
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	}
	if spec.DNSName != "" {
		tmpl.DNSNames = []string{spec.DNSName}
	}
	if spec.IPv4.Is4() {
		b := spec.IPv4.As4()
		tmpl.IPAddresses = []net.IP{net.IP(b[:])}
	}
	if spec.CRLURI != "" {
		tmpl.CRLDistributionPoints = []string{spec.CRLURI}
	}
	if spec.OCSPResponderURI != "" {
		tmpl.OCSPServer = []string{spec.OCSPResponderURI}
	}
	if spec.MarkForged {
		val, merr := asn1.MarshalWithParams(forgedComment, "ia5")
		if merr != nil {
			return nil, errors.Wrap(merr, "encode forgery marker")
		}
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, pkix.Extension{Id: nsCommentOID, Value: val})
	}
	parent := spec.IssuerCertificate
	if parent == nil {
		parent = tmpl
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, spec.SubjectPublicKey, spec.IssuerKey)
	if err != nil {
		return nil, errors.Wrapf(err, "sign certificate for %q", spec.CommonName)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "reparse signed certificate")
	}
	return cert, nil
}

// LoadOrCreateSelfSigned reads a PEM certificate from path if present.
// Otherwise, when createIfMissing is set, it mints one from spec and, when
// persist is set, writes it back to path.
func LoadOrCreateSelfSigned(spec *CertificateSpec, path string, createIfMissing, persist bool) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		cert, perr := ParseCertificatePEM(data)
		if perr != nil {
			return nil, errors.Wrapf(perr, "parse certificate %s", path)
		}
		return cert, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "read certificate")
	}
	if !createIfMissing {
		return nil, errors.Errorf("certificate %s not found", path)
	}
	cert, err := SignCertificate(spec)
	if err != nil {
		return nil, err
	}
	if persist {
		if werr := os.WriteFile(path, EncodeCertificatePEM(cert), 0o644); werr != nil {
			return nil, errors.Wrap(werr, "persist certificate")
		}
	}
	return cert, nil
}

func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

func EncodeCertificatePEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// IsMarkedForged reports whether cert carries the forgery marker extension.
func IsMarkedForged(cert *x509.Certificate) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(nsCommentOID) {
			return true
		}
	}
	return false
}
