package mitm

import (
	"crypto"
	"crypto/x509"
	"net/netip"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/skyformat99/ratched/internal/pki"
)

const (
	rootKeyFile   = "root.key"
	serverKeyFile = "server.key"
	clientKeyFile = "client.key"
	rootCertFile  = "root.crt"

	validityPredate = 24 * time.Hour
	rootValidity    = 5 * 365 * 24 * time.Hour
	leafValidity    = 365 * 24 * time.Hour
)

// Config is the slice of program configuration the forgery core consumes.
type Config struct {
	ConfigDir        string
	Key              pki.KeySpec
	MarkForged       bool
	CRLURI           string
	OCSPResponderURI string
	DumpCertificates bool
}

// Stats are the forging counters exposed on the metrics surface.
type Stats struct {
	Forged      uint64 `json:"forged"`
	CacheHits   uint64 `json:"cacheHits"`
	CacheMisses uint64 `json:"cacheMisses"`
}

// Forgery owns the rogue root authority and every leaf certificate forged
// from it. Root material is immutable after Init and shared freely; the
// cache is the only mutable shared state.
type Forgery struct {
	cfg Config
	log *logrus.Logger

	rootCert  *x509.Certificate
	rootKey   crypto.Signer
	serverKey crypto.Signer
	clientKey crypto.Signer

	cache  certCache
	flight singleflight.Group

	forged      atomic.Uint64
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64

	// signing primitive, replaceable in tests
	sign func(*pki.CertificateSpec) (*x509.Certificate, error)
}

// Init provisions the three persistent keypairs and the self-signed root
// certificate under cfg.ConfigDir. Any failure here is fatal to startup;
// the returned error names the purpose that could not be provisioned.
func Init(cfg Config, log *logrus.Logger) (*Forgery, error) {
	if err := os.MkdirAll(cfg.ConfigDir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create config directory %s", cfg.ConfigDir)
	}
	f := &Forgery{cfg: cfg, log: log, sign: pki.SignCertificate}

	var err error
	if f.rootKey, err = f.provisionKey("root", rootKeyFile); err != nil {
		return nil, errors.Wrap(err, "unable to load or create root CA keypair")
	}
	if f.serverKey, err = f.provisionKey("TLS server", serverKeyFile); err != nil {
		return nil, errors.Wrap(err, "unable to load or create server keypair")
	}
	if f.clientKey, err = f.provisionKey("TLS client", clientKeyFile); err != nil {
		return nil, errors.Wrap(err, "unable to load or create client keypair")
	}

	rootSpec := &pki.CertificateSpec{
		SubjectPublicKey: f.rootKey.Public(),
		IssuerKey:        f.rootKey,
		CommonName:       "Evil root certificate",
		IsCA:             true,
		Predate:          validityPredate,
		Validity:         rootValidity,
		MarkForged:       cfg.MarkForged,
	}
	f.rootCert, err = pki.LoadOrCreateSelfSigned(rootSpec, filepath.Join(cfg.ConfigDir, rootCertFile), true, true)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load or create root CA certificate")
	}
	log.Debugf("using root certificate: %s", pki.CertificateText(f.rootCert))
	return f, nil
}

func (f *Forgery) provisionKey(purpose, filename string) (crypto.Signer, error) {
	spec := f.cfg.Key
	spec.Purpose = purpose
	return pki.LoadOrGenerateKey(spec, filepath.Join(f.cfg.ConfigDir, filename))
}

func (f *Forgery) RootCertificate() *x509.Certificate { return f.rootCert }
func (f *Forgery) RootKey() crypto.Signer             { return f.rootKey }
func (f *Forgery) ServerKey() crypto.Signer           { return f.serverKey }
func (f *Forgery) ClientKey() crypto.Signer           { return f.clientKey }

// ForgeServerCertificate returns the leaf certificate impersonating the
// given identity, minting and caching it on first use. An empty hostname
// means an IP-only identity. A failure is scoped to this identity and not
// cached; the forgery stays usable for other identities.
func (f *Forgery) ForgeServerCertificate(hostname string, addr netip.Addr) (*x509.Certificate, error) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return nil, errors.Errorf("forging needs an IPv4 address, got %q", addr)
	}
	if cert := f.cache.find(hostname, addr); cert != nil {
		f.cacheHits.Add(1)
		return cert, nil
	}
	// one signing operation per identity; concurrent misses for the same
	// identity share the winner's result, other identities proceed freely
	v, err, _ := f.flight.Do(hostname+"/"+addr.String(), func() (interface{}, error) {
		if cert := f.cache.find(hostname, addr); cert != nil {
			f.cacheHits.Add(1)
			return cert, nil
		}
		f.cacheMisses.Add(1)
		cert, err := f.forge(hostname, addr)
		if err != nil {
			return nil, err
		}
		f.cache.insert(hostname, addr, cert)
		f.forged.Add(1)
		if f.cfg.DumpCertificates {
			f.log.Debugf("created forged server certificate: %s", pki.CertificateText(cert))
		}
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*x509.Certificate), nil
}

func (f *Forgery) forge(hostname string, addr netip.Addr) (*x509.Certificate, error) {
	if hostname != "" {
		f.log.Debugf("forging certificate for %s (%s)", hostname, addr)
	} else {
		f.log.Debugf("forging certificate for %s", addr)
	}
	spec := &pki.CertificateSpec{
		SubjectPublicKey:  f.serverKey.Public(),
		IssuerKey:         f.rootKey,
		IssuerCertificate: f.rootCert,
		Predate:           validityPredate,
		Validity:          leafValidity,
		IPv4:              addr,
		CRLURI:            f.cfg.CRLURI,
		OCSPResponderURI:  f.cfg.OCSPResponderURI,
		MarkForged:        f.cfg.MarkForged,
	}
	if hostname != "" {
		spec.CommonName = hostname
		spec.DNSName = hostname
	} else {
		spec.CommonName = addr.String()
	}
	cert, err := f.sign(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "forge certificate for %q", spec.CommonName)
	}
	return cert, nil
}

// ForgeClientCertificate mints a client-auth leaf bound to the TLS client
// keypair, for upstream servers that demand mutual TLS. Not cached; callers
// forge one per purpose at startup.
func (f *Forgery) ForgeClientCertificate(commonName string) (*x509.Certificate, error) {
	spec := &pki.CertificateSpec{
		SubjectPublicKey:  f.clientKey.Public(),
		IssuerKey:         f.rootKey,
		IssuerCertificate: f.rootCert,
		CommonName:        commonName,
		Predate:           validityPredate,
		Validity:          leafValidity,
		MarkForged:        f.cfg.MarkForged,
	}
	cert, err := f.sign(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "forge client certificate for %q", commonName)
	}
	return cert, nil
}

func (f *Forgery) Stats() Stats {
	return Stats{
		Forged:      f.forged.Load(),
		CacheHits:   f.cacheHits.Load(),
		CacheMisses: f.cacheMisses.Load(),
	}
}

// Close drops the Forgery's own references to the root material. Cached
// certificates and references already handed out stay valid; callers must
// not forge after Close.
func (f *Forgery) Close() {
	f.rootCert = nil
	f.rootKey = nil
	f.serverKey = nil
	f.clientKey = nil
}
