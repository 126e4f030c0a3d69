package mitm

import (
	"crypto/x509"
	"net/netip"
	"sync"
)

// serverCertificate is one cache record. An empty hostname means the
// identity is IP-only; hostname presence is part of the identity, so an
// IP-only record and a hostname record for the same address are distinct.
type serverCertificate struct {
	hostname    string
	addr        netip.Addr
	certificate *x509.Certificate
}

// certCache maps (hostname, IPv4) identities to forged leaf certificates.
// Entries are append-only for the process lifetime. The set of intercepted
// identities per session is small, so lookup stays a linear scan.
type certCache struct {
	mu      sync.Mutex
	entries []serverCertificate
}

func (c *certCache) find(hostname string, addr netip.Addr) *x509.Certificate {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		if c.entries[i].hostname == hostname && c.entries[i].addr == addr {
			return c.entries[i].certificate
		}
	}
	return nil
}

func (c *certCache) insert(hostname string, addr netip.Addr, cert *x509.Certificate) {
	c.mu.Lock()
	c.entries = append(c.entries, serverCertificate{hostname: hostname, addr: addr, certificate: cert})
	c.mu.Unlock()
}

func (c *certCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
