package mitm

import (
	"crypto/x509"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheLookupModesAreDisjoint(t *testing.T) {
	var c certCache
	addr := netip.MustParseAddr("192.0.2.1")
	hostCert := &x509.Certificate{}
	ipCert := &x509.Certificate{}

	c.insert("example.com", addr, hostCert)
	require.Nil(t, c.find("", addr))
	require.Nil(t, c.find("other.example", addr))
	require.Same(t, hostCert, c.find("example.com", addr))

	c.insert("", addr, ipCert)
	require.Same(t, ipCert, c.find("", addr))
	require.Same(t, hostCert, c.find("example.com", addr))
	require.Equal(t, 2, c.size())
}

func TestCacheDistinguishesAddresses(t *testing.T) {
	var c certCache
	a := netip.MustParseAddr("192.0.2.1")
	b := netip.MustParseAddr("192.0.2.2")
	cert := &x509.Certificate{}

	c.insert("example.com", a, cert)
	require.Nil(t, c.find("example.com", b))
	require.Same(t, cert, c.find("example.com", a))
}
