package egress

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/FloatTech/ttl"
	"github.com/fumiama/terasu"
)

// Dialer re-originates intercepted connections toward the real upstream.
type Dialer struct {
	// FragmentHello splits the outgoing ClientHello the way terasu does,
	// for upstream paths that reset on a visible SNI.
	FragmentHello bool
	// ClientCert, when set, is presented if the upstream requests client
	// authentication.
	ClientCert *tls.Certificate

	d        net.Dialer
	resolved *ttl.Cache[string, []string]
}

func NewDialer(fragmentHello bool, clientCert *tls.Certificate) *Dialer {
	return &Dialer{
		FragmentHello: fragmentHello,
		ClientCert:    clientCert,
		d:             net.Dialer{Timeout: 10 * time.Second},
		resolved:      ttl.NewCache[string, []string](time.Hour),
	}
}

func (e *Dialer) lookup(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}
	if addrs := e.resolved.Get(host); len(addrs) > 0 {
		return addrs, nil
	}
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	e.resolved.Set(host, addrs)
	return addrs, nil
}

// DialTCP connects to addr without touching the byte stream.
func (e *Dialer) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	addrs, err := e.lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	var conn net.Conn
	for _, a := range addrs {
		conn, err = e.d.DialContext(ctx, "tcp", net.JoinHostPort(a, port))
		if err == nil {
			return conn, nil
		}
	}
	return nil, err
}

// DialTLS connects to addr and completes a TLS client handshake using
// serverName as SNI. Upstream certificates are not verified; the tool talks
// to arbitrary hosts on the intercepted client's behalf.
func (e *Dialer) DialTLS(ctx context.Context, addr, serverName string) (*tls.Conn, error) {
	raw, err := e.DialTCP(ctx, addr)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
	}
	if e.ClientCert != nil {
		cfg.Certificates = []tls.Certificate{*e.ClientCert}
	}
	tlsConn := tls.Client(raw, cfg)
	if e.FragmentHello && terasu.DefaultFirstFragmentLen > 0 {
		err = terasu.Use(tlsConn).HandshakeContext(ctx, terasu.DefaultFirstFragmentLen)
		if err != nil {
			_ = tlsConn.Close()
			// retry with a normal handshake
			raw, err = e.DialTCP(ctx, addr)
			if err != nil {
				return nil, err
			}
			tlsConn = tls.Client(raw, cfg)
			err = tlsConn.HandshakeContext(ctx)
		}
	} else {
		err = tlsConn.HandshakeContext(ctx)
	}
	if err != nil {
		_ = tlsConn.Close()
		return nil, err
	}
	return tlsConn, nil
}
