package proxy

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"

	"github.com/sirupsen/logrus"

	"github.com/skyformat99/ratched/internal/config"
	"github.com/skyformat99/ratched/internal/egress"
	"github.com/skyformat99/ratched/internal/metrics"
	"github.com/skyformat99/ratched/internal/mitm"
	"github.com/skyformat99/ratched/internal/pki"
	"github.com/skyformat99/ratched/internal/rules"
)

// Server accepts redirected TCP connections, decides per destination
// whether to tunnel them untouched or to terminate the client's TLS with a
// forged leaf and re-originate it upstream.
type Server struct {
	cfg     *config.Config
	log     *logrus.Logger
	rules   *rules.Engine
	forgery *mitm.Forgery
	dialer  *egress.Dialer
	stats   *metrics.Aggregator

	mu     sync.Mutex
	ln     net.Listener
	closed atomic.Bool
	wg     sync.WaitGroup
}

func NewServer(cfg *config.Config, log *logrus.Logger) (*Server, error) {
	forgery, err := mitm.Init(mitm.Config{
		ConfigDir:        cfg.ConfigDir,
		Key:              pki.KeySpec{Type: pki.KeyType(cfg.Key.Type), RSABits: cfg.Key.RSABits, Curve: cfg.Key.ECCCurve},
		MarkForged:       cfg.Forge.MarkCertificates,
		CRLURI:           cfg.Forge.CRLURI,
		OCSPResponderURI: cfg.Forge.OCSPResponderURI,
		DumpCertificates: cfg.Logging.DumpCertificates,
	}, log)
	if err != nil {
		return nil, err
	}

	var clientCert *tls.Certificate
	if cfg.Egress.ClientCert {
		leaf, err := forgery.ForgeClientCertificate("ratched TLS client")
		if err != nil {
			return nil, err
		}
		clientCert = &tls.Certificate{
			Certificate: [][]byte{leaf.Raw, forgery.RootCertificate().Raw},
			PrivateKey:  forgery.ClientKey(),
			Leaf:        leaf,
		}
	}

	return &Server{
		cfg:     cfg,
		log:     log,
		rules:   rules.New(cfg.Mode, cfg.InterceptList),
		forgery: forgery,
		dialer:  egress.NewDialer(cfg.Egress.FragmentHello, clientCert),
		stats:   metrics.NewAggregator(),
	}, nil
}

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	if s.cfg.Limits.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.Limits.MaxConns)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Infof("listening on %s", s.cfg.Listen)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	s.mu.Lock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.forgery.Close()
	return nil
}

// Stats exposes the metrics aggregator for external services
func (s *Server) Stats() *metrics.Aggregator { return s.stats }

// Addr returns the bound listener address, nil before ListenAndServe.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Forgery exposes the certificate authority core.
func (s *Server) Forgery() *mitm.Forgery { return s.forgery }

// destination works out where the intercepted connection was headed. With
// TPROXY-style redirection the local address of the accepted socket is the
// original destination; a configured default target overrides it.
func (s *Server) destination(conn net.Conn) (string, netip.Addr) {
	if s.cfg.DefaultTarget != "" {
		host, _, err := net.SplitHostPort(s.cfg.DefaultTarget)
		var a netip.Addr
		if err == nil {
			a, _ = netip.ParseAddr(host)
		}
		return s.cfg.DefaultTarget, a.Unmap()
	}
	if ta, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		a, _ := netip.AddrFromSlice(ta.IP)
		return ta.String(), a.Unmap()
	}
	return "", netip.Addr{}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	if s.cfg.Limits.ReadTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.Limits.ReadTimeout))
	}
	dst, dstIP := s.destination(conn)
	if dst == "" {
		s.log.Warnf("no destination for connection from %s", conn.RemoteAddr())
		return
	}
	start := time.Now()
	if !s.rules.ShouldIntercept(dst) {
		s.tunnel(conn, dst, start)
		return
	}
	s.intercept(conn, dst, dstIP, start)
}

func (s *Server) dialTimeout() time.Duration {
	if s.cfg.Limits.WriteTimeout > 0 {
		return s.cfg.Limits.WriteTimeout
	}
	return 10 * time.Second
}

func (s *Server) tunnel(clientConn net.Conn, dst string, start time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), s.dialTimeout())
	defer cancel()
	upstream, err := s.dialer.DialTCP(ctx, dst)
	if err != nil {
		s.log.Debugf("tunnel dial %s: %v", dst, err)
		return
	}
	defer upstream.Close()
	_ = clientConn.SetDeadline(time.Time{})
	up, down := pipe(clientConn, upstream)
	s.record(metrics.ActionTunnel, dst, "", start, down, up)
}

func (s *Server) intercept(clientConn net.Conn, dst string, dstIP netip.Addr, start time.Time) {
	tlsConn := tls.Server(clientConn, &tls.Config{
		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return s.certificateFor(chi.ServerName, dstIP)
		},
		MinVersion: tls.VersionTLS10,
	})
	if err := tlsConn.Handshake(); err != nil {
		s.log.Debugf("client handshake for %s: %v", dst, err)
		return
	}
	serverName := tlsConn.ConnectionState().ServerName

	ctx, cancel := context.WithTimeout(context.Background(), s.dialTimeout())
	defer cancel()
	upstream, err := s.dialer.DialTLS(ctx, dst, serverName)
	if err != nil {
		s.log.Debugf("upstream handshake for %s: %v", dst, err)
		return
	}
	defer upstream.Close()
	_ = clientConn.SetDeadline(time.Time{})
	up, down := pipe(tlsConn, upstream)
	s.record(metrics.ActionIntercept, dst, serverName, start, down, up)
}

// certificateFor resolves the forged leaf for an intercepted ClientHello.
// An empty serverName is an IP-only identity.
func (s *Server) certificateFor(serverName string, dstIP netip.Addr) (*tls.Certificate, error) {
	leaf, err := s.forgery.ForgeServerCertificate(serverName, dstIP)
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{
		Certificate: [][]byte{leaf.Raw, s.forgery.RootCertificate().Raw},
		PrivateKey:  s.forgery.ServerKey(),
		Leaf:        leaf,
	}, nil
}

func (s *Server) record(action, dst, serverName string, start time.Time, bytesIn, bytesOut int64) {
	host, _, _ := net.SplitHostPort(dst)
	ev := metrics.ConnectionEvent{
		Ts:       time.Now().UTC(),
		Host:     serverName,
		IP:       host,
		Action:   action,
		Ms:       time.Since(start).Milliseconds(),
		BytesIn:  bytesIn,
		BytesOut: bytesOut,
	}
	if s.stats != nil {
		s.stats.Add(ev)
	}
}

// pipe copies both directions until either side closes and returns the
// client->upstream and upstream->client byte counts.
func pipe(client, upstream net.Conn) (up, down int64) {
	done := make(chan struct{}, 2)
	go func() {
		n, _ := io.Copy(upstream, client)
		if tc, ok := upstream.(interface{ CloseWrite() error }); ok {
			_ = tc.CloseWrite()
		}
		up = n
		done <- struct{}{}
	}()
	go func() {
		n, _ := io.Copy(client, upstream)
		if tc, ok := client.(interface{ CloseWrite() error }); ok {
			_ = tc.CloseWrite()
		}
		down = n
		done <- struct{}{}
	}()
	<-done
	<-done
	return up, down
}
