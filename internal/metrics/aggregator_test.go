package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAggregatorCounts(t *testing.T) {
	a := NewAggregator()
	a.Add(ConnectionEvent{Ts: time.Now(), Host: "example.com", IP: "192.0.2.7", Action: ActionIntercept, BytesIn: 100, BytesOut: 40})
	a.Add(ConnectionEvent{Ts: time.Now(), IP: "192.0.2.8", Action: ActionTunnel, BytesIn: 10})
	a.Add(ConnectionEvent{Ts: time.Now(), Host: "example.com", IP: "192.0.2.7", Action: ActionIntercept})

	s := a.Snapshot(CertStats{Forged: 2, CacheHits: 1, CacheMisses: 2})
	require.EqualValues(t, 3, s.TotalConns)
	require.EqualValues(t, 2, s.Intercepted)
	require.EqualValues(t, 1, s.Tunneled)
	require.EqualValues(t, 110, s.BytesIn)
	require.EqualValues(t, 40, s.BytesOut)
	require.EqualValues(t, 2, s.Hosts["example.com"].Conns)
	require.EqualValues(t, 1, s.Hosts["192.0.2.8"].Conns, "hostless events key on IP")
	require.EqualValues(t, 2, s.Certificates.Forged)
}

func TestSubscribeReceivesEvents(t *testing.T) {
	a := NewAggregator()
	ch, cancel := a.Subscribe()
	defer cancel()

	ev := ConnectionEvent{Ts: time.Now(), Host: "example.com", Action: ActionIntercept}
	a.Add(ev)

	select {
	case got := <-ch:
		require.Equal(t, "example.com", got.Host)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestBacklogStaysBounded(t *testing.T) {
	a := NewAggregator()
	for i := 0; i < 2000; i++ {
		a.Add(ConnectionEvent{Ts: time.Now(), Host: "example.com", Action: ActionTunnel, BytesIn: int64(i)})
	}
	a.mu.Lock()
	n := len(a.buf)
	last := a.buf[n-1]
	a.mu.Unlock()
	require.LessOrEqual(t, n, eventBacklog)
	require.EqualValues(t, 1999, last.BytesIn, "buffer must keep the most recent events")
}

func TestCancelDuringReplayDoesNotPanic(t *testing.T) {
	a := NewAggregator()
	for i := 0; i < eventBacklog; i++ {
		a.Add(ConnectionEvent{Ts: time.Now(), Host: "example.com", Action: ActionIntercept})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			a.Add(ConnectionEvent{Ts: time.Now(), Host: "example.com", Action: ActionTunnel})
		}
	}()
	// subscribers that vanish immediately must never take the process down
	for i := 0; i < 200; i++ {
		ch, cancel := a.Subscribe()
		cancel()
		for range ch {
			// drain replayed events until the close lands
		}
	}
	<-done
}

func TestSubscribeReplaysBacklog(t *testing.T) {
	a := NewAggregator()
	a.Add(ConnectionEvent{Ts: time.Now(), Host: "early.example", Action: ActionTunnel})

	ch, cancel := a.Subscribe()
	defer cancel()

	select {
	case got := <-ch:
		require.Equal(t, "early.example", got.Host)
	case <-time.After(time.Second):
		t.Fatal("backlog not replayed")
	}
}
