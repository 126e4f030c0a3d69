package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	ActionIntercept = "intercept"
	ActionTunnel    = "tunnel"
)

// eventBacklog bounds the recent-event buffer replayed to late subscribers.
const eventBacklog = 200

type ConnectionEvent struct {
	Ts       time.Time `json:"ts"`
	Host     string    `json:"host"`
	IP       string    `json:"ip"`
	Action   string    `json:"action"`
	Ms       int64     `json:"ms"`
	BytesIn  int64     `json:"bytesIn"`
	BytesOut int64     `json:"bytesOut"`
}

type hostStat struct {
	Conns    uint64 `json:"conns"`
	BytesIn  uint64 `json:"bytesIn"`
	BytesOut uint64 `json:"bytesOut"`
}

// CertStats mirrors the forgery core's counters in the snapshot.
type CertStats struct {
	Forged      uint64 `json:"forged"`
	CacheHits   uint64 `json:"cacheHits"`
	CacheMisses uint64 `json:"cacheMisses"`
}

type Snapshot struct {
	UptimeSec    uint64              `json:"uptimeSec"`
	TotalConns   uint64              `json:"totalConns"`
	Intercepted  uint64              `json:"intercepted"`
	Tunneled     uint64              `json:"tunneled"`
	BytesIn      uint64              `json:"bytesIn"`
	BytesOut     uint64              `json:"bytesOut"`
	Hosts        map[string]hostStat `json:"hosts"`
	Certificates CertStats           `json:"certificates"`
}

type Aggregator struct {
	startedAt   time.Time
	totalConns  atomic.Uint64
	intercepted atomic.Uint64
	tunneled    atomic.Uint64
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64

	mu    sync.Mutex
	hosts map[string]hostStat
	buf   []ConnectionEvent // ring buffer for recent events to support late subscribers

	// subscribers receive events; non-blocking broadcast
	subMu sync.Mutex
	subs  map[chan ConnectionEvent]struct{}
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		startedAt: time.Now(),
		hosts:     make(map[string]hostStat),
		buf:       make([]ConnectionEvent, 0, eventBacklog),
		subs:      make(map[chan ConnectionEvent]struct{}),
	}
}

func (a *Aggregator) Add(ev ConnectionEvent) {
	a.totalConns.Add(1)
	switch ev.Action {
	case ActionIntercept:
		a.intercepted.Add(1)
	case ActionTunnel:
		a.tunneled.Add(1)
	}
	if ev.BytesIn > 0 {
		a.bytesIn.Add(uint64(ev.BytesIn))
	}
	if ev.BytesOut > 0 {
		a.bytesOut.Add(uint64(ev.BytesOut))
	}
	key := ev.Host
	if key == "" {
		key = ev.IP
	}
	a.mu.Lock()
	hs := a.hosts[key]
	hs.Conns++
	if ev.BytesIn > 0 {
		hs.BytesIn += uint64(ev.BytesIn)
	}
	if ev.BytesOut > 0 {
		hs.BytesOut += uint64(ev.BytesOut)
	}
	a.hosts[key] = hs
	// keep only the most recent events; trimming in place keeps the
	// backing array at its original capacity
	if len(a.buf) >= eventBacklog {
		copy(a.buf, a.buf[1:])
		a.buf = a.buf[:eventBacklog-1]
	}
	a.buf = append(a.buf, ev)
	a.mu.Unlock()

	a.subMu.Lock()
	for ch := range a.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	a.subMu.Unlock()
}

func (a *Aggregator) Snapshot(certs CertStats) Snapshot {
	s := Snapshot{
		UptimeSec:    uint64(time.Since(a.startedAt).Seconds()),
		TotalConns:   a.totalConns.Load(),
		Intercepted:  a.intercepted.Load(),
		Tunneled:     a.tunneled.Load(),
		BytesIn:      a.bytesIn.Load(),
		BytesOut:     a.bytesOut.Load(),
		Hosts:        make(map[string]hostStat),
		Certificates: certs,
	}
	a.mu.Lock()
	for k, v := range a.hosts {
		s.Hosts[k] = v
	}
	a.mu.Unlock()
	return s
}

func (a *Aggregator) Subscribe() (chan ConnectionEvent, func()) {
	ch := make(chan ConnectionEvent, 64)
	// replay recent events into the buffer before the subscriber is
	// registered, so cancel can never race a replay send; a full buffer
	// drops the rest
	a.mu.Lock()
	backlog := make([]ConnectionEvent, len(a.buf))
	copy(backlog, a.buf)
	a.mu.Unlock()
	for _, ev := range backlog {
		select {
		case ch <- ev:
		default:
		}
	}
	a.subMu.Lock()
	a.subs[ch] = struct{}{}
	a.subMu.Unlock()
	cancel := func() {
		a.subMu.Lock()
		if _, ok := a.subs[ch]; ok {
			delete(a.subs, ch)
			close(ch)
		}
		a.subMu.Unlock()
	}
	return ch, cancel
}
