package rules

import (
	"net"
	"strings"
)

type Mode string

const (
	ModeAll  Mode = "all"
	ModeList Mode = "list"
	ModeNone Mode = "none"
)

type Engine struct {
	Mode   Mode
	Suffix []string
	Exact  []string // dotted-decimal addresses match exactly, never by suffix
}

func New(mode string, list []string) *Engine {
	e := &Engine{Mode: Mode(mode)}
	for _, d := range list {
		s := strings.ToLower(strings.TrimSpace(d))
		if s == "" {
			continue
		}
		if net.ParseIP(s) != nil {
			e.Exact = append(e.Exact, s)
			continue
		}
		e.Suffix = append(e.Suffix, s)
	}
	return e
}

// ShouldIntercept decides whether a host:port gets its TLS terminated and
// re-originated, or is tunneled untouched.
func (e *Engine) ShouldIntercept(hostport string) bool {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	host = strings.ToLower(host)
	switch e.Mode {
	case ModeAll:
		return true
	case ModeList:
		for _, a := range e.Exact {
			if host == a {
				return true
			}
		}
		for _, suf := range e.Suffix {
			if host == suf || strings.HasSuffix(host, "."+suf) {
				return true
			}
		}
		return false
	case ModeNone:
		return false
	default:
		return false
	}
}
