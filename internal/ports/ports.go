// Package ports implements the three-range integer port allocator: a
// rotating-cursor free-port search over disjoint [lo, hi] intervals, with
// idempotent reservation and release. Grounded on app/services/ports.py's
// PortAllocator, Go-ified with one mutex per allocator the way
// docker-tui's model guards its shared maps with per-concern locks
// (selectedMu, containersMu).
package ports

import (
	"sync"

	"github.com/krinkuto11/aceorchestrator/internal/apperr"
	"github.com/krinkuto11/aceorchestrator/internal/config"
)

// set is one sub-allocator over an inclusive [lo, hi] interval.
type set struct {
	lo, hi int
	next   int
	used   map[int]struct{}
}

func newSet(lo, hi int) *set {
	return &set{lo: lo, hi: hi, next: lo, used: map[int]struct{}{}}
}

// findFree probes starting at s.next, wrapping at hi back to lo, returning
// the first port not in used. Does not mutate s. Returns ok=false after one
// full sweep finds nothing.
func (s *set) findFree(avoid int, hasAvoid bool) (int, bool) {
	span := s.hi - s.lo + 1
	p := s.next
	for i := 0; i < span; i++ {
		if p > s.hi {
			p = s.lo
		}
		if _, taken := s.used[p]; !taken && !(hasAvoid && p == avoid) {
			return p, true
		}
		p++
	}
	return 0, false
}

// Allocator holds the three independent port ranges the orchestrator draws
// from: host-side, container HTTP, and container HTTPS.
type Allocator struct {
	mu    sync.Mutex
	host  *set
	http  *set
	https *set
}

// Range identifies one of the three pools.
type Range int

const (
	Host Range = iota
	HTTP
	HTTPS
)

// New builds an Allocator from the three configured range strings.
func New(cfg *config.Config) *Allocator {
	hLo, hHi := config.ParsePortRange(cfg.PortRangeHost)
	cLo, cHi := config.ParsePortRange(cfg.AceHTTPRange)
	sLo, sHi := config.ParsePortRange(cfg.AceHTTPSRange)
	return &Allocator{
		host:  newSet(hLo, hHi),
		http:  newSet(cLo, cHi),
		https: newSet(sLo, sHi),
	}
}

func (a *Allocator) setFor(r Range) *set {
	switch r {
	case Host:
		return a.host
	case HTTP:
		return a.http
	case HTTPS:
		return a.https
	default:
		panic("ports: unknown range")
	}
}

// Alloc returns the first free port in r, marks it used, and advances the
// rotating cursor. Returns apperr.NoFreePort once the range is exhausted.
func (a *Allocator) Alloc(r Range) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.setFor(r)
	p, ok := s.findFree(0, false)
	if !ok {
		return 0, apperr.New(apperr.NoFreePort, "no free port in range")
	}
	s.used[p] = struct{}{}
	s.next = p + 1
	return p, nil
}

// AllocHTTPS is like Alloc(HTTPS) but skips avoid if the candidate would
// equal it; the skipped candidate is never marked used.
func (a *Allocator) AllocHTTPS(avoid int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.https
	for {
		p, ok := s.findFree(avoid, true)
		if !ok {
			return 0, apperr.New(apperr.NoFreePort, "no free port in range")
		}
		s.used[p] = struct{}{}
		s.next = p + 1
		return p, nil
	}
}

// Reserve idempotently marks port used in r without moving the cursor.
func (a *Allocator) Reserve(r Range, port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setFor(r).used[port] = struct{}{}
}

// Free removes port from r's used set. A zero or absent port is a no-op.
func (a *Allocator) Free(r Range, port int) {
	if port == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.setFor(r).used, port)
}

// Used returns a snapshot of the used ports in r, for tests and reindex
// idempotence checks.
func (a *Allocator) Used(r Range) map[int]struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.setFor(r)
	out := make(map[int]struct{}, len(s.used))
	for p := range s.used {
		out[p] = struct{}{}
	}
	return out
}
