package detection

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultLogGateTTL is how long a (stream, kind) pair stays muted.
const DefaultLogGateTTL = 5 * time.Minute

// expired entries are swept every sweepEvery calls to Allow
const sweepEvery = 256

// StationLogGate rate-limits repetitive per-stream log lines such as
// status heartbeats and repeated failure reasons.
type StationLogGate struct {
	cache *cache.Cache
	ttl   time.Duration
	calls atomic.Uint64
}

// NewStationLogGate creates a gate; a non-positive ttl uses DefaultLogGateTTL.
func NewStationLogGate(ttl time.Duration) *StationLogGate {
	if ttl <= 0 {
		ttl = DefaultLogGateTTL
	}
	// No janitor goroutine: Allow sweeps expired entries itself.
	return &StationLogGate{
		cache: cache.New(ttl, 0),
		ttl:   ttl,
	}
}

// Allow returns true at most once per TTL for each (stream, kind) pair.
func (g *StationLogGate) Allow(stream, kind string) bool {
	if g.calls.Add(1)%sweepEvery == 0 {
		g.cache.DeleteExpired()
	}
	return g.cache.Add(gateKey(stream, kind), struct{}{}, g.ttl) == nil
}

// Reset unmutes every kind for stream.
func (g *StationLogGate) Reset(stream string) {
	prefix := stream + "|"
	for k := range g.cache.Items() {
		if strings.HasPrefix(k, prefix) {
			g.cache.Delete(k)
		}
	}
}

func gateKey(stream, kind string) string {
	return stream + "|" + kind
}
