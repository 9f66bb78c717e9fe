package directory

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/driftlab/driftdb/internal/observability"
	"github.com/driftlab/driftdb/internal/store"
)

const sweepWorkers = 4

// Janitor evicts rooms that have seen no messages for longer than the TTL,
// mirroring the original service's idle alarm. Every inbound message bumps
// the room's activity clock, so live rooms are never swept.
type Janitor struct {
	dir      *Directory
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewJanitor builds a janitor sweeping at ttl/2 intervals. A zero ttl
// disables sweeping.
func NewJanitor(dir *Directory, ttl time.Duration) *Janitor {
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	return &Janitor{dir: dir, ttl: ttl, interval: interval, now: time.Now}
}

// Run sweeps until ctx is cancelled. Returns immediately when disabled.
func (j *Janitor) Run(ctx context.Context) {
	if j.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep evicts and closes every idle room, returning the evicted IDs.
// Closing tears down the room's remaining connections, so the work is fanned
// out over a capped worker pool.
func (j *Janitor) Sweep() []string {
	if j.ttl <= 0 {
		return nil
	}
	cutoff := j.now().Add(-j.ttl)

	var evicted []*store.Room
	for _, room := range j.dir.Rooms() {
		if room.IdleSince().After(cutoff) {
			continue
		}
		if r, ok := j.dir.evict(room.ID()); ok {
			evicted = append(evicted, r)
		}
	}
	if len(evicted) == 0 {
		return nil
	}

	ids := make([]string, 0, len(evicted))
	p := pool.New().WithMaxGoroutines(sweepWorkers)
	for _, room := range evicted {
		ids = append(ids, room.ID())
		room := room
		p.Go(func() {
			room.Close()
			observability.Log().Info("room evicted", observability.Field{Key: "room", Value: room.ID()})
		})
	}
	p.Wait()
	return ids
}
