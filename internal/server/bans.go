// Package server tracks banned client addresses and sweeps expired bans in
// the background.
package server

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// BanRegistry maps remote hosts to ban-expiry times. Presence of an
// unexpired entry means the host is currently banned. IsBanned checks
// expiry lazily, so the sweeper exists for cleanup and timely unban
// notification, not for correctness.
type BanRegistry struct {
	mu     sync.Mutex
	expiry map[string]time.Time
	limit  time.Duration
}

// NewBanRegistry creates an empty registry whose bans last for limit.
func NewBanRegistry(limit time.Duration) *BanRegistry {
	return &BanRegistry{
		expiry: make(map[string]time.Time),
		limit:  limit,
	}
}

// Ban records or refreshes a ban for addr. Re-banning overwrites the entry,
// so the latest ban always wins.
func (b *BanRegistry) Ban(addr string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expiry[addr] = now.Add(b.limit)
}

// IsBanned reports whether addr is banned at time now.
func (b *BanRegistry) IsBanned(addr string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	expiry, ok := b.expiry[addr]
	return ok && expiry.After(now)
}

// Remaining returns how long addr stays banned from now, or zero when it is
// not banned.
func (b *BanRegistry) Remaining(addr string, now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	expiry, ok := b.expiry[addr]
	if !ok || !expiry.After(now) {
		return 0
	}
	return expiry.Sub(now)
}

// SweepExpired removes every entry whose expiry is at or before now and
// returns the released addresses.
func (b *BanRegistry) SweepExpired(now time.Time) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var released []string
	for addr, expiry := range b.expiry {
		if !expiry.After(now) {
			delete(b.expiry, addr)
			released = append(released, addr)
		}
	}
	return released
}

// RunSweeper periodically sweeps expired bans and logs an unban event for
// each released address. It returns when ctx is cancelled. A failed log
// write never stops the loop.
func (b *BanRegistry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, addr := range b.SweepExpired(time.Now()) {
				log.Infof("Client %s is unbanned", sensitive(addr))
			}
		}
	}
}
