package services

import (
	"sync"
	"time"

	"github.com/fleetlabs/fleet-server/pkg/logger"
)

// BanCooldown is how long a failing substrate+size combination stays
// out of candidate selection.
const BanCooldown = 10 * time.Minute

// BanList is the in-memory circuit breaker for substrate+size
// combinations. It is deliberately not persisted: a restart rebuilds it
// empty and briefly re-exposes a previously unhealthy substrate.
type BanList struct {
	mu   sync.Mutex
	bans map[string]time.Time // cloud+"/"+size -> expiry
}

func NewBanList() *BanList {
	return &BanList{bans: make(map[string]time.Time)}
}

func banKey(cloud, size string) string {
	return cloud + "/" + size
}

func (b *BanList) Ban(cloud, size string, cooldown time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bans[banKey(cloud, size)] = time.Now().Add(cooldown)

	log := logger.WithComponent("ban_list")
	log.Warn().
		Str("cloud", cloud).
		Str("size", size).
		Dur("cooldown", cooldown).
		Msg("Substrate banned for size")
}

func (b *BanList) IsBanned(cloud, size string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	expiry, ok := b.bans[banKey(cloud, size)]
	if !ok {
		return false
	}
	return time.Now().Before(expiry)
}

// ExpireStale drops bans whose cooldown has elapsed.
func (b *BanList) ExpireStale() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	log := logger.WithComponent("ban_list")
	for key, expiry := range b.bans {
		if now.After(expiry) {
			delete(b.bans, key)
			log.Info().
				Str("key", key).
				Msg("Substrate ban expired")
		}
	}
}
