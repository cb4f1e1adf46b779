// Package platform exposes platform-wide settings, chiefly the global kill switch.
package platform

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/pkg/cache"
	"execution-core/pkg/db"
)

const (
	cacheTTL      = 5 * time.Second
	lookupTimeout = 3 * time.Second
)

// SettingsStore reads and writes platform settings. *db.Database satisfies it.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// KillSwitch reads the global kill switch with a short cache. Any lookup
// failure reports the switch as on.
type KillSwitch struct {
	store   SettingsStore
	cache   *cache.TTLCache[bool]
	bus     *events.Bus
	metrics *monitor.Metrics
}

// NewKillSwitch creates a KillSwitch. bus and metrics may be nil.
func NewKillSwitch(store SettingsStore, bus *events.Bus, metrics *monitor.Metrics) *KillSwitch {
	return &KillSwitch{
		store:   store,
		cache:   cache.NewTTLCache[bool](cacheTTL),
		bus:     bus,
		metrics: metrics,
	}
}

// IsOn reports whether trading is halted platform-wide.
func (k *KillSwitch) IsOn(ctx context.Context) bool {
	if on, ok := k.cache.Get(db.SettingKillSwitchGlobal); ok {
		return on
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	raw, err := k.store.GetSetting(ctx, db.SettingKillSwitchGlobal)
	switch {
	case errors.Is(err, db.ErrNotFound):
		k.cache.Set(db.SettingKillSwitchGlobal, false)
		return false
	case err != nil:
		log.Printf("platform: kill switch lookup failed, treating as on: %v", err)
		k.metrics.KillSwitchLookupFailed()
		return true
	}
	on := parseBool(raw)
	k.cache.Set(db.SettingKillSwitchGlobal, on)
	return on
}

// Set persists the switch and drops the cached value.
func (k *KillSwitch) Set(ctx context.Context, on bool) error {
	if err := k.store.SetSetting(ctx, db.SettingKillSwitchGlobal, strconv.FormatBool(on)); err != nil {
		return err
	}
	k.Invalidate()
	log.Printf("platform: global kill switch set to %v", on)
	if k.bus != nil {
		k.bus.Publish(events.EventKillSwitchChange, events.KillSwitchChange{On: on, At: time.Now().UTC()})
	}
	return nil
}

// Invalidate forces the next IsOn to read the store.
func (k *KillSwitch) Invalidate() {
	k.cache.Delete(db.SettingKillSwitchGlobal)
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "on", "yes":
		return true
	}
	return false
}
