package middleware

import (
	"context"

	"github.com/codedeck/ecpd/internal/domain/settings"
)

// SettingsSnapshot is the first middleware in every chain. It reads the
// process-wide settings store exactly once per request and publishes the
// snapshot into the metadata bag, so downstream validators never reach
// into live config mid-request. It also mirrors the server-asserted
// caller identity into the bag. It never blocks.
type SettingsSnapshot struct {
	store *settings.Store
}

// NewSettingsSnapshot creates the settings-snapshot middleware.
func NewSettingsSnapshot(store *settings.Store) *SettingsSnapshot {
	return &SettingsSnapshot{store: store}
}

// Name implements Middleware.
func (s *SettingsSnapshot) Name() string { return "settings-snapshot" }

// Priority implements Middleware. Runs before every policy middleware.
func (s *SettingsSnapshot) Priority() int { return 10 }

// AppliesTo implements Middleware: every method gets a snapshot.
func (s *SettingsSnapshot) AppliesTo(string) bool { return true }

// Validate implements Middleware.
func (s *SettingsSnapshot) Validate(_ context.Context, mc *Context) (Result, error) {
	mc.SetSettings(s.store.Snapshot())
	mc.SetCaller(mc.AssertedCaller())
	return Allow(), nil
}

var _ Middleware = (*SettingsSnapshot)(nil)
