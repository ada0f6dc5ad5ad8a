package agent

import "errors"

var (
	// ErrBusy is returned when Process is called while a turn is in flight
	ErrBusy = errors.New("agent is already processing a turn")

	// ErrStopped is returned after Stop
	ErrStopped = errors.New("agent stopped")

	// ErrNoProfiles is returned when no auth profile is configured
	ErrNoProfiles = errors.New("no auth profiles configured")

	// ErrProfilesCoolingDown is returned when every profile is in cooldown
	ErrProfilesCoolingDown = errors.New("all auth profiles are cooling down")

	// ErrToolRoundLimit is returned when the model keeps requesting tools
	ErrToolRoundLimit = errors.New("tool round limit reached")

	// ErrToolNotFound is returned for calls to unregistered tools
	ErrToolNotFound = errors.New("tool not found")
)
