package core

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Mode selects between manual-only triggering and the autonomous scheduler.
type Mode string

const (
	ModeManual    Mode = "manual"
	ModeAutomatic Mode = "auto"
)

// ErrInvalidBounds is returned when a frequency bounds update violates the
// invariant lower_bound <= min < max <= upper_bound. State is left unchanged.
var ErrInvalidBounds = errors.New("invalid frequency bounds")

// WifiOverride is the station credential pair last written through the
// settings API. It survives restarts via the override store.
type WifiOverride struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// Snapshot is a consistent read of the runtime state.
type Snapshot struct {
	MinFreq       int // seconds
	MaxFreq       int // seconds
	Mode          Mode
	Wifi          *WifiOverride
	LastActuation time.Time // zero if the pump has never fired
}

// State holds the single source of truth for the device. It is shared by
// reference between the HTTP layer, the schedulers and the pump driver, and
// every write is validated inside the critical section.
type State struct {
	mu            sync.RWMutex
	lowerBound    int
	upperBound    int
	minFreq       int
	maxFreq       int
	mode          Mode
	wifi          *WifiOverride
	lastActuation time.Time
}

// NewState creates the runtime state from boot-time bounds and defaults.
// The defaults are assumed to already satisfy the bounds invariant; the
// config loader and the override merge are responsible for that.
func NewState(lowerBound, upperBound, minFreq, maxFreq int) *State {
	return &State{
		lowerBound: lowerBound,
		upperBound: upperBound,
		minFreq:    minFreq,
		maxFreq:    maxFreq,
		mode:       ModeManual,
	}
}

// Snapshot returns a consistent copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		MinFreq:       s.minFreq,
		MaxFreq:       s.maxFreq,
		Mode:          s.mode,
		LastActuation: s.lastActuation,
	}
	if s.wifi != nil {
		wifi := *s.wifi
		snap.Wifi = &wifi
	}
	return snap
}

// Bounds returns the immutable frequency limits.
func (s *State) Bounds() (lower, upper int) {
	return s.lowerBound, s.upperBound
}

// SetFrequency updates the automatic mode interval bounds. Validation happens
// under the same lock as the write, so a rejected update never leaves a
// half-applied pair behind.
func (s *State) SetFrequency(minFreq, maxFreq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if minFreq < s.lowerBound {
		return fmt.Errorf("%w: min %ds is below the lower bound of %ds", ErrInvalidBounds, minFreq, s.lowerBound)
	}
	if maxFreq > s.upperBound {
		return fmt.Errorf("%w: max %ds is above the upper bound of %ds", ErrInvalidBounds, maxFreq, s.upperBound)
	}
	if minFreq >= maxFreq {
		return fmt.Errorf("%w: min %ds must be less than max %ds", ErrInvalidBounds, minFreq, maxFreq)
	}

	s.minFreq = minFreq
	s.maxFreq = maxFreq
	return nil
}

// Mode returns the current operating mode.
func (s *State) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetMode switches between manual and automatic operation. It reports whether
// the mode actually changed so callers can skip redundant notifications.
func (s *State) SetMode(mode Mode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == mode {
		return false
	}
	s.mode = mode
	return true
}

// SetWifi records a station credential override.
func (s *State) SetWifi(ssid, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wifi = &WifiOverride{SSID: ssid, Password: password}
}

// LastActuation returns the time of the most recent pump pulse, or false if
// the pump has not fired since boot.
func (s *State) LastActuation() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActuation, !s.lastActuation.IsZero()
}

// SetLastActuation advances the interlock timestamp. Only the pump driver
// calls this, from inside its own trigger critical section.
func (s *State) SetLastActuation(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActuation = t
}
