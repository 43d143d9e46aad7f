// Package backpressure gates writes on the volume of log entries not yet
// folded into chunk files.
package backpressure

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	errs "github.com/xtxerr/barstore/internal/errors"
	"github.com/xtxerr/barstore/internal/storage/config"
)

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - system operating normally.
	LevelNormal Level = iota

	// LevelWarning - elevated load, checkpoint early.
	LevelWarning

	// LevelCritical - high load, throttle writers.
	LevelCritical

	// LevelEmergency - overload, reject writes until a checkpoint catches up.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Source reports the pending log volume.
type Source interface {
	PendingWALBytes() int64
}

// Controller manages backpressure based on pending log volume.
type Controller struct {
	mu sync.RWMutex

	config config.BackpressureConfig
	source Source
	limit  int64

	// Current state
	level     atomic.Int32
	lastCheck time.Time
	lastLevel Level
	checked   bool

	// Statistics
	stats Stats

	// Level change callback
	onLevelChange func(old, new Level)
}

// Stats holds backpressure statistics.
type Stats struct {
	LevelChanges    int64
	WarningCount    int64
	CriticalCount   int64
	EmergencyCount  int64
	WritesRejected  int64
	ThrottleSeconds float64
}

// New creates a new backpressure controller.
func New(cfg config.BackpressureConfig, src Source) *Controller {
	return &Controller{
		config: cfg,
		source: src,
		limit:  config.ParseSize(cfg.MaxPending),
	}
}

// SetOnLevelChange sets the callback for level changes. It runs with the
// controller locked and must not block.
func (c *Controller) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// Usage returns pending log volume as a fraction of the limit.
func (c *Controller) Usage() float64 {
	if c.limit <= 0 || c.source == nil {
		return 0
	}
	return float64(c.source.PendingWALBytes()) / float64(c.limit)
}

// Check evaluates current conditions and updates the level.
func (c *Controller) Check() Level {
	if !c.config.Enabled {
		return LevelNormal
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	// Respect cooldown
	if c.checked && now.Sub(c.lastCheck) < c.config.Recovery.Cooldown {
		return Level(c.level.Load())
	}
	c.lastCheck = now
	c.checked = true

	newLevel := c.determineLevel(c.Usage())

	if newLevel != c.lastLevel {
		c.setLevel(newLevel)
	}

	return newLevel
}

// determineLevel maps usage to a level. Thresholds at or below the current
// level are lowered by the hysteresis so the level only drops once usage
// is clearly below them.
func (c *Controller) determineLevel(usage float64) Level {
	thresholds := c.config.Thresholds
	hysteresis := c.config.Recovery.Hysteresis
	currentLevel := c.lastLevel

	threshold := func(l Level, v float64) float64 {
		if l <= currentLevel {
			return v - hysteresis
		}
		return v
	}

	switch {
	case usage >= threshold(LevelEmergency, thresholds.Emergency):
		return LevelEmergency
	case usage >= threshold(LevelCritical, thresholds.Critical):
		return LevelCritical
	case usage >= threshold(LevelWarning, thresholds.Warning):
		return LevelWarning
	default:
		return LevelNormal
	}
}

// setLevel updates the current level and fires callback.
func (c *Controller) setLevel(newLevel Level) {
	oldLevel := c.lastLevel
	c.lastLevel = newLevel
	c.level.Store(int32(newLevel))

	c.stats.LevelChanges++

	switch newLevel {
	case LevelWarning:
		c.stats.WarningCount++
	case LevelCritical:
		c.stats.CriticalCount++
	case LevelEmergency:
		c.stats.EmergencyCount++
	}

	if c.onLevelChange != nil {
		c.onLevelChange(oldLevel, newLevel)
	}
}

// CurrentLevel returns the current backpressure level.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// ShouldReject returns true if writes should be rejected.
func (c *Controller) ShouldReject() bool {
	return c.CurrentLevel() == LevelEmergency
}

// ShouldThrottle returns true if writes should be delayed.
func (c *Controller) ShouldThrottle() bool {
	return c.CurrentLevel() >= LevelCritical
}

// ShouldCheckpoint returns true if a checkpoint should run early.
func (c *Controller) ShouldCheckpoint() bool {
	return c.CurrentLevel() >= LevelWarning
}

// ThrottleFactor returns the throttle factor (0.0 to 1.0).
// 1.0 = no throttling, 0.0 = full throttle (reject all).
func (c *Controller) ThrottleFactor() float64 {
	switch c.CurrentLevel() {
	case LevelNormal:
		return 1.0
	case LevelWarning:
		return 1.0
	case LevelCritical:
		return 0.5
	case LevelEmergency:
		return 0.0
	default:
		return 1.0
	}
}

// ThrottleDelay returns the delay imposed on a writer.
func (c *Controller) ThrottleDelay() time.Duration {
	factor := c.ThrottleFactor()
	if factor >= 1.0 {
		return 0
	}

	maxDelay := c.config.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 100 * time.Millisecond
	}
	delay := time.Duration(float64(maxDelay) * 2 * (1.0 - factor))
	if delay > maxDelay {
		delay = maxDelay
	}

	c.mu.Lock()
	c.stats.ThrottleSeconds += delay.Seconds()
	c.mu.Unlock()

	return delay
}

// Admit decides whether a write may proceed. Critical delays the caller,
// Emergency rejects with a retryable error.
func (c *Controller) Admit(ctx context.Context) error {
	c.Check()

	if c.ShouldReject() {
		c.mu.Lock()
		c.stats.WritesRejected++
		c.mu.Unlock()
		return errs.Wrapf(errs.ErrBackpressure, "pending log at %.0f%% of limit", c.Usage()*100)
	}

	if c.ShouldThrottle() {
		timer := time.NewTimer(c.ThrottleDelay())
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// Stats returns current statistics.
func (c *Controller) Stats() ControllerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ControllerStats{
		CurrentLevel:    c.CurrentLevel(),
		LevelChanges:    c.stats.LevelChanges,
		WarningCount:    c.stats.WarningCount,
		CriticalCount:   c.stats.CriticalCount,
		EmergencyCount:  c.stats.EmergencyCount,
		WritesRejected:  c.stats.WritesRejected,
		ThrottleSeconds: c.stats.ThrottleSeconds,
		Usage:           c.Usage(),
	}
}

// ControllerStats holds controller statistics.
type ControllerStats struct {
	CurrentLevel    Level
	LevelChanges    int64
	WarningCount    int64
	CriticalCount   int64
	EmergencyCount  int64
	WritesRejected  int64
	ThrottleSeconds float64
	Usage           float64
}

// IsEnabled returns whether backpressure is enabled.
func (c *Controller) IsEnabled() bool {
	return c.config.Enabled
}
