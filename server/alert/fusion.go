package alert

import (
	"sync"
	"time"

	"github.com/san-kum/cribwatch/server/models"
)

// Fusion is the vision risk state machine. A safe reading clears the state at
// once; leaving safe needs debounce consecutive elevated readings and settles
// on the least severe level of that run. Once elevated, any elevated reading
// moves the state directly to that level.
type Fusion struct {
	debounce int
	level    models.RiskLevel
	streak   []models.RiskLevel
}

func NewFusion(debounce int) *Fusion {
	if debounce < 1 {
		debounce = 1
	}
	return &Fusion{
		debounce: debounce,
		level:    models.RiskSafe,
	}
}

func (f *Fusion) Level() models.RiskLevel {
	return f.level
}

// Observe feeds one validated reading and returns the resulting level and
// whether it changed. Readings outside safe/warning/danger are ignored.
func (f *Fusion) Observe(r models.RiskLevel) (models.RiskLevel, bool) {
	prev := f.level

	switch {
	case r == models.RiskSafe:
		f.level = models.RiskSafe
		f.streak = f.streak[:0]

	case r.Elevated():
		f.streak = append(f.streak, r)
		if len(f.streak) > f.debounce {
			f.streak = f.streak[len(f.streak)-f.debounce:]
		}

		if f.level.Elevated() {
			f.level = r
		} else if len(f.streak) >= f.debounce {
			f.level = leastSevere(f.streak)
		}
	}

	return f.level, f.level != prev
}

func (f *Fusion) Reset() {
	f.level = models.RiskSafe
	f.streak = f.streak[:0]
}

func leastSevere(levels []models.RiskLevel) models.RiskLevel {
	least := levels[0]
	for _, l := range levels[1:] {
		if l.Rank() < least.Rank() {
			least = l
		}
	}
	return least
}

// Cooldown suppresses repeated alerts. An alert is suppressed when the same
// source sent one of equal or higher severity within the window, so an
// escalation always goes through.
type Cooldown struct {
	window   time.Duration
	mutex    sync.Mutex
	lastSent map[string]map[models.Severity]time.Time
}

func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{
		window:   window,
		lastSent: make(map[string]map[models.Severity]time.Time),
	}
}

func (c *Cooldown) Allow(source string, sev models.Severity, now time.Time) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.allowLocked(source, sev, now)
}

func (c *Cooldown) Record(source string, sev models.Severity, now time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.recordLocked(source, sev, now)
}

// TryAcquire records the send and returns true when the alert is allowed.
func (c *Cooldown) TryAcquire(source string, sev models.Severity, now time.Time) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.allowLocked(source, sev, now) {
		return false
	}
	c.recordLocked(source, sev, now)
	return true
}

func (c *Cooldown) allowLocked(source string, sev models.Severity, now time.Time) bool {
	for s, at := range c.lastSent[source] {
		if s.Rank() >= sev.Rank() && now.Sub(at) < c.window {
			return false
		}
	}
	return true
}

func (c *Cooldown) recordLocked(source string, sev models.Severity, now time.Time) {
	bySeverity, ok := c.lastSent[source]
	if !ok {
		bySeverity = make(map[models.Severity]time.Time)
		c.lastSent[source] = bySeverity
	}
	bySeverity[sev] = now
}
