package security

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
)

const dailyKeyLayout = "2006-01-02"

// Rough chars-per-token estimate used to project dispatch cost before
// usage is known.
const charsPerToken = 4

// CostSnapshot reports the ledgers for the control context endpoint.
type CostSnapshot struct {
	SessionUSD      float64 `json:"context_total"`
	DailyUSD        float64 `json:"daily_total"`
	SessionLimitUSD float64 `json:"session_limit_usd"`
	DailyLimitUSD   float64 `json:"daily_limit_usd"`
	WarnFraction    float64 `json:"warn_fraction"`
}

// CostTracker keeps two running ledgers: a per-context session total
// and a global daily total keyed by UTC date. Amounts are held in
// integer micro-dollars so repeated charges sum exactly.
type CostTracker struct {
	mu  sync.Mutex
	cfg config.CostConfig

	sessionMicros int64
	daily         map[string]int64

	warnedSession bool
	warnedDaily   bool
	warnedDayKey  string

	now    func() time.Time
	bus    *bus.Bus
	logger *logger.Logger
}

// NewCostTracker builds the ledgers. Charges and warning crossings are
// published to the event bus as COST_TRACKING events.
func NewCostTracker(cfg config.CostConfig, b *bus.Bus, log *logger.Logger) *CostTracker {
	return &CostTracker{
		cfg:    cfg,
		daily:  make(map[string]int64),
		now:    time.Now,
		bus:    b,
		logger: log.WithFields(zap.String("component", "governor")),
	}
}

func usdToMicros(usd float64) int64 {
	return int64(math.Round(usd * 1e6))
}

func microsToUSD(m int64) float64 {
	return float64(m) / 1e6
}

// ProjectContent estimates the cost of dispatching the given content
// with the configured per-1k-token price. Zero when pricing is off.
func (c *CostTracker) ProjectContent(content string) float64 {
	if c.cfg.Per1KTokensUSD == 0 {
		return 0
	}
	tokens := float64(len(content)) / charsPerToken
	return tokens / 1000 * c.cfg.Per1KTokensUSD
}

// FromTokens converts a usage report to dollars with the configured
// per-1k-token price. Zero when pricing is off (costs then come only
// from upstream usage reports that carry explicit amounts).
func (c *CostTracker) FromTokens(totalTokens int) float64 {
	if c.cfg.Per1KTokensUSD == 0 || totalTokens <= 0 {
		return 0
	}
	return float64(totalTokens) / 1000 * c.cfg.Per1KTokensUSD
}

// Check verifies that a projected charge fits under both ceilings.
// Nothing is consumed; the ledgers move only on Charge.
func (c *CostTracker) Check(projectedUSD float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	projected := usdToMicros(projectedUSD)
	session := c.sessionMicros + projected
	if session > usdToMicros(c.cfg.SessionLimitUSD) {
		return errors.CostLimited("session cost limit reached").WithDetail(
			fmt.Sprintf("session_total=%.2f projected=%.2f limit=%.2f",
				microsToUSD(c.sessionMicros), projectedUSD, c.cfg.SessionLimitUSD))
	}

	day := c.dayKeyLocked()
	daily := c.daily[day] + projected
	if daily > usdToMicros(c.cfg.DailyLimitUSD) {
		return errors.CostLimited("daily cost limit reached").WithDetail(
			fmt.Sprintf("daily_total=%.2f projected=%.2f limit=%.2f",
				microsToUSD(c.daily[day]), projectedUSD, c.cfg.DailyLimitUSD))
	}
	return nil
}

// Charge adds an actual spend to both ledgers and emits COST_TRACKING.
// The first crossing of warn_fraction x limit on either ledger emits a
// single warning event; the session latch clears on ResetSession, the
// daily latch on date change.
func (c *CostTracker) Charge(usd float64, agentID string) {
	if usd <= 0 {
		return
	}

	c.mu.Lock()
	amount := usdToMicros(usd)
	c.sessionMicros += amount
	day := c.dayKeyLocked()
	c.daily[day] += amount

	sessionUSD := microsToUSD(c.sessionMicros)
	dailyUSD := microsToUSD(c.daily[day])

	warnSession := false
	if !c.warnedSession && c.cfg.SessionLimitUSD > 0 &&
		sessionUSD >= c.cfg.WarnFraction*c.cfg.SessionLimitUSD {
		c.warnedSession = true
		warnSession = true
	}
	warnDaily := false
	if !c.warnedDaily && c.cfg.DailyLimitUSD > 0 &&
		dailyUSD >= c.cfg.WarnFraction*c.cfg.DailyLimitUSD {
		c.warnedDaily = true
		warnDaily = true
	}
	c.mu.Unlock()

	c.bus.Publish(bus.New(events.CostTracking,
		fmt.Sprintf("charged $%.4f", usd)).
		WithAgent(agentID).
		WithMetadata(map[string]interface{}{
			"amount_usd":    usd,
			"session_total": sessionUSD,
			"daily_total":   dailyUSD,
		}))

	if warnSession {
		c.publishWarning("session", sessionUSD, c.cfg.SessionLimitUSD)
	}
	if warnDaily {
		c.publishWarning("daily", dailyUSD, c.cfg.DailyLimitUSD)
	}
}

func (c *CostTracker) publishWarning(ledger string, total, limit float64) {
	c.logger.Warn("cost ledger crossed warning threshold",
		zap.String("ledger", ledger),
		zap.Float64("total_usd", total),
		zap.Float64("limit_usd", limit))
	c.bus.Publish(bus.New(events.CostTracking,
		fmt.Sprintf("%s spend at $%.2f of $%.2f limit", ledger, total, limit)).
		WithMetadata(map[string]interface{}{
			"warning":   true,
			"ledger":    ledger,
			"total_usd": total,
			"limit_usd": limit,
			"fraction":  c.cfg.WarnFraction,
		}))
}

// dayKeyLocked returns today's UTC ledger key, pruning stale days and
// resetting the daily warning latch on rollover.
func (c *CostTracker) dayKeyLocked() string {
	day := c.now().UTC().Format(dailyKeyLayout)
	if c.warnedDayKey != day {
		c.warnedDayKey = day
		c.warnedDaily = false
		for key := range c.daily {
			if key != day {
				delete(c.daily, key)
			}
		}
	}
	return day
}

// ResetSession clears the per-context ledger, for context teardown.
func (c *CostTracker) ResetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionMicros = 0
	c.warnedSession = false
}

// Snapshot returns both ledgers and their limits.
func (c *CostTracker) Snapshot() CostSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CostSnapshot{
		SessionUSD:      microsToUSD(c.sessionMicros),
		DailyUSD:        microsToUSD(c.daily[c.dayKeyLocked()]),
		SessionLimitUSD: c.cfg.SessionLimitUSD,
		DailyLimitUSD:   c.cfg.DailyLimitUSD,
		WarnFraction:    c.cfg.WarnFraction,
	}
}
