package security

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
)

// Idle limiter entries older than this are pruned.
const limiterIdleTTL = 10 * time.Minute

// Decision is the outcome of a rate admission check, with the header
// values for the window it describes. A denial consumes nothing from
// either window.
type Decision struct {
	Allowed    bool
	Scope      string // "agent" or "ip"
	Limit      int
	Remaining  int
	ResetAfter int // seconds until the window re-admits
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces two sliding windows, keyed by agent id and by
// peer IP. A request is admitted only when both windows have room, and
// tokens are consumed from both only then, under one lock, so two
// concurrent requests for the same key cannot both squeak past.
type RateLimiter struct {
	mu        sync.Mutex
	perAgent  int
	perIP     int
	agents    map[string]*limiterEntry
	ips       map[string]*limiterEntry
	lastPrune time.Time

	now    func() time.Time
	logger *logger.Logger
}

// NewRateLimiter builds the two keyed windows from config.
func NewRateLimiter(cfg config.RateConfig, log *logger.Logger) *RateLimiter {
	return &RateLimiter{
		perAgent:  cfg.PerAgentPerMin,
		perIP:     cfg.PerIPPerMin,
		agents:    make(map[string]*limiterEntry),
		ips:       make(map[string]*limiterEntry),
		lastPrune: time.Now(),
		now:       time.Now,
		logger:    log.WithFields(zap.String("component", "governor")),
	}
}

// Check admits or denies one request for the given agent and peer IP.
func (r *RateLimiter) Check(agentID, peerIP string) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.pruneLocked(now)

	agent := r.entry(r.agents, agentID, r.perAgent, now)
	ip := r.entry(r.ips, peerIP, r.perIP, now)

	agentTokens := agent.lim.TokensAt(now)
	ipTokens := ip.lim.TokensAt(now)

	if agentTokens >= 1 && ipTokens >= 1 {
		agent.lim.AllowN(now, 1)
		ip.lim.AllowN(now, 1)
		remaining := int(agentTokens) - 1
		return Decision{
			Allowed:    true,
			Scope:      "agent",
			Limit:      r.perAgent,
			Remaining:  remaining,
			ResetAfter: resetSeconds(agentTokens-1, r.perAgent),
		}
	}

	// Report the window that denied; the agent window takes precedence
	// when both are exhausted.
	scope, limit, tokens := "agent", r.perAgent, agentTokens
	if agentTokens >= 1 {
		scope, limit, tokens = "ip", r.perIP, ipTokens
	}
	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:    false,
		Scope:      scope,
		Limit:      limit,
		Remaining:  remaining,
		ResetAfter: resetSeconds(tokens, limit),
	}
}

func (r *RateLimiter) entry(m map[string]*limiterEntry, key string, perMin int, now time.Time) *limiterEntry {
	e, ok := m[key]
	if !ok {
		e = &limiterEntry{
			lim: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin),
		}
		m[key] = e
	}
	e.lastSeen = now
	return e
}

func (r *RateLimiter) pruneLocked(now time.Time) {
	if now.Sub(r.lastPrune) < time.Minute {
		return
	}
	r.lastPrune = now
	for key, e := range r.agents {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(r.agents, key)
		}
	}
	for key, e := range r.ips {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(r.ips, key)
		}
	}
}

// resetSeconds returns how long until the window has a whole admission
// available again, given the tokens that would remain.
func resetSeconds(tokens float64, perMin int) int {
	if tokens >= 1 {
		return 0
	}
	perSec := float64(perMin) / 60.0
	return int(math.Ceil((1 - tokens) / perSec))
}
