package security

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
)

// Governor bundles the rate windows and cost ledgers behind one
// admission call. Admission is atomic: a denial of either kind
// consumes nothing anywhere, and a pass consumes exactly one admission
// from each rate window.
type Governor struct {
	Rate *RateLimiter
	Cost *CostTracker

	audit  *AuditLog
	bus    *bus.Bus
	logger *logger.Logger
}

// NewGovernor builds the governor from config.
func NewGovernor(rateCfg config.RateConfig, costCfg config.CostConfig, b *bus.Bus, audit *AuditLog, log *logger.Logger) *Governor {
	return &Governor{
		Rate:   NewRateLimiter(rateCfg, log),
		Cost:   NewCostTracker(costCfg, b, log),
		audit:  audit,
		bus:    b,
		logger: log.WithFields(zap.String("component", "governor")),
	}
}

// AdmitDispatch runs the cost ceiling check and then the rate windows
// for one dispatch or follow-up. The cost check is a pure read, so a
// cost denial leaves the rate windows untouched.
func (g *Governor) AdmitDispatch(agentID, peerIP, content string) (Decision, error) {
	projected := g.Cost.ProjectContent(content)
	if err := g.Cost.Check(projected); err != nil {
		g.audit.Record(AuditCostDenied, OutcomeDenied,
			zap.String("agent_id", agentID),
			zap.String("peer_address", peerIP),
			zap.Float64("projected_usd", projected))
		g.bus.Publish(bus.New(events.CostLimitExceeded,
			fmt.Sprintf("dispatch to %s denied by cost ceiling", agentID)).
			WithAgent(agentID).
			WithMetadata(map[string]interface{}{
				"projected_usd": projected,
			}))
		return Decision{}, err
	}

	decision := g.Rate.Check(agentID, peerIP)
	if !decision.Allowed {
		g.audit.Record(AuditRateDenied, OutcomeDenied,
			zap.String("agent_id", agentID),
			zap.String("peer_address", peerIP),
			zap.String("scope", decision.Scope),
			zap.Int("limit", decision.Limit))
		g.bus.Publish(bus.New(events.RateLimitExceeded,
			fmt.Sprintf("dispatch to %s denied by %s rate window", agentID, decision.Scope)).
			WithAgent(agentID).
			WithMetadata(map[string]interface{}{
				"scope":       decision.Scope,
				"limit":       decision.Limit,
				"reset_after": decision.ResetAfter,
			}))
		return decision, errors.RateLimited(
			fmt.Sprintf("%s rate window exhausted, retry in %ds", decision.Scope, decision.ResetAfter))
	}

	return decision, nil
}

// ChargeTokens converts a usage report to dollars and charges both
// ledgers. Returns the amount charged.
func (g *Governor) ChargeTokens(agentID string, totalTokens int) float64 {
	usd := g.Cost.FromTokens(totalTokens)
	g.Cost.Charge(usd, agentID)
	return usd
}
