// Package policy chooses the default enforcement action for a device by
// gathering facts and asking OPA.
package policy

import (
	"context"
	"fmt"

	"github.com/goodtune/khome/internal/enforce"
	"github.com/goodtune/khome/internal/policy/opa"
	"github.com/rs/zerolog"
)

// Engine handles action policy evaluation by gathering facts and calling OPA
type Engine struct {
	opaEngine *opa.Engine
	logger    zerolog.Logger
}

// NewEngine creates a new fact-based policy engine
func NewEngine(opaConfig opa.Config, logger zerolog.Logger) (*Engine, error) {
	opaEngine, err := opa.NewEngine(opaConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OPA engine: %w", err)
	}

	source := opaConfig.Source
	if source == "" {
		source = opa.SourceEmbedded
	}
	logger.Info().
		Str("opa_source", source).
		Msg("Enforcement action policy initialized")

	return &Engine{
		opaEngine: opaEngine,
		logger:    logger.With().Str("component", "policy").Logger(),
	}, nil
}

// Decide asks OPA which action to take on a device.
func (e *Engine) Decide(ctx context.Context, facts enforce.Facts) (enforce.Decision, error) {
	decision, err := e.opaEngine.Evaluate(ctx, buildInput(facts))
	if err != nil {
		return enforce.Decision{}, err
	}

	action := enforce.Action(decision.Action)
	if !action.Valid() {
		return enforce.Decision{}, fmt.Errorf("policy returned unknown action %q", decision.Action)
	}

	e.logger.Debug().
		Str("entity_id", facts.EntityID).
		Str("action", decision.Action).
		Str("reason", decision.Reason).
		Msg("Action policy decided")

	return enforce.Decision{Action: action, GracePeriod: decision.GracePeriod}, nil
}

// Reload reloads the OPA policies
func (e *Engine) Reload() error {
	return e.opaEngine.Reload()
}

// buildInput builds OPA input for an action decision
func buildInput(f enforce.Facts) map[string]interface{} {
	capabilities := make([]interface{}, len(f.Capabilities))
	for i, c := range f.Capabilities {
		capabilities[i] = c
	}

	return map[string]interface{}{
		"entity_id":          f.EntityID,
		"domain":             f.Domain,
		"user_id":            f.UserID,
		"link_type":          f.LinkType,
		"capabilities":       capabilities,
		"has_power_control":  f.HasPowerControl,
		"enforce_quota":      f.EnforceQuota,
		"power_grace_period": f.PowerGrace,
	}
}
