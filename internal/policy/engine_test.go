package policy

import (
	"context"
	"testing"

	"github.com/goodtune/khome/internal/enforce"
	"github.com/goodtune/khome/internal/policy/opa"
	"github.com/rs/zerolog"
)

func TestDecide(t *testing.T) {
	engine, err := NewEngine(opa.Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	tests := []struct {
		name   string
		facts  enforce.Facts
		action enforce.Action
		grace  int
	}{
		{
			name: "wired console",
			facts: enforce.Facts{
				EntityID:        "media_player.xbox",
				Domain:          "media_player",
				Capabilities:    []string{"media_player"},
				HasPowerControl: true,
				EnforceQuota:    true,
				PowerGrace:      45,
			},
			action: enforce.ActionCutPower,
			grace:  45,
		},
		{
			name:   "light",
			facts:  enforce.Facts{EntityID: "light.lamp", Domain: "light"},
			action: enforce.ActionTurnOff,
			grace:  -1,
		},
		{
			name:   "remote without turn off",
			facts:  enforce.Facts{EntityID: "remote.tv", Domain: "remote"},
			action: enforce.ActionWarn,
			grace:  -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := engine.Decide(context.Background(), tt.facts)
			if err != nil {
				t.Fatalf("Decide failed: %v", err)
			}
			if decision.Action != tt.action {
				t.Errorf("Expected %q, got %q", tt.action, decision.Action)
			}
			switch {
			case tt.grace < 0 && decision.GracePeriod != nil:
				t.Errorf("Expected no grace period, got %d", *decision.GracePeriod)
			case tt.grace >= 0 && (decision.GracePeriod == nil || *decision.GracePeriod != tt.grace):
				t.Errorf("Expected grace period %d, got %v", tt.grace, decision.GracePeriod)
			}
		})
	}

	if err := engine.Reload(); err != nil {
		t.Errorf("Reload failed: %v", err)
	}
}

func TestEngineDrivesScheduler(t *testing.T) {
	engine, err := NewEngine(opa.Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	var _ enforce.ActionPolicy = engine
}
