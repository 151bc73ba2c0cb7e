package enforce

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/goodtune/khome/internal/hub"
)

func (s *Scheduler) dispatch(ctx context.Context, entityID string, action Action, userName string) (*Result, error) {
	switch action {
	case ActionWarn:
		return s.finalWarning(ctx, entityID, userName)
	case ActionPause:
		return s.pause(ctx, entityID)
	case ActionCutPower:
		return s.cutPower(ctx, entityID)
	default:
		return s.turnOff(ctx, entityID)
	}
}

func (s *Scheduler) finalWarning(ctx context.Context, entityID, userName string) (*Result, error) {
	msg := fmt.Sprintf("%s, your screen time is up! Please save your progress and stop now.", userName)
	if err := s.notify(ctx, "Screen Time Limit Reached", msg); err != nil {
		return nil, err
	}
	return &Result{Action: "warning_sent", EntityID: entityID}, nil
}

func (s *Scheduler) pause(ctx context.Context, entityID string) (*Result, error) {
	if hub.Domain(entityID) == "media_player" && s.canPause(entityID) {
		if _, err := s.caller.CallService(ctx, "media_player", "media_pause", entityData(entityID)); err != nil {
			return nil, err
		}
		return &Result{Action: "paused", EntityID: entityID}, nil
	}
	return s.turnOff(ctx, entityID)
}

// canPause is true unless discovery knows the device and it lacks pause.
func (s *Scheduler) canPause(entityID string) bool {
	if s.devices == nil {
		return true
	}
	caps, ok := s.devices.Capabilities(entityID)
	if !ok {
		return true
	}
	return slices.Contains(caps, "pause")
}

func (s *Scheduler) turnOff(ctx context.Context, entityID string) (*Result, error) {
	if err := s.TurnOffDevice(ctx, entityID); err != nil {
		return nil, err
	}
	return &Result{Action: "turned_off", EntityID: entityID}, nil
}

func (s *Scheduler) cutPower(ctx context.Context, entityID string) (*Result, error) {
	plug := s.powerControl(entityID)
	if plug == "" {
		s.logger.Warn().Str("entity_id", entityID).Msg("No power control configured, falling back to turn_off")
		return s.turnOff(ctx, entityID)
	}

	if err := s.TurnOffDevice(ctx, entityID); err != nil {
		s.logger.Warn().Err(err).Str("entity_id", entityID).Msg("Graceful shutdown failed, cutting power immediately")
	} else {
		timer := time.NewTimer(s.config.SettleDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	if _, err := s.caller.CallService(ctx, "switch", "turn_off", entityData(plug)); err != nil {
		return nil, err
	}

	return &Result{Action: "power_cut", EntityID: entityID, PowerControlEntityID: plug}, nil
}

func (s *Scheduler) powerControl(entityID string) string {
	if s.links == nil {
		return ""
	}
	link, ok := s.links.Get(entityID)
	if !ok || link.PowerControl == nil {
		return ""
	}
	return link.PowerControl.EntityID
}

// TurnOffDevice calls the turn_off service of the entity's domain.
func (s *Scheduler) TurnOffDevice(ctx context.Context, entityID string) error {
	domain := hub.Domain(entityID)
	switch domain {
	case "media_player", "switch", "light":
	default:
		domain = "homeassistant"
	}
	_, err := s.caller.CallService(ctx, domain, "turn_off", entityData(entityID))
	return err
}

// TurnOnDevice calls the turn_on service of the entity's domain and
// publishes Restored.
func (s *Scheduler) TurnOnDevice(ctx context.Context, entityID string) error {
	domain := hub.Domain(entityID)
	switch domain {
	case "media_player", "switch":
	default:
		domain = "homeassistant"
	}
	if _, err := s.caller.CallService(ctx, domain, "turn_on", entityData(entityID)); err != nil {
		return err
	}

	s.logger.Info().Str("entity_id", entityID).Msg("Device turned on")
	s.Restored.Publish(RestoreEvent{EntityID: entityID})
	return nil
}

// RestorePower switches the device's power-control plug back on, or turns
// the device on when it has no plug.
func (s *Scheduler) RestorePower(ctx context.Context, entityID string) error {
	plug := s.powerControl(entityID)
	if plug == "" {
		return s.TurnOnDevice(ctx, entityID)
	}

	if _, err := s.caller.CallService(ctx, "switch", "turn_on", entityData(plug)); err != nil {
		return err
	}

	s.logger.Info().Str("entity_id", entityID).Str("power_control", plug).Msg("Power restored")
	s.PowerRestored.Publish(RestoreEvent{EntityID: entityID, PowerControlEntityID: plug})
	return nil
}

func entityData(entityID string) map[string]any {
	return map[string]any{"entity_id": entityID}
}
