package scheduler

import (
	"context"
	"time"

	"whatsapp-gateway/types"
	"whatsapp-gateway/webhook"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const ResetEvent = "daily_session_reset"

// Resetter tears down every session and its stored state.
type Resetter interface {
	ResetAll(ctx context.Context) ([]string, error)
}

// Daily resets all sessions at every local midnight and pings the default
// webhook afterwards.
type Daily struct {
	registry Resetter
	hooks    *webhook.Dispatcher
	target   types.Webhook
	clock    clock.Clock
	logger   zerolog.Logger
}

func NewDaily(registry Resetter, hooks *webhook.Dispatcher, target types.Webhook, clk clock.Clock, logger zerolog.Logger) *Daily {
	if clk == nil {
		clk = clock.New()
	}
	return &Daily{
		registry: registry,
		hooks:    hooks,
		target:   target,
		clock:    clk,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// NextRun returns the first local midnight strictly after now.
func NextRun(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

// Run blocks until ctx is done, resetting at every midnight.
func (d *Daily) Run(ctx context.Context) {
	for {
		now := d.clock.Now()
		next := NextRun(now)
		d.logger.Info().Time("next_run", next).Msg("Daily session reset scheduled")

		timer := d.clock.Timer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		d.RunOnce(ctx)
	}
}

// RunOnce performs one reset and sends the system notification.
func (d *Daily) RunOnce(ctx context.Context) {
	d.logger.Info().Msg("Starting daily session reset")
	keys, err := d.registry.ResetAll(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("Daily reset left stored state behind")
	}
	d.logger.Info().Strs("instances", keys).Msg("Daily session reset finished")

	body := map[string]string{
		"event":     ResetEvent,
		"message":   "sessions reset",
		"timestamp": d.clock.Now().UTC().Format(time.RFC3339Nano),
	}
	if !d.hooks.Dispatch(d.target, webhook.SignalSystem, body, "") {
		d.logger.Debug().Msg("Daily reset notification not sent")
	}
}
