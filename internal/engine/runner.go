package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"trackline/internal/domain"
)

// Run advances the clock by tickMinutes every interval until ctx is done.
// Ticks are skipped while the engine is paused. A tick rejected by the
// safety invariant is logged and the clock stays where it was.
func (e Engine) Run(ctx context.Context, interval time.Duration, tickMinutes float64) error {
	logger := log.With().Str("component", "runner").Str("scenario", e.scenarioID()).Logger()
	if interval <= 0 {
		interval = e.Config.TickInterval()
	}
	if tickMinutes <= 0 {
		tickMinutes = e.Config.Clock.TickMinutes
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Info().Dur("interval", interval).Float64("tick_minutes", tickMinutes).Msg("tick runner started")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("tick runner stopped")
			return nil
		case <-ticker.C:
			if e.Paused() {
				continue
			}
			res, err := e.AdvanceTick(ctx, tickMinutes)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				var inv *domain.InvariantViolation
				if errors.As(err, &inv) {
					logger.Error().Err(err).Msg("tick rejected")
					continue
				}
				return err
			}
			ev := logger.Debug().Float64("clock", res.Clock).Int64("version", res.Version)
			if n := len(res.Detected); n > 0 {
				ev = ev.Int("detected", n)
			}
			if n := len(res.Materialized); n > 0 {
				logger.Warn().Int("materialized", n).Float64("clock", res.Clock).Msg("conflicts materialized")
			}
			ev.Msg("tick")
		}
	}
}
