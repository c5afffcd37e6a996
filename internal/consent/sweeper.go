package consent

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper periodically expires lapsed grants so expiry is recorded even
// when nobody tries to use them.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
}

func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{engine: engine, interval: interval}
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	swept, err := s.engine.SweepExpired(ctx)
	if err != nil {
		log.Error().Err(err).Msg("expiry sweep failed")
	}
	if len(swept) > 0 {
		log.Info().Int("expired", len(swept)).Msg("expiry sweep")
	}
}
