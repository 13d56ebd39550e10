package service

import (
	"context"
	"time"

	"github.com/visioncare/be-screening-workflow/internal/logger"
	"github.com/visioncare/be-screening-workflow/internal/repository"
)

// Sweeper periodically expires overdue approval requests and deactivates
// overdue locks. Lazy expiry on read is the correctness contract; the sweeper
// only keeps the tables tidy when sessions go quiet.
type Sweeper struct {
	store    repository.Store
	clock    Clock
	interval time.Duration
	log      *logger.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper. A non-positive interval disables it.
func NewSweeper(store repository.Store, clock Clock, interval time.Duration, log *logger.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		clock:    clock,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately; when the sweeper is
// disabled it does nothing.
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		close(s.done)
		return
	}
	go s.run(ctx)
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.store.ExpireDue(ctx, s.clock.Now())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to expire overdue approvals and locks")
		return
	}
	if n > 0 {
		s.log.Info().Int("expired", n).Msg("Expired overdue approvals and locks")
	}
}

// Stop ends the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}
