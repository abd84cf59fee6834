package trading

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const restartDelay = 5 * time.Second

// Worker is a long-running loop that returns when its ctx is cancelled.
type Worker func(ctx context.Context) error

// Supervisor runs the streaming and periodic workers, restarting any that
// die outside of shutdown. Failures inside a worker's normal operation are
// that worker's problem; the supervisor only handles the worker itself
// dying.
type Supervisor struct {
	mu           sync.Mutex
	workers      []namedWorker
	restartDelay time.Duration
	logger       zerolog.Logger
	wg           sync.WaitGroup
}

type namedWorker struct {
	name string
	run  Worker
}

func NewSupervisor(logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		restartDelay: restartDelay,
		logger:       logger.With().Str("component", "supervisor").Logger(),
	}
}

// Register adds a worker. All registration happens before Run.
func (s *Supervisor) Register(name string, w Worker) {
	s.mu.Lock()
	s.workers = append(s.workers, namedWorker{name: name, run: w})
	s.mu.Unlock()
}

// Run starts every registered worker and blocks until ctx is cancelled and
// all workers have exited. In-flight work finishes; workers observe the
// cancellation at their next loop check.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	workers := make([]namedWorker, len(s.workers))
	copy(workers, s.workers)
	s.mu.Unlock()

	for _, w := range workers {
		s.wg.Add(1)
		go s.supervise(ctx, w)
	}
	s.wg.Wait()
}

func (s *Supervisor) supervise(ctx context.Context, w namedWorker) {
	defer s.wg.Done()

	for {
		err := s.runOnce(ctx, w)

		if ctx.Err() != nil {
			s.logger.Info().Str("worker", w.name).Msg("worker stopped")
			return
		}

		// The worker died while the bot is still supposed to be running.
		s.logger.Error().
			Str("worker", w.name).
			Err(err).
			Dur("restart_in", s.restartDelay).
			Msg("worker died, restarting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.restartDelay):
		}
	}
}

// runOnce executes one worker lifetime, converting a panic into an error so
// the restart path handles both uniformly.
func (s *Supervisor) runOnce(ctx context.Context, w namedWorker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("worker panicked")
			s.logger.Error().
				Str("worker", w.name).
				Interface("panic", r).
				Msg("worker panic recovered")
		}
	}()
	return w.run(ctx)
}
