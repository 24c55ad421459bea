package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Phase is one step of the bootstrap sequence.
type Phase struct {
	Name string
	Run  func(ctx context.Context) error
}

// PhaseError reports which phase failed.  Index is zero-based; callers
// map it to a process exit code so monitoring can tell phases apart.
type PhaseError struct {
	Phase string
	Index int
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %q failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// Sequencer executes phases in order, fail-fast: the first failing
// phase aborts the sequence.  There is no automatic retry.
type Sequencer struct {
	phases []Phase
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	current string
	done    bool
	lastErr error
}

// NewSequencer creates a Sequencer over the given phases.
func NewSequencer(phases []Phase, logger *slog.Logger) *Sequencer {
	return &Sequencer{
		phases: phases,
		logger: logger,
		tracer: otel.Tracer("runnerfleet/bootstrap"),
	}
}

// Run executes every phase in order.  The returned error, if any, is a
// *PhaseError naming the failed phase.
func (s *Sequencer) Run(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "bootstrap.Run")
	defer span.End()

	for i, phase := range s.phases {
		s.setCurrent(phase.Name)
		s.logger.Info("phase starting",
			slog.Int("phase", i+1),
			slog.Int("total", len(s.phases)),
			slog.String("name", phase.Name),
		)

		if err := s.runPhase(ctx, i, phase); err != nil {
			s.logger.Error("phase failed",
				slog.String("name", phase.Name),
				slog.String("error", err.Error()),
			)
			perr := &PhaseError{Phase: phase.Name, Index: i, Err: err}
			s.setError(perr)
			span.SetAttributes(attribute.String("bootstrap.failed_phase", phase.Name))
			return perr
		}

		s.logger.Info("phase complete", slog.String("name", phase.Name))
	}

	s.setDone()
	return nil
}

func (s *Sequencer) runPhase(ctx context.Context, index int, phase Phase) error {
	ctx, span := s.tracer.Start(ctx, "bootstrap.phase."+phase.Name)
	defer span.End()
	span.SetAttributes(attribute.Int("bootstrap.phase_index", index))

	return phase.Run(ctx)
}

// Status reports the phase currently executing (or last executed) and
// whether the sequence has failed.  Served by the health endpoint.
func (s *Sequencer) Status() (phase string, done bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.done, s.lastErr
}

func (s *Sequencer) setCurrent(name string) {
	s.mu.Lock()
	s.current = name
	s.mu.Unlock()
}

func (s *Sequencer) setError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Sequencer) setDone() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
}
