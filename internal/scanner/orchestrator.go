package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/routegate/internal/domain"
)

// Evaluator consumes candidates and decides their fate. Satisfied by the
// coordinator.
type Evaluator interface {
	Evaluate(ctx context.Context, cand domain.CandidateRoute) (domain.Opportunity, error)
}

// Orchestrator runs all scanner workers plus a single evaluation loop that
// drains their shared channel.
type Orchestrator struct {
	workers   []*Worker
	evaluator Evaluator
	in        <-chan domain.CandidateRoute
	logger    *slog.Logger
}

// NewOrchestrator creates an Orchestrator over pre-built workers. in must be
// the same channel the workers emit to.
func NewOrchestrator(workers []*Worker, evaluator Evaluator, in <-chan domain.CandidateRoute, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		workers:   workers,
		evaluator: evaluator,
		in:        in,
		logger:    logger.With(slog.String("component", "scanner_orchestrator")),
	}
}

// Run starts every worker and the evaluation loop under an errgroup. Each
// goroutine respects ctx cancellation; any non-context error cancels the
// shared context and is returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("scanner orchestrator starting", slog.Int("workers", len(o.workers)))

	g, ctx := errgroup.WithContext(ctx)

	for _, w := range o.workers {
		w := w
		g.Go(func() error {
			err := w.RunLoop(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("scanner worker %s: %w", w.family.Name, err)
		})
	}

	g.Go(func() error {
		err := o.evaluateLoop(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("evaluate loop: %w", err)
	})

	err := g.Wait()
	if err != nil {
		o.logger.Error("scanner orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("scanner orchestrator stopped cleanly")
	return nil
}

// evaluateLoop feeds candidates one at a time through the evaluator.
// Rejections are ordinary outcomes; only malformed candidates produce
// evaluator errors, which are logged and skipped so one bad quote never
// stops the pipeline.
func (o *Orchestrator) evaluateLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cand := <-o.in:
			opp, err := o.evaluator.Evaluate(ctx, cand)
			switch {
			case errors.Is(err, domain.ErrExecutionUnknown):
				o.logger.ErrorContext(ctx, "execution outcome unknown, needs reconciliation",
					slog.String("opp_id", opp.ID),
					slog.String("source", cand.Source),
				)
			case err != nil:
				o.logger.WarnContext(ctx, "candidate evaluation failed",
					slog.String("source", cand.Source),
					slog.String("error", err.Error()),
				)
			default:
				o.logger.DebugContext(ctx, "candidate evaluated",
					slog.String("opp_id", opp.ID),
					slog.String("status", string(opp.Status)),
				)
			}
		}
	}
}
