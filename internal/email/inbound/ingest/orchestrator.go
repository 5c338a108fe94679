package ingest

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ticketdesk-io/ticketdesk/internal/email/inbound/reader"
	"github.com/ticketdesk-io/ticketdesk/internal/metrics"
	"github.com/ticketdesk-io/ticketdesk/internal/models"
)

const (
	setupRetryWait = 5 * time.Second
	errorBackoff   = 10 * time.Second
)

// ReaderRouter resolves the active reader for a settings snapshot.
type ReaderRouter interface {
	For(st models.IngestSettings) reader.Reader
}

// Orchestrator is the long-running poll loop. Exactly one runs per process;
// an external process manager owns restarts. Cancellation is observed at the
// inter-cycle sleeps; in-flight network calls finish under their own
// timeouts.
type Orchestrator struct {
	store      Store
	router     ReaderRouter
	processor  *Processor
	configured func() bool
	logger     *log.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// OrchestratorOption customizes the loop.
type OrchestratorOption func(*Orchestrator)

// NewOrchestrator wires the poll loop over the store, router, and processor.
func NewOrchestrator(store Store, router ReaderRouter, processor *Processor, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		router:     router,
		processor:  processor,
		configured: func() bool { return true },
		logger:     log.Default(),
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// WithOrchestratorLogger overrides the logger used for diagnostics.
func WithOrchestratorLogger(logger *log.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithConfiguredCheck wires the installation-level readiness probe. While it
// reports false the loop waits without touching the mailbox or database.
func WithConfiguredCheck(fn func() bool) OrchestratorOption {
	return func(o *Orchestrator) {
		if fn != nil {
			o.configured = fn
		}
	}
}

func withSleep(fn func(ctx context.Context, d time.Duration) error) OrchestratorOption {
	return func(o *Orchestrator) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

// Run polls until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Printf("ingest: worker started")
	for {
		if err := ctx.Err(); err != nil {
			o.logger.Printf("ingest: worker stopped")
			return err
		}
		wait := o.step(ctx)
		if err := o.sleep(ctx, wait); err != nil {
			o.logger.Printf("ingest: worker stopped")
			return err
		}
	}
}

// step runs at most one cycle and returns how long to sleep before the next
// wake.
func (o *Orchestrator) step(ctx context.Context) time.Duration {
	if !o.configured() {
		return setupRetryWait
	}

	st, err := o.store.LoadSettings(ctx)
	if err != nil {
		o.logger.Printf("ingest: settings load failed: %v", err)
		metrics.IngestCycles.WithLabelValues("error").Inc()
		return errorBackoff
	}
	if st == nil || !st.Enabled {
		metrics.IngestCycles.WithLabelValues("disabled").Inc()
		return st.PollInterval()
	}

	stats, err := o.processor.RunCycle(ctx, *st, o.router.For(*st))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0
		}
		o.logger.Printf("ingest: cycle failed: %v", err)
		metrics.IngestCycles.WithLabelValues("error").Inc()
		return errorBackoff
	}

	metrics.IngestCycles.WithLabelValues("ok").Inc()
	if stats.Created > 0 {
		metrics.IngestMessages.WithLabelValues("created").Add(float64(stats.Created))
	}
	if stats.Appended > 0 {
		metrics.IngestMessages.WithLabelValues("appended").Add(float64(stats.Appended))
	}
	if stats.Skipped > 0 {
		metrics.IngestMessages.WithLabelValues("skipped_not_allowlisted").Add(float64(stats.Skipped))
	}
	if stats.Duplicates > 0 {
		metrics.IngestMessages.WithLabelValues("duplicate").Add(float64(stats.Duplicates))
	}
	return st.PollInterval()
}

// sleepCtx waits for d or until ctx is canceled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
