package ingest

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ticketdesk-io/ticketdesk/internal/email/inbound/reader"
	"github.com/ticketdesk-io/ticketdesk/internal/models"
)

type fakeRouter struct{ r reader.Reader }

func (f fakeRouter) For(models.IngestSettings) reader.Reader { return f.r }

// stopAfterSleeps records each requested sleep and aborts the loop once the
// limit is reached.
type stopAfterSleeps struct {
	limit     int
	durations []time.Duration
}

func (s *stopAfterSleeps) sleep(_ context.Context, d time.Duration) error {
	s.durations = append(s.durations, d)
	if len(s.durations) >= s.limit {
		return context.Canceled
	}
	return nil
}

func newTestOrchestrator(store Store, rdr reader.Reader, sleeper *stopAfterSleeps, opts ...OrchestratorOption) *Orchestrator {
	processor := newTestProcessor(store)
	base := []OrchestratorOption{
		WithOrchestratorLogger(log.New(discard{}, "", 0)),
		withSleep(sleeper.sleep),
	}
	return NewOrchestrator(store, fakeRouter{r: rdr}, processor, append(base, opts...)...)
}

func TestOrchestratorWaitsForSetup(t *testing.T) {
	store := newFakeStore()
	sleeper := &stopAfterSleeps{limit: 2}
	o := newTestOrchestrator(store, &fakeReader{}, sleeper,
		WithConfiguredCheck(func() bool { return false }),
	)

	err := o.Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []time.Duration{setupRetryWait, setupRetryWait}, sleeper.durations)
	require.Zero(t, store.loadCalls)
}

func TestOrchestratorDisabledSleepsPollInterval(t *testing.T) {
	store := newFakeStore() // no settings row at all
	sleeper := &stopAfterSleeps{limit: 1}
	o := newTestOrchestrator(store, &fakeReader{}, sleeper)

	err := o.Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []time.Duration{models.DefaultPollInterval}, sleeper.durations)

	store = newFakeStore()
	store.settings = &models.IngestSettings{Enabled: false, PollSeconds: 7}
	sleeper = &stopAfterSleeps{limit: 1}
	o = newTestOrchestrator(store, &fakeReader{}, sleeper)

	err = o.Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []time.Duration{7 * time.Second}, sleeper.durations)
}

func TestOrchestratorSettingsErrorBacksOff(t *testing.T) {
	store := newFakeStore()
	store.settingsErr = errors.New("db down")
	sleeper := &stopAfterSleeps{limit: 3}
	o := newTestOrchestrator(store, &fakeReader{}, sleeper)

	err := o.Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []time.Duration{errorBackoff, errorBackoff, errorBackoff}, sleeper.durations)
	require.Equal(t, 3, store.loadCalls)
}

func TestOrchestratorCycleErrorBacksOff(t *testing.T) {
	store := newFakeStore()
	store.settings = &models.IngestSettings{Enabled: true, PollSeconds: 15}
	sleeper := &stopAfterSleeps{limit: 1}
	o := newTestOrchestrator(store, &fakeReader{fetchErr: errors.New("mailbox offline")}, sleeper)

	err := o.Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []time.Duration{errorBackoff}, sleeper.durations)
}

func TestOrchestratorSuccessSleepsPollInterval(t *testing.T) {
	store := newFakeStore()
	store.settings = &models.IngestSettings{Enabled: true, PollSeconds: 15}
	sleeper := &stopAfterSleeps{limit: 2}
	o := newTestOrchestrator(store, &fakeReader{}, sleeper)

	err := o.Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []time.Duration{15 * time.Second, 15 * time.Second}, sleeper.durations)
	require.Equal(t, 2, store.loadCalls)
}

func TestOrchestratorStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := newFakeStore()
	sleeper := &stopAfterSleeps{limit: 100}
	o := newTestOrchestrator(store, &fakeReader{}, sleeper)

	err := o.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, sleeper.durations)
	require.Zero(t, store.loadCalls)
}

func TestSleepCtx(t *testing.T) {
	require.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)

	require.NoError(t, sleepCtx(context.Background(), 0))
}
