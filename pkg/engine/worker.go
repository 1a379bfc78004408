package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultPollInterval is the sleep between two feed cycles.
	DefaultPollInterval = 10 * time.Second

	// DefaultFeedName is the cursor key used when Options.FeedName is empty.
	DefaultFeedName = "lots"
)

// Options configures an Engine.
type Options struct {
	Lots   LotClient
	Assets AssetClient
	Feed   ChangeFeed
	Ledger Ledger

	// Journal records successful patches. Optional.
	Journal PatchJournal

	// Cursors persists the feed position. Optional: without it the engine
	// restarts from the beginning of the feed.
	Cursors  CursorStore
	FeedName string

	Observer Observer
	Tracer   trace.Tracer

	PollInterval time.Duration
	RetryPolicy  RetryPolicy

	Logger zerolog.Logger
}

// Engine consumes lot changes and drives each lot through its transition
// protocol. It processes one lot at a time.
type Engine struct {
	feed     ChangeFeed
	ledger   Ledger
	cursors  CursorStore
	feedName string
	observer Observer
	tracer   trace.Tracer
	logger   zerolog.Logger

	patcher    *RetryingPatcher
	assetGuard *AssetGuard
	lotGuard   *LotGuard

	mu           sync.RWMutex
	pollInterval time.Duration
	cursor       string
	restored     bool

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an engine from the given options.
func New(opts Options) (*Engine, error) {
	if opts.Lots == nil {
		return nil, errors.New("lot client is required")
	}
	if opts.Assets == nil {
		return nil, errors.New("asset client is required")
	}
	if opts.Feed == nil {
		return nil, errors.New("change feed is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("ledger is required")
	}

	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if opts.FeedName == "" {
		opts.FeedName = DefaultFeedName
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.RetryPolicy.MaxAttempts == 0 && opts.RetryPolicy.Retryable == nil {
		opts.RetryPolicy = DefaultRetryPolicy()
	}

	logger := opts.Logger.With().Str("component", "engine").Logger()

	patcher := NewRetryingPatcher(opts.RetryPolicy, opts.Observer)
	patcher.tracer = opts.Tracer

	return &Engine{
		feed:         opts.Feed,
		ledger:       opts.Ledger,
		cursors:      opts.Cursors,
		feedName:     opts.FeedName,
		observer:     opts.Observer,
		tracer:       opts.Tracer,
		logger:       logger,
		patcher:      patcher,
		assetGuard:   NewAssetGuard(opts.Assets, patcher, opts.Journal, logger),
		lotGuard:     NewLotGuard(opts.Lots, patcher, opts.Journal, logger),
		pollInterval: opts.PollInterval,
		sleep:        sleepContext,
	}, nil
}

// SetPollInterval changes the sleep between cycles. It takes effect at the
// next sleep.
func (e *Engine) SetPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pollInterval = d
}

// PollInterval returns the current sleep between cycles.
func (e *Engine) PollInterval() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pollInterval
}

// SetRetryPolicy replaces the retry policy used for patches.
func (e *Engine) SetRetryPolicy(policy RetryPolicy) {
	e.patcher.SetPolicy(policy)
}

// Cursor returns the feed position after the last fully processed batch.
func (e *Engine) Cursor() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cursor
}

// Run polls the change feed until ctx is cancelled. Feed and storage
// failures are logged and retried on the next cycle. Run returns nil on
// cancellation and an error only when the ledger is found corrupted.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().Msg("Starting worker")

	if err := e.restoreCursor(ctx); err != nil {
		return err
	}

	for {
		err := e.RunCycle(ctx)
		switch {
		case errors.Is(err, ErrLedgerCorruption):
			e.logger.Error().Err(err).Msg("Ledger is corrupted, stopping worker")
			return err
		case ctx.Err() != nil:
			e.logger.Info().Msg("Stopping worker")
			return nil
		case err != nil:
			e.logger.Error().Err(err).Msg("Cycle failed, retrying after sleep")
		}

		if err := e.sleep(ctx, e.PollInterval()); err != nil {
			e.logger.Info().Msg("Stopping worker")
			return nil
		}
	}
}

// RunCycle drains the change feed: it polls batches until the feed is caught
// up and handles every event in feed order. The saved cursor is loaded before
// the first poll and saved after each fully handled batch.
func (e *Engine) RunCycle(ctx context.Context) error {
	if err := e.restoreCursor(ctx); err != nil {
		return err
	}

	cycleID := uuid.New().String()
	ctx, span := e.tracer.Start(ctx, "reconcile.cycle", trace.WithAttributes(
		attribute.String("cycle.id", cycleID),
	))
	defer span.End()

	logger := e.logger.With().Str("cycle_id", cycleID).Logger()
	handled := 0

	err := e.drainFeed(ctx, logger, &handled)
	span.SetAttributes(attribute.Int("cycle.events", handled))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if handled > 0 {
		logger.Debug().Int("events", handled).Msg("Feed drained")
	}
	e.reportLedgerSize(ctx)

	return err
}

func (e *Engine) drainFeed(ctx context.Context, logger zerolog.Logger, handled *int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		since := e.Cursor()
		batch, err := e.feed.Poll(ctx, since)
		if batch == nil && err == nil {
			err = errors.New("change feed returned no batch")
		}
		if err != nil {
			e.observer.FeedPolled(0, err)
			logger.Error().Err(err).Msg("Error while getting lots")
			return fmt.Errorf("failed to poll change feed: %w", err)
		}
		e.observer.FeedPolled(len(batch.Events), nil)

		if len(batch.Events) == 0 {
			// A filtered feed may move forward without delivering anything.
			e.advanceCursor(ctx, batch.NextCursor)
			if batch.More && batch.NextCursor != "" && batch.NextCursor != since {
				continue
			}
			return nil
		}

		for _, event := range batch.Events {
			// Only stop between lots. A started transition runs to the end.
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := e.HandleEvent(context.WithoutCancel(ctx), event); err != nil {
				return err
			}
			*handled++
		}

		e.advanceCursor(ctx, batch.NextCursor)
	}
}

// HandleEvent handles a single change event. It consults the ledger first:
// a duplicate delivery is skipped, an unresolved broken lot is replayed from
// its stored payload, anything else is processed as delivered. The returned
// error is non-nil only for ledger failures.
func (e *Engine) HandleEvent(ctx context.Context, event ChangeEvent) (Result, error) {
	lot := event.Lot

	rec, err := e.ledger.GetBrokenLot(ctx, lot.ID)
	if err != nil {
		return Result{LotID: lot.ID}, fmt.Errorf("failed to read ledger for lot %s: %w", lot.ID, err)
	}

	if rec != nil && rec.Revision == lot.Revision {
		e.logger.Debug().
			Str("lot_id", lot.ID).
			Str("revision", lot.Revision).
			Msgf("Lot %s revision %s already handled", lot.ID, lot.Revision)
		result := Result{LotID: lot.ID, Outcome: OutcomeDuplicate}
		e.observer.LotProcessed(result)
		return result, nil
	}

	if rec != nil && !rec.Resolved && lot.Status.IsActionable() && !lot.Status.SameClass(rec.Payload.Status) {
		// The lot entered the other protocol, so the stored transition is
		// obsolete and the change is processed as delivered.
		if err := e.ledger.ResolveBrokenLot(ctx, lot.ID, lot.Revision); err != nil {
			return Result{LotID: lot.ID}, fmt.Errorf("failed to resolve broken lot %s: %w", lot.ID, err)
		}
		e.logger.Info().
			Str("lot_id", lot.ID).
			Str("status", string(lot.Status)).
			Msgf("Broken lot %s superseded by status %s", lot.ID, lot.Status)
		rec = nil
	}

	var out outcome
	if rec != nil && !rec.Resolved {
		e.logger.Info().
			Str("lot_id", lot.ID).
			Str("stage", string(rec.Stage)).
			Msgf("Retrying broken lot %s (%s)", lot.ID, rec.Stage)

		out = e.process(ctx, rec.Payload, rec.Stage)
		out.Replayed = true
		if out.Outcome == OutcomeSkipped {
			out.Deferred = true
		}
		err = e.settleReplay(ctx, lot, rec, out)
	} else {
		out = e.process(ctx, lot, "")
		if out.IsBroken() {
			err = e.recordBroken(ctx, lot.ID, lot.Revision, lot, out)
		}
	}

	e.observer.LotProcessed(out.Result)
	return out.Result, err
}

func (e *Engine) settleReplay(ctx context.Context, lot Lot, rec *BrokenLot, out outcome) error {
	switch {
	case out.IsBroken():
		return e.recordBroken(ctx, lot.ID, lot.Revision, rec.Payload, out)
	case out.Deferred:
		e.logger.Info().
			Str("lot_id", lot.ID).
			Str("stage", string(rec.Stage)).
			Msgf("Broken lot %s left unresolved", lot.ID)
		return nil
	}

	if err := e.ledger.ResolveBrokenLot(ctx, lot.ID, lot.Revision); err != nil {
		return fmt.Errorf("failed to resolve broken lot %s: %w", lot.ID, err)
	}
	e.logger.Info().
		Str("lot_id", lot.ID).
		Str("revision", lot.Revision).
		Msgf("Broken lot %s resolved", lot.ID)
	return nil
}

func (e *Engine) recordBroken(ctx context.Context, lotID, revision string, payload Lot, out outcome) error {
	if err := e.ledger.RecordBrokenLot(ctx, lotID, revision, payload, out.Stage, out.message); err != nil {
		return fmt.Errorf("failed to record broken lot %s: %w", lotID, err)
	}
	e.logger.Warn().
		Str("lot_id", lotID).
		Str("stage", string(out.Stage)).
		Msgf("Lot %s is broken at stage %q", lotID, out.Stage)
	return nil
}

// outcome is a Result plus the failure message stored with broken lots.
type outcome struct {
	Result
	message string
}

func skipped() outcome {
	return outcome{Result: Result{Outcome: OutcomeSkipped}}
}

func broken(stage Stage, message string) outcome {
	return outcome{
		Result:  Result{Outcome: OutcomeBroken, Stage: stage},
		message: message,
	}
}

// process runs the protocol matching the lot status. resume is the stage a
// previous attempt broke at, or empty.
func (e *Engine) process(ctx context.Context, lot Lot, resume Stage) outcome {
	start := time.Now()

	ctx, span := e.tracer.Start(ctx, "lot.process", trace.WithAttributes(
		attribute.String("lot.id", lot.ID),
		attribute.String("lot.status", string(lot.Status)),
	))
	defer span.End()

	e.logger.Info().Str("lot_id", lot.ID).Msgf("Processing lot %s", lot.ID)

	var out outcome
	switch {
	case lot.Status.IsVerification():
		out = e.activate(ctx, lot, resume)
	case lot.Status.IsDissolution():
		out = e.dissolve(ctx, lot)
	default:
		e.logger.Info().
			Str("lot_id", lot.ID).
			Str("status", string(lot.Status)).
			Msgf("Lot %s has status %s, nothing to do", lot.ID, lot.Status)
		out = skipped()
	}

	out.LotID = lot.ID
	out.Duration = time.Since(start)

	span.SetAttributes(attribute.String("lot.outcome", string(out.Outcome)))
	if out.IsBroken() {
		span.SetStatus(codes.Error, out.message)
	}
	return out
}

// activate moves a lot in verification to active.salable together with its
// assets, or sends it back to pending when its assets are not available.
func (e *Engine) activate(ctx context.Context, lot Lot, resume Stage) outcome {
	if !e.lotGuard.Check(ctx, lot) {
		e.logger.Info().Str("lot_id", lot.ID).Msgf("Skipping lot %s", lot.ID)
		return skipped()
	}

	switch resume {
	case StagePatchLotActiveSalable:
		// Assets were already activated by the broken attempt.
		if err := e.lotGuard.PatchStatus(ctx, lot, LotStatusActiveSalable); err != nil {
			return broken(StagePatchLotActiveSalable, FailureMessage(err))
		}
		return outcome{Result: Result{Outcome: OutcomeActiveSalable}}
	case StagePatchAssetsVerification, StagePatchAssetsActive:
		// Finish the rollback that failed before checking the assets again.
		if _, err := e.assetGuard.PatchAll(ctx, lot.Assets, AssetStatusPending, ""); err != nil {
			return broken(resume, FailureMessage(err))
		}
	}

	available, err := e.assetGuard.CheckAll(ctx, lot)
	if err != nil {
		e.logger.Info().
			Str("lot_id", lot.ID).
			Msgf("Due to fail in getting assets, lot %s is skipped", lot.ID)
		out := skipped()
		out.Deferred = true
		return out
	}

	if !available {
		if err := e.lotGuard.PatchStatus(ctx, lot, LotStatusPending); err != nil {
			return skipped()
		}
		return outcome{Result: Result{Outcome: OutcomePending}}
	}

	err = e.activationSaga(lot).Run(ctx)
	if err == nil {
		return outcome{Result: Result{Outcome: OutcomeActiveSalable}}
	}

	sagaErr, ok := AsSagaError(err)
	if !ok {
		return broken(StagePatchAssetsVerification, FailureMessage(err))
	}
	if !sagaErr.NeedsRecovery() {
		return outcome{Result: Result{Outcome: OutcomeCompensated, Stage: sagaErr.Stage}}
	}

	message := FailureMessage(sagaErr.Err)
	if sagaErr.CompensationErr != nil {
		message = fmt.Sprintf("%s; rollback failed: %s", message, FailureMessage(sagaErr.CompensationErr))
	}
	return broken(sagaErr.Stage, message)
}

func (e *Engine) activationSaga(lot Lot) *Saga {
	return NewSaga(
		SagaStep{
			Stage: StagePatchAssetsVerification,
			Do: func(ctx context.Context) (UndoFunc, error) {
				patched, err := e.assetGuard.PatchAll(ctx, lot.Assets, AssetStatusVerification, lot.ID)
				return e.releaseAssets(patched), err
			},
		},
		SagaStep{
			Stage: StagePatchAssetsActive,
			Do: func(ctx context.Context) (UndoFunc, error) {
				_, err := e.assetGuard.PatchAll(ctx, lot.Assets, AssetStatusActive, lot.ID)
				return nil, err
			},
		},
		SagaStep{
			Stage:     StagePatchLotActiveSalable,
			Retriable: true,
			Do: func(ctx context.Context) (UndoFunc, error) {
				return nil, e.lotGuard.PatchStatus(ctx, lot, LotStatusActiveSalable)
			},
		},
	)
}

// releaseAssets returns an undo action that patches the given assets back to
// pending and detaches them from their lot.
func (e *Engine) releaseAssets(assetIDs []string) UndoFunc {
	if len(assetIDs) == 0 {
		return nil
	}
	ids := append([]string(nil), assetIDs...)
	return func(ctx context.Context) error {
		e.logger.Info().Strs("asset_ids", ids).Msgf("Assets %v will be repatched to 'pending'", ids)
		_, err := e.assetGuard.PatchAll(ctx, ids, AssetStatusPending, "")
		return err
	}
}

// dissolve releases the assets of a dissolving lot and marks it dissolved.
// The lot is dissolved even when some assets could not be released.
func (e *Engine) dissolve(ctx context.Context, lot Lot) outcome {
	if !e.lotGuard.Check(ctx, lot) {
		e.logger.Info().Str("lot_id", lot.ID).Msgf("Skipping lot %s", lot.ID)
		return skipped()
	}

	if patched, err := e.assetGuard.PatchAll(ctx, lot.Assets, AssetStatusPending, ""); err != nil {
		e.logger.Warn().
			Str("lot_id", lot.ID).
			Int("released", len(patched)).
			Int("assets", len(lot.Assets)).
			Msgf("Not all assets of lot %s were released", lot.ID)
	}

	if err := e.lotGuard.PatchStatus(ctx, lot, LotStatusDissolved); err != nil {
		return broken(StagePatchLotDissolved, FailureMessage(err))
	}
	return outcome{Result: Result{Outcome: OutcomeDissolved}}
}

// restoreCursor loads the saved feed position once per engine.
func (e *Engine) restoreCursor(ctx context.Context) error {
	e.mu.RLock()
	restored := e.restored
	e.mu.RUnlock()
	if restored || e.cursors == nil {
		return nil
	}

	cursor, err := e.cursors.LoadCursor(ctx, e.feedName)
	if err != nil {
		return fmt.Errorf("failed to load feed cursor: %w", err)
	}

	e.mu.Lock()
	e.cursor = cursor
	e.restored = true
	e.mu.Unlock()

	if cursor != "" {
		e.logger.Info().Str("cursor", cursor).Msg("Resuming change feed")
	}
	return nil
}

func (e *Engine) advanceCursor(ctx context.Context, cursor string) {
	e.mu.Lock()
	if cursor == "" || cursor == e.cursor {
		e.mu.Unlock()
		return
	}
	e.cursor = cursor
	e.mu.Unlock()

	if e.cursors == nil {
		return
	}
	if err := e.cursors.SaveCursor(ctx, e.feedName, cursor); err != nil {
		e.logger.Warn().Err(err).Str("cursor", cursor).Msg("Failed to save feed cursor")
	}
}

func (e *Engine) reportLedgerSize(ctx context.Context) {
	n, err := e.ledger.CountUnresolved(context.WithoutCancel(ctx))
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to count broken lots")
		return
	}
	e.observer.LedgerSize(n)
}
