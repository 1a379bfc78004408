package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeRegistry is an in-memory lots and assets API.
type fakeRegistry struct {
	mu     sync.Mutex
	lots   map[string]*Lot
	assets map[string]*Asset

	getLotErr   map[string]error
	getAssetErr map[string]error

	// failAssetPatch returns an error to inject for an asset patch, or nil.
	failAssetPatch func(id string, status AssetStatus) error
	// failLotPatch returns an error to inject for a lot patch, or nil.
	failLotPatch func(id string, status LotStatus) error

	calls []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		lots:        make(map[string]*Lot),
		assets:      make(map[string]*Asset),
		getLotErr:   make(map[string]error),
		getAssetErr: make(map[string]error),
	}
}

func (r *fakeRegistry) addLot(id string, status LotStatus, assets ...string) Lot {
	r.mu.Lock()
	defer r.mu.Unlock()
	lot := Lot{ID: id, Revision: "1-" + id, Status: status, Assets: assets, LotID: "UA-" + id}
	r.lots[id] = &lot
	return lot.Clone()
}

func (r *fakeRegistry) addAsset(id string, status AssetStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assets[id] = &Asset{ID: id, Status: status}
}

func (r *fakeRegistry) GetLot(_ context.Context, id string) (*Lot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "GET lot "+id)
	if err := r.getLotErr[id]; err != nil {
		return nil, err
	}
	lot, ok := r.lots[id]
	if !ok {
		return nil, NewResourceError(ErrorKindNotFound, ResourceLot, id, nil).WithStatus(404)
	}
	out := lot.Clone()
	return &out, nil
}

func (r *fakeRegistry) PatchLotStatus(_ context.Context, id string, status LotStatus) (*Lot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("PATCH lot %s %s", id, status))
	if r.failLotPatch != nil {
		if err := r.failLotPatch(id, status); err != nil {
			return nil, err
		}
	}
	lot, ok := r.lots[id]
	if !ok {
		return nil, NewResourceError(ErrorKindNotFound, ResourceLot, id, nil).WithStatus(404)
	}
	lot.Status = status
	out := lot.Clone()
	return &out, nil
}

func (r *fakeRegistry) GetAsset(_ context.Context, id string) (*Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "GET asset "+id)
	if err := r.getAssetErr[id]; err != nil {
		return nil, err
	}
	asset, ok := r.assets[id]
	if !ok {
		return nil, NewResourceError(ErrorKindNotFound, ResourceAsset, id, nil).WithStatus(404)
	}
	out := *asset
	return &out, nil
}

func (r *fakeRegistry) PatchAsset(_ context.Context, id string, status AssetStatus, relatedLot string) (*Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("PATCH asset %s %s", id, status))
	if r.failAssetPatch != nil {
		if err := r.failAssetPatch(id, status); err != nil {
			return nil, err
		}
	}
	asset, ok := r.assets[id]
	if !ok {
		return nil, NewResourceError(ErrorKindNotFound, ResourceAsset, id, nil).WithStatus(404)
	}
	asset.Status = status
	asset.RelatedLot = relatedLot
	out := *asset
	return &out, nil
}

func (r *fakeRegistry) lotStatus(id string) LotStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lots[id].Status
}

func (r *fakeRegistry) asset(id string) Asset {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.assets[id]
}

func (r *fakeRegistry) patchCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		if strings.HasPrefix(c, "PATCH") {
			out = append(out, c)
		}
	}
	return out
}

func (r *fakeRegistry) resetCalls() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// memLedger is an in-memory Ledger with the same upsert semantics as the
// SQL stores.
type memLedger struct {
	mu      sync.Mutex
	records map[string]*BrokenLot

	getErr     error
	resolveErr error
}

func newMemLedger() *memLedger {
	return &memLedger{records: make(map[string]*BrokenLot)}
}

func (l *memLedger) GetBrokenLot(_ context.Context, lotID string) (*BrokenLot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.getErr != nil {
		return nil, l.getErr
	}
	rec, ok := l.records[lotID]
	if !ok {
		return nil, nil
	}
	out := *rec
	out.Payload = rec.Payload.Clone()
	return &out, nil
}

func (l *memLedger) RecordBrokenLot(_ context.Context, lotID, revision string, payload Lot, stage Stage, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	rec, ok := l.records[lotID]
	if !ok {
		rec = &BrokenLot{LotID: lotID, Created: now}
		l.records[lotID] = rec
	}
	rec.Revision = revision
	rec.Resolved = false
	rec.Stage = stage
	rec.Message = message
	rec.Payload = payload.Clone()
	rec.Failures++
	rec.Updated = now
	return nil
}

func (l *memLedger) ResolveBrokenLot(_ context.Context, lotID, revision string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resolveErr != nil {
		return l.resolveErr
	}
	rec, ok := l.records[lotID]
	if !ok {
		return fmt.Errorf("lot %s: %w", lotID, ErrLedgerCorruption)
	}
	rec.Resolved = true
	rec.Revision = revision
	rec.Updated = time.Now()
	return nil
}

func (l *memLedger) ListBrokenLots(_ context.Context, includeResolved bool) ([]*BrokenLot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*BrokenLot
	for _, rec := range l.records {
		if rec.Resolved && !includeResolved {
			continue
		}
		r := *rec
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LotID < out[j].LotID })
	return out, nil
}

func (l *memLedger) CountUnresolved(ctx context.Context) (int, error) {
	recs, err := l.ListBrokenLots(ctx, false)
	return len(recs), err
}

// fakeFeed replays prepared batches, then reports the feed caught up.
type fakeFeed struct {
	mu      sync.Mutex
	batches []*ChangeBatch
	err     error
	since   []string
}

func (f *fakeFeed) Poll(_ context.Context, since string) (*ChangeBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, since)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batches) == 0 {
		return &ChangeBatch{NextCursor: since}, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

// memCursors is an in-memory CursorStore.
type memCursors struct {
	mu      sync.Mutex
	cursors map[string]string
	saves   int
}

func (c *memCursors) LoadCursor(_ context.Context, feed string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors[feed], nil
}

func (c *memCursors) SaveCursor(_ context.Context, feed, cursor string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cursors == nil {
		c.cursors = make(map[string]string)
	}
	c.cursors[feed] = cursor
	c.saves++
	return nil
}

// memJournal collects patch records.
type memJournal struct {
	mu      sync.Mutex
	records []PatchRecord
}

func (j *memJournal) AppendPatch(_ context.Context, rec *PatchRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, *rec)
	return nil
}

// recordingObserver collects observer calls.
type recordingObserver struct {
	mu       sync.Mutex
	results  []Result
	attempts int
	failures int
	polls    int
	pollErrs int
	ledger   []int
}

func (o *recordingObserver) LotProcessed(result Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, result)
}

func (o *recordingObserver) PatchAttempted(_ ResourceType, _ string, err error, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts++
	if err != nil {
		o.failures++
	}
}

func (o *recordingObserver) FeedPolled(_ int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.polls++
	if err != nil {
		o.pollErrs++
	}
}

func (o *recordingObserver) LedgerSize(unresolved int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ledger = append(o.ledger, unresolved)
}

// testHarness wires an engine to in-memory collaborators.
type testHarness struct {
	engine   *Engine
	registry *fakeRegistry
	ledger   *memLedger
	feed     *fakeFeed
	cursors  *memCursors
	journal  *memJournal
	observer *recordingObserver
	logs     *bytes.Buffer
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	h := &testHarness{
		registry: newFakeRegistry(),
		ledger:   newMemLedger(),
		feed:     &fakeFeed{},
		cursors:  &memCursors{},
		journal:  &memJournal{},
		observer: &recordingObserver{},
		logs:     &bytes.Buffer{},
	}

	eng, err := New(Options{
		Lots:     h.registry,
		Assets:   h.registry,
		Feed:     h.feed,
		Ledger:   h.ledger,
		Journal:  h.journal,
		Cursors:  h.cursors,
		Observer: h.observer,
		Logger:   zerolog.New(h.logs),
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	eng.patcher.sleep = noSleep
	h.engine = eng
	return h
}

func noSleep(context.Context, time.Duration) error { return nil }

func forbidden(resource ResourceType, id string) error {
	return NewResourceError(ErrorKindForbidden, resource, id, nil).WithStatus(403).WithMessage("forbidden")
}

// logMessages returns the "message" field of every log line.
func (h *testHarness) logMessages() []string {
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(h.logs.String()), "\n") {
		var entry struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil || entry.Message == "" {
			continue
		}
		out = append(out, entry.Message)
	}
	return out
}
