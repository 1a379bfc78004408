package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventFor(lot Lot) ChangeEvent {
	return ChangeEvent{Seq: "1", Lot: lot}
}

// assertInOrder checks that want appears in got in the same order, possibly
// interleaved with other entries.
func assertInOrder(t *testing.T, got, want []string) {
	t.Helper()
	i := 0
	for _, g := range got {
		if i < len(want) && g == want[i] {
			i++
		}
	}
	assert.Equal(t, len(want), i, "missing or out of order: %v", want[i:])
}

func TestEngine_ActivatesLotWithPendingAssets(t *testing.T) {
	h := newHarness(t)
	h.registry.addAsset("A1", AssetStatusPending)
	h.registry.addAsset("A2", AssetStatusPending)
	lot := h.registry.addLot("L1", LotStatusVerification, "A1", "A2")

	result, err := h.engine.HandleEvent(context.Background(), eventFor(lot))
	require.NoError(t, err)

	assert.Equal(t, OutcomeActiveSalable, result.Outcome)
	assert.Equal(t, LotStatusActiveSalable, h.registry.lotStatus("L1"))
	for _, id := range []string{"A1", "A2"} {
		asset := h.registry.asset(id)
		assert.Equal(t, AssetStatusActive, asset.Status, id)
		assert.Equal(t, "L1", asset.RelatedLot, id)
	}

	assert.Equal(t, []string{
		"PATCH asset A1 verification",
		"PATCH asset A2 verification",
		"PATCH asset A1 active",
		"PATCH asset A2 active",
		"PATCH lot L1 active.salable",
	}, h.registry.patchCalls())

	assertInOrder(t, h.logMessages(), []string{
		"Processing lot L1",
		"Successfully patched asset A1 to verification",
		"Successfully patched asset A2 to verification",
		"Successfully patched asset A1 to active",
		"Successfully patched asset A2 to active",
		"Successfully patched lot L1 to active.salable",
	})

	assert.Len(t, h.journal.records, 5)
	assert.Empty(t, h.ledger.records)
}

func TestEngine_LotGoesPendingWhenAssetUnavailable(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *fakeRegistry)
	}{
		{
			name: "asset already active",
			setup: func(r *fakeRegistry) {
				r.addAsset("A1", AssetStatusPending)
				r.addAsset("A2", AssetStatusActive)
			},
		},
		{
			name: "asset not found",
			setup: func(r *fakeRegistry) {
				r.addAsset("A1", AssetStatusPending)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h.registry)
			lot := h.registry.addLot("L1", LotStatusVerification, "A1", "A2")

			result, err := h.engine.HandleEvent(context.Background(), eventFor(lot))
			require.NoError(t, err)

			assert.Equal(t, OutcomePending, result.Outcome)
			assert.Equal(t, LotStatusPending, h.registry.lotStatus("L1"))
			assert.Equal(t, []string{"PATCH lot L1 pending"}, h.registry.patchCalls())
			assert.Equal(t, AssetStatusPending, h.registry.asset("A1").Status)
		})
	}
}

func TestEngine_CompensatesPartialVerificationPatch(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"A1", "A2", "A3"} {
		h.registry.addAsset(id, AssetStatusPending)
	}
	h.registry.failAssetPatch = func(id string, status AssetStatus) error {
		if id == "A2" && status == AssetStatusVerification {
			return forbidden(ResourceAsset, id)
		}
		return nil
	}
	lot := h.registry.addLot("L1", LotStatusVerification, "A1", "A2", "A3")

	result, err := h.engine.HandleEvent(context.Background(), eventFor(lot))
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompensated, result.Outcome)
	assert.Equal(t, StagePatchAssetsVerification, result.Stage)
	assert.Equal(t, AssetStatusPending, h.registry.asset("A1").Status)
	assert.Empty(t, h.registry.asset("A1").RelatedLot)
	assert.Equal(t, AssetStatusPending, h.registry.asset("A3").Status)
	assert.NotContains(t, h.registry.patchCalls(), "PATCH asset A3 verification")
	assert.Equal(t, LotStatusVerification, h.registry.lotStatus("L1"))
	assert.Empty(t, h.ledger.records)
	assert.Contains(t, h.logMessages(), "Failed to patch asset A2 to verification (forbidden)")
}

func TestEngine_RecordsLotWhenCompensationFails(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"A1", "A2", "A3"} {
		h.registry.addAsset(id, AssetStatusPending)
	}
	h.registry.failAssetPatch = func(id string, status AssetStatus) error {
		switch {
		case id == "A2" && status == AssetStatusVerification:
			return forbidden(ResourceAsset, id)
		case id == "A1" && status == AssetStatusPending:
			return NewResourceError(ErrorKindRequestFailed, ResourceAsset, id, nil).WithStatus(503)
		}
		return nil
	}
	lot := h.registry.addLot("L1", LotStatusVerification, "A1", "A2", "A3")

	result, err := h.engine.HandleEvent(context.Background(), eventFor(lot))
	require.NoError(t, err)

	assert.True(t, result.IsBroken())
	require.Len(t, h.ledger.records, 1)
	rec := h.ledger.records["L1"]
	require.NotNil(t, rec)
	assert.False(t, rec.Resolved)
	assert.Equal(t, StagePatchAssetsVerification, rec.Stage)
	assert.Equal(t, lot.Revision, rec.Revision)
	assert.Equal(t, lot, rec.Payload)
	assert.Contains(t, rec.Message, "server error: 503")
}

func TestEngine_CompensatesAllAssetsWhenActivationFails(t *testing.T) {
	h := newHarness(t)
	h.registry.addAsset("A1", AssetStatusPending)
	h.registry.addAsset("A2", AssetStatusPending)
	h.registry.failAssetPatch = func(id string, status AssetStatus) error {
		if id == "A2" && status == AssetStatusActive {
			return forbidden(ResourceAsset, id)
		}
		return nil
	}
	lot := h.registry.addLot("L1", LotStatusVerification, "A1", "A2")

	result, err := h.engine.HandleEvent(context.Background(), eventFor(lot))
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompensated, result.Outcome)
	assert.Equal(t, StagePatchAssetsActive, result.Stage)
	for _, id := range []string{"A1", "A2"} {
		asset := h.registry.asset(id)
		assert.Equal(t, AssetStatusPending, asset.Status, id)
		assert.Empty(t, asset.RelatedLot, id)
	}
	assert.NotContains(t, h.registry.patchCalls(), "PATCH lot L1 active.salable")
	assert.Empty(t, h.ledger.records)
}

func TestEngine_RecordsLotWhenActivationRollbackFails(t *testing.T) {
	h := newHarness(t)
	h.registry.addAsset("A1", AssetStatusPending)
	h.registry.addAsset("A2", AssetStatusPending)
	h.registry.failAssetPatch = func(id string, status AssetStatus) error {
		if id == "A2" && (status == AssetStatusActive || status == AssetStatusPending) {
			return forbidden(ResourceAsset, id)
		}
		return nil
	}
	lot := h.registry.addLot("L1", LotStatusVerification, "A1", "A2")

	result, err := h.engine.HandleEvent(context.Background(), eventFor(lot))
	require.NoError(t, err)

	assert.Equal(t, OutcomeBroken, result.Outcome)
	rec := h.ledger.records["L1"]
	require.NotNil(t, rec)
	assert.Equal(t, StagePatchAssetsActive, rec.Stage)
}

func TestEngine_RecordsLotWhenActiveSalablePatchFails(t *testing.T) {
	h := newHarness(t)
	h.registry.addAsset("A1", AssetStatusPending)
	h.registry.failLotPatch = func(id string, status LotStatus) error {
		if status == LotStatusActiveSalable {
			return NewResourceError(ErrorKindUnprocessable, ResourceLot, id, nil).WithStatus(422).WithMessage("status is read-only")
		}
		return nil
	}
	lot := h.registry.addLot("L1", LotStatusVerification, "A1")

	result, err := h.engine.HandleEvent(context.Background(), eventFor(lot))
	require.NoError(t, err)

	assert.Equal(t, OutcomeBroken, result.Outcome)
	assert.Equal(t, StagePatchLotActiveSalable, result.Stage)
	// The pivot step does not roll the assets back.
	assert.Equal(t, AssetStatusActive, h.registry.asset("A1").Status)

	rec := h.ledger.records["L1"]
	require.NotNil(t, rec)
	assert.Equal(t, StagePatchLotActiveSalable, rec.Stage)
	assert.Equal(t, "status is read-only", rec.Message)
	assert.Equal(t, 1, rec.Failures)
}

func TestEngine_SkipsLotOnTransientAssetFailure(t *testing.T) {
	h := newHarness(t)
	h.registry.addAsset("A1", AssetStatusPending)
	h.registry.getAssetErr["A1"] = NewResourceError(ErrorKindRequestFailed, ResourceAsset, "A1", errors.New("connection refused"))
	lot := h.registry.addLot("L1", LotStatusVerification, "A1")

	result, err := h.engine.HandleEvent(context.Background(), eventFor(lot))
	require.NoError(t, err)

	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.True(t, result.Deferred)
	assert.Empty(t, h.registry.patchCalls())
	assert.Empty(t, h.ledger.records)
	assert.Contains(t, h.logMessages(), "Due to fail in getting assets, lot L1 is skipped")
}

func TestEngine_DissolvesLot(t *testing.T) {
	h := newHarness(t)
	h.registry.addAsset("A3", AssetStatusActive)
	lot := h.registry.addLot("L2", LotStatusDissolved, "A3")

	result, err := h.engine.HandleEvent(context.Background(), eventFor(lot))
	require.NoError(t, err)

	assert.Equal(t, OutcomeDissolved, result.Outcome)
	assert.Equal(t, []string{
		"PATCH asset A3 pending",
		"PATCH lot L2 dissolved",
	}, h.registry.patchCalls())
	assert.Equal(t, AssetStatusPending, h.registry.asset("A3").Status)
	assert.Empty(t, h.registry.asset("A3").RelatedLot)
	assert.Equal(t, LotStatusDissolved, h.registry.lotStatus("L2"))
}

func TestEngine_DissolvesLotEvenWhenAssetsFail(t *testing.T) {
	h := newHarness(t)
	h.registry.addAsset("A3", AssetStatusActive)
	h.registry.addAsset("A4", AssetStatusActive)
	h.registry.failAssetPatch = func(id string, _ AssetStatus) error {
		if id == "A3" {
			return forbidden(ResourceAsset, id)
		}
		return nil
	}
	lot := h.registry.addLot("L2", LotStatusPendingDissolution, "A3", "A4")

	result, err := h.engine.HandleEvent(context.Background(), eventFor(lot))
	require.NoError(t, err)

	assert.Equal(t, OutcomeDissolved, result.Outcome)
	assert.Equal(t, LotStatusDissolved, h.registry.lotStatus("L2"))
	// Fan-out is fail-fast: A4 is never touched once A3 failed.
	assert.Equal(t, AssetStatusActive, h.registry.asset("A4").Status)
}

func TestEngine_RecordsLotWhenDissolvePatchFails(t *testing.T) {
	h := newHarness(t)
	h.registry.addAsset("A3", AssetStatusActive)
	h.registry.failLotPatch = func(id string, _ LotStatus) error {
		return forbidden(ResourceLot, id)
	}
	lot := h.registry.addLot("L2", LotStatusPendingDissolution, "A3")

	result, err := h.engine.HandleEvent(context.Background(), eventFor(lot))
	require.NoError(t, err)

	assert.Equal(t, OutcomeBroken, result.Outcome)
	rec := h.ledger.records["L2"]
	require.NotNil(t, rec)
	assert.Equal(t, StagePatchLotDissolved, rec.Stage)
}

func TestEngine_SkipsLotThatMovedOn(t *testing.T) {
	tests := []struct {
		name   string
		remote LotStatus
	}{
		{"already active", LotStatusActiveSalable},
		{"sent back to draft", LotStatusDraft},
		{"dissolution requested", LotStatusPendingDissolution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.registry.addAsset("A1", AssetStatusPending)
			lot := h.registry.addLot("L3", LotStatusVerification, "A1")
			_, err := h.registry.PatchLotStatus(context.Background(), "L3", tt.remote)
			require.NoError(t, err)
			h.registry.resetCalls()

			result, err := h.engine.HandleEvent(context.Background(), eventFor(lot))
			require.NoError(t, err)

			assert.Equal(t, OutcomeSkipped, result.Outcome)
			assert.Equal(t, []string{"GET lot L3"}, h.registry.calls)
			assert.Contains(t, h.logMessages(), "Skipping lot L3")
		})
	}
}

func TestEngine_SkipsMissingLot(t *testing.T) {
	h := newHarness(t)
	lot := Lot{ID: "L9", Revision: "1-x", Status: LotStatusVerification, Assets: []string{"A1"}}

	result, err := h.engine.HandleEvent(context.Background(), eventFor(lot))
	require.NoError(t, err)

	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Empty(t, h.registry.patchCalls())
}

func TestEngine_SkipsDuplicateDelivery(t *testing.T) {
	h := newHarness(t)
	h.registry.addAsset("A1", AssetStatusPending)
	lot := h.registry.addLot("L1", LotStatusVerification, "A1")

	ctx := context.Background()
	require.NoError(t, h.ledger.RecordBrokenLot(ctx, "L1", "0-old", lot, StagePatchLotActiveSalable, "boom"))
	require.NoError(t, h.ledger.ResolveBrokenLot(ctx, "L1", lot.Revision))
	h.registry.resetCalls()

	result, err := h.engine.HandleEvent(ctx, eventFor(lot))
	require.NoError(t, err)

	assert.Equal(t, OutcomeDuplicate, result.Outcome)
	assert.Empty(t, h.registry.calls)
}

func TestEngine_SkipsRedeliveryOfBrokenRevision(t *testing.T) {
	h := newHarness(t)
	lot := h.registry.addLot("L1", LotStatusVerification)
	ctx := context.Background()
	require.NoError(t, h.ledger.RecordBrokenLot(ctx, "L1", lot.Revision, lot, StagePatchLotActiveSalable, "boom"))
	h.registry.resetCalls()

	result, err := h.engine.HandleEvent(ctx, eventFor(lot))
	require.NoError(t, err)

	assert.Equal(t, OutcomeDuplicate, result.Outcome)
	assert.Empty(t, h.registry.calls)
	assert.False(t, h.ledger.records["L1"].Resolved)
}

func TestEngine_ReplaysBrokenLotAndResolves(t *testing.T) {
	h := newHarness(t)
	h.registry.addAsset("A1", AssetStatusPending)
	stored := h.registry.addLot("L1", LotStatusVerification, "A1")

	ctx := context.Background()
	require.NoError(t, h.ledger.RecordBrokenLot(ctx, "L1", stored.Revision, stored, StagePatchAssetsVerification, "boom"))

	// A newer revision arrives, carrying a snapshot the engine must ignore.
	incoming := stored.Clone()
	incoming.Revision = "2-L1"
	incoming.Assets = []string{"A-unrelated"}

	result, err := h.engine.HandleEvent(ctx, eventFor(incoming))
	require.NoError(t, err)

	assert.True(t, result.Replayed)
	assert.Equal(t, OutcomeActiveSalable, result.Outcome)
	assert.Equal(t, AssetStatusActive, h.registry.asset("A1").Status)

	rec := h.ledger.records["L1"]
	require.NotNil(t, rec)
	assert.True(t, rec.Resolved)
	assert.Equal(t, "2-L1", rec.Revision)

	// The same event again is now a duplicate.
	result, err = h.engine.HandleEvent(ctx, eventFor(incoming))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, result.Outcome)
}

func TestEngine_ReplayResumesAtLotPatch(t *testing.T) {
	h := newHarness(t)
	h.registry.addAsset("A1", AssetStatusActive)
	stored := h.registry.addLot("L1", LotStatusVerification, "A1")

	ctx := context.Background()
	require.NoError(t, h.ledger.RecordBrokenLot(ctx, "L1", stored.Revision, stored, StagePatchLotActiveSalable, "boom"))
	h.registry.resetCalls()

	incoming := stored.Clone()
	incoming.Revision = "2-L1"

	result, err := h.engine.HandleEvent(ctx, eventFor(incoming))
	require.NoError(t, err)

	assert.Equal(t, OutcomeActiveSalable, result.Outcome)
	assert.Equal(t, []string{"PATCH lot L1 active.salable"}, h.registry.patchCalls())
	assert.True(t, h.ledger.records["L1"].Resolved)
}

func TestEngine_ReplayThatBreaksAgainKeepsRecordOpen(t *testing.T) {
	h := newHarness(t)
	h.registry.addAsset("A1", AssetStatusActive)
	stored := h.registry.addLot("L1", LotStatusVerification, "A1")
	h.registry.failLotPatch = func(id string, _ LotStatus) error {
		return forbidden(ResourceLot, id)
	}

	ctx := context.Background()
	require.NoError(t, h.ledger.RecordBrokenLot(ctx, "L1", stored.Revision, stored, StagePatchLotActiveSalable, "boom"))

	incoming := stored.Clone()
	incoming.Revision = "2-L1"

	result, err := h.engine.HandleEvent(ctx, eventFor(incoming))
	require.NoError(t, err)

	assert.Equal(t, OutcomeBroken, result.Outcome)
	rec := h.ledger.records["L1"]
	require.NotNil(t, rec)
	assert.False(t, rec.Resolved)
	assert.Equal(t, "2-L1", rec.Revision)
	assert.Equal(t, stored, rec.Payload)
	assert.Equal(t, 2, rec.Failures)
}

func TestEngine_ReplayRollsBackBeforeRetrying(t *testing.T) {
	h := newHarness(t)
	h.registry.addAsset("A1", AssetStatusVerification)
	h.registry.addAsset("A2", AssetStatusPending)
	stored := h.registry.addLot("L1", LotStatusVerification, "A1", "A2")

	ctx := context.Background()
	require.NoError(t, h.ledger.RecordBrokenLot(ctx, "L1", stored.Revision, stored, StagePatchAssetsVerification, "boom"))
	h.registry.resetCalls()

	incoming := stored.Clone()
	incoming.Revision = "2-L1"

	result, err := h.engine.HandleEvent(ctx, eventFor(incoming))
	require.NoError(t, err)

	assert.Equal(t, OutcomeActiveSalable, result.Outcome)
	assert.Equal(t, []string{"PATCH asset A1 pending", "PATCH asset A2 pending"}, h.registry.patchCalls()[:2])
	assert.True(t, h.ledger.records["L1"].Resolved)
}

func TestEngine_DeferredReplayLeavesRecordOpen(t *testing.T) {
	h := newHarness(t)
	h.registry.addAsset("A1", AssetStatusPending)
	stored := h.registry.addLot("L1", LotStatusVerification, "A1")
	h.registry.getAssetErr["A1"] = NewResourceError(ErrorKindRequestFailed, ResourceAsset, "A1", nil).WithStatus(502)

	ctx := context.Background()
	require.NoError(t, h.ledger.RecordBrokenLot(ctx, "L1", stored.Revision, stored, StagePatchAssetsActive, "boom"))
	h.registry.failAssetPatch = nil

	incoming := stored.Clone()
	incoming.Revision = "2-L1"

	result, err := h.engine.HandleEvent(ctx, eventFor(incoming))
	require.NoError(t, err)

	assert.True(t, result.Deferred)
	rec := h.ledger.records["L1"]
	assert.False(t, rec.Resolved)
	assert.Equal(t, stored.Revision, rec.Revision)
}

func TestEngine_ReplayLotCheckFailureLeavesRecordOpen(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"registry unavailable", NewResourceError(ErrorKindRequestFailed, ResourceLot, "L1", nil).WithStatus(502)},
		{"lot not found", NewResourceError(ErrorKindNotFound, ResourceLot, "L1", nil).WithStatus(404)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.registry.addAsset("A1", AssetStatusActive)
			stored := h.registry.addLot("L1", LotStatusVerification, "A1")

			ctx := context.Background()
			require.NoError(t, h.ledger.RecordBrokenLot(ctx, "L1", stored.Revision, stored, StagePatchLotActiveSalable, "boom"))
			h.registry.resetCalls()
			h.registry.getLotErr["L1"] = tt.err

			incoming := stored.Clone()
			incoming.Revision = "2-L1"

			result, err := h.engine.HandleEvent(ctx, eventFor(incoming))
			require.NoError(t, err)

			assert.Equal(t, OutcomeSkipped, result.Outcome)
			assert.True(t, result.Replayed)
			assert.True(t, result.Deferred)
			assert.Empty(t, h.registry.patchCalls())

			rec := h.ledger.records["L1"]
			require.NotNil(t, rec)
			assert.False(t, rec.Resolved)
			assert.Equal(t, stored.Revision, rec.Revision)

			// Once the lot can be read again the same change completes the transition.
			delete(h.registry.getLotErr, "L1")
			result, err = h.engine.HandleEvent(ctx, eventFor(incoming))
			require.NoError(t, err)

			assert.Equal(t, OutcomeActiveSalable, result.Outcome)
			assert.Equal(t, LotStatusActiveSalable, h.registry.lotStatus("L1"))
			assert.True(t, h.ledger.records["L1"].Resolved)
			assert.Equal(t, "2-L1", h.ledger.records["L1"].Revision)
		})
	}
}

func TestEngine_ClassChangeSupersedesBrokenLot(t *testing.T) {
	h := newHarness(t)
	h.registry.addAsset("A1", AssetStatusVerification)
	current := h.registry.addLot("L1", LotStatusPendingDissolution, "A1")

	stored := current.Clone()
	stored.Status = LotStatusVerification

	ctx := context.Background()
	require.NoError(t, h.ledger.RecordBrokenLot(ctx, "L1", stored.Revision, stored, StagePatchAssetsActive, "boom"))

	incoming := current.Clone()
	incoming.Revision = "2-L1"

	result, err := h.engine.HandleEvent(ctx, eventFor(incoming))
	require.NoError(t, err)

	assert.Equal(t, OutcomeDissolved, result.Outcome)
	assert.False(t, result.Replayed)
	assert.Equal(t, AssetStatusPending, h.registry.asset("A1").Status)
	assert.Equal(t, LotStatusDissolved, h.registry.lotStatus("L1"))

	rec := h.ledger.records["L1"]
	require.NotNil(t, rec)
	assert.True(t, rec.Resolved)
	assert.Equal(t, "2-L1", rec.Revision)
}

func TestEngine_LedgerReadFailureIsReturned(t *testing.T) {
	h := newHarness(t)
	h.ledger.getErr = errors.New("disk I/O error")
	lot := h.registry.addLot("L1", LotStatusVerification)

	_, err := h.engine.HandleEvent(context.Background(), eventFor(lot))
	require.Error(t, err)
	assert.Empty(t, h.registry.calls)
}

func TestEngine_RunCycleDrainsFeed(t *testing.T) {
	h := newHarness(t)
	h.registry.addAsset("A1", AssetStatusPending)
	h.registry.addAsset("A3", AssetStatusActive)
	l1 := h.registry.addLot("L1", LotStatusVerification, "A1")
	l2 := h.registry.addLot("L2", LotStatusDissolved, "A3")

	h.feed.batches = []*ChangeBatch{
		{Events: []ChangeEvent{{Seq: "1", Lot: l1}}, NextCursor: "1"},
		{Events: []ChangeEvent{{Seq: "2", Lot: l2}}, NextCursor: "2"},
	}

	require.NoError(t, h.engine.RunCycle(context.Background()))

	assert.Equal(t, LotStatusActiveSalable, h.registry.lotStatus("L1"))
	assert.Equal(t, LotStatusDissolved, h.registry.lotStatus("L2"))
	assert.Equal(t, []string{"", "1", "2"}, h.feed.since)
	assert.Equal(t, "2", h.engine.Cursor())
	assert.Equal(t, "2", h.cursors.cursors[DefaultFeedName])
	assert.Equal(t, 2, h.cursors.saves)

	require.Len(t, h.observer.results, 2)
	assert.Equal(t, 3, h.observer.polls)
	assert.Equal(t, []int{0}, h.observer.ledger)
}

func TestEngine_RunCycleFollowsFilteredFullPages(t *testing.T) {
	h := newHarness(t)
	h.registry.addAsset("A1", AssetStatusPending)
	l1 := h.registry.addLot("L1", LotStatusVerification, "A1")

	h.feed.batches = []*ChangeBatch{
		{NextCursor: "5", More: true},
		{Events: []ChangeEvent{{Seq: "6", Lot: l1}}, NextCursor: "6"},
	}

	require.NoError(t, h.engine.RunCycle(context.Background()))

	assert.Equal(t, LotStatusActiveSalable, h.registry.lotStatus("L1"))
	assert.Equal(t, []string{"", "5", "6"}, h.feed.since)
	assert.Equal(t, "6", h.engine.Cursor())
}

func TestEngine_RunCycleStopsWhenFullPageDoesNotAdvance(t *testing.T) {
	h := newHarness(t)
	h.feed.batches = []*ChangeBatch{
		{NextCursor: "5", More: true},
		{NextCursor: "5", More: true},
		{NextCursor: "9", More: true},
	}

	require.NoError(t, h.engine.RunCycle(context.Background()))

	assert.Equal(t, []string{"", "5"}, h.feed.since)
	assert.Equal(t, "5", h.engine.Cursor())
}

func TestEngine_RunCycleResumesFromSavedCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.cursors.SaveCursor(ctx, DefaultFeedName, "42"))

	require.NoError(t, h.engine.RunCycle(ctx))
	require.NotEmpty(t, h.feed.since)
	assert.Equal(t, "42", h.feed.since[0])

	// Later cycles continue from memory rather than reloading.
	h.cursors.cursors[DefaultFeedName] = "7"
	require.NoError(t, h.engine.RunCycle(ctx))
	assert.Equal(t, "42", h.feed.since[len(h.feed.since)-1])
}

func TestEngine_RunCycleReportsFeedFailure(t *testing.T) {
	h := newHarness(t)
	h.feed.err = errors.New("connection refused")

	err := h.engine.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, h.observer.pollErrs)
	assert.Empty(t, h.engine.Cursor())
}

func TestEngine_RunResumesFromSavedCursor(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.cursors.SaveCursor(context.Background(), DefaultFeedName, "42"))

	ctx, cancel := context.WithCancel(context.Background())
	h.engine.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	require.NoError(t, h.engine.Run(ctx))
	require.NotEmpty(t, h.feed.since)
	assert.Equal(t, "42", h.feed.since[0])
}

func TestEngine_RunStopsOnLedgerCorruption(t *testing.T) {
	h := newHarness(t)
	h.registry.addAsset("A1", AssetStatusPending)
	lot := h.registry.addLot("L1", LotStatusVerification, "A1")

	ctx := context.Background()
	require.NoError(t, h.ledger.RecordBrokenLot(ctx, "L1", "0-old", lot, StagePatchAssetsActive, "boom"))
	h.ledger.resolveErr = ErrLedgerCorruption

	incoming := lot.Clone()
	incoming.Revision = "2-L1"
	h.feed.batches = []*ChangeBatch{{Events: []ChangeEvent{eventFor(incoming)}, NextCursor: "1"}}
	h.engine.sleep = func(context.Context, time.Duration) error {
		t.Fatal("engine should stop before sleeping")
		return nil
	}

	err := h.engine.Run(ctx)
	require.ErrorIs(t, err, ErrLedgerCorruption)
	assert.Empty(t, h.engine.Cursor())
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestEngine_HotReload(t *testing.T) {
	h := newHarness(t)

	h.engine.SetPollInterval(time.Minute)
	assert.Equal(t, time.Minute, h.engine.PollInterval())
	h.engine.SetPollInterval(0)
	assert.Equal(t, time.Minute, h.engine.PollInterval())

	h.engine.SetRetryPolicy(RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second, Retryable: []ErrorKind{ErrorKindForbidden}})
	policy := h.engine.patcher.Policy()
	assert.Equal(t, 2, policy.MaxAttempts)
	assert.Equal(t, []ErrorKind{ErrorKindForbidden}, policy.Retryable)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
