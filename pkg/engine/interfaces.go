package engine

import (
	"context"
)

// LotClient reads and patches lots in the registry.
type LotClient interface {
	// GetLot fetches the current state of a lot.
	GetLot(ctx context.Context, id string) (*Lot, error)

	// PatchLotStatus sets the status of a lot.
	PatchLotStatus(ctx context.Context, id string, status LotStatus) (*Lot, error)
}

// AssetClient reads and patches assets in the registry.
type AssetClient interface {
	// GetAsset fetches the current state of an asset.
	GetAsset(ctx context.Context, id string) (*Asset, error)

	// PatchAsset sets the status and related lot of an asset together.
	// An empty relatedLot detaches the asset from its lot.
	PatchAsset(ctx context.Context, id string, status AssetStatus, relatedLot string) (*Asset, error)
}

// ChangeFeed delivers lot changes in feed order.
type ChangeFeed interface {
	// Poll returns the changes after the given cursor. An empty batch means
	// the feed is caught up.
	Poll(ctx context.Context, since string) (*ChangeBatch, error)
}

// Ledger persists lots whose transition could not be completed.
type Ledger interface {
	// GetBrokenLot returns the ledger record of a lot, or nil when absent.
	GetBrokenLot(ctx context.Context, lotID string) (*BrokenLot, error)

	// RecordBrokenLot upserts an unresolved record for the lot, overwriting
	// revision, payload, stage and message of an existing record.
	RecordBrokenLot(ctx context.Context, lotID, revision string, payload Lot, stage Stage, message string) error

	// ResolveBrokenLot marks the record resolved at the given revision. It
	// returns an error wrapping ErrLedgerCorruption when no record exists.
	ResolveBrokenLot(ctx context.Context, lotID, revision string) error

	// ListBrokenLots lists ledger records, optionally including resolved ones.
	ListBrokenLots(ctx context.Context, includeResolved bool) ([]*BrokenLot, error)

	// CountUnresolved returns the number of unresolved records.
	CountUnresolved(ctx context.Context) (int, error)
}

// PatchJournal records every successful remote patch.
type PatchJournal interface {
	AppendPatch(ctx context.Context, rec *PatchRecord) error
}

// CursorStore persists the change feed position between restarts.
type CursorStore interface {
	LoadCursor(ctx context.Context, feed string) (string, error)
	SaveCursor(ctx context.Context, feed, cursor string) error
}

// Observer receives engine activity for metrics, tracing and events.
// All methods must be cheap and must not block.
type Observer interface {
	LotProcessed(result Result)
	PatchAttempted(resource ResourceType, status string, err error, attempt int)
	FeedPolled(events int, err error)
	LedgerSize(unresolved int)
}

type nopObserver struct{}

func (nopObserver) LotProcessed(Result) {}
func (nopObserver) PatchAttempted(ResourceType, string, error, int) {}
func (nopObserver) FeedPolled(int, error) {}
func (nopObserver) LedgerSize(int) {}

type nopJournal struct{}

func (nopJournal) AppendPatch(context.Context, *PatchRecord) error { return nil }
