package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Lot is an auction lot as seen by the concierge. Lots are created and owned
// by the registry; the concierge only observes them and patches their status.
type Lot struct {
	// ID is the stable registry identifier of the lot.
	ID string `json:"id" validate:"required"`

	// Revision is the opaque version token of the lot document. It changes on
	// every remote mutation and is used to detect duplicate deliveries.
	Revision string `json:"rev,omitempty"`

	// Status is the lifecycle status of the lot.
	Status LotStatus `json:"status" validate:"required"`

	// Assets lists the ids of the assets bound to this lot. The order is kept
	// so that fan-out is deterministic.
	Assets []string `json:"assets"`

	// LotID is the human-facing identifier. It is passed through unchanged.
	LotID string `json:"lotID,omitempty"`
}

// Clone returns a deep copy of the lot.
func (l Lot) Clone() Lot {
	out := l
	if l.Assets != nil {
		out.Assets = append([]string(nil), l.Assets...)
	}
	return out
}

// Asset is a registry asset that may be bound to a lot.
type Asset struct {
	ID         string      `json:"id" validate:"required"`
	Status     AssetStatus `json:"status" validate:"required"`
	RelatedLot string      `json:"relatedLot,omitempty"`
}

// ChangeEvent is a single lot change delivered by the change feed.
type ChangeEvent struct {
	// Seq is the feed sequence token of this change.
	Seq string `json:"seq,omitempty"`

	// Lot is the lot snapshot carried by the change.
	Lot Lot `json:"lot" validate:"required"`
}

// ChangeBatch is the result of one poll of the change feed.
type ChangeBatch struct {
	Events     []ChangeEvent
	NextCursor string

	// More is set when the feed returned a full page. Events may still be
	// empty when every change on the page was filtered out.
	More bool
}

// Stage names the transition step at which a lot broke.
type Stage string

const (
	StagePatchAssetsVerification Stage = "patching assets to verification"
	StagePatchAssetsActive       Stage = "patching assets to active"
	StagePatchLotActiveSalable   Stage = "patching lot to active.salable"
	StagePatchLotDissolved       Stage = "patching lot to dissolved"
)

// BrokenLot is a ledger entry for a lot whose transition could not be
// completed.
type BrokenLot struct {
	LotID    string `json:"lot_id"`
	Revision string `json:"revision"`
	Resolved bool   `json:"resolved"`
	Stage    Stage  `json:"stage"`
	// Message is the last failure message reported for the lot.
	Message string `json:"message,omitempty"`
	// Payload is the lot snapshot needed to resume the transition.
	Payload  Lot       `json:"payload"`
	Failures int       `json:"failures"`
	Created  time.Time `json:"created_at"`
	Updated  time.Time `json:"updated_at"`
}

// EncodePayload serializes a lot snapshot for storage.
func EncodePayload(lot Lot) (string, error) {
	data, err := json.Marshal(lot)
	if err != nil {
		return "", fmt.Errorf("failed to encode lot payload: %w", err)
	}
	return string(data), nil
}

// DecodePayload parses a stored lot snapshot.
func DecodePayload(payload string) (Lot, error) {
	var lot Lot
	if err := json.Unmarshal([]byte(payload), &lot); err != nil {
		return Lot{}, fmt.Errorf("failed to decode lot payload: %w", err)
	}
	return lot, nil
}

// ResourceType identifies which registry resource a patch touched.
type ResourceType string

const (
	ResourceLot   ResourceType = "lot"
	ResourceAsset ResourceType = "asset"
)

// PatchRecord is a journal entry for a successful remote patch.
type PatchRecord struct {
	ID           int64        `json:"id"`
	ResourceID   string       `json:"resource_id"`
	ResourceType ResourceType `json:"resource_type"`
	Status       string       `json:"status"`
	RelatedLot   string       `json:"related_lot,omitempty"`
	PatchedAt    time.Time    `json:"patched_at"`
}

// Outcome is the terminal result of processing one lot.
type Outcome string

const (
	OutcomeActiveSalable Outcome = "active.salable"
	OutcomePending       Outcome = "pending"
	OutcomeDissolved     Outcome = "dissolved"
	OutcomeSkipped       Outcome = "skipped"
	OutcomeCompensated   Outcome = "compensated"
	OutcomeBroken        Outcome = "broken"
	OutcomeDuplicate     Outcome = "duplicate"
)

// Result describes what happened to a lot during one pass of the protocol.
type Result struct {
	LotID   string
	Outcome Outcome
	// Stage is set when Outcome is OutcomeBroken or OutcomeCompensated.
	Stage Stage
	// Replayed is true when the lot was processed from a ledger payload.
	Replayed bool
	// Deferred is true when the lot was skipped without a conclusive answer:
	// its assets could not be fetched, or a broken lot could not be re-run.
	// The ledger record of a deferred replay stays open.
	Deferred bool
	Duration time.Duration
}

// IsBroken reports whether the lot ended up in the ledger.
func (r Result) IsBroken() bool {
	return r.Outcome == OutcomeBroken
}
