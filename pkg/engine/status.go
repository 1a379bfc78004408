package engine

import (
	"fmt"
)

// LotStatus represents the lifecycle status of a lot in the registry.
type LotStatus string

const (
	// LotStatusDraft is an unpublished lot.
	LotStatusDraft LotStatus = "draft"

	// LotStatusVerification indicates the lot waits for its assets to be checked.
	LotStatusVerification LotStatus = "verification"

	// LotStatusPending indicates the lot was sent back because its assets were unavailable.
	LotStatusPending LotStatus = "pending"

	// LotStatusActiveSalable indicates the lot and all its assets were activated.
	LotStatusActiveSalable LotStatus = "active.salable"

	// LotStatusPendingDissolution indicates the lot owner asked to dissolve it.
	LotStatusPendingDissolution LotStatus = "pending.dissolution"

	// LotStatusDissolved indicates the lot is dissolved and its assets released.
	LotStatusDissolved LotStatus = "dissolved"

	LotStatusDeleted LotStatus = "deleted"
	LotStatusInvalid LotStatus = "invalid"
)

// IsVerification reports whether the status starts the activation protocol.
func (s LotStatus) IsVerification() bool {
	return s == LotStatusVerification
}

// IsDissolution reports whether the status starts the dissolution protocol.
// "dissolved" is accepted as well because older lots carry it directly.
func (s LotStatus) IsDissolution() bool {
	return s == LotStatusPendingDissolution || s == LotStatusDissolved
}

// IsActionable reports whether the concierge acts on lots in this status.
func (s LotStatus) IsActionable() bool {
	return s.IsVerification() || s.IsDissolution()
}

// SameClass reports whether two statuses belong to the same protocol.
func (s LotStatus) SameClass(other LotStatus) bool {
	return (s.IsVerification() && other.IsVerification()) ||
		(s.IsDissolution() && other.IsDissolution())
}

// Validate checks if the lot status is a known value.
func (s LotStatus) Validate() error {
	switch s {
	case LotStatusDraft, LotStatusVerification, LotStatusPending,
		LotStatusActiveSalable, LotStatusPendingDissolution, LotStatusDissolved,
		LotStatusDeleted, LotStatusInvalid:
		return nil
	default:
		return fmt.Errorf("invalid lot status: %s", s)
	}
}

// ActionableLotStatuses returns the statuses the change feed should select.
func ActionableLotStatuses() []LotStatus {
	return []LotStatus{
		LotStatusVerification,
		LotStatusPendingDissolution,
		LotStatusDissolved,
	}
}

// AssetStatus represents the lifecycle status of an asset.
type AssetStatus string

const (
	// AssetStatusDraft is an unpublished asset.
	AssetStatusDraft AssetStatus = "draft"

	// AssetStatusPending is a free asset that can be attached to a lot.
	AssetStatusPending AssetStatus = "pending"

	// AssetStatusVerification is an asset reserved by a lot under verification.
	AssetStatusVerification AssetStatus = "verification"

	// AssetStatusActive is an asset bound to an active lot.
	AssetStatusActive AssetStatus = "active"

	AssetStatusComplete AssetStatus = "complete"
	AssetStatusDeleted  AssetStatus = "deleted"
)

// Validate checks if the asset status is a known value.
func (s AssetStatus) Validate() error {
	switch s {
	case AssetStatusDraft, AssetStatusPending, AssetStatusVerification,
		AssetStatusActive, AssetStatusComplete, AssetStatusDeleted:
		return nil
	default:
		return fmt.Errorf("invalid asset status: %s", s)
	}
}
