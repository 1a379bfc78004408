package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// AssetGuard checks and patches the assets of a lot.
type AssetGuard struct {
	client  AssetClient
	patcher *RetryingPatcher
	journal PatchJournal
	logger  zerolog.Logger
}

// NewAssetGuard creates an asset guard. journal may be nil.
func NewAssetGuard(client AssetClient, patcher *RetryingPatcher, journal PatchJournal, logger zerolog.Logger) *AssetGuard {
	if journal == nil {
		journal = nopJournal{}
	}
	return &AssetGuard{
		client:  client,
		patcher: patcher,
		journal: journal,
		logger:  logger,
	}
}

// CheckAll reports whether every asset of the lot is pending. It stops at the
// first asset that is not. A missing asset counts as unavailable. Any other
// fetch failure returns ErrTransientFailure because availability is unknown.
func (g *AssetGuard) CheckAll(ctx context.Context, lot Lot) (bool, error) {
	for _, assetID := range lot.Assets {
		asset, err := g.client.GetAsset(ctx, assetID)
		if err != nil {
			g.logger.Error().
				Str("lot_id", lot.ID).
				Str("asset_id", assetID).
				Msgf("Failed to get asset %s: %s", assetID, FailureMessage(err))
			if IsNotFound(err) {
				return false, nil
			}
			return false, fmt.Errorf("asset %s: %w: %w", assetID, ErrTransientFailure, err)
		}

		g.logger.Info().Str("asset_id", assetID).Msgf("Successfully got asset %s", assetID)

		if asset.Status != AssetStatusPending {
			g.logger.Info().
				Str("lot_id", lot.ID).
				Str("asset_id", assetID).
				Str("status", string(asset.Status)).
				Msgf("Asset %s is not available (status %s)", assetID, asset.Status)
			return false, nil
		}
	}
	return true, nil
}

// PatchAll sets status and relatedLot on each asset in order. It stops at the
// first asset that cannot be patched and returns the ids patched before it
// together with the failure. An empty relatedLot detaches the assets.
func (g *AssetGuard) PatchAll(ctx context.Context, assetIDs []string, status AssetStatus, relatedLot string) ([]string, error) {
	patched := make([]string, 0, len(assetIDs))

	for _, assetID := range assetIDs {
		id := assetID
		err := g.patcher.Apply(ctx, PatchOp{
			Resource: ResourceAsset,
			ID:       id,
			Status:   string(status),
			Call: func(ctx context.Context) error {
				_, err := g.client.PatchAsset(ctx, id, status, relatedLot)
				return err
			},
		})
		if err != nil {
			g.logger.Error().
				Str("asset_id", id).
				Str("status", string(status)).
				Msgf("Failed to patch asset %s to %s (%s)", id, status, FailureMessage(err))
			return patched, err
		}

		g.logger.Info().
			Str("asset_id", id).
			Str("status", string(status)).
			Msgf("Successfully patched asset %s to %s", id, status)
		journalPatch(ctx, g.journal, g.logger, &PatchRecord{
			ResourceID:   id,
			ResourceType: ResourceAsset,
			Status:       string(status),
			RelatedLot:   relatedLot,
			PatchedAt:    time.Now().UTC(),
		})
		patched = append(patched, id)
	}

	return patched, nil
}

// LotGuard checks and patches lots.
type LotGuard struct {
	client  LotClient
	patcher *RetryingPatcher
	journal PatchJournal
	logger  zerolog.Logger
}

// NewLotGuard creates a lot guard. journal may be nil.
func NewLotGuard(client LotClient, patcher *RetryingPatcher, journal PatchJournal, logger zerolog.Logger) *LotGuard {
	if journal == nil {
		journal = nopJournal{}
	}
	return &LotGuard{
		client:  client,
		patcher: patcher,
		journal: journal,
		logger:  logger,
	}
}

// Check re-fetches the lot and reports whether it is still in a status this
// protocol may act on. A lot moved on by someone else is skipped, not failed.
func (g *LotGuard) Check(ctx context.Context, lot Lot) bool {
	current, err := g.client.GetLot(ctx, lot.ID)
	if err != nil {
		g.logger.Error().
			Str("lot_id", lot.ID).
			Msgf("Failed to get lot %s: %s", lot.ID, FailureMessage(err))
		return false
	}

	if !current.Status.IsActionable() || !current.Status.SameClass(lot.Status) {
		g.logger.Info().
			Str("lot_id", lot.ID).
			Str("status", string(current.Status)).
			Msgf("Lot %s is in status %s", lot.ID, current.Status)
		return false
	}
	return true
}

// PatchStatus sets the status of the lot.
func (g *LotGuard) PatchStatus(ctx context.Context, lot Lot, status LotStatus) error {
	err := g.patcher.Apply(ctx, PatchOp{
		Resource: ResourceLot,
		ID:       lot.ID,
		Status:   string(status),
		Call: func(ctx context.Context) error {
			_, err := g.client.PatchLotStatus(ctx, lot.ID, status)
			return err
		},
	})
	if err != nil {
		g.logger.Error().
			Str("lot_id", lot.ID).
			Str("status", string(status)).
			Msgf("Failed to patch lot %s to %s (%s)", lot.ID, status, FailureMessage(err))
		return err
	}

	g.logger.Info().
		Str("lot_id", lot.ID).
		Str("status", string(status)).
		Msgf("Successfully patched lot %s to %s", lot.ID, status)
	journalPatch(ctx, g.journal, g.logger, &PatchRecord{
		ResourceID:   lot.ID,
		ResourceType: ResourceLot,
		Status:       string(status),
		PatchedAt:    time.Now().UTC(),
	})
	return nil
}

// journalPatch stores a patch record. Journal failures are logged only: the
// patch itself already happened.
func journalPatch(ctx context.Context, journal PatchJournal, logger zerolog.Logger, rec *PatchRecord) {
	if err := journal.AppendPatch(ctx, rec); err != nil {
		logger.Warn().Err(err).
			Str("resource_id", rec.ResourceID).
			Msg("Failed to journal patch")
	}
}
