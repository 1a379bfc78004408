package registry

import (
	"context"
	"net/http"

	"github.com/openregistry/concierge/pkg/engine"
)

// AssetsClient reads and patches assets. It implements engine.AssetClient.
type AssetsClient struct {
	*Client
}

// NewAssetsClient creates a client for the assets API.
func NewAssetsClient(baseURL, token, version string, opts ...ClientOption) (*AssetsClient, error) {
	c, err := NewClient(baseURL, token, version, opts...)
	if err != nil {
		return nil, err
	}
	return &AssetsClient{Client: c}, nil
}

// assetPatch always carries relatedLot: null detaches the asset.
type assetPatch struct {
	Status     engine.AssetStatus `json:"status"`
	RelatedLot *string            `json:"relatedLot"`
}

// GetAsset fetches an asset.
func (c *AssetsClient) GetAsset(ctx context.Context, id string) (*engine.Asset, error) {
	var asset engine.Asset
	if err := c.do(ctx, http.MethodGet, engine.ResourceAsset, "assets", id, nil, &asset); err != nil {
		return nil, err
	}
	return &asset, nil
}

// PatchAsset sets the status and related lot of an asset. An empty
// relatedLot detaches the asset.
func (c *AssetsClient) PatchAsset(ctx context.Context, id string, status engine.AssetStatus, relatedLot string) (*engine.Asset, error) {
	patch := assetPatch{Status: status}
	if relatedLot != "" {
		patch.RelatedLot = &relatedLot
	}

	var asset engine.Asset
	if err := c.do(ctx, http.MethodPatch, engine.ResourceAsset, "assets", id, envelope[assetPatch]{Data: patch}, &asset); err != nil {
		return nil, err
	}
	return &asset, nil
}

var _ engine.AssetClient = (*AssetsClient)(nil)
