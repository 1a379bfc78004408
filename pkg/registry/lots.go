package registry

import (
	"context"
	"net/http"

	"github.com/openregistry/concierge/pkg/engine"
)

// LotsClient reads and patches lots. It implements engine.LotClient.
type LotsClient struct {
	*Client
}

// NewLotsClient creates a client for the lots API.
func NewLotsClient(baseURL, token, version string, opts ...ClientOption) (*LotsClient, error) {
	c, err := NewClient(baseURL, token, version, opts...)
	if err != nil {
		return nil, err
	}
	return &LotsClient{Client: c}, nil
}

type lotPatch struct {
	Status engine.LotStatus `json:"status"`
}

// GetLot fetches a lot.
func (c *LotsClient) GetLot(ctx context.Context, id string) (*engine.Lot, error) {
	var lot engine.Lot
	if err := c.do(ctx, http.MethodGet, engine.ResourceLot, "lots", id, nil, &lot); err != nil {
		return nil, err
	}
	return &lot, nil
}

// PatchLotStatus sets the status of a lot and returns the patched lot.
func (c *LotsClient) PatchLotStatus(ctx context.Context, id string, status engine.LotStatus) (*engine.Lot, error) {
	body := envelope[lotPatch]{Data: lotPatch{Status: status}}

	var lot engine.Lot
	if err := c.do(ctx, http.MethodPatch, engine.ResourceLot, "lots", id, body, &lot); err != nil {
		return nil, err
	}
	return &lot, nil
}

var _ engine.LotClient = (*LotsClient)(nil)
