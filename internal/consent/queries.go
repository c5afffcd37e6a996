package consent

import (
	"context"

	"github.com/org/consentvault/internal/storage"
	"github.com/org/consentvault/pkg/models"
	"github.com/pkg/errors"
)

func (e *Engine) getRequest(ctx context.Context, id string) (*models.ConsentRequest, error) {
	req, err := e.store.GetRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "request %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading request")
	}
	return req, nil
}

func (e *Engine) getGrant(ctx context.Context, id string) (*models.ConsentGrant, error) {
	g, err := e.store.GetGrant(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "grant %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading grant")
	}
	return g, nil
}

// GetRequest returns a request with the stale overlay applied.
func (e *Engine) GetRequest(ctx context.Context, id string) (*models.ConsentRequest, error) {
	req, err := e.getRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	req.Status = req.EffectiveStatus(e.clock.Now(), e.staleAfter)
	return req, nil
}

// ListRequests lists requests matching the filter. Pending requests older
// than the stale window are reported as stale; filtering on stale selects them.
func (e *Engine) ListRequests(ctx context.Context, filter storage.RequestFilter) ([]*models.ConsentRequest, error) {
	want := filter.Status
	if want == models.RequestStale {
		filter.Status = models.RequestPending
	}
	reqs, err := e.store.ListRequests(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "listing requests")
	}

	now := e.clock.Now()
	out := reqs[:0]
	for _, r := range reqs {
		r.Status = r.EffectiveStatus(now, e.staleAfter)
		if want != "" && r.Status != want {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// GetGrant returns a grant as stored.
func (e *Engine) GetGrant(ctx context.Context, id string) (*models.ConsentGrant, error) {
	return e.getGrant(ctx, id)
}

// ListGrants lists grants matching the filter.
func (e *Engine) ListGrants(ctx context.Context, filter storage.GrantFilter) ([]*models.ConsentGrant, error) {
	gs, err := e.store.ListGrants(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "listing grants")
	}
	return gs, nil
}
