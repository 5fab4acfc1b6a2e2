package approval

import (
	"context"

	"github.com/jcttech/session-manager/pkg/store"
)

// StoreAdapter adapts *store.Store's pointer-returning, nil-means-missing
// API to the Store interface's (value, found, error) shape.
type StoreAdapter struct {
	Store *store.Store
}

func (a StoreAdapter) GetPendingRequestByDomainAndSession(ctx context.Context, domain, sessionID string) (PendingRequest, bool, error) {
	r, err := a.Store.GetPendingRequestByDomainAndSession(ctx, domain, sessionID)
	if err != nil || r == nil {
		return PendingRequest{}, false, err
	}
	return fromStoreRequest(*r), true, nil
}

func (a StoreAdapter) CreatePendingRequest(ctx context.Context, req PendingRequest) error {
	return a.Store.CreatePendingRequest(ctx, toStoreRequest(req))
}

func (a StoreAdapter) GetPendingRequest(ctx context.Context, requestID string) (PendingRequest, bool, error) {
	r, err := a.Store.GetPendingRequest(ctx, requestID)
	if err != nil || r == nil {
		return PendingRequest{}, false, err
	}
	return fromStoreRequest(*r), true, nil
}

func (a StoreAdapter) DeletePendingRequest(ctx context.Context, requestID string) error {
	return a.Store.DeletePendingRequest(ctx, requestID)
}

func (a StoreAdapter) LogApproval(ctx context.Context, requestID, domain, action, userName string) error {
	return a.Store.LogApproval(ctx, requestID, domain, action, userName)
}

func fromStoreRequest(r store.PendingRequest) PendingRequest {
	return PendingRequest{
		RequestID: r.RequestID,
		ChannelID: r.ChannelID,
		ThreadID:  r.ThreadID,
		SessionID: r.SessionID,
		Domain:    r.Domain,
		PostID:    r.PostID,
	}
}

func toStoreRequest(r PendingRequest) store.PendingRequest {
	return store.PendingRequest{
		RequestID: r.RequestID,
		ChannelID: r.ChannelID,
		ThreadID:  r.ThreadID,
		SessionID: r.SessionID,
		Domain:    r.Domain,
		PostID:    r.PostID,
	}
}
