package api

import (
	"context"
	"net/http"

	"github.com/org/consentvault/internal/auth"
)

type contextKey string

const ctxKeyRequest contextKey = "request"

// requestInfo is shared by pointer so inner middleware can report the
// authenticated actor back to the access log.
type requestInfo struct {
	id    string
	actor string
}

func withRequestInfo(ctx context.Context, info *requestInfo) context.Context {
	return context.WithValue(ctx, ctxKeyRequest, info)
}

func requestInfoFromCtx(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(ctxKeyRequest).(*requestInfo)
	if info == nil {
		return &requestInfo{}
	}
	return info
}

func requestIDFromCtx(ctx context.Context) string {
	return requestInfoFromCtx(ctx).id
}

// actorFrom returns the authenticated caller. authMiddleware guarantees one.
func actorFrom(r *http.Request) auth.Actor {
	a, _ := auth.ActorFromContext(r.Context())
	return a
}
