package middleware

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"keyauth/internal/pkg/errors"
)

// StoreGate is the part of the store handle requests depend on.
type StoreGate interface {
	Ensure(ctx context.Context) error
	Acquire(ctx context.Context) (context.Context, context.CancelFunc)
}

// StoreMiddleware bootstraps the store on demand and bounds each request by
// the acquire timeout.
type StoreMiddleware struct {
	store StoreGate
}

func NewStoreMiddleware(store StoreGate) *StoreMiddleware {
	return &StoreMiddleware{store: store}
}

func (m *StoreMiddleware) Handle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := m.store.Ensure(r.Context()); err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("store unavailable")
			errors.Write(w, errors.Unavailable(err))
			return
		}

		ctx, cancel := m.store.Acquire(r.Context())
		defer cancel()

		next(w, r.WithContext(ctx))
	}
}
