// Package auth guards protected resources with OAuth-signed requests.
package auth

import (
	"context"
	"net/http"

	"github.com/providentiaww/openauth/internal/logger"
	"github.com/providentiaww/openauth/pkg/messaging"
	"github.com/providentiaww/openauth/pkg/oauth"
)

type contextKey string

// CallerContextKey is the context key for the authenticated Caller.
const CallerContextKey contextKey = "oauth_caller"

// Caller is the consumer and user a protected resource request acts for.
type Caller struct {
	ConsumerKey string
	AccessToken string
	Username    string
}

// SignedRequestMiddleware admits requests signed with an access token.
type SignedRequestMiddleware struct {
	sp       *oauth.ServiceProvider
	optional bool
}

// RequireSignature rejects requests without valid OAuth credentials.
func RequireSignature(sp *oauth.ServiceProvider) *SignedRequestMiddleware {
	return &SignedRequestMiddleware{sp: sp}
}

// OptionalSignature passes unsigned requests through without a Caller, but
// still rejects requests whose credentials fail.
func OptionalSignature(sp *oauth.ServiceProvider) *SignedRequestMiddleware {
	return &SignedRequestMiddleware{sp: sp, optional: true}
}

// Handler wraps next with signature verification.
func (m *SignedRequestMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		req, err := m.sp.ReadProtectedResourceAuthorization(ctx, r)
		if err != nil {
			oauth.WriteError(w, err)
			return
		}
		if req == nil {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			oauth.WriteError(w, messaging.TrustError(nil, messaging.ErrMissingPart, "request is not signed"))
			return
		}

		user, err := m.sp.TokenUser(ctx, req.Token)
		if err != nil {
			logger.LogErr(err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		caller := &Caller{ConsumerKey: req.ConsumerKey, AccessToken: req.Token, Username: user}
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, CallerContextKey, caller)))
	})
}

// HandlerFunc wraps an HTTP handler function with signature verification.
func (m *SignedRequestMiddleware) HandlerFunc(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.Handler(next).ServeHTTP(w, r)
	}
}

// CallerFrom returns the Caller the middleware stored, or nil.
func CallerFrom(ctx context.Context) *Caller {
	caller, _ := ctx.Value(CallerContextKey).(*Caller)
	return caller
}
