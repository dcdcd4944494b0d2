// Package auth authenticates provider users with HTTP Basic credentials
// checked against the bcrypt hashes in the user directory.
package auth

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/providentiaww/openauth/internal/config"
)

type contextKey string

// UserContextKey is the context key for the authenticated user.
const UserContextKey contextKey = "user"

// Users checks credentials against a directory.
type Users struct {
	dir   *config.Directory
	realm string
}

func NewUsers(dir *config.Directory, realm string) *Users {
	return &Users{dir: dir, realm: realm}
}

// Authenticate returns the user whose Basic credentials r carries. ok is
// false when there are none or they are wrong.
func (u *Users) Authenticate(r *http.Request) (user config.User, ok bool) {
	name, password, ok := r.BasicAuth()
	if !ok {
		return config.User{}, false
	}
	user, ok = u.dir.User(name)
	if !ok {
		// Spend the same time as a wrong password.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return config.User{}, false
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return config.User{}, false
	}
	return user, true
}

// Challenge asks the user agent for credentials.
func (u *Users) Challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q, charset=\"UTF-8\"", u.realm))
	http.Error(w, "Unauthorized: sign in to continue", http.StatusUnauthorized)
}

// Require wraps next so that it only runs for authenticated users, who are
// then available through FromContext.
func (u *Users) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := u.Authenticate(r)
		if !ok {
			u.Challenge(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func WithUser(ctx context.Context, user config.User) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// FromContext returns the user Require stored.
func FromContext(ctx context.Context) (config.User, bool) {
	user, ok := ctx.Value(UserContextKey).(config.User)
	return user, ok
}

// HashPassword is a helper for writing directory files.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not a password"), bcrypt.MinCost)
