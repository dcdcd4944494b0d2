// Package handlers holds the protected resources of the sample service provider.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/providentiaww/openauth/cmd/oauth-provider/auth"
	"github.com/providentiaww/openauth/internal/config"
)

// WhoAmIResponse describes the user an access token acts for.
type WhoAmIResponse struct {
	Username    string `json:"username"`
	Email       string `json:"email,omitempty"`
	FullName    string `json:"full_name,omitempty"`
	ConsumerKey string `json:"consumer_key"`
}

// WhoAmIHandler serves /api/whoami behind the signed request middleware.
type WhoAmIHandler struct {
	dir *config.Directory
}

func NewWhoAmIHandler(dir *config.Directory) *WhoAmIHandler {
	return &WhoAmIHandler{dir: dir}
}

func (h *WhoAmIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFrom(r.Context())
	if caller == nil {
		http.Error(w, "Unauthorized: missing OAuth credentials", http.StatusUnauthorized)
		return
	}
	resp := WhoAmIResponse{Username: caller.Username, ConsumerKey: caller.ConsumerKey}
	if user, ok := h.dir.User(caller.Username); ok {
		resp.Email = user.Email
		resp.FullName = user.FullName
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
