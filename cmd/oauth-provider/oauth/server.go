// Package oauth serves the three OAuth 1.0 service provider endpoints.
package oauth

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/providentiaww/openauth/internal/audit"
	"github.com/providentiaww/openauth/internal/auth"
	"github.com/providentiaww/openauth/internal/logger"
	"github.com/providentiaww/openauth/pkg/messaging"
	"github.com/providentiaww/openauth/pkg/oauth"
)

const approvalTTL = 10 * time.Minute

// Server handles the token endpoints and the user authorization page.
type Server struct {
	sp       *oauth.ServiceProvider
	users    *auth.Users
	recorder audit.Recorder
	// formKey signs the approval form so that only a page this server
	// rendered for the same user and token can approve it.
	formKey []byte
	now     func() time.Time
}

func NewServer(sp *oauth.ServiceProvider, users *auth.Users, recorder audit.Recorder, formKey []byte) *Server {
	if recorder == nil {
		recorder = audit.LogReporter{}
	}
	return &Server{sp: sp, users: users, recorder: recorder, formKey: formKey, now: time.Now}
}

// Routes registers the endpoints at the paths of the service provider description.
func (s *Server) Routes(mux *http.ServeMux) {
	desc := s.sp.Description()
	mux.HandleFunc(path.Join("/", desc.RequestTokenEndpoint.Path), s.HandleRequestToken)
	mux.Handle(path.Join("/", desc.UserAuthorizationEndpoint.Path), s.users.Require(http.HandlerFunc(s.HandleAuthorize)))
	mux.HandleFunc(path.Join("/", desc.AccessTokenEndpoint.Path), s.HandleAccessToken)
}

// HandleRequestToken issues an unauthorized request token.
func (s *Server) HandleRequestToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := s.sp.ReadTokenRequest(ctx, r)
	if err != nil || req == nil {
		s.fail(w, r, orMissing(err))
		return
	}
	resp, err := s.sp.PrepareUnauthorizedTokenMessage(ctx, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.sp.Respond(ctx, w, resp); err != nil {
		logger.LogErr(err)
	}
}

// HandleAuthorize shows the signed-in user an approval form on GET and acts
// on the answer on POST.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, _ := auth.FromContext(ctx)
	req, err := s.sp.ReadAuthorizationRequest(ctx, r)
	if err != nil || req == nil {
		s.fail(w, r, orMissing(err))
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.renderApproval(w, user.Username, req)
		return
	case http.MethodPost:
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.checkApprovalToken(r.PostFormValue("approval"), user.Username, req.Token); err != nil {
		logger.Warn("approval form for %s rejected: %v", user.Username, err)
		http.Error(w, "Forbidden: approval form expired or forged", http.StatusForbidden)
		return
	}
	if r.PostFormValue("decision") != "allow" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintln(w, "Access was denied. You can close this window.")
		return
	}
	if err := s.sp.AuthorizeRequest(ctx, req, user.Username); err != nil {
		s.fail(w, r, err)
		return
	}
	s.recorder.RecordGrant(ctx, "request_token", user.Username, req.Token)

	resp, err := s.sp.PrepareAuthorizationResponse(req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if resp == nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintln(w, "Access was granted. Return to the application to continue.")
		return
	}
	if err := s.sp.Respond(ctx, w, resp); err != nil {
		logger.LogErr(err)
	}
}

// HandleAccessToken exchanges an approved request token.
func (s *Server) HandleAccessToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := s.sp.ReadAccessTokenRequest(ctx, r)
	if err != nil || req == nil {
		s.fail(w, r, orMissing(err))
		return
	}
	resp, err := s.sp.PrepareAccessTokenMessage(ctx, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	user, err := s.sp.TokenUser(ctx, resp.Token)
	if err != nil {
		logger.LogErr(err)
	}
	s.recorder.RecordGrant(ctx, "access_token", user, req.ConsumerKey)
	if err := s.sp.Respond(ctx, w, resp); err != nil {
		logger.LogErr(err)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if messaging.KindOf(err) == 0 {
		logger.LogErrorf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	oauth.WriteError(w, err)
}

func orMissing(err error) error {
	if err != nil {
		return err
	}
	return messaging.FormatError(nil, "", messaging.ErrMissingPart, "no OAuth message")
}

type approvalClaims struct {
	Token string `json:"tok"`
	jwt.RegisteredClaims
}

func (s *Server) approvalToken(user, requestToken string) (string, error) {
	now := s.now()
	claims := approvalClaims{
		Token: requestToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(approvalTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.formKey)
}

func (s *Server) checkApprovalToken(raw, user, requestToken string) error {
	var claims approvalClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.formKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now), jwt.WithSubject(user))
	if err != nil {
		return err
	}
	if claims.Token != requestToken {
		return fmt.Errorf("approval is for another request token")
	}
	return nil
}

var approvalPage = template.Must(template.New("approval").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <title>Authorize access</title>
</head>
<body>
  <h1>Authorize access</h1>
  <p>Signed in as {{.User}}. An application is asking to act on your behalf.</p>
  {{if .Callback}}<p>You will be sent back to {{.Callback}}.</p>{{end}}
  <form method="post" action="{{.Action}}">
    <input type="hidden" name="oauth_token" value="{{.Token}}" />
    {{if .Callback}}<input type="hidden" name="oauth_callback" value="{{.Callback}}" />{{end}}
    <input type="hidden" name="approval" value="{{.Approval}}" />
    <button type="submit" name="decision" value="allow">Allow</button>
    <button type="submit" name="decision" value="deny">Deny</button>
  </form>
</body>
</html>
`))

func (s *Server) renderApproval(w http.ResponseWriter, user string, req *oauth.UserAuthorizationRequest) {
	approval, err := s.approvalToken(user, req.Token)
	if err != nil {
		logger.LogErr(err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	action := (&url.URL{Path: path.Join("/", s.sp.Description().UserAuthorizationEndpoint.Path)}).String()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	err = approvalPage.Execute(w, struct {
		User, Token, Callback, Approval, Action string
	}{user, req.Token, req.Callback, approval, action})
	if err != nil {
		logger.LogErr(err)
	}
}

// PurgeLoop deletes stale request tokens every interval until ctx ends.
func PurgeLoop(ctx context.Context, purge func(context.Context, time.Duration) (int64, error), interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purge(ctx, maxAge)
			if err != nil {
				logger.Warn("purging request tokens: %v", err)
				continue
			}
			if n > 0 {
				logger.Info("purged %d unused request tokens", n)
			}
		}
	}
}
