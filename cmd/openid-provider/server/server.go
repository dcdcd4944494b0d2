// Package server is the HTTP surface of the sample OpenID provider: the
// protocol endpoint and one identity page per user.
package server

import (
	"html/template"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/providentiaww/openauth/internal/audit"
	"github.com/providentiaww/openauth/internal/auth"
	"github.com/providentiaww/openauth/internal/config"
	"github.com/providentiaww/openauth/internal/logger"
	"github.com/providentiaww/openauth/pkg/openid/extensions/ax"
	"github.com/providentiaww/openauth/pkg/openid/provider"
)

// Attribute Exchange types the provider can answer.
const (
	AXEmail    = "http://axschema.org/contact/email"
	AXFullName = "http://axschema.org/namePerson"
)

// Server answers OpenID requests for the users of a directory.
type Server struct {
	op       *provider.Provider
	users    *auth.Users
	dir      *config.Directory
	base     *url.URL
	recorder audit.Recorder
}

// New builds a server whose identity pages live under base + /user/.
func New(op *provider.Provider, dir *config.Directory, base *url.URL, recorder audit.Recorder) *Server {
	if recorder == nil {
		recorder = audit.LogReporter{}
	}
	return &Server{
		op:       op,
		users:    auth.NewUsers(dir, "OpenID provider"),
		dir:      dir,
		base:     base,
		recorder: recorder,
	}
}

// Routes registers the endpoint and identity pages on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc(path.Join("/", s.op.Endpoint().Path), s.HandleEndpoint)
	mux.HandleFunc("GET /user/{name}", s.HandleIdentity)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// IdentityURL is the claimed identifier of the named user.
func (s *Server) IdentityURL(name string) string {
	return s.base.JoinPath("user", name).String()
}

// HandleEndpoint is the OpenID provider endpoint.
func (s *Server) HandleEndpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := s.op.GetRequest(ctx, r)
	if err != nil {
		logger.Warn("%s %s: %v", r.Method, r.URL.Path, err)
		resp, perr := s.op.PrepareErrorResponse(ctx, r, err)
		if perr != nil {
			http.Error(w, perr.Error(), http.StatusInternalServerError)
			return
		}
		_ = resp.Respond(w)
		return
	}
	if req == nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("This is an OpenID provider endpoint.\n"))
		return
	}

	if authn, ok := req.(*provider.AuthenticationRequest); ok {
		if !s.decide(w, r, authn) {
			return
		}
	}
	if err := s.op.Respond(ctx, w, req); err != nil {
		logger.LogErrorf("responding to %T: %v", req.Message(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// decide settles an authentication request. It returns false when it has
// already written a response, which is the credentials challenge for a
// setup request from a user agent that has not signed in.
func (s *Server) decide(w http.ResponseWriter, r *http.Request, req *provider.AuthenticationRequest) bool {
	user, signedIn := s.users.Authenticate(r)
	if !signedIn {
		if req.Immediate() {
			req.SetAuthenticated(false)
			return true
		}
		s.users.Challenge(w)
		return false
	}

	identity := s.IdentityURL(user.Username)
	if req.IsDirectedIdentity() {
		if err := req.SetClaimedIdentifier(identity); err != nil {
			logger.LogErr(err)
			req.SetAuthenticated(false)
			return true
		}
	} else if !sameIdentifier(req.ClaimedIdentifier(), identity) && !sameIdentifier(req.LocalIdentifier(), identity) {
		logger.Info("user %s cannot assert %s", user.Username, req.ClaimedIdentifier())
		req.SetAuthenticated(false)
		return true
	}

	req.SetAuthenticated(true)
	for _, ext := range req.Extensions() {
		if fetch, ok := ext.(*ax.FetchRequest); ok {
			req.AddResponseExtension(fetchResponse(fetch, user))
		}
	}
	realm := ""
	if req.Realm() != nil {
		realm = req.Realm().String()
	}
	s.recorder.RecordGrant(r.Context(), "assertion", identity, realm)
	return true
}

func fetchResponse(fetch *ax.FetchRequest, user config.User) *ax.FetchResponse {
	resp := &ax.FetchResponse{}
	if _, ok := fetch.Attribute(AXEmail); ok && user.Email != "" {
		resp.Add(AXEmail, user.Email)
	}
	if _, ok := fetch.Attribute(AXFullName); ok && user.FullName != "" {
		resp.Add(AXFullName, user.FullName)
	}
	return resp
}

func sameIdentifier(a, b string) bool {
	return a != "" && strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}

var identityPage = template.Must(template.New("identity").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <title>{{.Name}}</title>
  <link rel="openid2.provider" href="{{.Endpoint}}" />
  <link rel="openid2.local_id" href="{{.Identity}}" />
  <link rel="openid.server" href="{{.Endpoint}}" />
  <link rel="openid.delegate" href="{{.Identity}}" />
</head>
<body>
  <h1>{{.Name}}</h1>
  <p>This is the OpenID identifier of {{.Name}}.</p>
</body>
</html>
`))

// HandleIdentity serves the discovery page of a user.
func (s *Server) HandleIdentity(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	user, ok := s.dir.User(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	display := user.FullName
	if display == "" {
		display = user.Username
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := identityPage.Execute(w, struct {
		Name, Endpoint, Identity string
	}{display, s.op.Endpoint().String(), s.IdentityURL(user.Username)})
	if err != nil {
		logger.LogErr(err)
	}
}
