package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/providentiaww/openauth/pkg/openid"
)

func TestDiscoverBothVersions(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/user", http.StatusFound)
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<!DOCTYPE html>
<html><head>
<title>user</title>
<link rel="openid.server" href="%[1]s/v1">
<link rel="openid.delegate" href="http://delegate.example/user">
<link rel="openid2.provider openid.server" href="%[1]s/v2"/>
<link rel="OpenID2.Local_ID" href=" http://local.example/user ">
</head>
<body><link rel="openid2.provider" href="http://ignored.example/"></body></html>`, srv.URL)
	})

	endpoints, err := NewHTMLDiscoverer(srv.Client()).Discover(context.Background(), srv.URL+"/old")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(endpoints) != 2 {
		t.Fatalf("endpoints = %v", endpoints)
	}
	v2, v1 := endpoints[0], endpoints[1]
	if !openid.IsV2(v2.Version) || v2.ProviderEndpoint.String() != srv.URL+"/v2" || v2.LocalIdentifier != "http://local.example/user" {
		t.Fatalf("v2 endpoint = %v", v2)
	}
	if v2.ClaimedIdentifier != srv.URL+"/user" {
		t.Fatalf("claimed identifier = %q, want the redirect target", v2.ClaimedIdentifier)
	}
	if openid.IsV2(v1.Version) || v1.ProviderEndpoint.String() != srv.URL+"/v1" || v1.LocalIdentifier != "http://delegate.example/user" {
		t.Fatalf("v1 endpoint = %v", v1)
	}
}

func TestDiscoverNoLinks(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><link rel="stylesheet" href="/s.css"><link rel="openid2.provider" href="relative"></head></html>`)
	}))
	t.Cleanup(srv.Close)

	endpoints, err := NewHTMLDiscoverer(srv.Client()).Discover(context.Background(), srv.URL)
	if err != nil || len(endpoints) != 0 {
		t.Fatalf("Discover = %v, %v", endpoints, err)
	}
}

func TestDiscoverErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	d := NewHTMLDiscoverer(srv.Client())

	if _, err := d.Discover(context.Background(), srv.URL+"/missing"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("404 = %v", err)
	}
	if _, err := d.Discover(context.Background(), "=arnott"); !errors.Is(err, ErrXRIUnsupported) {
		t.Fatalf("XRI = %v", err)
	}
}

func TestReadLinksStopsAtBody(t *testing.T) {
	t.Parallel()
	links := readLinks(strings.NewReader(`<html><body><link rel="openid2.provider" href="http://op.example/"></body></html>`))
	if len(links) != 0 {
		t.Fatalf("links in body were read: %v", links)
	}
}
