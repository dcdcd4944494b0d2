package discovery

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/providentiaww/openauth/pkg/openid"
)

type countingDiscoverer struct {
	calls int
	err   error
}

func (d *countingDiscoverer) Discover(_ context.Context, identifier string) ([]openid.ServiceEndpoint, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	op, _ := url.Parse("https://op.example/server")
	return []openid.ServiceEndpoint{{ProviderEndpoint: op, ClaimedIdentifier: identifier, Version: openid.V20}}, nil
}

func TestCachingDiscovererReusesResults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	next := &countingDiscoverer{}
	cache := NewCachingDiscoverer(next, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	for _, id := range []string{"user.example", "http://user.example/"} {
		endpoints, err := cache.Discover(ctx, id)
		if err != nil || len(endpoints) != 1 {
			t.Fatalf("Discover(%q) = %v, %v", id, endpoints, err)
		}
	}
	if next.calls != 1 {
		t.Fatalf("equivalent identifiers discovered %d times", next.calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := cache.Discover(ctx, "user.example"); err != nil {
		t.Fatal(err)
	}
	if next.calls != 2 {
		t.Fatalf("expired entry served from cache")
	}

	cache.Forget("user.example")
	if _, err := cache.Discover(ctx, "user.example"); err != nil {
		t.Fatal(err)
	}
	if next.calls != 3 {
		t.Fatalf("forgotten entry served from cache")
	}
}

func TestCachingDiscovererSkipsFailures(t *testing.T) {
	t.Parallel()
	next := &countingDiscoverer{err: errors.New("connection refused")}
	cache := NewCachingDiscoverer(next, 0)
	for range 2 {
		if _, err := cache.Discover(context.Background(), "user.example"); err == nil {
			t.Fatal("expected error")
		}
	}
	if next.calls != 2 {
		t.Fatalf("failure was cached: %d calls", next.calls)
	}
}
