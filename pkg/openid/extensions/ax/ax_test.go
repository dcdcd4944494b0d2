package ax_test

import (
	"context"
	"net/url"
	"testing"

	"github.com/providentiaww/openauth/pkg/messaging"
	"github.com/providentiaww/openauth/pkg/openid"
	"github.com/providentiaww/openauth/pkg/openid/extensions/ax"
)

const (
	email    = "http://axschema.org/contact/email"
	fullname = "http://axschema.org/namePerson"
	nickname = "http://axschema.org/namePerson/friendly"
)

func TestFetchRequestRoundTrip(t *testing.T) {
	t.Parallel()
	req := &ax.FetchRequest{}
	req.Add(email, true)
	req.Add(fullname, false)
	req.Attributes = append(req.Attributes, ax.AttributeRequest{TypeURI: nickname, Count: ax.Unlimited})
	req.UpdateURL, _ = url.Parse("http://rp.example/ax-update")

	fields := req.Fields()
	if fields["mode"] != "fetch_request" || fields["required"] != "a1" || fields["if_available"] != "a2,a3" || fields["count.a3"] != "unlimited" {
		t.Fatalf("fields = %v", fields)
	}
	decoded, err := ax.Decode(fields, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := decoded.(*ax.FetchRequest)
	if !ok || !got.Equal(req) {
		t.Fatalf("round trip = %#v", decoded)
	}
	if a, ok := got.Attribute(email); !ok || !a.Required {
		t.Fatalf("email attribute = %+v, %v", a, ok)
	}
}

func TestFetchRequestRejectsMalformed(t *testing.T) {
	t.Parallel()
	tests := []map[string]string{
		{"mode": "fetch_request", "type.a": email},
		{"mode": "fetch_request", "type.a": email, "required": "a,b"},
		{"mode": "fetch_request", "type.a": email, "if_available": "a", "count.a": "0"},
		{"mode": "fetch_request", "type.a": email, "type.b": email, "required": "a,b"},
		{"mode": "fetch_request", "type.a.b": email, "required": "a.b"},
	}
	for _, fields := range tests {
		if _, err := ax.Decode(fields, nil); err == nil {
			t.Fatalf("Decode(%v) succeeded", fields)
		}
	}
}

func TestFetchResponseUpdateURLMustBeAbsolute(t *testing.T) {
	t.Parallel()
	ext, err := ax.Decode(map[string]string{"mode": "fetch_response", "update_url": "/relative"}, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if resp := ext.(*ax.FetchResponse); resp.UpdateURL != nil {
		t.Fatalf("relative update_url kept: %v", resp.UpdateURL)
	}
	ext, _ = ax.Decode(map[string]string{"mode": "fetch_response", "update_url": "https://rp.example/update"}, nil)
	if resp := ext.(*ax.FetchResponse); resp.UpdateURL == nil || resp.UpdateURL.Host != "rp.example" {
		t.Fatalf("absolute update_url dropped")
	}
}

func TestFetchResponseValues(t *testing.T) {
	t.Parallel()
	resp := &ax.FetchResponse{}
	resp.Add(email, "andrew@example.com")
	resp.Add(nickname, "andrew", "aa")
	resp.Add(fullname)

	fields := resp.Fields()
	if fields["count.a2"] != "2" || fields["value.a2.2"] != "aa" || fields["count.a3"] != "0" {
		t.Fatalf("fields = %v", fields)
	}
	ext, err := ax.Decode(fields, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := ext.(*ax.FetchResponse)
	if !got.Equal(resp) {
		t.Fatalf("round trip = %+v", got)
	}
	if v, ok := got.Value(email); !ok || v != "andrew@example.com" {
		t.Fatalf("Value = %q, %v", v, ok)
	}
	if _, ok := got.Value(fullname); ok {
		t.Fatalf("empty attribute has a value")
	}

	single, err := ax.Decode(map[string]string{"mode": "fetch_response", "type.e": email, "value.e": "x@example.com"}, nil)
	if err != nil {
		t.Fatalf("Decode single value: %v", err)
	}
	if v, _ := single.(*ax.FetchResponse).Value(email); v != "x@example.com" {
		t.Fatalf("single value = %q", v)
	}
	if _, err := ax.Decode(map[string]string{"mode": "fetch_response", "type.e": email, "count.e": "2", "value.e.1": "x"}, nil); err == nil {
		t.Fatalf("missing counted value accepted")
	}
}

func TestStoreRequestEqualityIgnoresOrder(t *testing.T) {
	t.Parallel()
	req1, req2 := &ax.StoreRequest{}, &ax.StoreRequest{}
	if !req1.Equal(req2) {
		t.Fatalf("empty requests differ")
	}
	req1.Add("http://att1")
	if req1.Equal(req2) {
		t.Fatalf("requests with different attributes are equal")
	}
	req2.Add("http://att2")
	if req1.Equal(req2) {
		t.Fatalf("requests with different attributes are equal")
	}
	req1.Add("http://att2")
	if req1.Equal(req2) {
		t.Fatalf("requests with different lengths are equal")
	}
	req2.Add("http://att1")
	if !req1.Equal(req2) {
		t.Fatalf("same attributes in another order differ")
	}

	ext, err := ax.Decode(req1.Fields(), nil)
	if err != nil || !ext.(*ax.StoreRequest).Equal(req2) {
		t.Fatalf("store request round trip = %v, %v", ext, err)
	}
}

func TestStoreResponses(t *testing.T) {
	t.Parallel()
	ok, _ := ax.Decode((&ax.StoreResponse{Succeeded: true}).Fields(), nil)
	if !ok.(*ax.StoreResponse).Succeeded {
		t.Fatalf("success decoded as failure")
	}
	failed, _ := ax.Decode((&ax.StoreResponse{FailureReason: "quota"}).Fields(), nil)
	if r := failed.(*ax.StoreResponse); r.Succeeded || r.FailureReason != "quota" {
		t.Fatalf("failure = %+v", r)
	}
	if ext, err := ax.Decode(map[string]string{"mode": "something_else"}, nil); ext != nil || err != nil {
		t.Fatalf("unknown mode = %v, %v", ext, err)
	}
}

func TestFetchRequestTravelsInCheckID(t *testing.T) {
	t.Parallel()
	registry := openid.NewExtensionRegistry()
	ax.Register(registry)
	el := openid.NewExtensionsElement(registry)
	ctx := context.Background()

	op, _ := url.Parse("http://op.example/")
	out := openid.NewCheckIDRequest(openid.V20, op, false)
	fetch := &ax.FetchRequest{}
	fetch.Add(email, true)
	out.AddExtension(fetch)
	if _, _, err := el.ProcessOutgoing(ctx, out); err != nil {
		t.Fatalf("ProcessOutgoing: %v", err)
	}
	fields := messaging.ToMap(out)
	if fields["openid.ns.ax"] != ax.TypeURI || fields["openid.ax.type.a1"] != email {
		t.Fatalf("wire fields = %v", fields)
	}

	in := &openid.CheckIDRequest{MessageBase: messaging.MessageBase{Version: openid.V20}}
	messaging.Decode(in, fields)
	if _, _, err := el.ProcessIncoming(ctx, in); err != nil {
		t.Fatalf("ProcessIncoming: %v", err)
	}
	if len(in.Extensions()) != 1 || !in.Extensions()[0].(*ax.FetchRequest).Equal(fetch) {
		t.Fatalf("extensions = %#v", in.Extensions())
	}
}
