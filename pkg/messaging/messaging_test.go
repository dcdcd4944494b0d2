package messaging

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"testing"
)

type testMessage struct {
	MessageBase
	Mode    string `part:"mode,required"`
	Payload string `part:"payload,signed"`
	Secret  string `part:"secret,confidential"`
	Legacy  string `part:"legacy,v1"`
	Modern  string `part:"modern,v2"`
}

func (m *testMessage) Validate() error {
	if m.Mode != "test" {
		return FormatError(m, "mode", ErrInvalidPart, "unexpected mode %q", m.Mode)
	}
	return nil
}

type testFactory struct{}

func (testFactory) NewRequestMessage(_ *url.URL, fields map[string]string) Message {
	if _, ok := fields["mode"]; !ok {
		return nil
	}
	return &testMessage{MessageBase: MessageBase{Version: Version{Major: 2}, Transport: Indirect}}
}

func (testFactory) NewResponseMessage(_ Message, fields map[string]string) Message {
	return testFactory{}.NewRequestMessage(nil, fields)
}

type testWire struct{}

func (testWire) NewDirectRequest(ctx context.Context, msg Message, fields map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Base().Recipient.String(), strings.NewReader(CreateQueryString(fields)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func (testWire) ReadDirectResponse(resp *http.Response) (map[string]string, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return DecodeKeyValueForm(data)
}

func (testWire) WriteDirectResponse(msg Message, fields map[string]string) (*OutgoingResponse, error) {
	body, err := EncodeKeyValueFormSorted(fields)
	if err != nil {
		return nil, err
	}
	return &OutgoingResponse{Status: http.StatusOK, Header: make(http.Header), Body: body, Message: msg}, nil
}

func (testWire) ReadRequest(r *http.Request) (map[string]string, error) {
	return ToDictionary(r.URL.Query()), nil
}

// stubElement records the order it runs in and claims a protection for
// every message.
type stubElement struct {
	protection Protections
	name       string
	log        *[]string
	fail       error
}

func (e *stubElement) Protection() Protections { return e.protection }

func (e *stubElement) ProcessOutgoing(_ context.Context, msg Message) (Protections, bool, error) {
	*e.log = append(*e.log, "out:"+e.name)
	return e.protection, true, e.fail
}

func (e *stubElement) ProcessIncoming(_ context.Context, msg Message) (Protections, bool, error) {
	*e.log = append(*e.log, "in:"+e.name)
	return e.protection, true, e.fail
}

func newTestChannel(t *testing.T, elements ...BindingElement) *Channel {
	t.Helper()
	c, err := NewChannel(ChannelOptions{Elements: elements, Factory: testFactory{}, Wire: testWire{}})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	return c
}

func TestDescriptionAndRoundTrip(t *testing.T) {
	t.Parallel()
	for _, major := range []int{1, 2} {
		msg := &testMessage{MessageBase: MessageBase{Version: Version{Major: major}}, Mode: "test", Payload: "p", Legacy: "l", Modern: "m"}
		msg.ExtraData()["unknown"] = "kept"

		fields := ToMap(msg)
		if _, ok := fields["legacy"]; ok != (major == 1) {
			t.Fatalf("v%d: legacy present = %v", major, ok)
		}
		if _, ok := fields["modern"]; ok != (major == 2) {
			t.Fatalf("v%d: modern present = %v", major, ok)
		}

		decoded := &testMessage{MessageBase: MessageBase{Version: Version{Major: major}}}
		Decode(decoded, fields)
		if !reflect.DeepEqual(ToMap(decoded), fields) {
			t.Fatalf("v%d: round trip mismatch: %v != %v", major, ToMap(decoded), fields)
		}
		if decoded.ExtraData()["unknown"] != "kept" {
			t.Fatalf("v%d: extra data lost", major)
		}
	}

	d := DescriptionOf(&testMessage{})
	part, ok := d.Part("payload")
	if !ok || !part.Protection.Has(TamperProtection) || part.Required {
		t.Fatalf("payload description = %+v", part)
	}
	if part, _ := d.Part("legacy"); part.AppliesTo(Version{Major: 2}) {
		t.Fatalf("v1 part applies to v2")
	}
}

func TestEnsureValidNamesPart(t *testing.T) {
	t.Parallel()
	err := EnsureValid(&testMessage{MessageBase: MessageBase{Version: Version{Major: 2}}})
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Kind != KindFormat || pe.Part != "mode" || pe.MessageType != "testMessage" {
		t.Fatalf("EnsureValid = %v", err)
	}
	if !errors.Is(err, ErrMissingPart) {
		t.Fatalf("cause not ErrMissingPart: %v", err)
	}
}

func TestRequiredProtections(t *testing.T) {
	t.Parallel()
	msg := &testMessage{MessageBase: MessageBase{Version: Version{Major: 2}}, Mode: "test"}
	if p := RequiredProtections(msg); p != None {
		t.Fatalf("empty optional parts demand %s", p)
	}
	msg.Payload = "x"
	msg.Secret = "y"
	if p := RequiredProtections(msg); p != TamperProtection|Confidentiality {
		t.Fatalf("RequiredProtections = %s", p)
	}
}

func TestPipelineOrder(t *testing.T) {
	t.Parallel()
	var log []string
	c := newTestChannel(t,
		&stubElement{protection: TamperProtection, name: "sign", log: &log},
		&stubElement{protection: ReplayProtection, name: "replay", log: &log},
		&stubElement{protection: None, name: "plain", log: &log},
		&stubElement{protection: ExpirationProtection, name: "expire", log: &log},
	)
	msg := &testMessage{MessageBase: MessageBase{Version: Version{Major: 2}, Transport: Indirect, Recipient: mustParse(t, "http://rp.example/cb")}, Mode: "test"}
	out, err := c.PrepareResponse(context.Background(), msg)
	if err != nil {
		t.Fatalf("PrepareResponse: %v", err)
	}
	if out.Status != http.StatusFound {
		t.Fatalf("status = %d", out.Status)
	}
	if _, err := c.Receive(context.Background(), httptest.NewRequest(http.MethodGet, out.Location(), nil)); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	want := []string{"out:plain", "out:expire", "out:replay", "out:sign", "in:sign", "in:replay", "in:expire", "in:plain"}
	if !reflect.DeepEqual(log, want) {
		t.Fatalf("order = %v, want %v", log, want)
	}
}

func TestDuplicateProtectionRejected(t *testing.T) {
	t.Parallel()
	var log []string
	_, err := NewChannel(ChannelOptions{
		Factory: testFactory{},
		Wire:    testWire{},
		Elements: []BindingElement{
			&stubElement{protection: TamperProtection, log: &log},
			&stubElement{protection: TamperProtection, log: &log},
		},
	})
	if KindOf(err) != KindConfiguration {
		t.Fatalf("NewChannel = %v", err)
	}
}

func TestFailClosed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	recipient := mustParse(t, "http://rp.example/cb")

	bare := newTestChannel(t)
	signedMsg := &testMessage{MessageBase: MessageBase{Version: Version{Major: 2}, Transport: Indirect, Recipient: recipient}, Mode: "test", Payload: "x"}
	_, err := bare.PrepareResponse(ctx, signedMsg)
	if KindOf(err) != KindConfiguration || !errors.Is(err, ErrUnsatisfiedProtection) {
		t.Fatalf("unprotected send = %v", err)
	}

	// Nothing signs it, so an incoming signed part is a deployment problem.
	_, err = bare.Receive(ctx, httptest.NewRequest(http.MethodGet, "http://rp.example/cb?mode=test&payload=x", nil))
	if KindOf(err) != KindConfiguration {
		t.Fatalf("unprotected receive = %v", err)
	}

	// Confidential parts over plain HTTP are the sender's fault.
	secretMsg := &testMessage{MessageBase: MessageBase{Version: Version{Major: 2}, Transport: Indirect, Recipient: recipient}, Mode: "test", Secret: "s"}
	if _, err := bare.PrepareResponse(ctx, secretMsg); !errors.Is(err, ErrUnsatisfiedProtection) {
		t.Fatalf("confidential over http = %v", err)
	}
	_, err = bare.Receive(ctx, httptest.NewRequest(http.MethodGet, "http://rp.example/cb?mode=test&secret=s", nil))
	if !IsTrustError(err) {
		t.Fatalf("confidential received over http = %v", err)
	}
	if msg, err := bare.Receive(ctx, httptest.NewRequest(http.MethodGet, "https://rp.example/cb?mode=test&secret=s", nil)); err != nil || msg == nil {
		t.Fatalf("confidential received over https = %v, %v", msg, err)
	}
}

func TestReceiveReturnsNothingForInvalidMessage(t *testing.T) {
	t.Parallel()
	var log []string
	failing := &stubElement{protection: TamperProtection, name: "sign", log: &log, fail: TrustError(nil, ErrInvalidSignature, "bad")}
	c := newTestChannel(t, failing)

	msg, err := c.Receive(context.Background(), httptest.NewRequest(http.MethodGet, "http://rp.example/cb?mode=test&payload=x", nil))
	if msg != nil || !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("Receive = %v, %v", msg, err)
	}
	msg, err = c.Receive(context.Background(), httptest.NewRequest(http.MethodGet, "http://rp.example/cb?mode=other", nil))
	if msg != nil || KindOf(err) != KindFormat {
		t.Fatalf("Receive invalid mode = %v, %v", msg, err)
	}
	msg, err = c.Receive(context.Background(), httptest.NewRequest(http.MethodGet, "http://rp.example/cb?x=1", nil))
	if msg != nil || err != nil {
		t.Fatalf("Receive unrelated = %v, %v", msg, err)
	}
}

type recordingReporter struct{ types []string }

func (r *recordingReporter) ReportError(_ context.Context, messageType string, _ error) {
	r.types = append(r.types, messageType)
}

func TestTrustFailuresAreReported(t *testing.T) {
	t.Parallel()
	var log []string
	reporter := &recordingReporter{}
	c, err := NewChannel(ChannelOptions{
		Factory:  testFactory{},
		Wire:     testWire{},
		Reporter: reporter,
		Elements: []BindingElement{&stubElement{protection: TamperProtection, log: &log, fail: TrustError(nil, ErrInvalidSignature, "bad")}},
	})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	_, _ = c.Receive(context.Background(), httptest.NewRequest(http.MethodGet, "http://rp.example/cb?mode=test&payload=x", nil))
	if len(reporter.types) != 1 || reporter.types[0] != "testMessage" {
		t.Fatalf("reported %v", reporter.types)
	}
}

func TestIndirectFallsBackToForm(t *testing.T) {
	t.Parallel()
	c, err := NewChannel(ChannelOptions{Factory: testFactory{}, Wire: testWire{}, MaxIndirectURLLength: 64})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	msg := &testMessage{
		MessageBase: MessageBase{Version: Version{Major: 2}, Transport: Indirect, Recipient: mustParse(t, "http://rp.example/cb?keep=1")},
		Mode:        "test",
		Modern:      strings.Repeat("m", 80),
	}
	out, err := c.PrepareResponse(context.Background(), msg)
	if err != nil {
		t.Fatalf("PrepareResponse: %v", err)
	}
	if out.Status != http.StatusOK || out.Location() != "" {
		t.Fatalf("expected a form, got %d %q", out.Status, out.Location())
	}
	body := string(out.Body)
	if !strings.Contains(body, `name="modern"`) || !strings.Contains(body, "http://rp.example/cb?keep=1") {
		t.Fatalf("form body missing fields: %s", body)
	}
}

func TestDirectRequestTransportError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestChannel(t)
	msg := &testMessage{MessageBase: MessageBase{Version: Version{Major: 2}, Transport: Direct, Recipient: mustParse(t, srv.URL)}, Mode: "test"}
	_, err := c.Request(context.Background(), msg)
	if KindOf(err) != KindTransport || !errors.Is(err, ErrTransport) {
		t.Fatalf("Request = %v", err)
	}

	indirect := &testMessage{MessageBase: MessageBase{Version: Version{Major: 2}, Transport: Indirect, Recipient: mustParse(t, srv.URL)}, Mode: "test"}
	if _, err := c.Request(context.Background(), indirect); KindOf(err) != KindUsage {
		t.Fatalf("Request indirect = %v", err)
	}
}

func TestDirectRequestRoundTrip(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("mode") != "test" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, "mode:test\nmodern:"+r.PostForm.Get("modern")+"-reply\n")
	}))
	defer srv.Close()

	c := newTestChannel(t)
	msg := &testMessage{MessageBase: MessageBase{Version: Version{Major: 2}, Transport: Direct, Recipient: mustParse(t, srv.URL)}, Mode: "test", Modern: "ping"}
	reply, err := c.Request(context.Background(), msg)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	got := reply.(*testMessage)
	if got.Modern != "ping-reply" || got.Base().Transport != DirectResponse || got.Base().Status != http.StatusOK {
		t.Fatalf("reply = %+v", got)
	}
}

func TestKeyValueForm(t *testing.T) {
	t.Parallel()
	fields := map[string]string{"mode": "error", "error": "a: b", "ns": "http://specs.openid.net/auth/2.0"}
	data, err := EncodeKeyValueFormSorted(fields)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data) != "error:a: b\nmode:error\nns:http://specs.openid.net/auth/2.0\n" {
		t.Fatalf("encoded %q", data)
	}
	decoded, err := DecodeKeyValueForm(data)
	if err != nil || !reflect.DeepEqual(decoded, fields) {
		t.Fatalf("decode = %v, %v", decoded, err)
	}

	bad := []map[string]string{
		{"a:b": "c"},
		{"a\nb": "c"},
		{"a": "line\nbreak"},
		{"a": "carriage\r"},
	}
	for _, f := range bad {
		if _, err := EncodeKeyValueFormSorted(f); !errors.Is(err, ErrInvalidKeyValueForm) {
			t.Fatalf("encode %v = %v", f, err)
		}
	}
	for _, doc := range []string{"novalue\n", ":empty\n", "a:1\na:2\n"} {
		if _, err := DecodeKeyValueForm([]byte(doc)); !errors.Is(err, ErrInvalidKeyValueForm) {
			t.Fatalf("decode %q = %v", doc, err)
		}
	}
}

func TestKeyValueFormKeepsWhitespace(t *testing.T) {
	t.Parallel()
	fields := map[string]string{"ns": " x", "assoc_handle": "h ", " padded key ": "\tv\t", "empty": ""}
	data, err := EncodeKeyValueFormSorted(fields)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeKeyValueForm(data)
	if err != nil || !reflect.DeepEqual(decoded, fields) {
		t.Fatalf("round trip = %q, %v", decoded, err)
	}

	crlf, err := DecodeKeyValueForm([]byte("mode:error\r\nerror: spaced \r\n"))
	if err != nil || crlf["mode"] != "error" || crlf["error"] != " spaced " {
		t.Fatalf("CRLF document = %q, %v", crlf, err)
	}
}

func TestQueryHelpers(t *testing.T) {
	t.Parallel()
	if got := CreateQueryString(map[string]string{"c/d": "e/f", "a": "b"}); got != "a=b&c%2Fd=e%2Ff" {
		t.Fatalf("CreateQueryString = %q", got)
	}
	u := AppendQueryArgs(mustParse(t, "http://rp.example/cb?keep=1#frag"), map[string]string{"add": "2"})
	if u.Query().Get("keep") != "1" || u.Query().Get("add") != "2" || u.Fragment != "frag" {
		t.Fatalf("AppendQueryArgs = %s", u)
	}
	if got := WithoutQuery(u).String(); got != "http://rp.example/cb" {
		t.Fatalf("WithoutQuery = %q", got)
	}

	r := httptest.NewRequest(http.MethodGet, "/cb?x=1", nil)
	r.Host = "rp.example"
	r.Header.Set("X-Forwarded-Proto", "https")
	if got := RequestURL(r).String(); got != "https://rp.example/cb?x=1" {
		t.Fatalf("RequestURL = %q", got)
	}
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}
