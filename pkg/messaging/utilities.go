package messaging

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
)

// CreateQueryString URL-encodes fields ordered by key.
func CreateQueryString(fields map[string]string) string {
	values := make(url.Values, len(fields))
	for k, v := range fields {
		values.Set(k, v)
	}
	return values.Encode()
}

// AppendQueryArgs returns a copy of u with args added to its query. Existing
// query parameters are kept.
func AppendQueryArgs(u *url.URL, args map[string]string) *url.URL {
	out := *u
	if len(args) == 0 {
		return &out
	}
	q := out.Query()
	for k, v := range args {
		q.Set(k, v)
	}
	out.RawQuery = q.Encode()
	return &out
}

// ToDictionary flattens url.Values, keeping the first value of each key.
func ToDictionary(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// RequestURL reconstructs the absolute URL an inbound request was sent to.
func RequestURL(r *http.Request) *url.URL {
	u := *r.URL
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			u.Scheme = "https"
		}
	}
	return &u
}

// WithoutQuery returns a copy of u stripped of query and fragment.
func WithoutQuery(u *url.URL) *url.URL {
	out := *u
	out.RawQuery = ""
	out.ForceQuery = false
	out.Fragment = ""
	out.RawFragment = ""
	return &out
}

// RandomString returns a base64url-encoded random string of length bytes.
func RandomString(length int) (string, error) {
	buf, err := RandomBytes(length)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// RandomBytes reads length bytes from the system CSPRNG.
func RandomBytes(length int) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// EqualConstantTime compares two secrets without leaking timing.
func EqualConstantTime(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
