// Package ax implements the OpenID Attribute Exchange 1.0 extension.
package ax

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/providentiaww/openauth/pkg/messaging"
	"github.com/providentiaww/openauth/pkg/openid"
)

// TypeURI is the Attribute Exchange namespace.
const TypeURI = "http://openid.net/srv/ax/1.0"

// Alias is the namespace alias used when sending.
const Alias = "ax"

// Unlimited asks for every value the provider holds.
const Unlimited = -1

const (
	modeFetchRequest  = "fetch_request"
	modeFetchResponse = "fetch_response"
	modeStoreRequest  = "store_request"
	modeStoreSuccess  = "store_response_success"
	modeStoreFailure  = "store_response_failure"
)

// Register installs the Attribute Exchange decoder.
func Register(r *openid.ExtensionRegistry) {
	r.Register(TypeURI, Alias, Decode)
}

// Decode parses any Attribute Exchange payload by its mode. Unknown modes
// are left uninterpreted.
func Decode(fields map[string]string, _ messaging.Message) (openid.Extension, error) {
	switch fields["mode"] {
	case modeFetchRequest:
		req, err := decodeFetchRequest(fields)
		if err != nil {
			return nil, err
		}
		return req, nil
	case modeFetchResponse:
		attrs, err := decodeValues(fields)
		if err != nil {
			return nil, err
		}
		return &FetchResponse{Attributes: attrs, UpdateURL: absoluteOrNil(fields["update_url"])}, nil
	case modeStoreRequest:
		attrs, err := decodeValues(fields)
		if err != nil {
			return nil, err
		}
		return &StoreRequest{Attributes: attrs}, nil
	case modeStoreSuccess:
		return &StoreResponse{Succeeded: true}, nil
	case modeStoreFailure:
		return &StoreResponse{FailureReason: fields["error"]}, nil
	default:
		return nil, nil
	}
}

// AttributeRequest names one attribute a relying party wants.
type AttributeRequest struct {
	TypeURI  string
	Required bool
	// Count is how many values are wanted. Zero means one, Unlimited means all.
	Count int
}

func (a AttributeRequest) count() int {
	if a.Count == 0 {
		return 1
	}
	return a.Count
}

// AttributeValues carries the values of one attribute.
type AttributeValues struct {
	TypeURI string
	Values  []string
}

func (a AttributeValues) equal(o AttributeValues) bool {
	if a.TypeURI != o.TypeURI || len(a.Values) != len(o.Values) {
		return false
	}
	for i := range a.Values {
		if a.Values[i] != o.Values[i] {
			return false
		}
	}
	return true
}

// FetchRequest asks the provider for attribute values.
type FetchRequest struct {
	Attributes []AttributeRequest
	// UpdateURL is where the provider may later push changed values.
	UpdateURL *url.URL
}

// Add requests the attribute typeURI.
func (r *FetchRequest) Add(typeURI string, required bool) {
	r.Attributes = append(r.Attributes, AttributeRequest{TypeURI: typeURI, Required: required})
}

// Attribute finds the request for typeURI.
func (r *FetchRequest) Attribute(typeURI string) (AttributeRequest, bool) {
	for _, a := range r.Attributes {
		if a.TypeURI == typeURI {
			return a, true
		}
	}
	return AttributeRequest{}, false
}

func (r *FetchRequest) TypeURI() string { return TypeURI }

func (r *FetchRequest) Fields() map[string]string {
	fields := map[string]string{"mode": modeFetchRequest}
	var required, optional []string
	for i, a := range r.Attributes {
		alias := aliasFor(i)
		fields["type."+alias] = a.TypeURI
		switch c := a.count(); {
		case c == Unlimited:
			fields["count."+alias] = "unlimited"
		case c > 1:
			fields["count."+alias] = strconv.Itoa(c)
		}
		if a.Required {
			required = append(required, alias)
		} else {
			optional = append(optional, alias)
		}
	}
	if len(required) > 0 {
		fields["required"] = strings.Join(required, ",")
	}
	if len(optional) > 0 {
		fields["if_available"] = strings.Join(optional, ",")
	}
	if r.UpdateURL != nil {
		fields["update_url"] = r.UpdateURL.String()
	}
	return fields
}

// Equal compares two requests regardless of attribute order.
func (r *FetchRequest) Equal(o *FetchRequest) bool {
	if o == nil || urlString(r.UpdateURL) != urlString(o.UpdateURL) || len(r.Attributes) != len(o.Attributes) {
		return false
	}
	key := func(a AttributeRequest) string {
		return fmt.Sprintf("%s\x00%t\x00%d", a.TypeURI, a.Required, a.count())
	}
	counts := make(map[string]int)
	for _, a := range r.Attributes {
		counts[key(a)]++
	}
	for _, a := range o.Attributes {
		k := key(a)
		if counts[k] == 0 {
			return false
		}
		counts[k]--
	}
	return true
}

func decodeFetchRequest(fields map[string]string) (*FetchRequest, error) {
	types, err := typesByAlias(fields)
	if err != nil {
		return nil, err
	}
	required := listSet(fields["required"])
	optional := listSet(fields["if_available"])
	req := &FetchRequest{UpdateURL: absoluteOrNil(fields["update_url"])}
	for _, alias := range sortedKeys(types) {
		if !required[alias] && !optional[alias] {
			return nil, fmt.Errorf("attribute alias %q is neither required nor if_available", alias)
		}
		a := AttributeRequest{TypeURI: types[alias], Required: required[alias]}
		if raw, ok := fields["count."+alias]; ok {
			if raw == "unlimited" {
				a.Count = Unlimited
			} else if a.Count, err = strconv.Atoi(raw); err != nil || a.Count < 1 {
				return nil, fmt.Errorf("invalid count %q for alias %q", raw, alias)
			}
		}
		req.Attributes = append(req.Attributes, a)
	}
	for alias := range required {
		if _, ok := types[alias]; !ok {
			return nil, fmt.Errorf("required alias %q has no type", alias)
		}
	}
	return req, nil
}

// FetchResponse carries the provider's values for a FetchRequest.
type FetchResponse struct {
	Attributes []AttributeValues
	UpdateURL  *url.URL
}

// Add supplies values for typeURI.
func (r *FetchResponse) Add(typeURI string, values ...string) {
	r.Attributes = append(r.Attributes, AttributeValues{TypeURI: typeURI, Values: values})
}

// Value returns the first value of typeURI.
func (r *FetchResponse) Value(typeURI string) (string, bool) {
	for _, a := range r.Attributes {
		if a.TypeURI == typeURI && len(a.Values) > 0 {
			return a.Values[0], true
		}
	}
	return "", false
}

func (r *FetchResponse) TypeURI() string { return TypeURI }

func (r *FetchResponse) Fields() map[string]string {
	fields := encodeValues(modeFetchResponse, r.Attributes)
	if r.UpdateURL != nil {
		fields["update_url"] = r.UpdateURL.String()
	}
	return fields
}

// Equal compares two responses regardless of attribute order.
func (r *FetchResponse) Equal(o *FetchResponse) bool {
	return o != nil && urlString(r.UpdateURL) == urlString(o.UpdateURL) && equalUnordered(r.Attributes, o.Attributes)
}

// StoreRequest asks the provider to save attribute values.
type StoreRequest struct {
	Attributes []AttributeValues
}

// Add stores values under typeURI.
func (r *StoreRequest) Add(typeURI string, values ...string) {
	r.Attributes = append(r.Attributes, AttributeValues{TypeURI: typeURI, Values: values})
}

func (r *StoreRequest) TypeURI() string { return TypeURI }

func (r *StoreRequest) Fields() map[string]string {
	return encodeValues(modeStoreRequest, r.Attributes)
}

// Equal compares two requests regardless of attribute order.
func (r *StoreRequest) Equal(o *StoreRequest) bool {
	return o != nil && equalUnordered(r.Attributes, o.Attributes)
}

// StoreResponse reports the outcome of a StoreRequest.
type StoreResponse struct {
	Succeeded     bool
	FailureReason string
}

func (r *StoreResponse) TypeURI() string { return TypeURI }

func (r *StoreResponse) Fields() map[string]string {
	if r.Succeeded {
		return map[string]string{"mode": modeStoreSuccess}
	}
	fields := map[string]string{"mode": modeStoreFailure}
	if r.FailureReason != "" {
		fields["error"] = r.FailureReason
	}
	return fields
}

func encodeValues(mode string, attrs []AttributeValues) map[string]string {
	fields := map[string]string{"mode": mode}
	for i, a := range attrs {
		alias := aliasFor(i)
		fields["type."+alias] = a.TypeURI
		fields["count."+alias] = strconv.Itoa(len(a.Values))
		for j, v := range a.Values {
			fields["value."+alias+"."+strconv.Itoa(j+1)] = v
		}
	}
	return fields
}

func decodeValues(fields map[string]string) ([]AttributeValues, error) {
	types, err := typesByAlias(fields)
	if err != nil {
		return nil, err
	}
	var attrs []AttributeValues
	for _, alias := range sortedKeys(types) {
		a := AttributeValues{TypeURI: types[alias]}
		raw, counted := fields["count."+alias]
		if !counted {
			if v, ok := fields["value."+alias]; ok {
				a.Values = []string{v}
			}
			attrs = append(attrs, a)
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid count %q for alias %q", raw, alias)
		}
		for j := 1; j <= n; j++ {
			v, ok := fields["value."+alias+"."+strconv.Itoa(j)]
			if !ok {
				return nil, fmt.Errorf("alias %q declares %d values but value %d is missing", alias, n, j)
			}
			a.Values = append(a.Values, v)
		}
		attrs = append(attrs, a)
	}
	return attrs, nil
}

func typesByAlias(fields map[string]string) (map[string]string, error) {
	types := make(map[string]string)
	seen := make(map[string]string)
	for k, v := range fields {
		alias, ok := strings.CutPrefix(k, "type.")
		if !ok {
			continue
		}
		if alias == "" || strings.ContainsAny(alias, ".,") {
			return nil, fmt.Errorf("invalid attribute alias %q", alias)
		}
		if other, dup := seen[v]; dup {
			return nil, fmt.Errorf("attribute %s declared under aliases %q and %q", v, other, alias)
		}
		seen[v] = alias
		types[alias] = v
	}
	return types, nil
}

func equalUnordered(a, b []AttributeValues) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
outer:
	for _, x := range a {
		for i, y := range b {
			if !used[i] && x.equal(y) {
				used[i] = true
				continue outer
			}
		}
		return false
	}
	return true
}

func aliasFor(i int) string {
	return "a" + strconv.Itoa(i+1)
}

func listSet(list string) map[string]bool {
	set := make(map[string]bool)
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = true
		}
	}
	return set
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func absoluteOrNil(raw string) *url.URL {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return nil
	}
	return u
}

func urlString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}
