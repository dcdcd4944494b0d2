package openid

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/providentiaww/openauth/pkg/messaging"
)

// Extension is an OpenID extension payload. Fields are keyed without the
// "openid.<alias>." prefix; the empty key maps to "openid.<alias>" itself.
type Extension interface {
	TypeURI() string
	Fields() map[string]string
}

// ExtensionDecoder builds an extension from its fields. It returns nil, nil
// for payloads it chooses not to interpret.
type ExtensionDecoder func(fields map[string]string, msg messaging.Message) (Extension, error)

// ExtensionRegistry maps extension type URIs to decoders. Type URIs without
// a decoder stay as opaque extra data.
type ExtensionRegistry struct {
	mu       sync.RWMutex
	decoders map[string]ExtensionDecoder
	aliases  map[string]string
}

// NewExtensionRegistry returns an empty registry.
func NewExtensionRegistry() *ExtensionRegistry {
	return &ExtensionRegistry{
		decoders: make(map[string]ExtensionDecoder),
		aliases:  make(map[string]string),
	}
}

// Register installs decode for typeURI. alias is the preferred namespace alias on send.
func (r *ExtensionRegistry) Register(typeURI, alias string, decode ExtensionDecoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[typeURI] = decode
	if alias != "" {
		r.aliases[typeURI] = alias
	}
}

func (r *ExtensionRegistry) decoder(typeURI string) (ExtensionDecoder, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decoders[typeURI]
	return d, ok
}

func (r *ExtensionRegistry) alias(typeURI string) string {
	if r == nil {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aliases[typeURI]
}

// ExtensionHolder is embedded by messages that carry extensions.
type ExtensionHolder struct {
	all    []Extension
	signed []Extension
}

// Extensions returns every extension attached or received.
func (h *ExtensionHolder) Extensions() []Extension {
	return h.all
}

// SignedExtensions returns received extensions whose fields were all signed.
func (h *ExtensionHolder) SignedExtensions() []Extension {
	return h.signed
}

// AddExtension attaches an extension to be serialized on send.
func (h *ExtensionHolder) AddExtension(e Extension) {
	h.all = append(h.all, e)
}

func (h *ExtensionHolder) holder() *ExtensionHolder { return h }

// Extensible is implemented by messages embedding ExtensionHolder.
type Extensible interface {
	messaging.Message
	Extensions() []Extension
	AddExtension(e Extension)
	holder() *ExtensionHolder
}

// ExtensionsElement serializes attached extensions into extra data on send
// and decodes registered ones on receipt. It runs after signature checks on
// receipt, so it can tell signed extensions from untrusted ones.
type ExtensionsElement struct {
	registry *ExtensionRegistry
}

// NewExtensionsElement uses registry to decode incoming extensions.
func NewExtensionsElement(registry *ExtensionRegistry) *ExtensionsElement {
	return &ExtensionsElement{registry: registry}
}

func (e *ExtensionsElement) Protection() messaging.Protections {
	return messaging.None
}

func (e *ExtensionsElement) ProcessOutgoing(_ context.Context, msg messaging.Message) (messaging.Protections, bool, error) {
	m, ok := msg.(Extensible)
	if !ok || !IsV2(msg.Base().Version) || len(m.Extensions()) == 0 {
		return messaging.None, false, nil
	}
	extra := msg.Base().ExtraData()
	used := make(map[string]bool)
	for k := range extra {
		if strings.HasPrefix(k, "openid.ns.") {
			used[strings.TrimPrefix(k, "openid.ns.")] = true
		}
	}
	for i, ext := range m.Extensions() {
		alias := e.registry.alias(ext.TypeURI())
		if alias == "" || used[alias] {
			alias = fmt.Sprintf("ext%d", i+1)
		}
		used[alias] = true
		extra["openid.ns."+alias] = ext.TypeURI()
		for k, v := range ext.Fields() {
			key := ProtocolArgPrefix + alias
			if k != "" {
				key += "." + k
			}
			extra[key] = v
		}
	}
	return messaging.None, true, nil
}

func (e *ExtensionsElement) ProcessIncoming(_ context.Context, msg messaging.Message) (messaging.Protections, bool, error) {
	m, ok := msg.(Extensible)
	if !ok || !IsV2(msg.Base().Version) {
		return messaging.None, false, nil
	}
	extra := msg.Base().ExtraData()
	var signed map[string]bool
	if a, ok := msg.(*PositiveAssertion); ok {
		signed = make(map[string]bool)
		for _, name := range a.SignedFields() {
			signed[ProtocolArgPrefix+name] = true
		}
	}

	var aliases []string
	for k := range extra {
		if strings.HasPrefix(k, "openid.ns.") {
			aliases = append(aliases, strings.TrimPrefix(k, "openid.ns."))
		}
	}
	sort.Strings(aliases)

	h := m.holder()
	for _, alias := range aliases {
		typeURI := extra["openid.ns."+alias]
		decode, ok := e.registry.decoder(typeURI)
		if !ok {
			continue
		}
		prefix := ProtocolArgPrefix + alias
		fields := make(map[string]string)
		allSigned := signed == nil || signed["openid.ns."+alias]
		for k, v := range extra {
			var name string
			switch {
			case k == prefix:
				name = ""
			case strings.HasPrefix(k, prefix+"."):
				name = strings.TrimPrefix(k, prefix+".")
			default:
				continue
			}
			fields[name] = v
			if signed != nil && !signed[k] {
				allSigned = false
			}
		}
		ext, err := decode(fields, msg)
		if err != nil {
			return messaging.None, true, messaging.FormatError(msg, "openid.ns."+alias, messaging.ErrInvalidPart, "extension %s: %v", typeURI, err)
		}
		if ext == nil {
			continue
		}
		h.all = append(h.all, ext)
		if signed != nil && allSigned {
			h.signed = append(h.signed, ext)
		}
	}
	return messaging.None, true, nil
}
