package messaging

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// PartDescription describes one declared field of a message type.
//
// Parts are declared on string fields with a tag of the form
//
//	`part:"openid.return_to,required,signed,v2"`
//
// where the options are required, signed (needs tamper protection),
// confidential (needs a secure transport), v1 (OpenID/OAuth 1.x only) and
// v2 (2.0 and later only).
type PartDescription struct {
	Name       string
	Required   bool
	Protection Protections
	MinMajor   int
	MaxMajor   int

	index []int
}

// AppliesTo reports whether the part exists in messages of version v.
func (p PartDescription) AppliesTo(v Version) bool {
	if p.MinMajor != 0 && v.Major < p.MinMajor {
		return false
	}
	if p.MaxMajor != 0 && v.Major > p.MaxMajor {
		return false
	}
	return true
}

// Description lists the parts of a message type in declaration order.
type Description struct {
	Type  reflect.Type
	Parts []PartDescription

	byName map[string]int
}

// Part returns the named part, if declared.
func (d *Description) Part(name string) (PartDescription, bool) {
	i, ok := d.byName[name]
	if !ok {
		return PartDescription{}, false
	}
	return d.Parts[i], true
}

var descriptions sync.Map

// DescriptionOf returns the cached description of msg's concrete type.
func DescriptionOf(msg Message) *Description {
	t := reflect.TypeOf(msg)
	if cached, ok := descriptions.Load(t); ok {
		return cached.(*Description)
	}
	d := describe(t)
	actual, _ := descriptions.LoadOrStore(t, d)
	return actual.(*Description)
}

func describe(t reflect.Type) *Description {
	st := t
	for st.Kind() == reflect.Pointer {
		st = st.Elem()
	}
	d := &Description{Type: t, byName: make(map[string]int)}
	for _, f := range reflect.VisibleFields(st) {
		tag, ok := f.Tag.Lookup("part")
		if !ok {
			continue
		}
		if f.Type.Kind() != reflect.String {
			panic(fmt.Sprintf("messaging: part %s.%s must be a string field", st.Name(), f.Name))
		}
		p := parsePartTag(st.Name(), tag)
		p.index = f.Index
		if _, dup := d.byName[p.Name]; dup {
			panic(fmt.Sprintf("messaging: part %q declared twice on %s", p.Name, st.Name()))
		}
		d.byName[p.Name] = len(d.Parts)
		d.Parts = append(d.Parts, p)
	}
	return d
}

func parsePartTag(typeName, tag string) PartDescription {
	opts := strings.Split(tag, ",")
	p := PartDescription{Name: opts[0]}
	for _, opt := range opts[1:] {
		switch opt {
		case "required":
			p.Required = true
		case "signed":
			p.Protection |= TamperProtection
		case "confidential":
			p.Protection |= Confidentiality
		case "v1":
			p.MaxMajor = 1
		case "v2":
			p.MinMajor = 2
		default:
			panic(fmt.Sprintf("messaging: unknown part option %q on %s", opt, typeName))
		}
	}
	return p
}

func fieldsOf(msg Message) reflect.Value {
	v := reflect.ValueOf(msg)
	for v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	return v
}

// ToMap flattens msg into its wire dictionary: extra data first, then every
// non-empty declared part that exists in the message's version.
func ToMap(msg Message) map[string]string {
	base := msg.Base()
	out := make(map[string]string, len(base.extra)+8)
	for k, v := range base.extra {
		out[k] = v
	}
	v := fieldsOf(msg)
	for _, p := range DescriptionOf(msg).Parts {
		if !p.AppliesTo(base.Version) {
			continue
		}
		if s := v.FieldByIndex(p.index).String(); s != "" {
			out[p.Name] = s
		}
	}
	return out
}

// Decode populates msg's declared parts from fields. Keys the message does
// not declare for its version are kept verbatim in the extra data.
func Decode(msg Message, fields map[string]string) {
	base := msg.Base()
	base.extra = make(map[string]string)
	d := DescriptionOf(msg)
	v := fieldsOf(msg)
	for key, value := range fields {
		if i, ok := d.byName[key]; ok && d.Parts[i].AppliesTo(base.Version) {
			v.FieldByIndex(d.Parts[i].index).SetString(value)
			continue
		}
		base.extra[key] = value
	}
}

// GetPart reads a declared part by wire name.
func GetPart(msg Message, name string) (string, bool) {
	d := DescriptionOf(msg)
	i, ok := d.byName[name]
	if !ok {
		return "", false
	}
	return fieldsOf(msg).FieldByIndex(d.Parts[i].index).String(), true
}

// SetPart writes a declared part by wire name.
func SetPart(msg Message, name, value string) bool {
	d := DescriptionOf(msg)
	i, ok := d.byName[name]
	if !ok {
		return false
	}
	fieldsOf(msg).FieldByIndex(d.Parts[i].index).SetString(value)
	return true
}

// EnsureValid checks that every required part for the message's version is
// present, then runs the message's own Validate if it has one.
func EnsureValid(msg Message) error {
	base := msg.Base()
	v := fieldsOf(msg)
	for _, p := range DescriptionOf(msg).Parts {
		if !p.Required || !p.AppliesTo(base.Version) {
			continue
		}
		if v.FieldByIndex(p.index).String() == "" {
			return FormatError(msg, p.Name, ErrMissingPart, "required part missing for version %s", base.Version)
		}
	}
	if val, ok := msg.(Validator); ok {
		if err := val.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RequiredProtections is the union of the protections demanded by the
// message's present parts.
func RequiredProtections(msg Message) Protections {
	base := msg.Base()
	v := fieldsOf(msg)
	var req Protections
	for _, p := range DescriptionOf(msg).Parts {
		if p.Protection == None || !p.AppliesTo(base.Version) {
			continue
		}
		if v.FieldByIndex(p.index).String() != "" {
			req |= p.Protection
		}
	}
	return req
}
