package messaging

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// KeyValueFormContentType is sent with key-value form direct responses.
const KeyValueFormContentType = "text/plain; charset=UTF-8"

var ErrInvalidKeyValueForm = errors.New("invalid key-value form")

// EncodeKeyValueForm writes one "key:value\n" line per pair in the given key
// order. Keys may not contain ':' or a newline and values may not contain a
// newline or end in a carriage return.
func EncodeKeyValueForm(fields map[string]string, order []string) ([]byte, error) {
	var buf bytes.Buffer
	for _, key := range order {
		value, ok := fields[key]
		if !ok {
			continue
		}
		if err := checkKeyValue(key, value); err != nil {
			return nil, err
		}
		buf.WriteString(key)
		buf.WriteByte(':')
		buf.WriteString(value)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// EncodeKeyValueFormSorted encodes all fields in lexical key order.
func EncodeKeyValueFormSorted(fields map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return EncodeKeyValueForm(fields, keys)
}

func checkKeyValue(key, value string) error {
	if key == "" || strings.ContainsAny(key, ":\n") {
		return fmt.Errorf("%w: illegal key %q", ErrInvalidKeyValueForm, key)
	}
	if strings.Contains(value, "\n") {
		return fmt.Errorf("%w: value for %q contains a newline", ErrInvalidKeyValueForm, key)
	}
	if strings.HasSuffix(value, "\r") {
		return fmt.Errorf("%w: value for %q ends in a carriage return", ErrInvalidKeyValueForm, key)
	}
	return nil
}

// DecodeKeyValueForm parses a key-value form document. Keys and values are
// taken verbatim; only a CR before the line feed and empty lines are dropped.
func DecodeKeyValueForm(data []byte) (map[string]string, error) {
	out := make(map[string]string)
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: line %d has no ':'", ErrInvalidKeyValueForm, i+1)
		}
		if key == "" {
			return nil, fmt.Errorf("%w: line %d has an empty key", ErrInvalidKeyValueForm, i+1)
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrInvalidKeyValueForm, key)
		}
		out[key] = value
	}
	return out, nil
}
