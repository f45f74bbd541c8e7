package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sort"

	"github.com/dvloznov/finance-reconciler/internal/domain"
)

// Payload maps each provided record type to its raw section value. Sections
// are validated when the payload is reconciled, before anything is written.
type Payload map[domain.RecordType]any

// Types lists the record types present in p in processing order.
func (p Payload) Types() []domain.RecordType {
	var out []domain.RecordType
	for _, rt := range domain.RecordTypes {
		if _, ok := p[rt]; ok {
			out = append(out, rt)
		}
	}
	return out
}

// DecodePayload parses a push-sync body. The top level must be a JSON
// object; numbers are kept as json.Number so amounts never pass through
// float64. Keys that are not record types are ignored; a record type key
// whose value is anything but an array, null included, rejects the payload.
func DecodePayload(data []byte) (Payload, error) {
	var top any
	if err := decodeJSON(data, &top); err != nil {
		return nil, err
	}
	obj, ok := top.(map[string]any)
	if !ok {
		return nil, domain.InvalidPayload("", "top level is %s, want an object", jsonKind(top))
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	p := make(Payload, len(obj))
	for _, k := range keys {
		v := obj[k]
		rt, ok := domain.ParseRecordType(k)
		if !ok {
			continue
		}
		if _, dup := p[rt]; dup {
			return nil, domain.InvalidPayload(k, "duplicates another key for %s", rt)
		}
		if _, isArray := v.([]any); !isArray {
			return nil, domain.InvalidPayload(k, "is %s, want an array", jsonKind(v))
		}
		p[rt] = v
	}
	return p, nil
}

// DecodeRows parses an upload body: a JSON array of parsed rows.
func DecodeRows(rt domain.RecordType, data []byte) ([]any, error) {
	var top any
	if err := decodeJSON(data, &top); err != nil {
		return nil, err
	}
	rows, ok := top.([]any)
	if !ok {
		return nil, domain.InvalidPayload(string(rt), "is %s, want an array", jsonKind(top))
	}
	return rows, nil
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.InvalidPayload("", "empty body")
		}
		return domain.InvalidPayload("", "malformed JSON: %v", err)
	}
	if dec.More() {
		return domain.InvalidPayload("", "trailing data after JSON value")
	}
	return nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "an object"
	case []any:
		return "an array"
	case string:
		return "a string"
	case json.Number:
		return "a number"
	case bool:
		return "a boolean"
	}
	return "unknown"
}
