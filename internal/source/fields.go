package source

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/shopspring/decimal"
)

// fields is a keyed row with case-insensitive lookups.
type fields struct {
	raw   map[string]any
	lower map[string]string // lower-cased key -> original key
}

func keyed(rt domain.RecordType, index int, row any) (fields, *domain.RowError) {
	var raw map[string]any
	switch r := row.(type) {
	case map[string]any:
		raw = r
	case map[string]string:
		raw = make(map[string]any, len(r))
		for k, v := range r {
			raw[k] = v
		}
	default:
		return fields{}, &domain.RowError{
			RecordType: rt,
			Row:        index,
			Kind:       domain.RowNotAMapping,
			Message:    fmt.Sprintf("expected a key-value row, got %T", row),
		}
	}

	lower := make(map[string]string, len(raw))
	for k := range raw {
		lk := strings.ToLower(strings.TrimSpace(k))
		if _, dup := lower[lk]; !dup {
			lower[lk] = k
		}
	}
	return fields{raw: raw, lower: lower}, nil
}

// get returns the first non-empty value among names.
func (f fields) get(names ...string) (any, string, bool) {
	for _, name := range names {
		key, ok := f.lower[strings.ToLower(name)]
		if !ok {
			continue
		}
		v := f.raw[key]
		if !isEmpty(v) {
			return v, name, true
		}
	}
	return nil, "", false
}

func (f fields) str(names ...string) string {
	v, _, ok := f.get(names...)
	if !ok {
		return ""
	}
	return toString(v)
}

// all collects every non-empty value of the named columns including their
// de-duplicated copies ("Category", "Category_2", ...), in column-name order.
func (f fields) all(names ...string) []string {
	var out []string
	for _, name := range names {
		if v, _, ok := f.get(name); ok {
			out = append(out, toString(v))
		}
		for n := 2; ; n++ {
			key, ok := f.lower[strings.ToLower(name+"_"+strconv.Itoa(n))]
			if !ok {
				break
			}
			if v := f.raw[key]; !isEmpty(v) {
				out = append(out, toString(v))
			}
		}
	}
	return out
}

func (f fields) blank() bool {
	for _, v := range f.raw {
		if !isEmpty(v) {
			return false
		}
	}
	return true
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	}
	return false
}

func toString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch val := v.(type) {
	case json.Number:
		return decimal.NewFromString(val.String())
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return decimal.Zero, fmt.Errorf("invalid amount %v", val)
		}
		return decimal.NewFromFloat(val), nil
	case int:
		return decimal.NewFromInt(int64(val)), nil
	case int64:
		return decimal.NewFromInt(val), nil
	case string:
		return domain.ParseAmount(val)
	}
	return decimal.Zero, fmt.Errorf("invalid amount of type %T", v)
}

func toRate(v any) (decimal.Decimal, error) {
	if s, ok := v.(string); ok {
		return domain.ParseRate(s)
	}
	return toDecimal(v)
}

func toDate(v any) (civil.Date, error) {
	switch val := v.(type) {
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return civil.Date{}, fmt.Errorf("invalid date %q", val)
		}
		return domain.SerialDate(f)
	case float64:
		return domain.SerialDate(val)
	case string:
		return domain.ParseDate(val)
	}
	return civil.Date{}, fmt.Errorf("invalid date of type %T", v)
}

func toBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case nil:
		return false
	}
	return domain.ParseBool(toString(v))
}

func toInt(v any) (int, error) {
	d, err := toDecimal(v)
	if err != nil {
		return 0, err
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("%s is not a whole number", d)
	}
	return int(d.IntPart()), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
