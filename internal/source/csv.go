package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dvloznov/finance-reconciler/internal/domain"
)

// ReadCSV reads one uploaded file. Keyed record types become header-keyed rows
// (map[string]any); debts are positional and become tuples ([]any) with no
// header interpretation.
func ReadCSV(r io.Reader, rt domain.RecordType) ([]any, error) {
	if _, err := adapterFor(rt); err != nil {
		return nil, err
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return nil, domain.InvalidPayload(string(rt), "is not valid CSV: %v", parseErr)
		}
		return nil, fmt.Errorf("ReadCSV: reading records: %w", err)
	}
	if len(records) == 0 {
		return []any{}, nil
	}
	records[0][0] = strings.TrimPrefix(records[0][0], "\ufeff")

	if rt == domain.RecordDebt {
		rows := make([]any, 0, len(records))
		for _, rec := range records {
			tuple := make([]any, len(rec))
			for i, cell := range rec {
				tuple[i] = cell
			}
			rows = append(rows, tuple)
		}
		return rows, nil
	}

	headers := DedupHeaders(records[0])
	rows := make([]any, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]any, len(headers))
		for i, h := range headers {
			if i < len(rec) {
				row[h] = rec[i]
			} else {
				row[h] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// DedupHeaders renames repeated headers so no column is dropped: the first
// occurrence keeps its name, later ones get "_2", "_3"... in column order.
// Blank headers become "Column_<n>".
func DedupHeaders(headers []string) []string {
	seen := make(map[string]int, len(headers))
	taken := make(map[string]bool, len(headers))
	out := make([]string, len(headers))

	for i, h := range headers {
		name := strings.TrimSpace(h)
		if name == "" {
			name = "Column_" + strconv.Itoa(i+1)
		}

		seen[name]++
		candidate := name
		if seen[name] > 1 {
			candidate = name + "_" + strconv.Itoa(seen[name])
		}
		for taken[candidate] {
			seen[name]++
			candidate = name + "_" + strconv.Itoa(seen[name])
		}

		taken[candidate] = true
		out[i] = candidate
	}
	return out
}
