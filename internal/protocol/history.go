package protocol

import (
	"bytes"
	"errors"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
)

// Sample is one point of a history series.
type Sample struct {
	TimestampMs int64   `json:"t"`
	Value       float64 `json:"v"`
}

// headerRow is the key of the row listing the series names.
const headerRow = "0"

// DecodeHistory extracts one series from a history response.
//
// The backend sends a mapping timestamp (unix seconds) -> row, where a row
// is either a list or a mapping series index -> value. Row "0" lists the
// series names; column selects the series by name and falls back to the
// first series. Null cells are skipped. The result is ascending by time
// and has one sample per timestamp.
func DecodeHistory(data []byte, column string) ([]Sample, error) {
	var rows map[string]json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, &DecodeError{What: "history", Err: err}
	}

	idx := 0
	if header, ok := rows[headerRow]; ok {
		var names []string
		if err := json.Unmarshal(header, &names); err == nil {
			for i, name := range names {
				if name == column {
					idx = i
					break
				}
			}
		}
		delete(rows, headerRow)
	}

	samples := make([]Sample, 0, len(rows))
	for key, raw := range rows {
		ts, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, &DecodeError{What: "history timestamp", Err: err}
		}
		v, ok, err := cell(raw, idx)
		if err != nil {
			return nil, &DecodeError{What: "history row " + key, Err: err}
		}
		if !ok {
			continue
		}
		samples = append(samples, Sample{TimestampMs: ts * 1000, Value: v})
	}

	return NormalizeSamples(samples), nil
}

// cell returns column idx of a row, ok=false for null or missing cells.
func cell(raw json.RawMessage, idx int) (float64, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false, nil
	}

	var v Value
	switch raw[0] {
	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return 0, false, err
		}
		if idx >= len(list) {
			return 0, false, nil
		}
		if err := v.UnmarshalJSON(list[idx]); err != nil {
			return 0, false, err
		}
	case '{':
		var m map[string]json.RawMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return 0, false, err
		}
		c, ok := m[strconv.Itoa(idx)]
		if !ok {
			return 0, false, nil
		}
		if err := v.UnmarshalJSON(c); err != nil {
			return 0, false, err
		}
	default:
		return 0, false, errors.New("row is neither list nor object")
	}

	if !v.Valid() {
		return 0, false, nil
	}
	return v.Float(), true, nil
}

// NormalizeSamples sorts samples by time and keeps the last sample seen for
// each timestamp.
func NormalizeSamples(samples []Sample) []Sample {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].TimestampMs < samples[j].TimestampMs
	})

	out := samples[:0]
	for _, s := range samples {
		if n := len(out); n > 0 && out[n-1].TimestampMs == s.TimestampMs {
			out[n-1] = s
			continue
		}
		out = append(out, s)
	}
	return out
}
