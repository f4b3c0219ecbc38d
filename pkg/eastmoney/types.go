package eastmoney

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Response represents the envelope shared by push2 endpoints once the JSONP wrapper is removed.
type Response struct {
	RC   int             `json:"rc"`   // 0 means success
	RT   int             `json:"rt"`   // response type
	Svr  int64           `json:"svr"`  // serving node id
	Lt   int             `json:"lt"`   // unused
	Full int             `json:"full"` // 1 for a full (non-delta) payload
	Data json.RawMessage `json:"data"` // Delay decoding // null for unknown secids
}

// ListResult is the data element of ulist.np/get.
type ListResult struct {
	Total int             `json:"total"`
	Diff  json.RawMessage `json:"diff"` // array, or an object keyed by position on some nodes
}

// FlowKlineResult is the data element of fflow/kline/get.
type FlowKlineResult struct {
	Code   string   `json:"code"`
	Market int      `json:"market"`
	Name   string   `json:"name"`
	Klines []string `json:"klines"` // "2024-06-05 09:31,main,small,medium,large,super_large,..."
}

// FlowFields maps requested field codes to values. A field the provider
// reported as "-" is absent.
type FlowFields map[string]float64

// firstDiff returns the first element of a diff array or object.
func firstDiff(raw json.RawMessage) (map[string]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: missing data.diff", ErrSchema)
	}

	if raw[0] == '[' {
		var list []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("%w: decode diff: %v", ErrParse, err)
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("%w: empty data.diff", ErrSchema)
		}
		return list[0], nil
	}

	var byPos map[string]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byPos); err != nil {
		return nil, fmt.Errorf("%w: decode diff: %v", ErrParse, err)
	}
	if len(byPos) == 0 {
		return nil, fmt.Errorf("%w: empty data.diff", ErrSchema)
	}
	if first, ok := byPos["0"]; ok {
		return first, nil
	}
	keys := make([]string, 0, len(byPos))
	for k := range byPos {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return byPos[keys[0]], nil
}

// parseValue decodes a field value. Numbers and numeric strings are values;
// "-", "" and null mean the provider has no value.
func parseValue(raw json.RawMessage) (float64, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false, err
		}
		s = strings.TrimSpace(s)
		if s == "" || s == "-" {
			return 0, false, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, err
		}
		return v, true, nil
	}

	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false, err
	}
	return v, true, nil
}
