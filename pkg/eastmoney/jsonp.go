package eastmoney

import (
	"bytes"
	"fmt"
)

// UnwrapJSONP returns the payload between the first '(' and the last ')'.
// Parentheses inside the payload, including inside string values, are kept.
func UnwrapJSONP(body []byte) ([]byte, error) {
	start := bytes.IndexByte(body, '(')
	end := bytes.LastIndexByte(body, ')')
	if start < 0 || end < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSONP envelope in %q", ErrParse, truncate(body, 80))
	}
	return bytes.TrimSpace(body[start+1 : end]), nil
}
