package record

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TimeLayout is the timestamp format written to every CSV file.
const TimeLayout = "2006-01-02 15:04:05"

// Venue prefixes used by the provider's secid format.
const (
	VenueShanghai = "1"
	VenueShenzhen = "0"
)

// TickerID is a venue-prefixed security identifier, e.g. "1.600001".
type TickerID struct {
	Venue string
	Code  string // zero-padded 6-digit code
}

// NewTickerID zero-pads raw to six digits and picks the venue:
// Shanghai when the padded code starts with 6, Shenzhen otherwise.
func NewTickerID(raw string) (TickerID, error) {
	code := strings.TrimSpace(raw)
	if code == "" {
		return TickerID{}, fmt.Errorf("empty code")
	}
	if len(code) > 6 {
		return TickerID{}, fmt.Errorf("code %q longer than 6 digits", raw)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return TickerID{}, fmt.Errorf("code %q is not numeric", raw)
		}
	}

	code = strings.Repeat("0", 6-len(code)) + code

	venue := VenueShenzhen
	if code[0] == '6' {
		venue = VenueShanghai
	}
	return TickerID{Venue: venue, Code: code}, nil
}

// ParseTickerID parses the "<venue>.<code>" form.
func ParseTickerID(s string) (TickerID, error) {
	venue, code, ok := strings.Cut(s, ".")
	if !ok || venue == "" || len(code) != 6 {
		return TickerID{}, fmt.Errorf("invalid secid %q", s)
	}
	return TickerID{Venue: venue, Code: code}, nil
}

func (t TickerID) String() string {
	return t.Venue + "." + t.Code
}

// FlowRecord is one ticker's fund-flow fields for one run.
type FlowRecord struct {
	Code      string             `json:"code"` // bare code, no venue prefix
	FetchTime time.Time          `json:"fetch_time"`
	DataTime  time.Time          `json:"data_time"`
	Values    map[string]float64 `json:"values"` // keyed by label; absent when the provider reported none
}

// Value returns the labelled value and whether it was reported.
func (r *FlowRecord) Value(label string) (float64, bool) {
	if r == nil {
		return 0, false
	}
	v, ok := r.Values[label]
	return v, ok
}

// FetchResult is the outcome of fetching one ticker: exactly one of Record or Err is set.
type FetchResult struct {
	Ticker TickerID
	Record *FlowRecord
	Err    error
}

func (r FetchResult) OK() bool {
	return r.Err == nil && r.Record != nil
}

// FlowTable holds every fetch result of one run in universe order.
type FlowTable struct {
	FetchTime time.Time
	DataTime  time.Time
	Results   []FetchResult
}

// Len is the universe size of the run, failures included.
func (t *FlowTable) Len() int {
	return len(t.Results)
}

// Records returns the successful records in universe order.
func (t *FlowTable) Records() []*FlowRecord {
	out := make([]*FlowRecord, 0, len(t.Results))
	for _, r := range t.Results {
		if r.OK() {
			out = append(out, r.Record)
		}
	}
	return out
}

// Failed returns the failed fetches in universe order.
func (t *FlowTable) Failed() []FetchResult {
	var out []FetchResult
	for _, r := range t.Results {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}

// SummaryRow is the one aggregate line appended per run.
type SummaryRow struct {
	FetchTime time.Time
	DataTime  time.Time
	Sum       decimal.Decimal
	Succeeded int
	Failed    int
}

// Bucket floors t to the start of its d-long bucket within the hour, in t's location.
// d must divide one hour.
func Bucket(t time.Time, d time.Duration) time.Time {
	minutes := int(d / time.Minute)
	if minutes <= 0 {
		minutes = 1
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), (t.Minute()/minutes)*minutes, 0, 0, t.Location())
}

// Suffix renders the HHMM column and file suffix of a data time, e.g. "0905".
func Suffix(t time.Time) string {
	return t.Format("1504")
}
