package eastmoney

import (
	"strconv"
	"strings"
	"time"
)

// FlowKlineLayout is the timestamp format of a flow kline row.
const FlowKlineLayout = "2006-01-02 15:04"

// FlowKline is one minute of intraday fund flow (net amounts, cumulative since the open).
type FlowKline struct {
	Time          time.Time
	MainNet       float64
	SmallNet      float64
	MediumNet     float64
	LargeNet      float64
	SuperLargeNet float64
}

// ParseFlowKlineList converts the klines strings of fflow/kline/get to []FlowKline.
// It safely skips invalid rows. Timestamps are read in loc.
func ParseFlowKlineList(raw []string, loc *time.Location) []FlowKline {
	if loc == nil {
		loc = time.Local
	}

	var out []FlowKline
	for _, line := range raw {
		row := strings.Split(line, ",")
		if len(row) < 6 {
			continue // skip incomplete row
		}

		ts, err := time.ParseInLocation(FlowKlineLayout, strings.TrimSpace(row[0]), loc)
		if err != nil {
			continue
		}

		var vals [5]float64
		valid := true
		for i := range vals {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[i+1]), 64)
			if err != nil {
				valid = false
				break
			}
			vals[i] = v
		}
		if !valid {
			continue
		}

		out = append(out, FlowKline{
			Time:          ts,
			MainNet:       vals[0],
			SmallNet:      vals[1],
			MediumNet:     vals[2],
			LargeNet:      vals[3],
			SuperLargeNet: vals[4],
		})
	}
	return out
}
