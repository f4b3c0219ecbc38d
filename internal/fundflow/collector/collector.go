package collector

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"fundflow/internal/fundflow/record"
	"fundflow/pkg/eastmoney"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Fetcher is the provider call the collector fans out. *eastmoney.RESTClient implements it.
type Fetcher interface {
	GetFlowFields(ctx context.Context, secid string, fields []string) (eastmoney.FlowFields, error)
}

// Config defines the fan-out parameters.
type Config struct {
	Workers int           // max concurrent requests
	Timeout time.Duration // per-request timeout, bounded by the run deadline
}

// Collector fetches the configured fields for a whole ticker universe.
type Collector struct {
	cfg     Config
	fetcher Fetcher
	fields  []eastmoney.FieldMeta
	codes   []string
	logger  *zap.Logger

	// Stats
	fetched atomic.Int64
	failed  atomic.Int64
}

// Stats holds cumulative fetch counters.
type Stats struct {
	Fetched int64
	Failed  int64
}

func New(cfg Config, fetcher Fetcher, fields []eastmoney.FieldMeta, logger *zap.Logger) *Collector {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		cfg:     cfg,
		fetcher: fetcher,
		fields:  fields,
		codes:   eastmoney.Codes(fields),
		logger:  logger,
	}
}

// Labels returns the value labels every record carries, in field order.
func (c *Collector) Labels() []string {
	return eastmoney.Labels(c.fields)
}

// Stats returns the counters accumulated since the collector was created.
func (c *Collector) Stats() Stats {
	return Stats{Fetched: c.fetched.Load(), Failed: c.failed.Load()}
}

// FetchOne fetches one ticker and turns the payload into a FlowRecord.
// Every error is returned inside the result, never as a panic or an empty record.
func (c *Collector) FetchOne(ctx context.Context, ticker record.TickerID, fetchTime, dataTime time.Time) record.FetchResult {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	values, err := c.fetcher.GetFlowFields(ctx, ticker.String(), c.codes)
	if err != nil {
		return record.FetchResult{Ticker: ticker, Err: fmt.Errorf("fetch %s: %w", ticker, err)}
	}

	rec := &record.FlowRecord{
		Code:      ticker.Code,
		FetchTime: fetchTime,
		DataTime:  dataTime,
		Values:    make(map[string]float64, len(c.fields)),
	}
	for _, f := range c.fields {
		if v, ok := values[string(f.Code)]; ok {
			rec.Values[f.Label] = v
		}
	}

	return record.FetchResult{Ticker: ticker, Record: rec}
}

// Collect fetches every ticker with at most Workers requests in flight.
// The table holds one result per ticker in input order, failures included.
// Cancelling ctx fails the remaining tickers quickly; it does not drop them.
func (c *Collector) Collect(ctx context.Context, tickers []record.TickerID, fetchTime, dataTime time.Time) (*record.FlowTable, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("collect cancelled before start: %w", err)
	}

	table := &record.FlowTable{
		FetchTime: fetchTime,
		DataTime:  dataTime,
		Results:   make([]record.FetchResult, len(tickers)),
	}
	if len(tickers) == 0 {
		return table, nil
	}

	start := time.Now()
	var cycleFailed atomic.Int64

	var g errgroup.Group
	g.SetLimit(c.cfg.Workers)

	for i, ticker := range tickers {
		i, ticker := i, ticker
		g.Go(func() error {
			res := c.FetchOne(ctx, ticker, fetchTime, dataTime)
			table.Results[i] = res

			if !res.OK() {
				cycleFailed.Add(1)
				c.failed.Add(1)
				c.logger.Warn("failed to fetch fund flow", zap.String("ticker", ticker.String()), zap.Error(res.Err))
				return nil
			}
			c.fetched.Add(1)
			return nil
		})
	}
	_ = g.Wait() // tasks never return errors

	failed := int(cycleFailed.Load())
	c.logger.Info("collect cycle complete",
		zap.Int("tickers", len(tickers)),
		zap.Int("fetched", len(tickers)-failed),
		zap.Int("failed", failed),
		zap.Time("data_time", dataTime),
		zap.Duration("duration", time.Since(start)),
	)

	return table, nil
}
