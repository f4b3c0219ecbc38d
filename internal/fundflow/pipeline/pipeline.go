package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"fundflow/config"
	"fundflow/internal/fundflow/collector"
	"fundflow/internal/fundflow/record"
	"fundflow/internal/fundflow/snapshot"
	"fundflow/internal/fundflow/summary"
	"fundflow/pkg/eastmoney"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Job names, used in logs, sinks and scheduler entries.
const (
	JobFiveMinute = "five_minute"
	JobOneMinute  = "one_minute"
)

// Run is the outcome of one pipeline run handed to every sink.
type Run struct {
	ID      string
	Job     string
	Table   *record.FlowTable
	Summary record.SummaryRow
	Field   string   // label summed into Summary
	Files   []string // CSV files written by the run
}

// Sink receives every completed run after its CSV files are written.
type Sink interface {
	Name() string
	Publish(ctx context.Context, run *Run) error
}

// KlineSource provides intraday flow klines for data-time resolution.
type KlineSource interface {
	GetFlowKlines(ctx context.Context, secid string, loc *time.Location) ([]eastmoney.FlowKline, error)
}

// Pipeline runs fetch, aggregate and persist for the configured universe.
type Pipeline struct {
	cfg       *config.Config
	loc       *time.Location
	tickers   []record.TickerID
	collector *collector.Collector
	klines    KlineSource
	sinks     []Sink
	logger    *zap.Logger

	primary string // label of the summed field
	labels  []string

	now func() time.Time
}

func New(cfg *config.Config, tickers []record.TickerID, coll *collector.Collector, klines KlineSource, logger *zap.Logger, sinks ...Sink) (*Pipeline, error) {
	primary, err := eastmoney.ParseField(cfg.Eastmoney.PrimaryField)
	if err != nil {
		return nil, fmt.Errorf("primary field: %w", err)
	}
	if cfg.DataTime.Source == config.DataTimeKline && klines == nil {
		return nil, errors.New("kline data time requires a kline source")
	}

	return &Pipeline{
		cfg:       cfg,
		loc:       cfg.Location(),
		tickers:   tickers,
		collector: coll,
		klines:    klines,
		sinks:     sinks,
		logger:    logger,
		primary:   primary.Label,
		labels:    coll.Labels(),
		now:       time.Now,
	}, nil
}

// RunFiveMinute fetches the universe, writes the raw HHMM.csv table, appends the
// summary row and merges the run into the wide snapshot. Every step runs even
// if an earlier write failed; the errors are joined.
func (p *Pipeline) RunFiveMinute(ctx context.Context) error {
	run, err := p.collect(ctx, JobFiveMinute)
	if err != nil {
		return err
	}
	log := p.logger.With(zap.String("job", run.Job), zap.String("run_id", run.ID))

	var errs []error
	suffix := record.Suffix(run.Table.DataTime)
	storage := p.cfg.Storage

	if storage.WriteRaw {
		rawPath := storage.Path(suffix + ".csv")
		if err := snapshot.WriteRaw(rawPath, run.Table, p.labels); err != nil {
			errs = append(errs, fmt.Errorf("write raw table: %w", err))
		} else {
			run.Files = append(run.Files, rawPath)
			log.Info("raw table saved", zap.String("path", rawPath), zap.Int("rows", len(run.Table.Records())))
		}
	}

	summaryPath := storage.Path(storage.SummaryFile)
	if err := summary.AppendFile(summaryPath, run.Summary, p.primary); err != nil {
		errs = append(errs, fmt.Errorf("append summary: %w", err))
	} else {
		run.Files = append(run.Files, summaryPath)
		log.Info("summary appended", zap.String("path", summaryPath), zap.String("sum", run.Summary.Sum.String()))
	}

	if storage.WriteSnapshot {
		snapshotPath := storage.Path(storage.SnapshotFile)
		if err := snapshot.Merge(snapshotPath, run.Table, suffix, p.labels); err != nil {
			errs = append(errs, fmt.Errorf("merge snapshot: %w", err))
		} else {
			run.Files = append(run.Files, snapshotPath)
			log.Info("snapshot merged", zap.String("path", snapshotPath), zap.String("suffix", suffix))
		}
	}

	p.publish(ctx, run, log)
	return errors.Join(errs...)
}

// RunOneMinute fetches the universe, overwrites the realtime table and logs it
// merged with the five-minute summary by data time. A missing or unreadable
// summary only skips the merge.
func (p *Pipeline) RunOneMinute(ctx context.Context) error {
	run, err := p.collect(ctx, JobOneMinute)
	if err != nil {
		return err
	}
	log := p.logger.With(zap.String("job", run.Job), zap.String("run_id", run.ID))

	realtimePath := p.cfg.Storage.Path(p.cfg.Storage.RealtimeFile)
	if err := snapshot.WriteRaw(realtimePath, run.Table, p.labels); err != nil {
		p.publish(ctx, run, log)
		return fmt.Errorf("write realtime table: %w", err)
	}
	run.Files = append(run.Files, realtimePath)
	log.Info("realtime table saved", zap.String("path", realtimePath), zap.Int("rows", len(run.Table.Records())))

	summaryPath := p.cfg.Storage.Path(p.cfg.Storage.SummaryFile)
	previous, err := summary.ReadFile(summaryPath, p.loc)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Warn("summary file not found, skipping merge", zap.String("path", summaryPath))
	case err != nil:
		log.Warn("summary file unreadable, skipping merge", zap.String("path", summaryPath), zap.Error(err))
	default:
		for _, b := range summary.MergeSummarize(run.Table, previous, p.primary) {
			log.Info("combined summary",
				zap.Time("data_time", b.DataTime),
				zap.String("sum", b.Sum.String()),
				zap.Int("count", b.Count),
			)
		}
	}

	p.publish(ctx, run, log)
	return nil
}

// collect resolves the run's times, fans out over the universe and aggregates.
func (p *Pipeline) collect(ctx context.Context, job string) (*Run, error) {
	fetchTime := p.now().In(p.loc).Truncate(time.Second)
	dataTime := p.ResolveDataTime(ctx, fetchTime)

	table, err := p.collector.Collect(ctx, p.tickers, fetchTime, dataTime)
	if err != nil {
		return nil, err
	}

	run := &Run{
		ID:      uuid.NewString(),
		Job:     job,
		Table:   table,
		Summary: summary.Aggregate(table, p.primary),
		Field:   p.primary,
	}

	log := p.logger.With(zap.String("job", job), zap.String("run_id", run.ID))
	if missing := summary.Missing(table, p.primary); missing > 0 {
		log.Warn("records without primary field excluded from sum", zap.String("field", p.primary), zap.Int("count", missing))
	}
	if run.Summary.Failed > 0 {
		log.Warn("failed tickers excluded from sum", zap.Int("failed", run.Summary.Failed), zap.Int("tickers", table.Len()))
	}
	return run, nil
}

// ResolveDataTime returns the bucket the run's data belongs to. With the kline
// source it is the bucket of the reference ticker's last flow kline, falling
// back to the clock bucket when the klines cannot be fetched.
func (p *Pipeline) ResolveDataTime(ctx context.Context, now time.Time) time.Time {
	bucket := p.cfg.Schedule.Bucket
	clock := record.Bucket(now, bucket)
	if p.cfg.DataTime.Source != config.DataTimeKline {
		return clock
	}

	klines, err := p.klines.GetFlowKlines(ctx, p.cfg.DataTime.Reference, p.loc)
	if err != nil {
		p.logger.Warn("kline data time unavailable, using clock",
			zap.String("reference", p.cfg.DataTime.Reference),
			zap.Time("data_time", clock),
			zap.Error(err),
		)
		return clock
	}
	return record.Bucket(klines[len(klines)-1].Time, bucket)
}

func (p *Pipeline) publish(ctx context.Context, run *Run, log *zap.Logger) {
	for _, s := range p.sinks {
		if err := s.Publish(ctx, run); err != nil {
			log.Warn("sink failed", zap.String("sink", s.Name()), zap.Error(err))
		}
	}
}
