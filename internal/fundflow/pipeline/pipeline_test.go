package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fundflow/config"
	"fundflow/internal/fundflow/collector"
	"fundflow/internal/fundflow/record"
	"fundflow/internal/fundflow/snapshot"
	"fundflow/internal/fundflow/summary"
	"fundflow/pkg/eastmoney"
	"fundflow/pkg/storage/postgres"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var (
	fixedNow = time.Date(2024, 6, 5, 9, 6, 3, 0, time.Local)
	bucket   = time.Date(2024, 6, 5, 9, 5, 0, 0, time.Local)
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Eastmoney.Fields = []string{"f62", "f184"}
	cfg.Eastmoney.PrimaryField = "f62"
	cfg.Schedule.Bucket = config.DefaultBucket
	cfg.DataTime.Source = config.DataTimeClock
	cfg.DataTime.Reference = config.DefaultKlineSecID
	cfg.Storage.CSVDir = t.TempDir()
	cfg.Storage.SummaryFile = config.DefaultSummaryFile
	cfg.Storage.RealtimeFile = config.DefaultRealtimeFile
	cfg.Storage.SnapshotFile = config.DefaultSnapshotFile
	cfg.Storage.WriteRaw = true
	cfg.Storage.WriteSnapshot = true
	return cfg
}

type mapFetcher map[string]eastmoney.FlowFields

func (m mapFetcher) GetFlowFields(ctx context.Context, secid string, fields []string) (eastmoney.FlowFields, error) {
	v, ok := m[secid]
	if !ok {
		return nil, fmt.Errorf("%w: no diff for %s", eastmoney.ErrSchema, secid)
	}
	return v, nil
}

type fakeKlines struct {
	klines []eastmoney.FlowKline
	err    error
	calls  int
}

func (f *fakeKlines) GetFlowKlines(ctx context.Context, secid string, loc *time.Location) ([]eastmoney.FlowKline, error) {
	f.calls++
	return f.klines, f.err
}

type recordingSink struct {
	mu   sync.Mutex
	runs []*Run
	err  error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return s.err
}

func universe(t *testing.T, raw ...string) []record.TickerID {
	t.Helper()
	out := make([]record.TickerID, 0, len(raw))
	for _, r := range raw {
		id, err := record.NewTickerID(r)
		require.NoError(t, err)
		out = append(out, id)
	}
	return out
}

func newPipeline(t *testing.T, cfg *config.Config, fetcher collector.Fetcher, klines KlineSource, logger *zap.Logger, sinks ...Sink) *Pipeline {
	t.Helper()
	fields, err := eastmoney.ParseFields(cfg.Eastmoney.Fields)
	require.NoError(t, err)
	coll := collector.New(collector.Config{Workers: 4}, fetcher, fields, logger)
	p, err := New(cfg, universe(t, "600001", "000001"), coll, klines, logger, sinks...)
	require.NoError(t, err)
	p.now = func() time.Time { return fixedNow }
	return p
}

func jsonp(body string) string {
	return "jQuery112303110525374636799_1717587517921(" + body + ");"
}

// go test -v --run TestRunFiveMinuteEndToEnd
func TestRunFiveMinuteEndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("secids") {
		case "1.600001":
			fmt.Fprint(w, jsonp(`{"rc":0,"data":{"total":1,"diff":[{"f62":100.0,"f184":2.5}]}}`))
		case "0.000001":
			fmt.Fprint(w, jsonp(`{"rc":0,"data":{"total":1,"diff":[{"f62":-50.0,"f184":"-"}]}}`))
		default:
			http.Error(w, "unknown secid", http.StatusBadRequest)
		}
	}))
	defer server.Close()

	cfg := testConfig(t)
	client := eastmoney.NewRESTClient(server.URL, time.Second)
	sink := &recordingSink{}
	p := newPipeline(t, cfg, client, nil, zap.NewNop(), sink)

	require.NoError(t, p.RunFiveMinute(context.Background()))

	rows, err := summary.ReadFile(cfg.Storage.Path(cfg.Storage.SummaryFile), time.Local)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Sum.Equal(decimal.NewFromInt(50)), "sum = %s", rows[0].Sum)
	assert.True(t, rows[0].DataTime.Equal(bucket), "data_time = %s", rows[0].DataTime)
	assert.Equal(t, 2, rows[0].Succeeded)
	assert.Equal(t, 0, rows[0].Failed)

	raw, err := os.ReadFile(cfg.Storage.Path("0905.csv"))
	require.NoError(t, err)
	assert.Equal(t,
		"code,fetch_time,data_time,main_net_inflow,main_net_ratio\n"+
			"600001,2024-06-05 09:06:03,2024-06-05 09:05:00,100,2.5\n"+
			"000001,2024-06-05 09:06:03,2024-06-05 09:05:00,-50,\n",
		string(raw))

	snap, err := snapshot.Read(cfg.Storage.Path(cfg.Storage.SnapshotFile))
	require.NoError(t, err)
	cell, ok := snap.Cell("000001", snapshot.ColumnName("main_net_inflow", "0905"))
	assert.True(t, ok)
	assert.Equal(t, "-50", cell)
	cell, _ = snap.Cell("600001", snapshot.ColumnName("main_net_inflow", "0905"))
	assert.Equal(t, "100", cell)

	require.Len(t, sink.runs, 1)
	run := sink.runs[0]
	assert.Equal(t, JobFiveMinute, run.Job)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "main_net_inflow", run.Field)
	assert.Len(t, run.Files, 3)
}

// go test -v --run TestRunFiveMinuteCountsFailures
func TestRunFiveMinuteCountsFailures(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.WriteSnapshot = false
	fetcher := mapFetcher{"1.600001": {"f62": 100, "f184": 1}}
	p := newPipeline(t, cfg, fetcher, nil, zap.NewNop())

	require.NoError(t, p.RunFiveMinute(context.Background()))
	require.NoError(t, p.RunFiveMinute(context.Background()))

	rows, err := summary.ReadFile(cfg.Storage.Path(cfg.Storage.SummaryFile), time.Local)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.True(t, row.Sum.Equal(decimal.NewFromInt(100)))
		assert.Equal(t, 1, row.Succeeded)
		assert.Equal(t, 1, row.Failed)
	}

	_, err = os.Stat(cfg.Storage.Path(cfg.Storage.SnapshotFile))
	assert.True(t, errors.Is(err, os.ErrNotExist), "snapshot written while disabled")
}

// go test -v --run TestRunFiveMinuteWriteErrorsJoined
func TestRunFiveMinuteWriteErrorsJoined(t *testing.T) {
	cfg := testConfig(t)
	// a directory where the summary file should be makes the append fail
	require.NoError(t, os.Mkdir(cfg.Storage.Path(cfg.Storage.SummaryFile), 0755))
	sink := &recordingSink{}
	p := newPipeline(t, cfg, mapFetcher{"1.600001": {"f62": 1, "f184": 1}}, nil, zap.NewNop(), sink)

	err := p.RunFiveMinute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append summary")

	_, statErr := os.Stat(cfg.Storage.Path("0905.csv"))
	assert.NoError(t, statErr, "raw table should still be written")
	require.Len(t, sink.runs, 1)
	assert.Len(t, sink.runs[0].Files, 2)
}

// go test -v --run TestRunFiveMinuteCancelled
func TestRunFiveMinuteCancelled(t *testing.T) {
	cfg := testConfig(t)
	sink := &recordingSink{}
	p := newPipeline(t, cfg, mapFetcher{}, nil, zap.NewNop(), sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.RunFiveMinute(ctx), context.Canceled)
	assert.Empty(t, sink.runs)
	_, err := os.Stat(cfg.Storage.Path(cfg.Storage.SummaryFile))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

// go test -v --run TestRunOneMinuteWithoutSummary
func TestRunOneMinuteWithoutSummary(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg := testConfig(t)
	sink := &recordingSink{}
	p := newPipeline(t, cfg, mapFetcher{"1.600001": {"f62": 10, "f184": 1}, "0.000001": {"f62": 5, "f184": 2}}, nil, zap.New(core), sink)

	require.NoError(t, p.RunOneMinute(context.Background()))

	raw, err := os.ReadFile(cfg.Storage.Path(cfg.Storage.RealtimeFile))
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(raw), "\n"))
	assert.Equal(t, 1, logs.FilterMessage("summary file not found, skipping merge").Len())

	_, err = os.Stat(cfg.Storage.Path(cfg.Storage.SummaryFile))
	assert.True(t, errors.Is(err, os.ErrNotExist), "one-minute run must not create the summary")
	require.Len(t, sink.runs, 1)
	assert.Equal(t, JobOneMinute, sink.runs[0].Job)
}

// go test -v --run TestRunOneMinuteMergesSummary
func TestRunOneMinuteMergesSummary(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cfg := testConfig(t)
	fetcher := mapFetcher{"1.600001": {"f62": 100, "f184": 1}, "0.000001": {"f62": -50, "f184": 1}}
	p := newPipeline(t, cfg, fetcher, nil, zap.New(core))

	require.NoError(t, p.RunFiveMinute(context.Background()))
	require.NoError(t, p.RunOneMinute(context.Background()))

	// one five-minute row plus two realtime records share the 09:05 bucket
	combined := logs.FilterMessage("combined summary").All()
	require.Len(t, combined, 1)
	fields := combined[0].ContextMap()
	assert.Equal(t, "100", fields["sum"])
	assert.EqualValues(t, 4, fields["count"])
}

// go test -v --run TestResolveDataTime
func TestResolveDataTime(t *testing.T) {
	cfg := testConfig(t)
	p := newPipeline(t, cfg, mapFetcher{}, nil, zap.NewNop())
	assert.True(t, p.ResolveDataTime(context.Background(), fixedNow).Equal(bucket))

	cfg = testConfig(t)
	cfg.DataTime.Source = config.DataTimeKline
	klines := &fakeKlines{klines: []eastmoney.FlowKline{
		{Time: time.Date(2024, 6, 5, 9, 31, 0, 0, time.Local)},
		{Time: time.Date(2024, 6, 5, 9, 43, 0, 0, time.Local)},
	}}
	p = newPipeline(t, cfg, mapFetcher{}, klines, zap.NewNop())
	got := p.ResolveDataTime(context.Background(), fixedNow)
	assert.True(t, got.Equal(time.Date(2024, 6, 5, 9, 40, 0, 0, time.Local)), "kline data time = %s", got)
	assert.Equal(t, 1, klines.calls)
}

// go test -v --run TestResolveDataTimeFallback
func TestResolveDataTimeFallback(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg := testConfig(t)
	cfg.DataTime.Source = config.DataTimeKline
	klines := &fakeKlines{err: fmt.Errorf("%w: no flow klines", eastmoney.ErrSchema)}
	p := newPipeline(t, cfg, mapFetcher{}, klines, zap.New(core))

	got := p.ResolveDataTime(context.Background(), fixedNow)
	assert.True(t, got.Equal(bucket), "fallback data time = %s", got)
	assert.Equal(t, 1, logs.FilterMessage("kline data time unavailable, using clock").Len())
}

// go test -v --run TestNewRejectsBadConfig
func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	fields, err := eastmoney.ParseFields(cfg.Eastmoney.Fields)
	require.NoError(t, err)
	coll := collector.New(collector.Config{Workers: 1}, mapFetcher{}, fields, zap.NewNop())

	cfg.Eastmoney.PrimaryField = "f999"
	_, err = New(cfg, nil, coll, nil, zap.NewNop())
	assert.Error(t, err)

	cfg.Eastmoney.PrimaryField = "f62"
	cfg.DataTime.Source = config.DataTimeKline
	_, err = New(cfg, nil, coll, nil, zap.NewNop())
	assert.Error(t, err)
}

// go test -v --run TestSinkFailureDoesNotFailRun
func TestSinkFailureDoesNotFailRun(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg := testConfig(t)
	failing := &recordingSink{err: errors.New("unreachable")}
	after := &recordingSink{}
	p := newPipeline(t, cfg, mapFetcher{"1.600001": {"f62": 1, "f184": 1}}, nil, zap.New(core), failing, after)

	require.NoError(t, p.RunFiveMinute(context.Background()))
	assert.Len(t, after.runs, 1)
	assert.Equal(t, 1, logs.FilterMessage("sink failed").Len())
}

type fakeStore struct {
	records   []*postgres.FlowRecordRow
	summaries []*postgres.FlowSummaryRow
}

func (f *fakeStore) InsertFlowRecords(ctx context.Context, rows []*postgres.FlowRecordRow) (int64, error) {
	f.records = append(f.records, rows...)
	return int64(len(rows)), nil
}

func (f *fakeStore) InsertSummary(ctx context.Context, row *postgres.FlowSummaryRow) error {
	f.summaries = append(f.summaries, row)
	return nil
}

// go test -v --run TestPostgresSink
func TestPostgresSink(t *testing.T) {
	cfg := testConfig(t)
	store := &fakeStore{}
	fetcher := mapFetcher{"1.600001": {"f62": 100, "f184": 1}, "0.000001": {"f62": -50, "f184": 1}}
	p := newPipeline(t, cfg, fetcher, nil, zap.NewNop(), NewPostgresSink(store, zap.NewNop()))

	require.NoError(t, p.RunFiveMinute(context.Background()))
	require.NoError(t, p.RunOneMinute(context.Background()))

	require.Len(t, store.records, 4)
	assert.Equal(t, JobFiveMinute, store.records[0].Job)
	assert.Equal(t, JobOneMinute, store.records[3].Job)
	require.Len(t, store.summaries, 1, "only five-minute runs store a summary")
	assert.True(t, store.summaries[0].Sum.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, "main_net_inflow", store.summaries[0].Field)
	assert.Equal(t, store.records[0].RunID, store.summaries[0].RunID)
}

type fakeUploader struct {
	keys []string
	fail string
}

func (f *fakeUploader) UploadFile(ctx context.Context, localPath string, dataTime time.Time, runID string) (string, error) {
	if filepath.Base(localPath) == f.fail {
		return "", errors.New("upload failed")
	}
	key := dataTime.Format("2006-01-02") + "/" + filepath.Base(localPath)
	f.keys = append(f.keys, key)
	return key, nil
}

// go test -v --run TestArchiveSink
func TestArchiveSink(t *testing.T) {
	uploader := &fakeUploader{fail: "summary.csv"}
	sink := NewArchiveSink(uploader, zap.NewNop())
	run := &Run{
		ID:    "run-1",
		Job:   JobFiveMinute,
		Table: &record.FlowTable{DataTime: bucket},
		Files: []string{"/data/0905.csv", "/data/summary.csv", "/data/snapshot.csv"},
	}

	err := sink.Publish(context.Background(), run)
	require.Error(t, err)
	assert.Equal(t, []string{"2024-06-05/0905.csv", "2024-06-05/snapshot.csv"}, uploader.keys)
}
