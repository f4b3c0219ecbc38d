package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fundflow/pkg/storage/postgres"

	"go.uber.org/zap"
)

// FlowStore is the part of the postgres client the database sink writes through.
type FlowStore interface {
	InsertFlowRecords(ctx context.Context, rows []*postgres.FlowRecordRow) (int64, error)
	InsertSummary(ctx context.Context, row *postgres.FlowSummaryRow) error
}

// PostgresSink stores every record of a run and, for five-minute runs, its summary row.
type PostgresSink struct {
	store  FlowStore
	logger *zap.Logger
}

func NewPostgresSink(store FlowStore, logger *zap.Logger) *PostgresSink {
	return &PostgresSink{store: store, logger: logger}
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Publish(ctx context.Context, run *Run) error {
	records := run.Table.Records()
	rows := make([]*postgres.FlowRecordRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, postgres.ToFlowRecordRow(run.Job, run.ID, rec))
	}

	inserted, err := s.store.InsertFlowRecords(ctx, rows)
	if err != nil {
		return err
	}
	s.logger.Debug("flow records stored",
		zap.String("run_id", run.ID),
		zap.Int64("inserted", inserted),
		zap.Int("skipped", len(rows)-int(inserted)),
	)

	if run.Job != JobFiveMinute {
		return nil
	}
	if err := s.store.InsertSummary(ctx, postgres.ToFlowSummaryRow(run.Job, run.ID, run.Field, run.Summary)); err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return nil
}

// FileUploader puts a local file into the archive and returns its object key.
type FileUploader interface {
	UploadFile(ctx context.Context, localPath string, dataTime time.Time, runID string) (string, error)
}

// ArchiveSink uploads the CSV files written by a run.
type ArchiveSink struct {
	uploader FileUploader
	logger   *zap.Logger
}

func NewArchiveSink(uploader FileUploader, logger *zap.Logger) *ArchiveSink {
	return &ArchiveSink{uploader: uploader, logger: logger}
}

func (s *ArchiveSink) Name() string { return "s3" }

// Publish uploads every file of the run, continuing past failed uploads.
func (s *ArchiveSink) Publish(ctx context.Context, run *Run) error {
	var errs []error
	for _, file := range run.Files {
		key, err := s.uploader.UploadFile(ctx, file, run.Table.DataTime, run.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("file archived", zap.String("run_id", run.ID), zap.String("key", key))
	}
	return errors.Join(errs...)
}
