package postgres

import (
	"context"
	"fmt"
	"time"

	"fundflow/internal/fundflow/record"

	"gorm.io/datatypes"
	"gorm.io/gorm/clause"
)

const insertBatchSize = 500

// InsertFlowRecords stores rows in batches, skipping rows already stored for the same job, code and fetch time.
// It returns the number of rows inserted.
func (p *PostgresClient) InsertFlowRecords(ctx context.Context, rows []*FlowRecordRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx := p.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "job"},
			{Name: "code"},
			{Name: "fetch_time"},
		},
		DoNothing: true,
	}).CreateInBatches(rows, insertBatchSize)

	if tx.Error != nil {
		return 0, fmt.Errorf("insert flow records: %w", tx.Error)
	}
	return tx.RowsAffected, nil
}

func (p *PostgresClient) InsertSummary(ctx context.Context, row *FlowSummaryRow) error {
	tx := p.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "job"},
			{Name: "fetch_time"},
		},
		DoNothing: true,
	}).Create(row)

	if tx.Error != nil {
		return tx.Error
	}

	if tx.RowsAffected == 0 {
		return fmt.Errorf(
			"duplicate summary skipped: job=%s fetch_time=%s",
			row.Job,
			row.FetchTime.Format(time.RFC3339),
		)
	}

	return nil
}

// GetSummaries returns the summary rows of job with data time in [from, to), oldest first.
func (p *PostgresClient) GetSummaries(ctx context.Context, job string, from, to time.Time) ([]FlowSummaryRow, error) {
	var rows []FlowSummaryRow
	err := p.DB.WithContext(ctx).
		Where("job = ? AND data_time >= ? AND data_time < ?", job, from, to).
		Order("data_time, fetch_time").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetFlowRecords returns the stored records of one code for a data time.
func (p *PostgresClient) GetFlowRecords(ctx context.Context, code string, dataTime time.Time) ([]FlowRecordRow, error) {
	var rows []FlowRecordRow
	err := p.DB.WithContext(ctx).
		Where("code = ? AND data_time = ?", code, dataTime).
		Order("fetch_time").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// DeleteOldRecords removes records and summaries with data time before the cutoff.
func (p *PostgresClient) DeleteOldRecords(ctx context.Context, before time.Time) error {
	if err := p.DB.WithContext(ctx).
		Where("data_time < ?", before).
		Delete(&FlowRecordRow{}).Error; err != nil {
		return err
	}
	return p.DB.WithContext(ctx).
		Where("data_time < ?", before).
		Delete(&FlowSummaryRow{}).Error
}

// ToFlowRecordRow converts a FlowRecord of run runID into a row for DB insertion.
func ToFlowRecordRow(job, runID string, rec *record.FlowRecord) *FlowRecordRow {
	values := make(datatypes.JSONMap, len(rec.Values))
	for k, v := range rec.Values {
		values[k] = v
	}

	return &FlowRecordRow{
		Job:       job,
		Code:      rec.Code,
		FetchTime: rec.FetchTime,
		DataTime:  rec.DataTime,
		Values:    values,
		RunID:     runID,
	}
}

// ToFlowSummaryRow converts a SummaryRow of run runID into a row for DB insertion.
func ToFlowSummaryRow(job, runID, field string, row record.SummaryRow) *FlowSummaryRow {
	return &FlowSummaryRow{
		Job:       job,
		FetchTime: row.FetchTime,
		DataTime:  row.DataTime,
		Field:     field,
		Sum:       row.Sum,
		Succeeded: row.Succeeded,
		Failed:    row.Failed,
		RunID:     runID,
	}
}
