package postgres

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// FlowRecordRow is one ticker's fund-flow values for one run.
type FlowRecordRow struct {
	ID uint `gorm:"primaryKey"`

	// unique index
	Job       string    `gorm:"type:varchar(32);not null;index:idx_flow_job_code_fetch,unique"`
	Code      string    `gorm:"type:varchar(6);not null;index:idx_flow_code;index:idx_flow_job_code_fetch,unique"`
	FetchTime time.Time `gorm:"not null;index:idx_flow_job_code_fetch,unique"`

	DataTime time.Time         `gorm:"not null;index:idx_flow_data_time"`
	Values   datatypes.JSONMap `gorm:"type:jsonb;not null"` // label -> value

	RunID      string    `gorm:"type:uuid;not null;index"`
	RecordedAt time.Time `gorm:"autoCreateTime"`
}

// TableName overrides the default table name for GORM.
func (FlowRecordRow) TableName() string {
	return "flow_record"
}

// FlowSummaryRow is the aggregate line of one run.
type FlowSummaryRow struct {
	ID uint `gorm:"primaryKey"`

	// unique index
	Job       string    `gorm:"type:varchar(32);not null;index:idx_summary_job_fetch,unique"`
	FetchTime time.Time `gorm:"not null;index:idx_summary_job_fetch,unique"`

	DataTime  time.Time       `gorm:"not null;index:idx_summary_data_time"`
	Field     string          `gorm:"type:varchar(64);not null"` // label that was summed
	Sum       decimal.Decimal `gorm:"type:numeric;not null"`
	Succeeded int             `gorm:"not null"`
	Failed    int             `gorm:"not null"`

	RunID      string    `gorm:"type:uuid;not null;index"`
	RecordedAt time.Time `gorm:"autoCreateTime"`
}

// TableName overrides the default table name for GORM.
func (FlowSummaryRow) TableName() string {
	return "flow_summary"
}
