package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	PromoVariantFixed   = "fixed"
	PromoVariantPercent = "percent"
	PromoVariantExport  = "export"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredCLI    = "cli"
	SyncTriggeredPubSub = "pubsub"
)

// Row outcomes recorded per ledger row.
const (
	RowOutcomeCreated       = "created"
	RowOutcomeNotFound      = "not_found"
	RowOutcomeInvalid       = "invalid"
	RowOutcomeRemovalFailed = "removal_failed"
	RowOutcomeCreateFailed  = "create_failed"
	RowOutcomePlanned       = "planned"
)

type PromoSyncRun struct {
	ID            uint       `gorm:"primary_key" json:"id"`
	RunId         string     `gorm:"uniqueIndex;size:36;not null" json:"run_id"`
	Variant       string     `gorm:"index;size:20;not null" json:"variant"`
	SheetId       string     `gorm:"size:128" json:"sheet_id"`
	SheetName     string     `gorm:"size:128" json:"sheet_name"`
	Status        string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy   string     `gorm:"size:20" json:"triggered_by"`
	DryRun        bool       `gorm:"default:false" json:"dry_run"`
	Total         int        `json:"total"`
	Created       int        `json:"created"`
	NotFound      int        `json:"not_found"`
	Failed        int        `json:"failed"`
	Patched       int        `json:"patched"`
	ErrorMessage  string     `gorm:"type:text" json:"error_message"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	DurationMs    int64      `json:"duration_ms"`
	CorrelationId string     `gorm:"size:64" json:"correlation_id"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type PromoSyncRowResult struct {
	ID        uint      `gorm:"primary_key" json:"id"`
	SyncRunId uint      `gorm:"index;not null" json:"sync_run_id"`
	RowNumber int       `json:"row_number"`
	Code      string    `gorm:"index;size:128" json:"code"`
	ProductId int64     `json:"product_id"`
	OfferId   int64     `json:"offer_id"`
	Outcome   string    `gorm:"size:32" json:"outcome"`
	Status    string    `gorm:"type:text" json:"status"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// RunStatusFor derives the final run status from row counts the same way
// for every variant: all rows failing is a failed run, some is partial.
func RunStatusFor(total, failed int) string {
	switch {
	case failed == 0:
		return SyncRunStatusSuccess
	case failed >= total:
		return SyncRunStatusFailed
	default:
		return SyncRunStatusPartial
	}
}

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(&PromoSyncRun{}, &PromoSyncRowResult{})
}
