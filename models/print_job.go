package models

import "time"

type PrintJobStatus string

const (
	PrintJobPending   PrintJobStatus = "PENDING"
	PrintJobPrinting  PrintJobStatus = "PRINTING"
	PrintJobPrinted   PrintJobStatus = "PRINTED"
	PrintJobFailed    PrintJobStatus = "FAILED"
	PrintJobCancelled PrintJobStatus = "CANCELLED"
)

// AllPrintJobStatuses lists every status in lifecycle order.
var AllPrintJobStatuses = []PrintJobStatus{
	PrintJobPending, PrintJobPrinting, PrintJobPrinted, PrintJobFailed, PrintJobCancelled,
}

const (
	MinPriority = 0
	MaxPriority = 100
)

// Valid reports whether s is a known job status.
func (s PrintJobStatus) Valid() bool {
	for _, known := range AllPrintJobStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// PrintJob is a request to print exactly one vote. VoteID is unique across jobs.
type PrintJob struct {
	ID               string         `gorm:"primaryKey;size:36" json:"id"`
	VoteID           string         `gorm:"uniqueIndex;size:36;not null" json:"voteId"`
	PollingStationID string         `gorm:"index;size:64;not null" json:"pollingStationId"`
	Status           PrintJobStatus `gorm:"index;size:16;not null" json:"status"`
	Priority         int            `gorm:"index;not null;default:0" json:"priority"`
	PrinterID        *string        `gorm:"size:64" json:"printerId"`
	PrintAttempts    int            `gorm:"not null;default:0" json:"printAttempts"`
	LastError        *string        `json:"lastError"`
	BallotNumber     *string        `gorm:"uniqueIndex;size:64" json:"ballotNumber"`
	QRCodeData       *string        `json:"qrCodeData"`
	PrintedAt        *time.Time     `json:"printedAt"`
	CreatedAt        time.Time      `gorm:"index;autoCreateTime:false" json:"createdAt"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime:false" json:"updatedAt"`
}

// PrintJobFilter narrows job listings. Zero values mean "any".
type PrintJobFilter struct {
	Status           PrintJobStatus
	PollingStationID string
	Limit            int
	Offset           int
}

// QueueStats aggregates job counts; FailureRate is failed / (failed + printed).
type QueueStats struct {
	ByStatus    map[PrintJobStatus]int `json:"byStatus"`
	Total       int                    `json:"total"`
	FailureRate float64                `json:"failureRate"`
}

// NewQueueStats computes totals and the failure rate from per-status counts.
func NewQueueStats(counts map[PrintJobStatus]int) QueueStats {
	stats := QueueStats{ByStatus: make(map[PrintJobStatus]int, len(AllPrintJobStatuses))}
	for _, s := range AllPrintJobStatuses {
		stats.ByStatus[s] = counts[s]
		stats.Total += counts[s]
	}
	failed, printed := counts[PrintJobFailed], counts[PrintJobPrinted]
	if failed+printed > 0 {
		stats.FailureRate = float64(failed) / float64(failed+printed)
	}
	return stats
}

func (PrintJob) TableName() string {
	return "print_jobs"
}
