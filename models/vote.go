package models

import "time"

type VoteStatus string

const (
	VoteStatusPending     VoteStatus = "PENDING"
	VoteStatusConfirmed   VoteStatus = "CONFIRMED"
	VoteStatusSuperseded  VoteStatus = "SUPERSEDED"
	VoteStatusInvalidated VoteStatus = "INVALIDATED"
)

// ActiveVoteStatuses are the statuses a voter's current ballot may hold.
var ActiveVoteStatuses = []VoteStatus{VoteStatusPending, VoteStatusConfirmed}

// IsActive reports whether the vote still counts as the voter's current ballot.
func (s VoteStatus) IsActive() bool {
	return s == VoteStatusPending || s == VoteStatusConfirmed
}

// Vote is one cast ballot. Votes are never deleted; a revote marks the previous
// vote SUPERSEDED and links back to it through PreviousVoteID.
type Vote struct {
	ID                string     `gorm:"primaryKey;size:36" json:"id"`
	SerialNumber      string     `gorm:"uniqueIndex;size:16;not null" json:"serialNumber"`
	VoterID           string     `gorm:"index;size:64;not null" json:"-"`
	EncryptedVoteHash string     `gorm:"size:66;not null" json:"encryptedVoteHash"`
	EncryptedVoteData []byte     `json:"encryptedVoteData,omitempty"`
	Status            VoteStatus `gorm:"index;size:16;not null" json:"status"`
	PreviousVoteID    *string    `gorm:"size:36" json:"previousVoteId"`
	PollingStationID  string     `gorm:"index;size:64;not null" json:"pollingStationId"`
	IsDistressFlagged bool       `json:"isDistressFlagged"`
	BlockchainTxHash  *string    `gorm:"size:66" json:"blockchainTxHash"`
	BlockNumber       *uint64    `json:"blockNumber"`
	ConfirmedAt       *time.Time `json:"confirmedAt"`
	Timestamp         time.Time  `gorm:"index" json:"timestamp"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime:false" json:"updatedAt"`
}

// Confirmation carries the anchoring receipt persisted onto a vote.
type Confirmation struct {
	TxHash      string
	BlockNumber uint64
	ConfirmedAt time.Time
}

func (Vote) TableName() string {
	return "votes"
}
