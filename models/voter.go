package models

import "time"

type VoterStatus string

const (
	VoterStatusPendingVerification VoterStatus = "PENDING_VERIFICATION"
	VoterStatusRegistered          VoterStatus = "REGISTERED"
	VoterStatusVoted               VoterStatus = "VOTED"
	VoterStatusRevoted             VoterStatus = "REVOTED"
	VoterStatusDistressFlagged     VoterStatus = "DISTRESS_FLAGGED"
	VoterStatusSuspended           VoterStatus = "SUSPENDED"
	VoterStatusRejected            VoterStatus = "REJECTED"
)

// CanVote reports whether a voter in this status may cast or recast a ballot.
func (s VoterStatus) CanVote() bool {
	switch s {
	case VoterStatusRegistered, VoterStatusVoted, VoterStatusRevoted, VoterStatusDistressFlagged:
		return true
	}
	return false
}

// Valid reports whether s is a known registry status.
func (s VoterStatus) Valid() bool {
	switch s {
	case VoterStatusPendingVerification, VoterStatusRegistered, VoterStatusVoted, VoterStatusRevoted,
		VoterStatusDistressFlagged, VoterStatusSuspended, VoterStatusRejected:
		return true
	}
	return false
}

type Voter struct {
	ID               string      `gorm:"primaryKey;size:64" json:"id"`
	Status           VoterStatus `gorm:"size:32;not null" json:"status"`
	PollingStationID string      `gorm:"size:64" json:"pollingStationId"`
	VoteCount        int         `gorm:"not null;default:0" json:"voteCount"`
	LastVotedAt      *time.Time  `json:"lastVotedAt"`
}

// VoterContext is the authenticated caller of a cast. Distress is set by the
// session layer when the voter signed in with a coercion PIN.
type VoterContext struct {
	VoterID  string
	Distress bool
}

type PollingStation struct {
	ID     string `gorm:"primaryKey;size:64" json:"id"`
	Code   string `gorm:"size:32;not null" json:"code"`
	Name   string `gorm:"size:255" json:"name"`
	Region string `gorm:"size:64" json:"region"`
}

// Label is the human readable station line printed on paper ballots.
func (p *PollingStation) Label() string {
	if p.Name == "" {
		return p.Code
	}
	return p.Code + " - " + p.Name
}

func (Voter) TableName() string {
	return "voters"
}

func (PollingStation) TableName() string {
	return "polling_stations"
}
