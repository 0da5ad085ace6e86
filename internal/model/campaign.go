package model

import "time"

type Status string

const (
	StatusDraft      Status = "draft"
	StatusConfigured Status = "configured"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusDraft:
		return 0
	case StatusConfigured:
		return 1
	case StatusRunning:
		return 2
	case StatusCompleted:
		return 3
	}
	return -1
}

// CanTransition reports whether from -> to is a legal status change.
// Status moves forward along draft, configured, running, completed. The only
// side exits are running -> stopped and any non-terminal state -> failed.
func CanTransition(from, to Status) bool {
	if from.Terminal() || from == to {
		return false
	}
	switch to {
	case StatusFailed:
		return true
	case StatusStopped:
		return from == StatusRunning
	}
	fr, tr := from.rank(), to.rank()
	return fr >= 0 && tr > fr
}

// Campaign is one dispatch job over a set of accounts and one target group.
type Campaign struct {
	ID         int64         `json:"id"`
	OperatorID int64         `json:"operator_id"`
	AccountIDs []int64       `json:"account_ids"`
	GroupID    int64         `json:"group_id"`
	Text       string        `json:"text"`
	Repeat     int           `json:"repeat_per_target"`
	Delay      time.Duration `json:"delay"`
	Status     Status        `json:"status"`
	Sent       int64         `json:"sent_count"`
	Failed     int64         `json:"failed_count"`
	Total      int64         `json:"total"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
}

// Progress is the externally visible run state of a campaign.
type Progress struct {
	CampaignID int64  `json:"campaign_id"`
	Sent       int64  `json:"sent"`
	Failed     int64  `json:"failed"`
	Total      int64  `json:"total"`
	Status     Status `json:"status"`
}

func (c Campaign) Progress() Progress {
	return Progress{CampaignID: c.ID, Sent: c.Sent, Failed: c.Failed, Total: c.Total, Status: c.Status}
}

// PlannedSends is repeat x accounts x targets.
func PlannedSends(repeat, accounts, targets int) int64 {
	if repeat <= 0 || accounts <= 0 || targets <= 0 {
		return 0
	}
	return int64(repeat) * int64(accounts) * int64(targets)
}
