package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("storage: not found")
	ErrGroupFull      = errors.New("storage: target group is full")
	ErrReferenced     = errors.New("storage: referenced by a running campaign")
	ErrStatusConflict = errors.New("storage: campaign status changed concurrently")
	ErrBadTransition  = errors.New("storage: illegal campaign status transition")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means 5s
	MaxOpenConns int           // postgres only; 0 means 10
}

// AddResult distinguishes a fresh insert from a duplicate in AddChat.
type AddResult int

const (
	Added AddResult = iota + 1
	AlreadyPresent
)

func (r AddResult) String() string {
	switch r {
	case Added:
		return "added"
	case AlreadyPresent:
		return "already present"
	}
	return "unknown"
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At      time.Time
	ActorID int64
	Action  string
	Target  string
	OK      bool
	Error   string
	Meta    string
}
