// Package storage persists accounts, target groups, target chats and
// campaigns. Both drivers share one SQL implementation; placeholders are
// written as "?" and rebound for PostgreSQL.
package storage

import (
	"context"
	"errors"
	"strings"

	"campaignbot/internal/model"
	logx "campaignbot/pkg/logx"
)

// Store is the persistence API of the dispatch core.
//
// All methods are safe for concurrent use. Counter increments and status
// transitions are single statements so concurrent workers never lose updates.
type Store interface {
	UpsertAccount(ctx context.Context, a model.Account) (model.Account, error)
	GetAccount(ctx context.Context, id int64) (model.Account, error)
	ListAccounts(ctx context.Context, operatorID int64, includeInactive bool) ([]model.Account, error)
	DeactivateAccount(ctx context.Context, id int64) error
	DeleteAccount(ctx context.Context, id int64) error

	CreateGroup(ctx context.Context, accountID int64, name string) (model.TargetGroup, error)
	RenameGroup(ctx context.Context, id int64, name string) error
	DeleteGroup(ctx context.Context, id int64) error
	GetGroup(ctx context.Context, id int64) (model.TargetGroup, error)
	ListGroups(ctx context.Context, accountID int64) ([]model.TargetGroup, error)

	AddChat(ctx context.Context, c model.TargetChat) (AddResult, error)
	ListChats(ctx context.Context, groupID int64) ([]model.TargetChat, error)
	RemoveChat(ctx context.Context, groupID, chatID int64) error
	// ClearChats removes every chat of a group and reports how many.
	ClearChats(ctx context.Context, groupID int64) (int64, error)

	CreateCampaign(ctx context.Context, c model.Campaign) (model.Campaign, error)
	GetCampaign(ctx context.Context, id int64) (model.Campaign, error)
	ListCampaigns(ctx context.Context, operatorID int64) ([]model.Campaign, error)
	ListCampaignsByStatus(ctx context.Context, status model.Status) ([]model.Campaign, error)
	MarkRunning(ctx context.Context, id int64, total int64) error
	IncrementCounters(ctx context.Context, id int64, sent, failed int64) error
	TransitionStatus(ctx context.Context, id int64, from, to model.Status, reason string) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store and applies migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
