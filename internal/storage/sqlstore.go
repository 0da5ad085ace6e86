package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"campaignbot/internal/model"
	logx "campaignbot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type dialect struct {
	name      string
	migration string
	rebind    func(string) string
	// forUpdate is appended to row reads that must serialize writers.
	forUpdate string
}

type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) (*sqlStore, error) {
	s := &sqlStore{db: db, d: d, log: log}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", d.name, err)
	}
	return s, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile(s.d.migration)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqlStore) q(query string) string {
	if s.d.rebind == nil {
		return query
	}
	return s.d.rebind(query)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

// ---- accounts ----

const accountCols = `id, operator_id, phone, session_token, display_name, active, created_at`

func scanAccount(row interface{ Scan(...any) error }) (model.Account, error) {
	var a model.Account
	var created int64
	if err := row.Scan(&a.ID, &a.OperatorID, &a.Phone, &a.SessionToken, &a.DisplayName, &a.Active, &created); err != nil {
		return model.Account{}, err
	}
	a.CreatedAt = fromMS(created)
	return a, nil
}

// UpsertAccount inserts a or, when (operator, phone) exists, refreshes its
// token and name and reactivates it.
func (s *sqlStore) UpsertAccount(ctx context.Context, a model.Account) (model.Account, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	row := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO accounts(operator_id, phone, session_token, display_name, active, created_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(operator_id, phone) DO UPDATE SET
		   session_token = excluded.session_token,
		   display_name = excluded.display_name,
		   active = excluded.active
		 RETURNING `+accountCols),
		a.OperatorID, a.Phone, a.SessionToken, a.DisplayName, true, ms(a.CreatedAt),
	)
	return scanAccount(row)
}

func (s *sqlStore) GetAccount(ctx context.Context, id int64) (model.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, s.q(`SELECT `+accountCols+` FROM accounts WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, ErrNotFound
	}
	return a, err
}

func (s *sqlStore) ListAccounts(ctx context.Context, operatorID int64, includeInactive bool) ([]model.Account, error) {
	query := `SELECT ` + accountCols + ` FROM accounts WHERE operator_id = ?`
	args := []any{operatorID}
	if !includeInactive {
		query += ` AND active = ?`
		args = append(args, true)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query+` ORDER BY id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeactivateAccount(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE accounts SET active = ? WHERE id = ?`), false, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// DeleteAccount hard-deletes the account with its groups and chats and drops
// it from the account list of campaigns that are not running. It is rejected
// while a running campaign uses the account or one of its groups.
func (s *sqlStore) DeleteAccount(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRowContext(ctx, s.q(
			`SELECT COUNT(*) FROM campaigns c
			 WHERE c.status = ? AND (
			   EXISTS (SELECT 1 FROM campaign_accounts ca WHERE ca.campaign_id = c.id AND ca.account_id = ?)
			   OR c.group_id IN (SELECT g.id FROM target_groups g WHERE g.account_id = ?))`),
			string(model.StatusRunning), id, id,
		).Scan(&n)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrReferenced
		}
		if _, err := tx.ExecContext(ctx, s.q(
			`DELETE FROM campaign_accounts WHERE account_id = ? AND campaign_id IN
			 (SELECT id FROM campaigns WHERE status IN (?, ?))`),
			id, string(model.StatusDraft), string(model.StatusConfigured),
		); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM accounts WHERE id = ?`), id)
		if err != nil {
			return err
		}
		return expectOne(res)
	})
}

// ---- groups ----

func (s *sqlStore) CreateGroup(ctx context.Context, accountID int64, name string) (model.TargetGroup, error) {
	g := model.TargetGroup{AccountID: accountID, Name: strings.TrimSpace(name), CreatedAt: time.Now()}
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO target_groups(account_id, name, created_at) VALUES(?,?,?) RETURNING id`),
		g.AccountID, g.Name, ms(g.CreatedAt),
	).Scan(&g.ID)
	if err != nil {
		return model.TargetGroup{}, err
	}
	return g, nil
}

func (s *sqlStore) RenameGroup(ctx context.Context, id int64, name string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE target_groups SET name = ? WHERE id = ?`), strings.TrimSpace(name), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *sqlStore) DeleteGroup(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM campaigns WHERE group_id = ? AND status = ?`),
			id, string(model.StatusRunning)).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrReferenced
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM target_groups WHERE id = ?`), id)
		if err != nil {
			return err
		}
		return expectOne(res)
	})
}

func (s *sqlStore) GetGroup(ctx context.Context, id int64) (model.TargetGroup, error) {
	var g model.TargetGroup
	var created int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, account_id, name, created_at FROM target_groups WHERE id = ?`), id).
		Scan(&g.ID, &g.AccountID, &g.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TargetGroup{}, ErrNotFound
	}
	g.CreatedAt = fromMS(created)
	return g, err
}

func (s *sqlStore) ListGroups(ctx context.Context, accountID int64) ([]model.TargetGroup, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, account_id, name, created_at FROM target_groups WHERE account_id = ? ORDER BY id`), accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TargetGroup
	for rows.Next() {
		var g model.TargetGroup
		var created int64
		if err := rows.Scan(&g.ID, &g.AccountID, &g.Name, &created); err != nil {
			return nil, err
		}
		g.CreatedAt = fromMS(created)
		out = append(out, g)
	}
	return out, rows.Err()
}

// ---- chats ----

// AddChat inserts c into its group. A chat already in the group reports
// AlreadyPresent; a group holding MaxGroupSize chats returns ErrGroupFull
// and is left untouched.
func (s *sqlStore) AddChat(ctx context.Context, c model.TargetChat) (AddResult, error) {
	if c.Kind == "" {
		c.Kind = model.ChatGroup
	}
	var result AddResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var gid int64
		err := tx.QueryRowContext(ctx, s.q(`SELECT id FROM target_groups WHERE id = ?`+s.d.forUpdate), c.GroupID).Scan(&gid)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var exists int
		if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM target_chats WHERE group_id = ? AND chat_id = ?`),
			c.GroupID, c.ChatID).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			result = AlreadyPresent
			return nil
		}

		var size int
		if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM target_chats WHERE group_id = ?`), c.GroupID).Scan(&size); err != nil {
			return err
		}
		if size >= model.MaxGroupSize {
			return ErrGroupFull
		}

		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO target_chats(group_id, chat_id, title, handle, kind) VALUES(?,?,?,?,?)`),
			c.GroupID, c.ChatID, c.Title, c.Handle, string(c.Kind),
		); err != nil {
			return err
		}
		result = Added
		return nil
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

func (s *sqlStore) ListChats(ctx context.Context, groupID int64) ([]model.TargetChat, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, group_id, chat_id, title, handle, kind FROM target_chats WHERE group_id = ? ORDER BY id`), groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TargetChat
	for rows.Next() {
		var c model.TargetChat
		var kind string
		if err := rows.Scan(&c.ID, &c.GroupID, &c.ChatID, &c.Title, &c.Handle, &kind); err != nil {
			return nil, err
		}
		c.Kind = model.ChatKind(kind)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) RemoveChat(ctx context.Context, groupID, chatID int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM target_chats WHERE group_id = ? AND chat_id = ?`), groupID, chatID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *sqlStore) ClearChats(ctx context.Context, groupID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM target_chats WHERE group_id = ?`), groupID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- campaigns ----

const campaignCols = `id, operator_id, group_id, message_text, repeat_count, delay_ms, status,
	sent_count, failed_count, total, error, created_at, started_at, finished_at`

func scanCampaign(row interface{ Scan(...any) error }) (model.Campaign, error) {
	var c model.Campaign
	var status string
	var delayMS, created, started, finished int64
	err := row.Scan(&c.ID, &c.OperatorID, &c.GroupID, &c.Text, &c.Repeat, &delayMS, &status,
		&c.Sent, &c.Failed, &c.Total, &c.Error, &created, &started, &finished)
	if err != nil {
		return model.Campaign{}, err
	}
	c.Status = model.Status(status)
	c.Delay = time.Duration(delayMS) * time.Millisecond
	c.CreatedAt = fromMS(created)
	c.StartedAt = fromMS(started)
	c.FinishedAt = fromMS(finished)
	return c, nil
}

func (s *sqlStore) CreateCampaign(ctx context.Context, c model.Campaign) (model.Campaign, error) {
	if c.Status == "" {
		c.Status = model.StatusConfigured
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, s.q(
			`INSERT INTO campaigns(operator_id, group_id, message_text, repeat_count, delay_ms, status, created_at)
			 VALUES(?,?,?,?,?,?,?) RETURNING id`),
			c.OperatorID, c.GroupID, c.Text, c.Repeat, c.Delay.Milliseconds(), string(c.Status), ms(c.CreatedAt),
		).Scan(&c.ID); err != nil {
			return err
		}
		for i, aid := range c.AccountIDs {
			if _, err := tx.ExecContext(ctx, s.q(
				`INSERT INTO campaign_accounts(campaign_id, account_id, position) VALUES(?,?,?)`), c.ID, aid, i); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.Campaign{}, err
	}
	return c, nil
}

func (s *sqlStore) campaignAccounts(ctx context.Context, id int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT account_id FROM campaign_accounts WHERE campaign_id = ? ORDER BY position`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var aid int64
		if err := rows.Scan(&aid); err != nil {
			return nil, err
		}
		out = append(out, aid)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetCampaign(ctx context.Context, id int64) (model.Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx, s.q(`SELECT `+campaignCols+` FROM campaigns WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Campaign{}, ErrNotFound
	}
	if err != nil {
		return model.Campaign{}, err
	}
	c.AccountIDs, err = s.campaignAccounts(ctx, id)
	return c, err
}

func (s *sqlStore) listCampaigns(ctx context.Context, where string, arg any) ([]model.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+campaignCols+` FROM campaigns WHERE `+where+` ORDER BY id DESC`), arg)
	if err != nil {
		return nil, err
	}
	var out []model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	// sqlite runs on a single connection, so account lists load after rows close.
	for i := range out {
		if out[i].AccountIDs, err = s.campaignAccounts(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *sqlStore) ListCampaigns(ctx context.Context, operatorID int64) ([]model.Campaign, error) {
	return s.listCampaigns(ctx, `operator_id = ?`, operatorID)
}

func (s *sqlStore) ListCampaignsByStatus(ctx context.Context, status model.Status) ([]model.Campaign, error) {
	return s.listCampaigns(ctx, `status = ?`, string(status))
}

// MarkRunning moves a configured campaign to running and records its total.
func (s *sqlStore) MarkRunning(ctx context.Context, id int64, total int64) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE campaigns SET status = ?, total = ?, started_at = ?, error = ''
		 WHERE id = ? AND status = ?`),
		string(model.StatusRunning), total, ms(time.Now()), id, string(model.StatusConfigured),
	)
	if err != nil {
		return err
	}
	return s.expectCAS(ctx, res, id)
}

// IncrementCounters adds to sent/failed in one statement. It only applies
// while the campaign is running.
func (s *sqlStore) IncrementCounters(ctx context.Context, id int64, sent, failed int64) error {
	if sent < 0 || failed < 0 {
		return fmt.Errorf("storage: negative counter delta")
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE campaigns SET sent_count = sent_count + ?, failed_count = failed_count + ?
		 WHERE id = ? AND status = ?`),
		sent, failed, id, string(model.StatusRunning),
	)
	if err != nil {
		return err
	}
	return s.expectCAS(ctx, res, id)
}

// TransitionStatus performs a compare-and-set from -> to.
func (s *sqlStore) TransitionStatus(ctx context.Context, id int64, from, to model.Status, reason string) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}
	var finished int64
	if to.Terminal() {
		finished = ms(time.Now())
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE campaigns SET status = ?, error = ?, finished_at = ?
		 WHERE id = ? AND status = ?`),
		string(to), reason, finished, id, string(from),
	)
	if err != nil {
		return err
	}
	return s.expectCAS(ctx, res, id)
}

// expectCAS maps zero affected rows to ErrNotFound or ErrStatusConflict.
func (s *sqlStore) expectCAS(ctx context.Context, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM campaigns WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStatusConflict
}

// ---- audit ----

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO audit(at, actor_id, action, target, ok, err, meta) VALUES(?,?,?,?,?,?,?)`),
		ms(e.At), e.ActorID, e.Action, e.Target, e.OK, nullStr(e.Error), nullStr(e.Meta),
	)
	return err
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
