package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"herald/internal/campaign"
	logx "herald/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const timeFormat = time.RFC3339Nano

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateCampaign(ctx context.Context, c *campaign.Campaign, recipients []campaign.Recipient) error {
	if c == nil {
		return errors.New("nil campaign")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if !c.Status.Valid() {
		c.Status = campaign.StatusQueued
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO campaigns(id, name, template, image_ref, status, scheduled_at, created_at, completed_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		c.ID, c.Name, c.Template, nullStr(c.ImageRef), string(c.Status),
		nullTime(c.ScheduledAt), c.CreatedAt.Format(timeFormat), nullTime(c.CompletedAt),
	)
	if err != nil {
		return err
	}

	for i, a := range c.Assignments {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO assignments(campaign_id, channel_id, routing, position) VALUES(?,?,?,?)`,
			c.ID, a.ChannelID, nullStr(a.Routing), i,
		); err != nil {
			return err
		}
	}

	for i := range recipients {
		r := &recipients[i]
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.CampaignID = c.ID
		if r.Status == "" {
			r.Status = campaign.RecipientPending
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO recipients(id, campaign_id, address, name, status, error, sent_at, position)
			 VALUES(?,?,?,?,?,?,?,?)`,
			r.ID, c.ID, r.Address, nullStr(r.Name), string(r.Status), nullStr(r.Error), nullTime(r.SentAt), i,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *sqliteStore) GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, template, image_ref, status, scheduled_at, created_at, completed_at
		 FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if err != nil {
		return nil, err
	}
	as, err := s.Assignments(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Assignments = as
	return c, nil
}

func (s *sqliteStore) CampaignStatus(ctx context.Context, id string) (campaign.Status, error) {
	var st string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = ?`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return campaign.Status(st), nil
}

func (s *sqliteStore) UpdateCampaignStatus(ctx context.Context, id string, to campaign.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := campaign.CheckTransition(campaign.Status(cur), to); err != nil {
		return err
	}

	var completedAt any
	if to == campaign.StatusCompleted {
		completedAt = time.Now().Format(timeFormat)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?`,
		string(to), completedAt, id,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) UpdateRecipientStatus(ctx context.Context, recipientID string, to campaign.RecipientStatus, errText string, sentAt time.Time) error {
	var sentAtVal any
	if to == campaign.RecipientSent && !sentAt.IsZero() {
		sentAtVal = sentAt.Format(timeFormat)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recipients SET status = ?, error = ?, sent_at = ? WHERE id = ? AND status = ?`,
		string(to), nullStr(errText), sentAtVal, recipientID, string(campaign.RecipientPending),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish "unknown" from "already resolved".
		var cur string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM recipients WHERE id = ?`, recipientID).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRecipientNotFound
		}
		if err != nil {
			return err
		}
		return ErrRecipientResolved
	}
	return nil
}

func (s *sqliteStore) PendingRecipients(ctx context.Context, campaignID string) ([]campaign.Recipient, error) {
	if err := s.ensureCampaign(ctx, campaignID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, campaign_id, address, name, status, error, sent_at
		 FROM recipients WHERE campaign_id = ? AND status = ? ORDER BY position`,
		campaignID, string(campaign.RecipientPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.Recipient
	for rows.Next() {
		var r campaign.Recipient
		var name, errText, sentAt sql.NullString
		var st string
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.Address, &name, &st, &errText, &sentAt); err != nil {
			return nil, err
		}
		r.Name = name.String
		r.Status = campaign.RecipientStatus(st)
		r.Error = errText.String
		if sentAt.Valid {
			if at, err := time.Parse(timeFormat, sentAt.String); err == nil {
				r.SentAt = &at
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecipientCounts(ctx context.Context, campaignID string) (campaign.RecipientCounts, error) {
	if err := s.ensureCampaign(ctx, campaignID); err != nil {
		return campaign.RecipientCounts{}, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM recipients WHERE campaign_id = ? GROUP BY status`, campaignID)
	if err != nil {
		return campaign.RecipientCounts{}, err
	}
	defer rows.Close()

	var counts campaign.RecipientCounts
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return campaign.RecipientCounts{}, err
		}
		switch campaign.RecipientStatus(st) {
		case campaign.RecipientPending:
			counts.Pending = n
		case campaign.RecipientSent:
			counts.Sent = n
		case campaign.RecipientFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

func (s *sqliteStore) Assignments(ctx context.Context, campaignID string) ([]campaign.ChannelAssignment, error) {
	if err := s.ensureCampaign(ctx, campaignID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, routing FROM assignments WHERE campaign_id = ? ORDER BY position`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.ChannelAssignment
	for rows.Next() {
		var a campaign.ChannelAssignment
		var routing sql.NullString
		if err := rows.Scan(&a.ChannelID, &routing); err != nil {
			return nil, err
		}
		a.Routing = routing.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddAssignment(ctx context.Context, campaignID string, a campaign.ChannelAssignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	st, err := txCampaignStatus(ctx, tx, campaignID)
	if err != nil {
		return err
	}
	if st.Terminal() {
		return campaign.ErrTerminal
	}

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assignments WHERE campaign_id = ? AND channel_id = ?`,
		campaignID, a.ChannelID).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return ErrDuplicateAssignment
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO assignments(campaign_id, channel_id, routing, position)
		 VALUES(?,?,?, COALESCE((SELECT MAX(position)+1 FROM assignments WHERE campaign_id = ?), 0))`,
		campaignID, a.ChannelID, nullStr(a.Routing), campaignID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) RemoveAssignment(ctx context.Context, campaignID, channelID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	st, err := txCampaignStatus(ctx, tx, campaignID)
	if err != nil {
		return err
	}
	if st.Terminal() {
		return campaign.ErrTerminal
	}

	var total, matching int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN channel_id = ? THEN 1 ELSE 0 END), 0)
		 FROM assignments WHERE campaign_id = ?`,
		channelID, campaignID).Scan(&total, &matching); err != nil {
		return err
	}
	if matching == 0 {
		return ErrAssignmentNotFound
	}
	if total == 1 {
		return ErrLastAssignment
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM assignments WHERE campaign_id = ? AND channel_id = ?`,
		campaignID, channelID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ListNonTerminal(ctx context.Context) ([]*campaign.Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, template, image_ref, status, scheduled_at, created_at, completed_at
		 FROM campaigns WHERE status IN (?,?,?) ORDER BY created_at, id`,
		string(campaign.StatusQueued), string(campaign.StatusProcessing), string(campaign.StatusPaused))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*campaign.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, c := range out {
		as, err := s.Assignments(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		c.Assignments = as
	}
	return out, nil
}

func (s *sqliteStore) ensureCampaign(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM campaigns WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func txCampaignStatus(ctx context.Context, tx *sql.Tx, id string) (campaign.Status, error) {
	var st string
	err := tx.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = ?`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return campaign.Status(st), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*campaign.Campaign, error) {
	var c campaign.Campaign
	var imageRef, scheduledAt, completedAt sql.NullString
	var st, createdAt string
	err := row.Scan(&c.ID, &c.Name, &c.Template, &imageRef, &st, &scheduledAt, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.ImageRef = imageRef.String
	c.Status = campaign.Status(st)
	if at, err := time.Parse(timeFormat, createdAt); err == nil {
		c.CreatedAt = at
	}
	if scheduledAt.Valid {
		if at, err := time.Parse(timeFormat, scheduledAt.String); err == nil {
			c.ScheduledAt = &at
		}
	}
	if completedAt.Valid {
		if at, err := time.Parse(timeFormat, completedAt.String); err == nil {
			c.CompletedAt = &at
		}
	}
	return &c, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Format(timeFormat)
}
