package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/post-scheduler/internal/model"
)

const postColumns = `id, owner_id, content_ref, platforms, scheduled_time, status,
	publish_results, retry_count, created_at, updated_at`

// SQLiteStore implements the post store on SQLite
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers; claims rely on it.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		logger: logger.Named("sqlite"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS scheduled_posts (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			content_ref TEXT NOT NULL,
			platforms TEXT NOT NULL,
			scheduled_time INTEGER NOT NULL,
			status TEXT NOT NULL,
			publish_results TEXT NOT NULL DEFAULT '[]',
			retry_count INTEGER NOT NULL DEFAULT 0,
			claimed_at INTEGER,
			claim_token TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_scheduled_posts_due ON scheduled_posts(status, scheduled_time);
		CREATE INDEX IF NOT EXISTS idx_scheduled_posts_owner ON scheduled_posts(owner_id);
		CREATE TABLE IF NOT EXISTS post_contents (
			ref TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			media_urls TEXT NOT NULL DEFAULT '[]',
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Create stores a new post
func (s *SQLiteStore) Create(ctx context.Context, post *model.ScheduledPost) error {
	rec, err := newPostRecord(post)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_posts (`+postColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		rec.ID,
		rec.OwnerID,
		rec.ContentRef,
		string(rec.Platforms),
		rec.ScheduledTime.UnixNano(),
		rec.Status,
		string(rec.Results),
		rec.RetryCount,
		rec.CreatedAt.UnixNano(),
		rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicatePost, post.ID)
	}
	return nil
}

// FindDue returns pending posts scheduled at or before now
func (s *SQLiteStore) FindDue(ctx context.Context, now time.Time) ([]*model.ScheduledPost, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+postColumns+`
		FROM scheduled_posts
		WHERE status = ? AND scheduled_time <= ?
		ORDER BY scheduled_time ASC`,
		string(model.PostStatusPending), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query due posts: %w", err)
	}
	return s.collect(rows)
}

// Claim moves a due pending post to processing and returns the token that
// fences the claim
func (s *SQLiteStore) Claim(ctx context.Context, id string, now time.Time) (string, bool, error) {
	token := newClaimToken()
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts SET
			status = ?,
			claimed_at = ?,
			claim_token = ?,
			updated_at = ?
		WHERE id = ? AND status = ? AND scheduled_time <= ?`,
		string(model.PostStatusProcessing),
		now.UnixNano(),
		token,
		now.UnixNano(),
		id,
		string(model.PostStatusPending),
		now.UnixNano(),
	)
	if err != nil {
		return "", false, fmt.Errorf("failed to claim post: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected != 1 {
		return "", false, nil
	}
	return token, true, nil
}

// ExtendClaim moves the claim time of a held claim forward
func (s *SQLiteStore) ExtendClaim(ctx context.Context, id, token string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts SET claimed_at = ?
		WHERE id = ? AND status = ? AND claim_token = ?`,
		now.UnixNano(), id, string(model.PostStatusProcessing), token)
	if err != nil {
		return false, fmt.Errorf("failed to extend claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.FindByID(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Save persists the outcome of a claimed post
func (s *SQLiteStore) Save(ctx context.Context, post *model.ScheduledPost, token string) error {
	if err := checkSaveTransition(post); err != nil {
		return err
	}
	rec, err := newPostRecord(post)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts SET
			status = ?,
			publish_results = ?,
			retry_count = ?,
			scheduled_time = ?,
			claimed_at = NULL,
			claim_token = NULL,
			updated_at = ?
		WHERE id = ? AND status = ? AND claim_token = ?`,
		rec.Status,
		string(rec.Results),
		rec.RetryCount,
		rec.ScheduledTime.UnixNano(),
		rec.UpdatedAt.UnixNano(),
		rec.ID,
		string(model.PostStatusProcessing),
		token,
	)
	if err != nil {
		return fmt.Errorf("failed to save post: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return s.missingOr(ctx, post.ID, ErrClaimLost)
	}
	return nil
}

// Release returns a processing post to pending when the token still holds
// its claim
func (s *SQLiteStore) Release(ctx context.Context, id, token string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts SET status = ?, claimed_at = NULL, claim_token = NULL
		WHERE id = ? AND status = ? AND claim_token = ?`,
		string(model.PostStatusPending), id, string(model.PostStatusProcessing), token)
	if err != nil {
		return fmt.Errorf("failed to release post: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.FindByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseStale returns posts claimed before the cutoff to pending
func (s *SQLiteStore) ReleaseStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts SET status = ?, claimed_at = NULL, claim_token = NULL
		WHERE status = ? AND claimed_at < ?`,
		string(model.PostStatusPending), string(model.PostStatusProcessing), claimedBefore.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected > 0 {
		s.logger.Info("Released stale claims",
			zap.Time("claimed_before", claimedBefore),
			zap.Int64("released", affected))
	}
	return int(affected), nil
}

// FindByID returns the stored post
func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*model.ScheduledPost, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+postColumns+`
		FROM scheduled_posts
		WHERE id = ?`, id)

	post, err := scanSQLitePost(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrPostNotFound, id)
		}
		return nil, err
	}
	return post, nil
}

// Cancel moves a pending post to cancelled
func (s *SQLiteStore) Cancel(ctx context.Context, id string) (bool, error) {
	return s.updatePending(ctx, id, `status = ?`, string(model.PostStatusCancelled))
}

// Reschedule changes the scheduled time of a pending post
func (s *SQLiteStore) Reschedule(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.updatePending(ctx, id, `scheduled_time = ?`, at.UnixNano())
}

func (s *SQLiteStore) updatePending(ctx context.Context, id, set string, value interface{}) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_posts SET `+set+`, updated_at = ?
		WHERE id = ? AND status = ?`,
		value, time.Now().UnixNano(), id, string(model.PostStatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to update post: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		if _, err := s.FindByID(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// List returns posts with the given status, newest first. An empty status
// matches every post.
func (s *SQLiteStore) List(ctx context.Context, status model.PostStatus, limit int) ([]*model.ScheduledPost, error) {
	query := "SELECT " + postColumns + " FROM scheduled_posts"
	args := make([]interface{}, 0, 2)

	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	return s.collect(rows)
}

// PutContent stores or replaces a content payload
func (s *SQLiteStore) PutContent(ctx context.Context, content *model.Content) error {
	media, err := json.Marshal(content.MediaURLs)
	if err != nil {
		return fmt.Errorf("failed to marshal media urls: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO post_contents (ref, title, body, media_urls, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ref) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			media_urls = excluded.media_urls,
			updated_at = excluded.updated_at`,
		content.Ref,
		content.Title,
		content.Text,
		string(media),
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to store content: %w", err)
	}
	return nil
}

// Resolve returns the content stored under ref
func (s *SQLiteStore) Resolve(ctx context.Context, ref string) (*model.Content, error) {
	var content model.Content
	var media string

	err := s.db.QueryRowContext(ctx, `
		SELECT ref, title, body, media_urls
		FROM post_contents
		WHERE ref = ?`, ref).Scan(
		&content.Ref,
		&content.Title,
		&content.Text,
		&media,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrContentNotFound, ref)
		}
		return nil, fmt.Errorf("failed to scan content: %w", err)
	}
	if err := json.Unmarshal([]byte(media), &content.MediaURLs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal media urls: %w", err)
	}
	return &content, nil
}

// Health checks if the database is reachable
func (s *SQLiteStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) missingOr(ctx context.Context, id string, sentinel error) error {
	if _, err := s.FindByID(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, id)
}

func (s *SQLiteStore) collect(rows *sql.Rows) ([]*model.ScheduledPost, error) {
	defer rows.Close()

	var posts []*model.ScheduledPost
	for rows.Next() {
		post, err := scanSQLitePost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return posts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLitePost(row rowScanner) (*model.ScheduledPost, error) {
	var rec postRecord
	var platforms, results string
	var scheduled, created, updated int64

	err := row.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.ContentRef,
		&platforms,
		&scheduled,
		&rec.Status,
		&results,
		&rec.RetryCount,
		&created,
		&updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan post: %w", err)
	}

	rec.Platforms = []byte(platforms)
	rec.Results = []byte(results)
	rec.ScheduledTime = fromNanos(scheduled)
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(updated)
	return rec.toModel()
}
