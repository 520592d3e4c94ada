package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/t77yq/post-scheduler/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS scheduled_posts (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	content_ref TEXT NOT NULL,
	platforms JSONB NOT NULL,
	scheduled_time TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	publish_results JSONB NOT NULL DEFAULT '[]',
	retry_count INTEGER NOT NULL DEFAULT 0,
	claimed_at TIMESTAMPTZ,
	claim_token TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

ALTER TABLE scheduled_posts ADD COLUMN IF NOT EXISTS claim_token TEXT;

CREATE INDEX IF NOT EXISTS idx_scheduled_posts_due ON scheduled_posts(status, scheduled_time);
CREATE INDEX IF NOT EXISTS idx_scheduled_posts_owner ON scheduled_posts(owner_id);

CREATE TABLE IF NOT EXISTS post_contents (
	ref TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL,
	media_urls JSONB NOT NULL DEFAULT '[]',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// PostgresStore implements the post store on PostgreSQL
type PostgresStore struct {
	logger *zap.Logger
	pool   *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and creates the schema
func NewPostgresStore(ctx context.Context, logger *zap.Logger, databaseURL string, maxConns int32) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logger = logger.Named("postgres")
	logger.Info("Database connected", zap.Int32("max_conns", config.MaxConns))

	return &PostgresStore{logger: logger, pool: pool}, nil
}

// Create stores a new post
func (s *PostgresStore) Create(ctx context.Context, post *model.ScheduledPost) error {
	rec, err := newPostRecord(post)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_posts (`+postColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID,
		rec.OwnerID,
		rec.ContentRef,
		rec.Platforms,
		rec.ScheduledTime,
		rec.Status,
		rec.Results,
		rec.RetryCount,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicatePost, post.ID)
	}
	return nil
}

// FindDue returns pending posts scheduled at or before now
func (s *PostgresStore) FindDue(ctx context.Context, now time.Time) ([]*model.ScheduledPost, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+postColumns+`
		FROM scheduled_posts
		WHERE status = $1 AND scheduled_time <= $2
		ORDER BY scheduled_time ASC`,
		string(model.PostStatusPending), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query due posts: %w", err)
	}
	return collectPostgres(rows)
}

// Claim moves a due pending post to processing and returns the token that
// fences the claim
func (s *PostgresStore) Claim(ctx context.Context, id string, now time.Time) (string, bool, error) {
	token := newClaimToken()
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_posts
		SET status = $1, claimed_at = $2, claim_token = $3, updated_at = $2
		WHERE id = $4 AND status = $5 AND scheduled_time <= $2`,
		string(model.PostStatusProcessing),
		now.UTC(),
		token,
		id,
		string(model.PostStatusPending),
	)
	if err != nil {
		return "", false, fmt.Errorf("failed to claim post: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return "", false, nil
	}
	return token, true, nil
}

// ExtendClaim moves the claim time of a held claim forward
func (s *PostgresStore) ExtendClaim(ctx context.Context, id, token string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_posts SET claimed_at = $1
		WHERE id = $2 AND status = $3 AND claim_token = $4`,
		now.UTC(), id, string(model.PostStatusProcessing), token)
	if err != nil {
		return false, fmt.Errorf("failed to extend claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.FindByID(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Save persists the outcome of a claimed post
func (s *PostgresStore) Save(ctx context.Context, post *model.ScheduledPost, token string) error {
	if err := checkSaveTransition(post); err != nil {
		return err
	}
	rec, err := newPostRecord(post)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_posts
		SET status = $1,
			publish_results = $2,
			retry_count = $3,
			scheduled_time = $4,
			claimed_at = NULL,
			claim_token = NULL,
			updated_at = $5
		WHERE id = $6 AND status = $7 AND claim_token = $8`,
		rec.Status,
		rec.Results,
		rec.RetryCount,
		rec.ScheduledTime,
		rec.UpdatedAt,
		rec.ID,
		string(model.PostStatusProcessing),
		token,
	)
	if err != nil {
		return fmt.Errorf("failed to save post: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.FindByID(ctx, post.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrClaimLost, post.ID)
	}
	return nil
}

// Release returns a processing post to pending when the token still holds
// its claim
func (s *PostgresStore) Release(ctx context.Context, id, token string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_posts SET status = $1, claimed_at = NULL, claim_token = NULL
		WHERE id = $2 AND status = $3 AND claim_token = $4`,
		string(model.PostStatusPending), id, string(model.PostStatusProcessing), token)
	if err != nil {
		return fmt.Errorf("failed to release post: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.FindByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseStale returns posts claimed before the cutoff to pending
func (s *PostgresStore) ReleaseStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_posts SET status = $1, claimed_at = NULL, claim_token = NULL
		WHERE status = $2 AND claimed_at < $3`,
		string(model.PostStatusPending), string(model.PostStatusProcessing), claimedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Info("Released stale claims",
			zap.Time("claimed_before", claimedBefore),
			zap.Int64("released", n))
	}
	return int(tag.RowsAffected()), nil
}

// FindByID returns the stored post
func (s *PostgresStore) FindByID(ctx context.Context, id string) (*model.ScheduledPost, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+postColumns+`
		FROM scheduled_posts
		WHERE id = $1`, id)

	post, err := scanPostgresPost(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrPostNotFound, id)
		}
		return nil, err
	}
	return post, nil
}

// Cancel moves a pending post to cancelled
func (s *PostgresStore) Cancel(ctx context.Context, id string) (bool, error) {
	return s.updatePending(ctx, id, `status = $1`, string(model.PostStatusCancelled))
}

// Reschedule changes the scheduled time of a pending post
func (s *PostgresStore) Reschedule(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.updatePending(ctx, id, `scheduled_time = $1`, at.UTC())
}

func (s *PostgresStore) updatePending(ctx context.Context, id, set string, value interface{}) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_posts SET `+set+`, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		value, id, string(model.PostStatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to update post: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.FindByID(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// List returns posts with the given status, newest first. An empty status
// matches every post.
func (s *PostgresStore) List(ctx context.Context, status model.PostStatus, limit int) ([]*model.ScheduledPost, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+postColumns+`
		FROM scheduled_posts
		WHERE $1 = '' OR status = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	return collectPostgres(rows)
}

// PutContent stores or replaces a content payload
func (s *PostgresStore) PutContent(ctx context.Context, content *model.Content) error {
	media, err := json.Marshal(content.MediaURLs)
	if err != nil {
		return fmt.Errorf("failed to marshal media urls: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO post_contents (ref, title, body, media_urls, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (ref) DO UPDATE SET
			title = EXCLUDED.title,
			body = EXCLUDED.body,
			media_urls = EXCLUDED.media_urls,
			updated_at = NOW()`,
		content.Ref, content.Title, content.Text, media)
	if err != nil {
		return fmt.Errorf("failed to store content: %w", err)
	}
	return nil
}

// Resolve returns the content stored under ref
func (s *PostgresStore) Resolve(ctx context.Context, ref string) (*model.Content, error) {
	var content model.Content
	var media []byte

	err := s.pool.QueryRow(ctx, `
		SELECT ref, title, body, media_urls
		FROM post_contents
		WHERE ref = $1`, ref).Scan(
		&content.Ref,
		&content.Title,
		&content.Text,
		&media,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrContentNotFound, ref)
		}
		return nil, fmt.Errorf("failed to scan content: %w", err)
	}
	if err := json.Unmarshal(media, &content.MediaURLs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal media urls: %w", err)
	}
	return &content, nil
}

// Health checks if the database is reachable
func (s *PostgresStore) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func collectPostgres(rows pgx.Rows) ([]*model.ScheduledPost, error) {
	defer rows.Close()

	var posts []*model.ScheduledPost
	for rows.Next() {
		post, err := scanPostgresPost(rows)
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

func scanPostgresPost(row pgx.Row) (*model.ScheduledPost, error) {
	var rec postRecord

	err := row.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.ContentRef,
		&rec.Platforms,
		&rec.ScheduledTime,
		&rec.Status,
		&rec.Results,
		&rec.RetryCount,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan post: %w", err)
	}
	return rec.toModel()
}
