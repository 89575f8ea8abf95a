package db

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ErrUploadNotFound indicates no upload exists for the given id.
var ErrUploadNotFound = errors.New("upload not found")

// ErrTokenNotFound indicates no token exists for the given key.
var ErrTokenNotFound = errors.New("token not found")

// Store provides all database operations.
type Store struct {
	db *bun.DB
}

// New wraps an existing bun.DB. Most callers should use Open.
func New(db *bun.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IsHealthy reports whether the database answers a ping.
func (s *Store) IsHealthy(ctx context.Context) bool {
	return s.Ping(ctx) == nil
}

// CreateUpload inserts upload and populates its ID and CreatedAt.
func (s *Store) CreateUpload(ctx context.Context, upload *Upload) error {
	if upload.CreatedAt.IsZero() {
		upload.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NewInsert().Model(upload).Exec(ctx)
	return err
}

// UploadByID fetches one upload. Missing ids return ErrUploadNotFound.
func (s *Store) UploadByID(ctx context.Context, id int64) (*Upload, error) {
	upload := new(Upload)
	err := s.db.NewSelect().Model(upload).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUploadNotFound
		}
		return nil, err
	}
	return upload, nil
}

// MarkUploadAttempt increments the attempt counter for an upload.
func (s *Store) MarkUploadAttempt(ctx context.Context, id int64) error {
	res, err := s.db.NewUpdate().Model((*Upload)(nil)).
		Set("attempts = attempts + 1").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	return notFoundWhenZero(res, ErrUploadNotFound)
}

// CompleteUpload marks an upload complete and records which keys were
// skipped and ignored while processing it.
func (s *Store) CompleteUpload(ctx context.Context, id int64, skipped, ignored []string) error {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().Model(&Upload{
		ID:          id,
		CompletedAt: &now,
		SkippedKeys: skipped,
		IgnoredKeys: ignored,
	}).
		Column("completed_at", "skipped_keys", "ignored_keys").
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	return notFoundWhenZero(res, ErrUploadNotFound)
}

// CancelUpload marks an upload cancelled so the sweeper stops retrying it.
func (s *Store) CancelUpload(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().Model(&Upload{ID: id, CancelledAt: &now}).
		Column("cancelled_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	return notFoundWhenZero(res, ErrUploadNotFound)
}

// IncompleteUploads returns uploads that are neither completed nor cancelled,
// were created more than olderThan ago, and have fewer than maxAttempts
// attempts. Results are oldest first.
func (s *Store) IncompleteUploads(ctx context.Context, olderThan time.Duration, maxAttempts, limit int) ([]Upload, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var uploads []Upload
	err := s.db.NewSelect().Model(&uploads).
		Where("completed_at IS NULL").
		Where("cancelled_at IS NULL").
		Where("created_at < ?", cutoff).
		Where("attempts < ?", maxAttempts).
		OrderExpr("created_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return uploads, nil
}

// CreateFileUpload inserts one stored-member record.
func (s *Store) CreateFileUpload(ctx context.Context, fu *FileUpload) error {
	if fu.CreatedAt.IsZero() {
		fu.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NewInsert().Model(fu).Exec(ctx)
	return err
}

// FileUploadsForUpload lists the stored-member records of one upload.
func (s *Store) FileUploadsForUpload(ctx context.Context, uploadID int64) ([]FileUpload, error) {
	var fus []FileUpload
	err := s.db.NewSelect().Model(&fus).
		Where("upload_id = ?", uploadID).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fus, nil
}

// CreateToken mints a token for email with the given permissions, valid for
// ttl from now.
func (s *Store) CreateToken(ctx context.Context, email string, permissions []string, ttl time.Duration) (*Token, error) {
	now := time.Now().UTC()
	token := &Token{
		Key:         strings.ReplaceAll(uuid.NewString(), "-", ""),
		UserEmail:   strings.ToLower(email),
		Permissions: strings.Join(permissions, ","),
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
	}
	if _, err := s.db.NewInsert().Model(token).Exec(ctx); err != nil {
		return nil, err
	}
	return token, nil
}

// TokenByKey fetches a token by its key. Unknown keys return ErrTokenNotFound.
func (s *Store) TokenByKey(ctx context.Context, key string) (*Token, error) {
	token := new(Token)
	err := s.db.NewSelect().Model(token).Where("key = ?", key).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return token, nil
}

// TouchToken records that a token was just used.
func (s *Store) TouchToken(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := s.db.NewUpdate().Model(&Token{ID: id, LastUsedAt: &now}).
		Column("last_used_at").
		WherePK().
		Exec(ctx)
	return err
}

// Tokens lists tokens, optionally filtered by email, newest first.
func (s *Store) Tokens(ctx context.Context, email string) ([]Token, error) {
	var tokens []Token
	q := s.db.NewSelect().Model(&tokens).OrderExpr("created_at DESC")
	if email != "" {
		q = q.Where("user_email = ?", strings.ToLower(email))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return tokens, nil
}

// RecordMissingSymbol upserts a missing-symbol row keyed on the hash of its
// identifying fields, bumping the count on repeats.
func (s *Store) RecordMissingSymbol(ctx context.Context, m *MissingSymbol) error {
	m.Hash = missingSymbolHash(m)
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.ModifiedAt = now
	if m.Count == 0 {
		m.Count = 1
	}

	// In both SQLite and PostgreSQL an unqualified column inside DO UPDATE
	// refers to the existing row and excluded.* to the proposed one.
	_, err := s.db.NewInsert().Model(m).
		On("CONFLICT (hash) DO UPDATE").
		Set("count = count + 1").
		Set("modified_at = excluded.modified_at").
		Exec(ctx)
	return err
}

// MissingSymbolByHash fetches one missing-symbol row by the hash of the
// identifying fields of m.
func (s *Store) MissingSymbolByHash(ctx context.Context, m *MissingSymbol) (*MissingSymbol, error) {
	out := new(MissingSymbol)
	err := s.db.NewSelect().Model(out).Where("hash = ?", missingSymbolHash(m)).Limit(1).Scan(ctx)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func missingSymbolHash(m *MissingSymbol) string {
	sum := md5.Sum(fmt.Appendf(nil, "%s|%s|%s|%s|%s", m.Symbol, m.DebugID, m.Filename, m.CodeFile, m.CodeID))
	return hex.EncodeToString(sum[:])
}

func notFoundWhenZero(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
