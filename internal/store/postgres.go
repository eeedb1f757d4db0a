package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrUnknownCompetency is returned when a write references a competency id
// that does not exist in the catalog.
var ErrUnknownCompetency = errors.New("unknown competency")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Entries

// ListEntries returns every entry owned by ownerEmail, newest id first, each
// annotated with its competency ids. Entries without tags are included.
func (s *PostgresStore) ListEntries(ctx context.Context, ownerEmail string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_email, text, created_at
		FROM entries
		WHERE user_email = $1
		ORDER BY id DESC
	`, ownerEmail)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	index := map[int64]int{}
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.ID, &entry.UserEmail, &entry.Text, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entry.CompetencyIDs = []int64{}
		index[entry.ID] = len(entries)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	tagRows, err := s.db.QueryContext(ctx, `
		SELECT ec.entry_id, ec.competency_id
		FROM entry_competencies ec
		JOIN entries e ON e.id = ec.entry_id
		WHERE e.user_email = $1
		ORDER BY ec.entry_id, ec.competency_id
	`, ownerEmail)
	if err != nil {
		return nil, fmt.Errorf("list entry tags: %w", err)
	}
	defer tagRows.Close()

	for tagRows.Next() {
		var entryID, competencyID int64
		if err := tagRows.Scan(&entryID, &competencyID); err != nil {
			return nil, fmt.Errorf("scan entry tag: %w", err)
		}
		if i, ok := index[entryID]; ok {
			entries[i].CompetencyIDs = append(entries[i].CompetencyIDs, competencyID)
		}
	}
	if err := tagRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entry tags: %w", err)
	}

	return entries, nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, ownerEmail string, id int64) (Entry, error) {
	var entry Entry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_email, text, created_at
		FROM entries
		WHERE id = $1 AND user_email = $2
	`, id, ownerEmail).Scan(&entry.ID, &entry.UserEmail, &entry.Text, &entry.CreatedAt)
	if err != nil {
		return Entry{}, err
	}
	entry.CompetencyIDs = []int64{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT competency_id FROM entry_competencies
		WHERE entry_id = $1
		ORDER BY competency_id
	`, id)
	if err != nil {
		return Entry{}, fmt.Errorf("entry tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var competencyID int64
		if err := rows.Scan(&competencyID); err != nil {
			return Entry{}, fmt.Errorf("scan entry tag: %w", err)
		}
		entry.CompetencyIDs = append(entry.CompetencyIDs, competencyID)
	}
	if err := rows.Err(); err != nil {
		return Entry{}, fmt.Errorf("iterate entry tags: %w", err)
	}
	return entry, nil
}

// CreateEntry inserts an entry plus its tag rows inside one transaction, so a
// failed tag insert never leaves a tagless entry behind.
func (s *PostgresStore) CreateEntry(ctx context.Context, ownerEmail, text string, competencyIDs []int64) (Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("begin create entry: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var entry Entry
	err = tx.QueryRowContext(ctx, `
		INSERT INTO entries (user_email, text)
		VALUES ($1, $2)
		RETURNING id, user_email, text, created_at
	`, ownerEmail, text).Scan(&entry.ID, &entry.UserEmail, &entry.Text, &entry.CreatedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}

	if err := insertTags(ctx, tx, entry.ID, competencyIDs); err != nil {
		return Entry{}, err
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit create entry: %w", err)
	}
	entry.CompetencyIDs = normalizeIDs(competencyIDs)
	return entry, nil
}

// UpdateEntry rewrites the entry text and fully replaces its tag set
// (delete-all then re-insert, not a diff) in one transaction.
// Returns sql.ErrNoRows when id is not owned by ownerEmail.
func (s *PostgresStore) UpdateEntry(ctx context.Context, ownerEmail string, id int64, text string, competencyIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update entry: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE entries SET text = $1
		WHERE id = $2 AND user_email = $3
	`, text, id, ownerEmail)
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entry affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM entry_competencies WHERE entry_id = $1`, id); err != nil {
		return fmt.Errorf("clear entry tags: %w", err)
	}
	if err := insertTags(ctx, tx, id, competencyIDs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update entry: %w", err)
	}
	return nil
}

// DeleteEntry removes the tag rows then the entry row filtered by id AND
// owner, in one transaction. Returns sql.ErrNoRows when nothing was deleted.
func (s *PostgresStore) DeleteEntry(ctx context.Context, ownerEmail string, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete entry: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entry_competencies WHERE entry_id = $1`, id); err != nil {
		return fmt.Errorf("delete entry tags: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id = $1 AND user_email = $2`, id, ownerEmail)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete entry affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete entry: %w", err)
	}
	return nil
}

func insertTags(ctx context.Context, tx *sql.Tx, entryID int64, competencyIDs []int64) error {
	for _, competencyID := range normalizeIDs(competencyIDs) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entry_competencies (entry_id, competency_id)
			VALUES ($1, $2)
		`, entryID, competencyID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return fmt.Errorf("competency %d: %w", competencyID, ErrUnknownCompetency)
			}
			return fmt.Errorf("insert entry tag: %w", err)
		}
	}
	return nil
}

// normalizeIDs drops duplicate ids while keeping input order, so the
// composite primary key on entry_competencies never trips on repeats.
func normalizeIDs(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Competencies

func (s *PostgresStore) ListCompetencies(ctx context.Context) ([]Competency, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, skill, description FROM competencies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list competencies: %w", err)
	}
	defer rows.Close()

	var competencies []Competency
	for rows.Next() {
		var competency Competency
		if err := rows.Scan(&competency.ID, &competency.Skill, &competency.Description); err != nil {
			return nil, fmt.Errorf("scan competency: %w", err)
		}
		competencies = append(competencies, competency)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate competencies: %w", err)
	}
	return competencies, nil
}

// Users

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, is_email_verified
		FROM users WHERE email = $1
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, is_email_verified
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token = $1, verification_expires_at = $2, updated_at = NOW()
		WHERE id = $3
	`, token, expiresAt, userID)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified = TRUE, verification_token = NULL, verification_expires_at = NULL, updated_at = NOW()
		WHERE verification_token = $1
			AND (verification_expires_at IS NULL OR verification_expires_at > NOW())
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $1, updated_at = NOW() WHERE id = $2
	`, passwordHash, userID)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token = $1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at = NOW() WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// Refresh sessions (Postgres fallback when Redis is not configured)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.is_email_verified
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// Access token revocation (logout)

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti = $1 AND expires_at > NOW())
	`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}
