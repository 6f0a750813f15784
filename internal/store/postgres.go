package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

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

// NextCounter atomically increments and returns the named sequence. The row is
// created lazily on first use; the increment-and-return happens inside a
// single statement so concurrent callers never observe the same value.
func (s *PostgresStore) NextCounter(ctx context.Context, name string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO counters (name, value)
		VALUES ($1, 1)
		ON CONFLICT (name) DO UPDATE SET value = counters.value + 1
		RETURNING value
	`, name).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("next counter %s: %w", name, err)
	}
	return value, nil
}

// --- Guides ---

func (s *PostgresStore) ListGuides(ctx context.Context) ([]Guide, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guide_id, name, description, icon, welcome_audio, created_at, updated_at
		FROM guides
		ORDER BY guide_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list guides: %w", err)
	}
	defer rows.Close()

	items := make([]Guide, 0)
	for rows.Next() {
		var item Guide
		if err := rows.Scan(&item.ID, &item.GuideID, &item.Name, &item.Description, &item.Icon, &item.WelcomeAudio, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan guide: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guides: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetGuide(ctx context.Context, guideID int64) (Guide, error) {
	var item Guide
	var stepsJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, guide_id, name, description, icon, welcome_audio, steps, created_at, updated_at
		FROM guides
		WHERE guide_id=$1
	`, guideID).Scan(&item.ID, &item.GuideID, &item.Name, &item.Description, &item.Icon, &item.WelcomeAudio, &stepsJSON, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Guide{}, err
	}
	if err := json.Unmarshal(stepsJSON, &item.Steps); err != nil {
		return Guide{}, fmt.Errorf("decode guide steps: %w", err)
	}
	if item.Steps == nil {
		item.Steps = []Step{}
	}
	return item, nil
}

func (s *PostgresStore) InsertGuide(ctx context.Context, item Guide) error {
	stepsJSON, err := json.Marshal(item.Steps)
	if err != nil {
		return fmt.Errorf("encode guide steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO guides (id, guide_id, name, description, icon, welcome_audio, steps)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.GuideID, item.Name, item.Description, item.Icon, item.WelcomeAudio, stepsJSON)
	if err != nil {
		return fmt.Errorf("insert guide: %w", err)
	}
	return nil
}

// UpdateGuide persists the whole aggregate as one row write. Either every
// field and the full step list land, or nothing does.
func (s *PostgresStore) UpdateGuide(ctx context.Context, item Guide) error {
	stepsJSON, err := json.Marshal(item.Steps)
	if err != nil {
		return fmt.Errorf("encode guide steps: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE guides
		SET name=$2, description=$3, icon=$4, welcome_audio=$5, steps=$6, updated_at=NOW()
		WHERE guide_id=$1
	`, item.GuideID, item.Name, item.Description, item.Icon, item.WelcomeAudio, stepsJSON)
	if err != nil {
		return fmt.Errorf("update guide: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update guide rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteGuide(ctx context.Context, guideID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM guides WHERE guide_id=$1`, guideID)
	if err != nil {
		return false, fmt.Errorf("delete guide: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete guide rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) SearchGuides(ctx context.Context, query string, limit int) ([]Guide, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guide_id, name, description, icon, welcome_audio, created_at, updated_at
		FROM guides
		WHERE name ILIKE '%' || $1 || '%' OR description ILIKE '%' || $1 || '%'
		ORDER BY guide_id
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search guides: %w", err)
	}
	defer rows.Close()

	items := make([]Guide, 0)
	for rows.Next() {
		var item Guide
		if err := rows.Scan(&item.ID, &item.GuideID, &item.Name, &item.Description, &item.Icon, &item.WelcomeAudio, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan guide: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guides: %w", err)
	}
	return items, nil
}

// --- Edit requests ---

func (s *PostgresStore) InsertEditRequest(ctx context.Context, item EditRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edit_requests (id, guide_id, user_id, updated_fields, status)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.GuideID, item.UserID, item.UpdatedFields, item.Status)
	if err != nil {
		return fmt.Errorf("insert edit request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEditRequest(ctx context.Context, editID string) (EditRequest, error) {
	var item EditRequest
	err := s.db.QueryRowContext(ctx, `
		SELECT id, guide_id, user_id, updated_fields, status, created_at
		FROM edit_requests
		WHERE id=$1
	`, editID).Scan(&item.ID, &item.GuideID, &item.UserID, &item.UpdatedFields, &item.Status, &item.CreatedAt)
	if err != nil {
		return EditRequest{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListEditRequestsByStatus(ctx context.Context, status string) ([]EditRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guide_id, user_id, updated_fields, status, created_at
		FROM edit_requests
		WHERE status=$1
		ORDER BY created_at
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list edit requests: %w", err)
	}
	defer rows.Close()

	items := make([]EditRequest, 0)
	for rows.Next() {
		var item EditRequest
		if err := rows.Scan(&item.ID, &item.GuideID, &item.UserID, &item.UpdatedFields, &item.Status, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edit request: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edit requests: %w", err)
	}
	return items, nil
}

// TransitionEditRequest moves an edit request out of pending. The conditional
// WHERE makes the transition race-safe: of two concurrent callers exactly one
// sees true, the other reads back the terminal row.
func (s *PostgresStore) TransitionEditRequest(ctx context.Context, editID, toStatus string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE edit_requests
		SET status=$2
		WHERE id=$1 AND status=$3
	`, editID, toStatus, EditStatusPending)
	if err != nil {
		return false, fmt.Errorf("transition edit request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition edit request rows: %w", err)
	}
	return affected > 0, nil
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, role)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.Username, user.Email, user.PasswordHash, user.Role)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.getUser(ctx, `WHERE id=$1`, userID)
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return s.getUser(ctx, `WHERE username=$1`, username)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, `WHERE email=$1`, email)
}

func (s *PostgresStore) getUser(ctx context.Context, where string, arg any) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, role, otp_code, otp_expires_at, created_at, updated_at
		FROM users `+where,
		arg,
	).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.Role, &user.OTPCode, &user.OTPExpiresAt, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, email, role
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Username, &user.Email, &user.Role); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateUserRole(ctx context.Context, username string, role int) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		UPDATE users
		SET role=$2, updated_at=NOW()
		WHERE username=$1
		RETURNING id, username, email, role
	`, username, role).Scan(&user.ID, &user.Username, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) DeleteUserByUsername(ctx context.Context, username string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username=$1`, username)
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete user rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) SetUserOTP(ctx context.Context, userID, code string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET otp_code=$2, otp_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, code, expiresAt)
	if err != nil {
		return fmt.Errorf("set user otp: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash=$2, otp_code='', otp_expires_at=NULL, updated_at=NOW()
		WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	return nil
}

// --- Access token revocation (logout) ---

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// --- Audio clips (text-to-speech) ---

func (s *PostgresStore) InsertAudioClip(ctx context.Context, clip AudioClip) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audio_clips (id, text, link)
		VALUES ($1, $2, $3)
	`, clip.ID, clip.Text, clip.Link)
	if err != nil {
		return fmt.Errorf("insert audio clip: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a Postgres unique constraint error.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqlErr interface{ SQLState() string }
	if errors.As(err, &sqlErr) {
		return sqlErr.SQLState() == "23505"
	}
	return false
}
