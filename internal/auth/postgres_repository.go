package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindUserByLineID looks up a user by their LINE identity.
func (r *PostgresRepository) FindUserByLineID(ctx context.Context, lineUserID string) (*User, error) {
	const query = `
		SELECT id, display_name, contact, avatar_url, locale, line_user_id, role, restaurant_id, created_at, updated_at, last_login_at
		FROM users
		WHERE line_user_id = $1
	`

	var row userRow
	if err := r.db.GetContext(ctx, &row, query, lineUserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return row.toUser(), nil
}

// FindUserByID looks up a user by primary key.
func (r *PostgresRepository) FindUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	const query = `
		SELECT id, display_name, contact, avatar_url, locale, line_user_id, role, restaurant_id, created_at, updated_at, last_login_at
		FROM users
		WHERE id = $1
	`

	var row userRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return row.toUser(), nil
}

// CreateUser inserts a new user. A concurrent insert for the same LINE
// identity loses to the unique index and surfaces as ErrIdentityExists.
func (r *PostgresRepository) CreateUser(ctx context.Context, user User) (User, error) {
	const query = `
		INSERT INTO users (id, display_name, contact, avatar_url, locale, line_user_id, role, restaurant_id, created_at, updated_at, last_login_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.DisplayName,
		user.Contact,
		user.AvatarURL,
		user.Locale,
		user.LineUserID,
		user.Role,
		user.RestaurantID,
		user.CreatedAt,
		user.UpdatedAt,
		user.LastLoginAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return User{}, ErrIdentityExists
		}
		return User{}, err
	}

	return user, nil
}

// UpdateUserProfile refreshes display metadata and the login timestamp.
func (r *PostgresRepository) UpdateUserProfile(ctx context.Context, id uuid.UUID, displayName, avatarURL, locale string) error {
	const query = `
		UPDATE users
		SET display_name = $2, avatar_url = $3, locale = $4, last_login_at = $5, updated_at = $5
		WHERE id = $1
	`

	now := time.Now()
	_, err := r.db.ExecContext(ctx, query, id, displayName, avatarURL, locale, now)
	return err
}

// CreateWebSession inserts a new web session.
func (r *PostgresRepository) CreateWebSession(ctx context.Context, session WebSession, tokenHash string) error {
	const query = `
		INSERT INTO web_sessions (id, user_id, session_token_hash, expires_at, created_at, user_agent, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		session.ID,
		session.UserID,
		tokenHash,
		session.ExpiresAt,
		session.CreatedAt,
		session.UserAgent,
		session.IPAddress,
	)
	return err
}

// FindWebSessionByTokenHash looks up a session and its user by token hash.
func (r *PostgresRepository) FindWebSessionByTokenHash(ctx context.Context, tokenHash string) (*WebSession, *User, error) {
	const query = `
		SELECT
			s.id, s.user_id, s.expires_at, s.created_at, s.user_agent, s.ip_address,
			u.display_name, u.contact, u.avatar_url, u.locale, u.line_user_id, u.role, u.restaurant_id,
			u.created_at AS user_created_at, u.updated_at AS user_updated_at, u.last_login_at
		FROM web_sessions s
		JOIN users u ON s.user_id = u.id
		WHERE s.session_token_hash = $1
	`

	var row sessionUserRow
	if err := r.db.GetContext(ctx, &row, query, tokenHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	return row.toSession(), row.toUser(), nil
}

// DeleteWebSession removes a session.
func (r *PostgresRepository) DeleteWebSession(ctx context.Context, id uuid.UUID) error {
	const query = `DELETE FROM web_sessions WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// DeleteExpiredWebSessions removes all sessions past their expiry.
func (r *PostgresRepository) DeleteExpiredWebSessions(ctx context.Context) (int64, error) {
	const query = `DELETE FROM web_sessions WHERE expires_at < $1`
	result, err := r.db.ExecContext(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// userRow is a database row representation of User.
type userRow struct {
	ID           uuid.UUID  `db:"id"`
	DisplayName  string     `db:"display_name"`
	Contact      string     `db:"contact"`
	AvatarURL    string     `db:"avatar_url"`
	Locale       string     `db:"locale"`
	LineUserID   *string    `db:"line_user_id"`
	Role         Role       `db:"role"`
	RestaurantID *uuid.UUID `db:"restaurant_id"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	LastLoginAt  time.Time  `db:"last_login_at"`
}

func (r *userRow) toUser() *User {
	return &User{
		ID:           r.ID,
		DisplayName:  r.DisplayName,
		Contact:      r.Contact,
		AvatarURL:    r.AvatarURL,
		Locale:       r.Locale,
		LineUserID:   r.LineUserID,
		Role:         r.Role,
		RestaurantID: r.RestaurantID,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		LastLoginAt:  r.LastLoginAt,
	}
}

// sessionUserRow is a database row for the session + user join query.
type sessionUserRow struct {
	// Session fields
	ID        uuid.UUID `db:"id"`
	UserID    uuid.UUID `db:"user_id"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
	UserAgent string    `db:"user_agent"`
	IPAddress string    `db:"ip_address"`

	// User fields
	DisplayName   string     `db:"display_name"`
	Contact       string     `db:"contact"`
	AvatarURL     string     `db:"avatar_url"`
	Locale        string     `db:"locale"`
	LineUserID    *string    `db:"line_user_id"`
	Role          Role       `db:"role"`
	RestaurantID  *uuid.UUID `db:"restaurant_id"`
	UserCreatedAt time.Time  `db:"user_created_at"`
	UserUpdatedAt time.Time  `db:"user_updated_at"`
	LastLoginAt   time.Time  `db:"last_login_at"`
}

func (r *sessionUserRow) toSession() *WebSession {
	return &WebSession{
		ID:        r.ID,
		UserID:    r.UserID,
		ExpiresAt: r.ExpiresAt,
		CreatedAt: r.CreatedAt,
		UserAgent: r.UserAgent,
		IPAddress: r.IPAddress,
	}
}

func (r *sessionUserRow) toUser() *User {
	return &User{
		ID:           r.UserID,
		DisplayName:  r.DisplayName,
		Contact:      r.Contact,
		AvatarURL:    r.AvatarURL,
		Locale:       r.Locale,
		LineUserID:   r.LineUserID,
		Role:         r.Role,
		RestaurantID: r.RestaurantID,
		CreatedAt:    r.UserCreatedAt,
		UpdatedAt:    r.UserUpdatedAt,
		LastLoginAt:  r.LastLoginAt,
	}
}
