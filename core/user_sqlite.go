package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type SQLiteUserStore struct {
	db *sql.DB
}

func NewSQLiteUserStore(db *sql.DB) *SQLiteUserStore {
	return &SQLiteUserStore{
		db: db,
	}
}

func (s *SQLiteUserStore) CreateUser(ctx context.Context, user User) (int64, error) {
	eu, err := s.GetUserByUsername(ctx, user.Username)
	if err != nil {
		return 0, fmt.Errorf("checking if user exists: %w", err)
	}

	if eu != nil {
		return 0, ErrConflictedUser
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(user.Password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hashing password: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, username, password, avatar_url)
		VALUES (@name, @username, @password, @avatar_url)`,
		sql.Named("name", user.Name), sql.Named("username", user.Username),
		sql.Named("password", string(hashed)), sql.Named("avatar_url", user.AvatarURL))
	if err != nil {
		return 0, fmt.Errorf("creating user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("LastInsertId: %w", err)
	}
	return id, nil
}

const userColumns = "id, name, username, avatar_url, is_online, last_seen"

func scanUser(row interface{ Scan(...any) error }) (*UserWithoutSecrets, error) {
	user := new(UserWithoutSecrets)
	var lastSeen sql.NullTime
	if err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Username,
		&user.AvatarURL,
		&user.IsOnline,
		&lastSeen,
	); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		user.LastSeen = &lastSeen.Time
	}
	return user, nil
}

func (s *SQLiteUserStore) GetUserByID(ctx context.Context, id int64) (*UserWithoutSecrets, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = @id LIMIT 1", sql.Named("id", id))

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return user, nil
}

func (s *SQLiteUserStore) GetUserByUsername(ctx context.Context, username string) (*UserWithoutSecrets, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE username = @username LIMIT 1", sql.Named("username", username))

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return user, nil
}

func (s *SQLiteUserStore) ComparePassword(ctx context.Context, username, password string) (bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT password FROM users WHERE username = ? LIMIT 1", username)

	var storedPassword string

	err := row.Scan(&storedPassword)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}

		return false, fmt.Errorf("scanning password: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(storedPassword), []byte(password)); err != nil {
		return false, nil
	}

	return true, nil
}

func (s *SQLiteUserStore) SetOnlineStatus(ctx context.Context, id int64, online bool, at time.Time) error {
	var err error
	if online {
		_, err = s.db.ExecContext(ctx, "UPDATE users SET is_online = TRUE WHERE id = @id", sql.Named("id", id))
	} else {
		_, err = s.db.ExecContext(ctx,
			"UPDATE users SET is_online = FALSE, last_seen = @last_seen WHERE id = @id",
			sql.Named("id", id), sql.Named("last_seen", at))
	}
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteUserStore) UpdateProfile(ctx context.Context, id int64, profile Profile) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET name = @name, avatar_url = @avatar_url WHERE id = @id",
		sql.Named("name", profile.Name), sql.Named("avatar_url", profile.AvatarURL), sql.Named("id", id))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("RowsAffected: %w", err)
	}
	if n == 0 {
		return ErrInvalidUser
	}
	return nil
}
