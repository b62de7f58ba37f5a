package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
	"github.com/pkg/errors"
)

const userCols = `id, username, password_hash, last_active, created_at`

func scanUser(sc scanner) (*model.User, error) {
	var (
		u          model.User
		lastActive sql.NullInt64
		created    int64
	)
	if err := sc.Scan(&u.ID, &u.Username, &u.PasswordHash, &lastActive, &created); err != nil {
		return nil, err
	}
	u.CreatedAt = fromMillis(created)
	if lastActive.Valid {
		t := fromMillis(lastActive.Int64)
		u.LastActive = &t
	}
	return &u, nil
}

func (s *SQLStore) CreateUser(ctx context.Context, username, passwordHash string) (*model.User, error) {
	now := fromMillis(toMillis(time.Now()))
	u := &model.User{Username: username, PasswordHash: passwordHash, CreatedAt: now}
	err := s.db.QueryRowContext(ctx, s.rebind(`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?) RETURNING id`),
		username, passwordHash, toMillis(now)).Scan(&u.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.AlreadyExists("username already taken")
		}
		return nil, fail(err, "store.CreateUser")
	}
	return u, nil
}

func (s *SQLStore) user(ctx context.Context, op, where string, arg any) (*model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+userCols+` FROM users WHERE `+where), arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, fail(err, op)
	}
	return u, nil
}

func (s *SQLStore) UserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.user(ctx, "store.UserByID", `id=?`, id)
}

func (s *SQLStore) UserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.user(ctx, "store.UserByUsername", `username=?`, username)
}

func (s *SQLStore) SearchUsers(ctx context.Context, prefix string, excludeID int64, limit int) ([]model.User, error) {
	if limit <= 0 || limit > MaxLimit {
		limit = 20
	}
	pattern := strings.ToLower(strings.NewReplacer("%", "", "_", "").Replace(prefix)) + "%"
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+userCols+` FROM users
		WHERE LOWER(username) LIKE ? AND id <> ? ORDER BY username LIMIT ?`), pattern, excludeID, limit)
	if err != nil {
		return nil, fail(err, "store.SearchUsers")
	}
	defer rows.Close()
	var out []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fail(err, "store.SearchUsers.scan")
		}
		out = append(out, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(err, "store.SearchUsers.rows")
	}
	return out, nil
}

// TouchLastSeen records at as the user's last activity unless a later one is
// already stored.
func (s *SQLStore) TouchLastSeen(ctx context.Context, userID int64, at time.Time) error {
	ms := toMillis(at)
	if _, err := s.db.ExecContext(ctx, s.rebind(`UPDATE users SET last_active=? WHERE id=? AND (last_active IS NULL OR last_active < ?)`),
		ms, userID, ms); err != nil {
		return fail(err, "store.TouchLastSeen")
	}
	return nil
}

func (s *SQLStore) LastSeen(ctx context.Context, userID int64) (*time.Time, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT last_active FROM users WHERE id=?`), userID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, fail(err, "store.LastSeen")
	}
	if !ms.Valid {
		return nil, nil
	}
	t := fromMillis(ms.Int64)
	return &t, nil
}
