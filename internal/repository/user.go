package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/foodbridge/internal/logger"
	"github.com/foodbridge/internal/model"
	"github.com/foodbridge/internal/storage"
)

// userCols — список колонок для SELECT (порядок соответствует scanUser).
const userCols = `id, role, display_name, COALESCE(avatar_url,'')`

// UserRepository читает таблицу users, которую ведёт подсистема регистрации.
// Ядро переписки пишет в неё только через Create (заполнение в dev-режиме).
type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	return s.Scan(&u.ID, &u.Role, &u.DisplayName, &u.AvatarURL)
}

func (r *UserRepository) Create(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("user.Create", time.Now())()
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (role, display_name, avatar_url) VALUES ($1, $2, $3) RETURNING id`,
		u.Role, u.DisplayName, u.AvatarURL,
	).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("userRepo.Create: %w", err)
	}
	return nil
}

func (r *UserRepository) GetUser(ctx context.Context, id int64) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetUser", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetUser: %w", err)
	}
	return u, nil
}

func (r *UserRepository) GetUsers(ctx context.Context, ids []int64) (map[int64]model.User, error) {
	defer logger.DeferLogDuration("user.GetUsers", time.Now())()
	out := make(map[int64]model.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+userCols+` FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("userRepo.GetUsers query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("userRepo.GetUsers scan: %w", err)
		}
		out[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.GetUsers rows: %w", err)
	}
	return out, nil
}

// likeEscaper: ввод пользователя не должен работать как шаблон ILIKE.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (r *UserRepository) SearchUsers(ctx context.Context, role model.Role, query string, limit int) ([]model.User, error) {
	defer logger.DeferLogDuration("user.SearchUsers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+userCols+` FROM users
		 WHERE role = $1 AND display_name ILIKE $2
		 ORDER BY display_name, id
		 LIMIT $3`,
		role, "%"+likeEscaper.Replace(query)+"%", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("userRepo.SearchUsers query: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0, limit)
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("userRepo.SearchUsers scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.SearchUsers rows: %w", err)
	}
	return users, nil
}

var _ storage.UserDirectory = (*UserRepository)(nil)
