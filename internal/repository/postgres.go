// Package repository содержит реализации хранилища пользователей, объявлений и журнала баллов.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/campushelp/internal/lifecycle"
	"github.com/mmeshcher/campushelp/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrUserExists возвращается при попытке создать пользователя с занятым логином.
	ErrUserExists = fmt.Errorf("%w: username already taken", lifecycle.ErrConflict)
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = fmt.Errorf("%w: user does not exist", lifecycle.ErrNotFound)
	// ErrListingNotFound возвращается, если объявление данного вида не найдено.
	ErrListingNotFound = fmt.Errorf("%w: listing does not exist", lifecycle.ErrNotFound)
)

var retryDelays = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и применяет миграции схемы.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при конфликтах сериализации, дедлоках и обрывах соединения.
// Ошибки предметной области не повторяются.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(retryDelays) {
			break
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с начальным балансом.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *model.User) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (username, password_hash, contact, points, avatar)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		u.Username, u.PasswordHash, u.Contact, model.InitialPoints, u.Avatar,
	).Scan(&id)
	if err != nil {
		if isPgCode(err, pgerrcode.UniqueViolation) {
			return 0, ErrUserExists
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

const selectUserSQL = `SELECT id, username, password_hash, contact, points, avatar, created_at FROM users`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Contact, &u.Points, &u.Avatar, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetUserByUsername возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return scanUser(r.pool.QueryRow(ctx, selectUserSQL+` WHERE username = $1`, username))
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return scanUser(r.pool.QueryRow(ctx, selectUserSQL+` WHERE id = $1`, id))
}

// UpdateProfile изменяет контакт и аватар пользователя.
func (r *PostgresRepository) UpdateProfile(ctx context.Context, id int64, contact, avatar string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET contact = $2, avatar = $3 WHERE id = $1`,
		id, contact, avatar,
	)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetPointRecordsByUser возвращает журнал изменений баланса пользователя.
func (r *PostgresRepository) GetPointRecordsByUser(ctx context.Context, userID int64) ([]model.PointRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, listing_id, kind, reason, delta, created_at, published_at
		 FROM point_records
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select point records: %w", err)
	}
	return collectPointRecords(rows)
}

// GetUnpublishedPointRecords возвращает записи журнала, ещё не отправленные в брокер.
func (r *PostgresRepository) GetUnpublishedPointRecords(ctx context.Context, limit int) ([]model.PointRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, listing_id, kind, reason, delta, created_at, published_at
		 FROM point_records
		 WHERE published_at IS NULL
		 ORDER BY id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select unpublished point records: %w", err)
	}
	return collectPointRecords(rows)
}

func collectPointRecords(rows pgx.Rows) ([]model.PointRecord, error) {
	defer rows.Close()

	var res []model.PointRecord
	for rows.Next() {
		var (
			rec    model.PointRecord
			kind   string
			reason string
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.ListingID, &kind, &reason, &rec.Delta, &rec.CreatedAt, &rec.PublishedAt); err != nil {
			return nil, fmt.Errorf("scan point record: %w", err)
		}
		rec.Kind = model.Kind(kind)
		rec.Reason = model.PointReason(reason)
		res = append(res, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkPointRecordsPublished отмечает записи журнала как отправленные.
func (r *PostgresRepository) MarkPointRecordsPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE point_records SET published_at = now() WHERE id = ANY($1) AND published_at IS NULL`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("mark point records published: %w", err)
	}
	return nil
}

// CreateMessage сохраняет личное сообщение.
func (r *PostgresRepository) CreateMessage(ctx context.Context, m *model.Message) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO messages (sender_id, recipient_id, content) VALUES ($1, $2, $3) RETURNING id`,
		m.SenderID, m.RecipientID, m.Content,
	).Scan(&id)
	if err != nil {
		if isPgCode(err, pgerrcode.ForeignKeyViolation) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

// GetConversation возвращает переписку двух пользователей в хронологическом порядке.
func (r *PostgresRepository) GetConversation(ctx context.Context, userID, partnerID int64) ([]model.Message, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, sender_id, recipient_id, content, created_at
		 FROM messages
		 WHERE (sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1)
		 ORDER BY created_at, id`,
		userID, partnerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var res []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
