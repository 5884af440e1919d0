package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/campushelp/internal/lifecycle"
	"github.com/mmeshcher/campushelp/internal/model"
)

const selectListingSQL = `SELECT l.id, l.kind, l.title, l.cost, l.description, l.location, l.subtype,
		l.owner_id, u.username, l.helper_id, l.status, l.poster_review, l.helper_review, l.image, l.created_at
	FROM listings l
	JOIN users u ON u.id = l.owner_id`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func scanListing(row pgx.Row) (*model.Listing, error) {
	var (
		l            model.Listing
		kind         string
		status       string
		posterReview string
		helperReview string
	)
	err := row.Scan(&l.ID, &kind, &l.Title, &l.Cost, &l.Description, &l.Location, &l.Subtype,
		&l.OwnerID, &l.OwnerName, &l.HelperID, &status, &posterReview, &helperReview, &l.Image, &l.CreatedAt)
	if err != nil {
		return nil, err
	}

	l.Kind = model.Kind(kind)
	l.Status = model.ListingStatus(status)
	l.PosterReview = model.ReviewGrade(posterReview)
	l.HelperReview = model.ReviewGrade(helperReview)
	return &l, nil
}

// CreateListing сохраняет новое объявление в статусе OPEN.
func (r *PostgresRepository) CreateListing(ctx context.Context, l *model.Listing) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO listings (kind, title, cost, description, location, subtype, owner_id, status, image)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		string(l.Kind), l.Title, l.Cost, l.Description, l.Location, l.Subtype, l.OwnerID,
		string(model.ListingStatusOpen), l.Image,
	).Scan(&id)
	if err != nil {
		if isPgCode(err, pgerrcode.ForeignKeyViolation) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("insert listing: %w", err)
	}
	return id, nil
}

// GetListing возвращает объявление указанного вида.
func (r *PostgresRepository) GetListing(ctx context.Context, kind model.Kind, id int64) (*model.Listing, error) {
	l, err := scanListing(r.pool.QueryRow(ctx, selectListingSQL+` WHERE l.id = $1 AND l.kind = $2`, id, string(kind)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrListingNotFound
		}
		return nil, fmt.Errorf("get listing: %w", err)
	}
	return l, nil
}

func buildListingQuery(f model.ListingFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.Kind != "" {
		add("l.kind = $%d", string(f.Kind))
	}
	if f.Status != "" {
		add("l.status = $%d", string(f.Status))
	}
	if f.Subtype != nil {
		add("l.subtype = $%d", *f.Subtype)
	}
	if f.OwnerID != nil {
		add("l.owner_id = $%d", *f.OwnerID)
	}
	if f.HelpsOf != nil {
		add("(l.helper_id = $%[1]d OR (l.owner_id = $%[1]d AND l.status <> 'OPEN'))", *f.HelpsOf)
	}
	if f.Keyword != "" {
		add("(l.title ILIKE $%[1]d OR (CASE WHEN l.kind = 'skill' THEN l.cost ELSE l.description END) ILIKE $%[1]d)",
			"%"+likeEscaper.Replace(f.Keyword)+"%")
	}
	if f.Location != "" {
		add("l.location ILIKE $%d", "%"+likeEscaper.Replace(f.Location)+"%")
	}

	query := selectListingSQL
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY l.created_at DESC, l.id DESC"

	return query, args
}

// ListListings возвращает объявления, подходящие под фильтр, от новых к старым.
func (r *PostgresRepository) ListListings(ctx context.Context, f model.ListingFilter) ([]model.Listing, error) {
	query, args := buildListingQuery(f)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select listings: %w", err)
	}
	defer rows.Close()

	var res []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		res = append(res, *l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateListing выполняет mutate над заблокированной строкой объявления и применяет
// возвращённые изменения балансов в той же транзакции. Любая ошибка откатывает всё.
func (r *PostgresRepository) UpdateListing(ctx context.Context, kind model.Kind, id int64, mutate model.Mutation) (*model.Listing, error) {
	var updated *model.Listing
	err := r.withRetry(ctx, func() error {
		l, err := r.updateListingTx(ctx, kind, id, mutate)
		if err != nil {
			return err
		}
		updated = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *PostgresRepository) updateListingTx(ctx context.Context, kind model.Kind, id int64, mutate model.Mutation) (*model.Listing, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := scanListing(tx.QueryRow(ctx,
		selectListingSQL+` WHERE l.id = $1 AND l.kind = $2 FOR UPDATE OF l`,
		id, string(kind),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrListingNotFound
		}
		return nil, fmt.Errorf("lock listing: %w", err)
	}

	changes, err := mutate(l)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE listings SET status = $2, helper_id = $3, poster_review = $4, helper_review = $5 WHERE id = $1`,
		l.ID, string(l.Status), l.HelperID, string(l.PosterReview), string(l.HelperReview),
	)
	if err != nil {
		if isPgCode(err, pgerrcode.ForeignKeyViolation) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("update listing: %w", err)
	}

	// Блокируем пользователей в порядке возрастания id, чтобы избежать дедлоков.
	sort.Slice(changes, func(i, j int) bool { return changes[i].UserID < changes[j].UserID })
	for _, c := range changes {
		if err := applyPointChange(ctx, tx, l, c); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return l, nil
}

func applyPointChange(ctx context.Context, tx pgx.Tx, l *model.Listing, c model.PointChange) error {
	var points int64
	err := tx.QueryRow(ctx, `SELECT points FROM users WHERE id = $1 FOR UPDATE`, c.UserID).Scan(&points)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("lock user for update: %w", err)
	}

	next := lifecycle.ApplyDelta(points, c.Delta)

	if _, err := tx.Exec(ctx, `UPDATE users SET points = $2 WHERE id = $1`, c.UserID, next); err != nil {
		return fmt.Errorf("update points: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO point_records (user_id, listing_id, kind, reason, delta) VALUES ($1, $2, $3, $4, $5)`,
		c.UserID, l.ID, string(l.Kind), string(c.Reason), next-points,
	)
	if err != nil {
		return fmt.Errorf("insert point record: %w", err)
	}

	return nil
}

// DeleteListing удаляет объявление, если check разрешает это для заблокированной строки.
func (r *PostgresRepository) DeleteListing(ctx context.Context, kind model.Kind, id int64, check func(l *model.Listing) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		l, err := scanListing(tx.QueryRow(ctx,
			selectListingSQL+` WHERE l.id = $1 AND l.kind = $2 FOR UPDATE OF l`,
			id, string(kind),
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrListingNotFound
			}
			return fmt.Errorf("lock listing: %w", err)
		}

		if err := check(l); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM listings WHERE id = $1`, l.ID); err != nil {
			return fmt.Errorf("delete listing: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}
