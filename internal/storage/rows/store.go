// internal/storage/rows/store.go
package rows

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"sheetbridge/internal/common/database"
	apperrors "sheetbridge/internal/common/errors"
	"sheetbridge/internal/common/logger"
	"sheetbridge/internal/models"
)

// MissingKeyError is returned by a strict upsert for a row without a value
// in the key column. Reason() is the dead-letter reason for the row.
type MissingKeyError struct {
	Column string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("row has no value for key column %q", e.Column)
}

func (e *MissingKeyError) Reason() string {
	return models.ReasonMissingKey + ":" + e.Column
}

// Options configure key based deduplication.
type Options struct {
	// KeyColumn enables upsert by key when set.
	KeyColumn string
	// UpsertStrict rejects rows missing the key instead of inserting them.
	UpsertStrict bool
}

// Store is the durable row cache.
type Store struct {
	db     *database.SQLClient
	opts   Options
	locks  *keyLocks
	logger logger.Logger
	now    func() time.Time
}

func NewStore(db *database.SQLClient, opts Options, log logger.Logger) *Store {
	return &Store{
		db:     db,
		opts:   opts,
		locks:  newKeyLocks(),
		logger: log.WithFields(map[string]interface{}{"component": "row_cache"}),
		now:    time.Now,
	}
}

// KeyColumn returns the configured key column, empty when deduplication is off.
func (s *Store) KeyColumn() string {
	return s.opts.KeyColumn
}

// CheckKey reports the rejection a strict upsert would produce for data,
// nil when the row can be stored.
func (s *Store) CheckKey(data *models.RowData) *MissingKeyError {
	if s.opts.KeyColumn == "" || !s.opts.UpsertStrict {
		return nil
	}
	if _, ok := data.KeyValue(s.opts.KeyColumn); !ok {
		return &MissingKeyError{Column: s.opts.KeyColumn}
	}
	return nil
}

// UpsertResult counts what an upsert did.
type UpsertResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// Stored is Inserted+Updated.
func (r UpsertResult) Stored() int {
	return r.Inserted + r.Updated
}

// Upsert writes a batch in one transaction. With a key column, a row whose
// key already exists replaces the data of the oldest matching row, refreshes
// its created_at and removes any other row holding the same key. Without a
// key column every row is inserted. Writers to the same key are serialised.
func (s *Store) Upsert(ctx context.Context, batch []*models.RowData) (UpsertResult, error) {
	var res UpsertResult
	if len(batch) == 0 {
		return res, nil
	}

	type pending struct {
		key     string
		hasKey  bool
		payload string
	}
	items := make([]pending, 0, len(batch))
	var keys []string
	for _, data := range batch {
		if err := s.CheckKey(data); err != nil {
			return res, err
		}
		encoded, err := data.Encode()
		if err != nil {
			return res, fmt.Errorf("%w: encode row: %v", apperrors.ErrBadRequest, err)
		}
		p := pending{payload: string(encoded)}
		if s.opts.KeyColumn != "" {
			p.key, p.hasKey = data.KeyValue(s.opts.KeyColumn)
			if p.hasKey {
				keys = append(keys, p.key)
			}
		}
		items = append(items, p)
	}

	unlock := s.locks.lock(keys)
	defer unlock()

	createdAt := s.now().UTC().UnixMilli()
	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		for _, p := range items {
			if !p.hasKey {
				if err := insertRow(ctx, tx, nil, p.payload, createdAt); err != nil {
					return err
				}
				res.Inserted++
				continue
			}

			ids, err := idsForKey(ctx, tx, p.key)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				if err := insertRow(ctx, tx, &p.key, p.payload, createdAt); err != nil {
					return err
				}
				res.Inserted++
				continue
			}

			if _, err := tx.Exec(ctx, `UPDATE cached_rows SET data = ?, created_at = ? WHERE id = ?`,
				p.payload, createdAt, ids[0]); err != nil {
				return fmt.Errorf("update row %d: %w", ids[0], err)
			}
			for _, extra := range ids[1:] {
				if _, err := tx.Exec(ctx, `DELETE FROM cached_rows WHERE id = ?`, extra); err != nil {
					return fmt.Errorf("delete duplicate row %d: %w", extra, err)
				}
			}
			res.Updated++
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, fmt.Errorf("%w: upsert rows: %v", apperrors.ErrPersistenceFailed, err)
	}

	s.logger.Debug("rows upserted", map[string]interface{}{
		"inserted": res.Inserted,
		"updated":  res.Updated,
	})
	return res, nil
}

func insertRow(ctx context.Context, tx *database.Tx, key *string, payload string, createdAt int64) error {
	var id int64
	err := tx.QueryRow(ctx,
		`INSERT INTO cached_rows (row_key, data, created_at) VALUES (?, ?, ?) RETURNING id`,
		key, payload, createdAt,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert row: %w", err)
	}
	return nil
}

func idsForKey(ctx context.Context, tx *database.Tx, key string) ([]int64, error) {
	rows, err := tx.Query(ctx, `SELECT id FROM cached_rows WHERE row_key = ? ORDER BY id`, key)
	if err != nil {
		return nil, fmt.Errorf("lookup key: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Query selects a page of rows.
type Query struct {
	// Filter is a case-insensitive substring of the serialized row.
	Filter string
	// Columns restricts the keys of every returned row.
	Columns []string
	// Since keeps rows cached at or after this instant.
	Since  *time.Time
	Limit  int
	Offset int
}

// Page is one query result. Total counts every matching row.
type Page struct {
	Rows  []*models.Row
	Total int
}

// Query filters, orders by id, paginates and only then projects.
func (s *Store) Query(ctx context.Context, q Query) (*Page, error) {
	var (
		conds []string
		args  []interface{}
	)
	if q.Filter != "" {
		conds = append(conds, s.db.Dialect.Fold("data")+` LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(strings.ToLower(q.Filter))+"%")
	}
	if q.Since != nil {
		conds = append(conds, `created_at >= ?`)
		args = append(args, q.Since.UTC().UnixMilli())
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	page := &Page{Rows: []*models.Row{}}
	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM cached_rows`+where, args...).Scan(&page.Total); err != nil {
			return fmt.Errorf("count rows: %w", err)
		}
		if q.Limit <= 0 || page.Total <= q.Offset {
			return nil
		}

		pageArgs := append(append([]interface{}{}, args...), q.Limit, q.Offset)
		rows, err := tx.Query(ctx,
			`SELECT id, row_key, data, created_at FROM cached_rows`+where+` ORDER BY id LIMIT ? OFFSET ?`,
			pageArgs...)
		if err != nil {
			return fmt.Errorf("select rows: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			row, err := scanRow(rows)
			if err != nil {
				return err
			}
			row.Data = row.Data.Project(q.Columns)
			page.Rows = append(page.Rows, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: query rows: %v", apperrors.ErrPersistenceFailed, err)
	}
	return page, nil
}

func scanRow(rows *sql.Rows) (*models.Row, error) {
	var (
		row       models.Row
		key       sql.NullString
		data      string
		createdAt int64
	)
	if err := rows.Scan(&row.ID, &key, &data, &createdAt); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	decoded, err := models.DecodeRowData([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("decode row %d: %w", row.ID, err)
	}
	if key.Valid {
		k := key.String
		row.Key = &k
	}
	row.Data = decoded
	row.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &row, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Duplicate is a key value held by more than one row.
type Duplicate struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Duplicates reports key values present on more than one row. Values are
// read from the row data, so rows cached before the key column was
// configured are included.
func (s *Store) Duplicates(ctx context.Context) ([]Duplicate, error) {
	if s.opts.KeyColumn == "" {
		return nil, nil
	}
	counts := map[string]int{}
	var order []string
	err := s.scanAll(ctx, func(_ int64, _ sql.NullString, data *models.RowData) error {
		key, ok := data.KeyValue(s.opts.KeyColumn)
		if !ok {
			return nil
		}
		if counts[key] == 0 {
			order = append(order, key)
		}
		counts[key]++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: find duplicates: %v", apperrors.ErrPersistenceFailed, err)
	}

	out := []Duplicate{}
	for _, key := range order {
		if counts[key] > 1 {
			out = append(out, Duplicate{Key: key, Count: counts[key]})
		}
	}
	return out, nil
}

// Reindex recomputes the stored key of every row from its data. It is run at
// startup so a changed key column takes effect for existing rows.
func (s *Store) Reindex(ctx context.Context) (int, error) {
	type change struct {
		id  int64
		key *string
	}
	var changes []change
	err := s.scanAll(ctx, func(id int64, stored sql.NullString, data *models.RowData) error {
		var want *string
		if s.opts.KeyColumn != "" {
			if k, ok := data.KeyValue(s.opts.KeyColumn); ok {
				want = &k
			}
		}
		switch {
		case want == nil && !stored.Valid:
		case want != nil && stored.Valid && *want == stored.String:
		default:
			changes = append(changes, change{id: id, key: want})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: reindex: %v", apperrors.ErrPersistenceFailed, err)
	}
	if len(changes) == 0 {
		return 0, nil
	}

	err = s.db.WithTx(ctx, func(tx *database.Tx) error {
		for _, c := range changes {
			if _, err := tx.Exec(ctx, `UPDATE cached_rows SET row_key = ? WHERE id = ?`, c.key, c.id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: reindex: %v", apperrors.ErrPersistenceFailed, err)
	}
	s.logger.Info("row keys reindexed", map[string]interface{}{
		"keyColumn": s.opts.KeyColumn,
		"changed":   len(changes),
	})
	return len(changes), nil
}

// Count returns the number of cached rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM cached_rows`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count rows: %v", apperrors.ErrPersistenceFailed, err)
	}
	return n, nil
}

func (s *Store) scanAll(ctx context.Context, fn func(id int64, key sql.NullString, data *models.RowData) error) error {
	rows, err := s.db.Query(ctx, `SELECT id, row_key, data FROM cached_rows ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   int64
			key  sql.NullString
			data string
		)
		if err := rows.Scan(&id, &key, &data); err != nil {
			return err
		}
		decoded, err := models.DecodeRowData([]byte(data))
		if err != nil {
			if errors.Is(err, models.ErrNotAnObject) {
				continue
			}
			return fmt.Errorf("decode row %d: %w", id, err)
		}
		if err := fn(id, key, decoded); err != nil {
			return err
		}
	}
	return rows.Err()
}
