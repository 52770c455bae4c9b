package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/nexa-labs/classifyd/internal/classify"
)

// CatalogStore implements classify.CatalogStore over the partnumbers,
// manufacturers, tipi, and classifications tables.
type CatalogStore struct {
	pool pgxPool
}

// NewCatalogStore constructs a CatalogStore from an existing pool.
func NewCatalogStore(pool pgxPool) (*CatalogStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CatalogStore{pool: pool}, nil
}

// UpsertPartnumber normalizes the code and inserts the row when missing,
// returning the persisted row either way.
func (s *CatalogStore) UpsertPartnumber(ctx context.Context, code string) (classify.Partnumber, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" {
		return classify.Partnumber{}, fmt.Errorf("partnumber code is required")
	}
	// The no-op update makes RETURNING yield the row on conflict too.
	query := `
		INSERT INTO partnumbers (code)
		VALUES ($1)
		ON CONFLICT (code) DO UPDATE SET code = EXCLUDED.code
		RETURNING id, code;
	`
	var pn classify.Partnumber
	if err := s.pool.QueryRow(ctx, query, normalized).Scan(&pn.ID, &pn.Code); err != nil {
		return classify.Partnumber{}, fmt.Errorf("upsert partnumber: %w", err)
	}
	return pn, nil
}

// FindOrCreateManufacturer matches progressively relaxed combinations of
// name, address, and country (case-insensitive) and creates a row when
// nothing matches.
func (s *CatalogStore) FindOrCreateManufacturer(ctx context.Context, name string, address, country *string) (classify.Manufacturer, error) {
	nameNorm := strings.TrimSpace(name)
	if nameNorm == "" {
		return classify.Manufacturer{}, fmt.Errorf("manufacturer name is required")
	}
	addressNorm := trimmedOrNil(address)
	countryNorm := trimmedOrNil(country)

	type attempt struct {
		conds []string
		args  []any
	}
	var attempts []attempt
	if addressNorm != nil && countryNorm != nil {
		attempts = append(attempts, attempt{
			conds: []string{"name ILIKE $1", "address ILIKE $2", "country ILIKE $3"},
			args:  []any{nameNorm, *addressNorm, *countryNorm},
		})
	}
	if countryNorm != nil {
		attempts = append(attempts, attempt{
			conds: []string{"name ILIKE $1", "country ILIKE $2"},
			args:  []any{nameNorm, *countryNorm},
		})
	}
	if addressNorm != nil {
		attempts = append(attempts, attempt{
			conds: []string{"name ILIKE $1", "address ILIKE $2"},
			args:  []any{nameNorm, *addressNorm},
		})
	}
	attempts = append(attempts, attempt{
		conds: []string{"name ILIKE $1"},
		args:  []any{nameNorm},
	})

	for _, a := range attempts {
		query := `SELECT id, name, address, country FROM manufacturers WHERE ` +
			strings.Join(a.conds, " AND ") + ` LIMIT 1;`
		m, err := scanManufacturer(s.pool.QueryRow(ctx, query, a.args...))
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return classify.Manufacturer{}, fmt.Errorf("find manufacturer: %w", err)
		}
	}

	insert := `
		INSERT INTO manufacturers (name, address, country)
		VALUES ($1, $2, $3)
		RETURNING id, name, address, country;
	`
	m, err := scanManufacturer(s.pool.QueryRow(ctx, insert, nameNorm, addressNorm, countryNorm))
	if err != nil {
		return classify.Manufacturer{}, fmt.Errorf("create manufacturer: %w", err)
	}
	return m, nil
}

// FindTipi looks up a tariff rule by (ncm, ex); a nil ex defaults to "00".
func (s *CatalogStore) FindTipi(ctx context.Context, ncm string, ex *string) (classify.Tipi, error) {
	exValue := "00"
	if ex != nil && strings.TrimSpace(*ex) != "" {
		exValue = strings.TrimSpace(*ex)
	}
	query := `SELECT id, ncm, ex, description, tax FROM tipi WHERE ncm = $1 AND ex = $2;`
	var tipi classify.Tipi
	err := s.pool.QueryRow(ctx, query, ncm, exValue).Scan(
		&tipi.ID,
		&tipi.NCM,
		&tipi.Ex,
		&tipi.Description,
		&tipi.Tax,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return classify.Tipi{}, classify.ErrNotFound
		}
		return classify.Tipi{}, fmt.Errorf("find tipi: %w", err)
	}
	return tipi, nil
}

// CreateClassification inserts the row and returns it with its assigned id.
func (s *CatalogStore) CreateClassification(ctx context.Context, row classify.Classification) (classify.Classification, error) {
	status := row.Status
	if status == "" {
		status = classify.ClassificationActive
	}
	query := `
		INSERT INTO classifications (partnumber_id, task_id, tipi_id, manufacturer_id, long_description, confidence_rate, status, created_by_user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at;
	`
	created := row
	created.Status = status
	err := s.pool.QueryRow(ctx, query,
		row.PartnumberID,
		row.TaskID,
		row.TipiID,
		row.ManufacturerID,
		row.LongDescription,
		row.ConfidenceRate,
		status,
		row.CreatedByUserID,
	).Scan(&created.ID, &created.CreatedAt)
	if err != nil {
		return classify.Classification{}, fmt.Errorf("insert classification: %w", err)
	}
	return created, nil
}

const classificationColumns = `id, partnumber_id, task_id, tipi_id, manufacturer_id, long_description, confidence_rate, status, created_by_user_id, created_at`

// ListClassificationsByTask returns the rows created by one task.
func (s *CatalogStore) ListClassificationsByTask(ctx context.Context, taskID string) ([]classify.Classification, error) {
	query := `SELECT ` + classificationColumns + ` FROM classifications WHERE task_id = $1 ORDER BY id;`
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list classifications by task: %w", err)
	}
	defer rows.Close()
	return collectClassifications(rows)
}

// ListClassificationsByPartnumber returns prior rows for a normalized code.
func (s *CatalogStore) ListClassificationsByPartnumber(ctx context.Context, code string) ([]classify.Classification, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	query := `
		SELECT ` + prefixColumns("c", classificationColumns) + `
		FROM classifications c
		JOIN partnumbers p ON p.id = c.partnumber_id
		WHERE p.code = $1
		ORDER BY c.id;
	`
	rows, err := s.pool.Query(ctx, query, normalized)
	if err != nil {
		return nil, fmt.Errorf("list classifications by partnumber: %w", err)
	}
	defer rows.Close()
	return collectClassifications(rows)
}

func collectClassifications(rows pgx.Rows) ([]classify.Classification, error) {
	var out []classify.Classification
	for rows.Next() {
		var c classify.Classification
		err := rows.Scan(
			&c.ID,
			&c.PartnumberID,
			&c.TaskID,
			&c.TipiID,
			&c.ManufacturerID,
			&c.LongDescription,
			&c.ConfidenceRate,
			&c.Status,
			&c.CreatedByUserID,
			&c.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan classification row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate classification rows: %w", err)
	}
	return out, nil
}

func scanManufacturer(row pgx.Row) (classify.Manufacturer, error) {
	var m classify.Manufacturer
	if err := row.Scan(&m.ID, &m.Name, &m.Address, &m.Country); err != nil {
		return classify.Manufacturer{}, err
	}
	return m, nil
}

func trimmedOrNil(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, part := range parts {
		parts[i] = prefix + "." + part
	}
	return strings.Join(parts, ", ")
}
