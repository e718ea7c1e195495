package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"transit-planner/internal/errs"
)

// Dataset is one successfully imported schedule database.
type Dataset struct {
	DBName     string
	ImportedAt time.Time
}

// ResolveLatestDataset returns the most recently imported database whose name
// contains pattern, read from public.latest_successful_imports on the meta
// connection (normally the cluster's "postgres" database).
func ResolveLatestDataset(ctx context.Context, meta *sql.DB, pattern string) (Dataset, error) {
	const op = "db.ResolveLatestDataset"
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return Dataset{}, errs.Validation(op, "dataset pattern is required")
	}
	q := `
SELECT db_name, imported_at
FROM public.latest_successful_imports
WHERE db_name ILIKE '%' || $1 || '%'
ORDER BY imported_at DESC
LIMIT 1`
	var (
		name sql.NullString
		at   sql.NullTime
	)
	if err := meta.QueryRowContext(ctx, q, pattern).Scan(&name, &at); err != nil {
		if err == sql.ErrNoRows {
			return Dataset{}, errs.NotFound(op, "no imported dataset like %q", pattern)
		}
		return Dataset{}, errs.Persistence(op, fmt.Errorf("query latest_successful_imports: %w", err))
	}
	if !name.Valid || name.String == "" {
		return Dataset{}, errs.NotFound(op, "empty db_name for dataset like %q", pattern)
	}
	return Dataset{DBName: name.String, ImportedAt: at.Time}, nil
}
