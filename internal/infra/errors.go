package infra

import (
	"errors"

	"github.com/jackc/pgx/v5"
)

// IsNoRows reports whether err is (or wraps) pgx.ErrNoRows, the sentinel
// pgx returns from QueryRow when no row matched.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
