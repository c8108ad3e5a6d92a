package db

import (
	"errors"
	"net/url"
	"strings"
)

// WithDBName swaps the database in a postgres DSN, so one cluster DSN can point
// the tracker at a different routes database (the --database flag).
func WithDBName(dsn, database string) (string, error) {
	if dsn == "" {
		return "", errors.New("empty DSN")
	}
	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	u.Path = "/" + strings.TrimPrefix(database, "/")
	return u.String(), nil
}
