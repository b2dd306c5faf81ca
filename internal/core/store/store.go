// Package store persists the mitigation journal in libsql/Turso.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/bulwarkhq/bulwark/internal/config"
)

const (
	driverLibsql = "libsql"
	memoryDSN    = ":memory:"
)

var errNotReady = errors.New("journal store is not initialized")

// Store is an open journal database.
type Store struct {
	x      *sqlx.DB
	driver string
}

// Open connects to the journal database described by cfg and verifies the
// connection. Local databases are held to one connection so that every
// query sees the same :memory: database.
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = driverLibsql
	}
	if driver != driverLibsql {
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}

	dsn, err := buildLibsqlDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driverLibsql, dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal store: %w", err)
	}
	if !isRemoteDSN(dsn) {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal store: %w", err)
	}

	return &Store{x: db, driver: driver}, nil
}

// Close releases the connection pool. Closing a nil store is a no-op.
func (s *Store) Close() error {
	if s == nil || s.x == nil {
		return nil
	}
	return s.x.Close()
}

// Driver names the database driver in use.
func (s *Store) Driver() string {
	if s == nil {
		return ""
	}
	return s.driver
}

// CheckHealth pings the database.
func (s *Store) CheckHealth(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.x.PingContext(ctx)
}

func (s *Store) ready() error {
	if s == nil || s.x == nil {
		return errNotReady
	}
	return nil
}

// buildLibsqlDSN turns the store config into a libsql DSN. A URL wins over a
// path; plain paths become file: DSNs and get their directory created.
func buildLibsqlDSN(cfg config.StoreConfig) (string, error) {
	if raw := strings.TrimSpace(cfg.URL); raw != "" {
		return withAuthToken(raw, strings.TrimSpace(cfg.AuthToken))
	}

	path := strings.TrimSpace(cfg.Path)
	switch {
	case path == "":
		return "", errors.New("journal store needs a path or url")
	case path == memoryDSN, isRemoteDSN(path):
		return path, nil
	case strings.HasPrefix(path, "file:"):
		local, err := filePathOf(path)
		if err != nil {
			return "", err
		}
		return path, ensureParentDir(local)
	default:
		return "file:" + filepath.Clean(path), ensureParentDir(path)
	}
}

func isRemoteDSN(dsn string) bool {
	for _, scheme := range []string{"libsql:", "http:", "https:", "wss:", "ws:"} {
		if strings.HasPrefix(dsn, scheme) {
			return true
		}
	}
	return false
}

// withAuthToken adds a Turso auth token unless the URL already carries one.
func withAuthToken(raw, token string) (string, error) {
	if token == "" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid journal store url: %w", err)
	}
	q := u.Query()
	if q.Get("authToken") != "" {
		return raw, nil
	}
	q.Set("authToken", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func filePathOf(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid journal store path: %w", err)
	}
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	return strings.TrimPrefix(p, "//"), nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if path == "" || dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	// #nosec G301 -- shared data directory
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}
	return nil
}
