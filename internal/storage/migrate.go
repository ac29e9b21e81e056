package storage

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer runs a statement batch. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Migration is one schema file.
type Migration struct {
	Name string
	SQL  string
}

// LoadMigrations reads the top-level *.sql files of fsys in lexical order.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		body, readErr := fs.ReadFile(fsys, name)
		if readErr != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, readErr)
		}
		if strings.TrimSpace(string(body)) == "" {
			continue
		}
		migrations = append(migrations, Migration{Name: path.Base(name), SQL: string(body)})
	}
	return migrations, nil
}

// Migrate applies every migration in fsys. Migrations must be idempotent;
// they run on every start.
func Migrate(ctx context.Context, db Execer, fsys fs.FS) ([]string, error) {
	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return nil, err
	}
	if len(migrations) == 0 {
		return nil, fmt.Errorf("no migrations found")
	}

	applied := make([]string, 0, len(migrations))
	for _, m := range migrations {
		if _, execErr := db.Exec(ctx, m.SQL); execErr != nil {
			return applied, fmt.Errorf("apply migration %s: %w", m.Name, execErr)
		}
		applied = append(applied, m.Name)
	}
	return applied, nil
}
