// Package migrate applies the embedded schema and seed SQL.
package migrate

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"hisadmin.org/internal/obs"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

var (
	// ErrChecksumMismatch means an applied file was edited afterwards.
	ErrChecksumMismatch = errors.New("migrate: applied file changed")
	// ErrNothingToRollBack is returned by Down on an empty history.
	ErrNothingToRollBack = errors.New("migrate: no migrations applied")
)

// Manager executes SQL migrations and seed files read from file systems,
// normally the ones embedded by the migrations package. Every file runs in
// its own transaction together with its bookkeeping row.
type Manager struct {
	db              *sql.DB
	migrations      fs.FS
	seeds           fs.FS
	migrationsTable string
	seedsTable      string
	logger          *zap.Logger
	now             func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = obs.OrNop(l) }
}

// NewManager constructs a Manager. seeds may be nil.
func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrations:      migrations,
		seeds:           seeds,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		logger:          zap.NewNop(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Entry is one line of Status.
type Entry struct {
	Name      string
	Applied   bool
	AppliedAt time.Time
	// Modified is set when the file no longer matches what was applied.
	Modified bool
	// Missing is set when an applied migration has no file any more.
	Missing bool
}

func (e Entry) String() string {
	state := "pending"
	switch {
	case e.Missing:
		state = "applied, file missing"
	case e.Modified:
		state = "applied, MODIFIED " + e.AppliedAt.UTC().Format(time.RFC3339)
	case e.Applied:
		state = "applied " + e.AppliedAt.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%-40s %s", e.Name, state)
}

type applied struct {
	name     string
	checksum string
	at       time.Time
}

type sqlFile struct {
	name     string
	checksum string
	body     string
}

// Up applies pending migrations in name order. It refuses to run when an
// already applied file was modified.
func (m *Manager) Up(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	done, err := m.applied(ctx, m.migrationsTable)
	if err != nil {
		return err
	}
	files, err := readSQL(m.migrations, upSuffix)
	if err != nil {
		return err
	}
	seen := indexApplied(done)
	for _, f := range files {
		if prev, ok := seen[f.name]; ok {
			if prev.checksum != "" && prev.checksum != f.checksum {
				return fmt.Errorf("%w: %s", ErrChecksumMismatch, f.name)
			}
			continue
		}
		if err := m.apply(ctx, m.migrationsTable, f); err != nil {
			return fmt.Errorf("apply migration %s: %w", f.name, err)
		}
		m.logger.Info("migration applied", zap.String("name", f.name))
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	done, err := m.applied(ctx, m.migrationsTable)
	if err != nil {
		return err
	}
	if len(done) == 0 {
		return ErrNothingToRollBack
	}
	last := done[len(done)-1].name
	downName := strings.TrimSuffix(last, upSuffix) + downSuffix
	body, err := fs.ReadFile(m.migrations, downName)
	if err != nil {
		return fmt.Errorf("missing down migration for %s: %w", last, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := execAll(ctx, tx, string(body)); err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), last); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	m.logger.Info("migration rolled back", zap.String("name", last))
	return nil
}

// Status lists every known migration, applied or not, in name order.
func (m *Manager) Status(ctx context.Context) ([]Entry, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	done, err := m.applied(ctx, m.migrationsTable)
	if err != nil {
		return nil, err
	}
	files, err := readSQL(m.migrations, upSuffix)
	if err != nil {
		return nil, err
	}
	seen := indexApplied(done)
	out := make([]Entry, 0, len(files)+len(done))
	for _, f := range files {
		e := Entry{Name: f.name}
		if prev, ok := seen[f.name]; ok {
			e.Applied, e.AppliedAt = true, prev.at
			e.Modified = prev.checksum != "" && prev.checksum != f.checksum
			delete(seen, f.name)
		}
		out = append(out, e)
	}
	for _, prev := range seen {
		out = append(out, Entry{Name: prev.name, Applied: true, AppliedAt: prev.at, Missing: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Seed applies each seed file once. Seeds are written to be re-runnable, so
// an edited seed is applied again.
func (m *Manager) Seed(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	done, err := m.applied(ctx, m.seedsTable)
	if err != nil {
		return err
	}
	files, err := readSQL(m.seeds, ".sql")
	if err != nil {
		return err
	}
	seen := indexApplied(done)
	for _, f := range files {
		if prev, ok := seen[f.name]; ok && prev.checksum == f.checksum {
			continue
		}
		if err := m.apply(ctx, m.seedsTable, f); err != nil {
			return fmt.Errorf("apply seed %s: %w", f.name, err)
		}
		m.logger.Info("seed applied", zap.String("name", f.name))
	}
	return nil
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`create table if not exists %s (
	name       text primary key,
	checksum   text not null default '',
	applied_at timestamptz not null default now()
)`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
	}
	return nil
}

// apply runs f and upserts its bookkeeping row in one transaction.
func (m *Manager) apply(ctx context.Context, table string, f sqlFile) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := execAll(ctx, tx, f.body); err != nil {
		return err
	}
	q := fmt.Sprintf(`insert into %s (name, checksum, applied_at) values ($1, $2, $3)
on conflict (name) do update set checksum = excluded.checksum, applied_at = excluded.applied_at`, table)
	if _, err := tx.ExecContext(ctx, q, f.name, f.checksum, m.now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func execAll(ctx context.Context, tx *sql.Tx, body string) error {
	for _, stmt := range splitStatements(body) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) applied(ctx context.Context, table string) ([]applied, error) {
	rows, err := m.db.QueryContext(ctx,
		fmt.Sprintf(`select name, checksum, applied_at from %s order by applied_at, name`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []applied
	for rows.Next() {
		var a applied
		if err := rows.Scan(&a.name, &a.checksum, &a.at); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func indexApplied(done []applied) map[string]applied {
	idx := make(map[string]applied, len(done))
	for _, a := range done {
		idx[a.name] = a
	}
	return idx
}

// readSQL loads the files in the root of fsys ending in suffix, sorted by name.
func readSQL(fsys fs.FS, suffix string) ([]sqlFile, error) {
	if fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, ".")
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []sqlFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		if suffix == ".sql" && strings.HasSuffix(e.Name(), downSuffix) {
			continue
		}
		body, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, err
		}
		sum := blake3.Sum256(body)
		files = append(files, sqlFile{
			name:     e.Name(),
			checksum: hex.EncodeToString(sum[:]),
			body:     string(body),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

// splitStatements splits a script on semicolons that are outside quoted
// strings, quoted identifiers, comments and dollar-quoted bodies ($$ or $tag$).
// Statements are trimmed and empty ones dropped.
func splitStatements(script string) []string {
	var (
		out   []string
		start int
		i     int
	)
	emit := func(end int) {
		if s := strings.TrimSpace(script[start:end]); s != "" {
			out = append(out, s)
		}
	}
	for i < len(script) {
		switch c := script[i]; {
		case c == '\'' || c == '"':
			i = skipQuoted(script, i, c)
		case c == '-' && strings.HasPrefix(script[i:], "--"):
			if j := strings.IndexByte(script[i:], '\n'); j >= 0 {
				i += j + 1
			} else {
				i = len(script)
			}
		case c == '/' && strings.HasPrefix(script[i:], "/*"):
			if j := strings.Index(script[i+2:], "*/"); j >= 0 {
				i += j + 4
			} else {
				i = len(script)
			}
		case c == '$':
			if tag, ok := dollarTag(script[i:]); ok {
				if j := strings.Index(script[i+len(tag):], tag); j >= 0 {
					i += len(tag) + j + len(tag)
				} else {
					i = len(script)
				}
				continue
			}
			i++
		case c == ';':
			emit(i + 1)
			i++
			start = i
		default:
			i++
		}
	}
	emit(len(script))
	return out
}

// skipQuoted returns the index after the closing quote; doubled quotes escape.
func skipQuoted(s string, i int, q byte) int {
	for j := i + 1; j < len(s); j++ {
		if s[j] != q {
			continue
		}
		if j+1 < len(s) && s[j+1] == q {
			j++
			continue
		}
		return j + 1
	}
	return len(s)
}

// dollarTag recognises $$ or $name$ at the start of s.
func dollarTag(s string) (string, bool) {
	for j := 1; j < len(s); j++ {
		c := s[j]
		if c == '$' {
			return s[:j+1], true
		}
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || j > 1 && c >= '0' && c <= '9') {
			return "", false
		}
	}
	return "", false
}
