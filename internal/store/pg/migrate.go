package pg

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// MigrationsTable records the applied schema version.
const MigrationsTable = "conductor_schema_migrations"

// SchemaStatus describes the agent_servers schema in one database.
type SchemaStatus struct {
	Version uint // 0 when nothing is applied
	Latest  uint // highest version found in the migrations directory
	Dirty   bool
	Servers int // rows in agent_servers, -1 when the table does not exist
}

// Pending reports whether migrations remain to be applied.
func (s SchemaStatus) Pending() bool { return s.Version < s.Latest }

func (s SchemaStatus) String() string {
	state := "clean"
	switch {
	case s.Dirty:
		state = "dirty"
	case s.Pending():
		state = fmt.Sprintf("%d pending", s.Latest-s.Version)
	}
	servers := "table missing"
	if s.Servers >= 0 {
		servers = fmt.Sprintf("%d server records", s.Servers)
	}
	return fmt.Sprintf("agent_servers schema v%d/%d (%s), %s", s.Version, s.Latest, state, servers)
}

// Migrator applies the migrations directory to a conductor database.
type Migrator struct {
	db  *sql.DB
	dir string
	m   *migrate.Migrate
}

// NewMigrator binds the migrations in dir to db. The caller keeps ownership of db.
func NewMigrator(db *sql.DB, dir string) (*Migrator, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return &Migrator{db: db, dir: dir, m: m}, nil
}

// Up applies every pending migration.
func (g *Migrator) Up() (SchemaStatus, error) {
	if err := g.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return SchemaStatus{}, fmt.Errorf("migrate up: %w", err)
	}
	return g.Status()
}

// Down rolls back steps migrations (at least one).
func (g *Migrator) Down(steps int) (SchemaStatus, error) {
	if steps <= 0 {
		steps = 1
	}
	// Rolling back past the first migration stops at version 0.
	var short migrate.ErrShortLimit
	if err := g.m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) &&
		!errors.Is(err, fs.ErrNotExist) && !errors.As(err, &short) {
		return SchemaStatus{}, fmt.Errorf("migrate down: %w", err)
	}
	return g.Status()
}

// Status reads the applied version and counts server records.
func (g *Migrator) Status() (SchemaStatus, error) {
	var st SchemaStatus
	v, dirty, err := g.m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return st, fmt.Errorf("schema version: %w", err)
	}
	st.Version, st.Dirty = v, dirty

	if st.Latest, err = LatestVersion(g.dir); err != nil {
		return st, err
	}

	st.Servers = -1
	var exists bool
	if err := g.db.QueryRow(`SELECT to_regclass('agent_servers') IS NOT NULL`).Scan(&exists); err != nil {
		return st, fmt.Errorf("check agent_servers: %w", err)
	}
	if exists {
		if err := g.db.QueryRow(`SELECT COUNT(*) FROM agent_servers`).Scan(&st.Servers); err != nil {
			return st, fmt.Errorf("count agent_servers: %w", err)
		}
	}
	return st, nil
}

// Close releases the migration source. The database stays open.
func (g *Migrator) Close() error {
	srcErr, _ := g.m.Close()
	return srcErr
}

// LatestVersion returns the highest migration version in dir, or 0 when dir
// holds none.
func LatestVersion(dir string) (uint, error) {
	src, err := source.Open("file://" + dir)
	if err != nil {
		return 0, fmt.Errorf("open migrations %s: %w", dir, err)
	}
	defer src.Close()

	v, err := src.First()
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read migrations %s: %w", dir, err)
	}
	for {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read migrations %s: %w", dir, err)
		}
		v = next
	}
}
