// Command migrate applies the schema migrations in migrations/ against the
// configured Postgres database. Database settings come from the same
// environment variables the server reads; golang-migrate tracks the applied
// version in the schema_migrations table.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/pagemill/certd/internal/config"
)

const usage = `Usage: migrate [options] <command> [args]

Commands:
  up [N]       Apply all (or the next N) pending migrations
  down [N]     Roll back all (or the last N) migrations
  goto V       Migrate up or down to version V
  force V      Mark version V as applied without running anything
  version      Print the current schema version
  drop         Drop every table (asks for confirmation)
  create NAME  Write an empty up/down migration pair

Database settings are read from DB_HOST, DB_PORT, DB_USER, DB_PASSWORD,
DB_NAME and DB_SSLMODE, the same variables the server uses.
`

func main() {
	path := flag.String("path", envOr("MIGRATIONS_PATH", "migrations"), "migrations directory")
	timeout := flag.Duration("timeout", 5*time.Minute, "connect and lock timeout")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fmt.Fprintln(os.Stderr, "\nOptions:")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	if err := run(cfg.Database.DSN(), *path, *timeout, args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run(dsn, path string, timeout time.Duration, args []string) error {
	cmd, args := args[0], args[1:]

	// create works without a database connection
	if cmd == "create" {
		if len(args) == 0 {
			return errors.New("create requires a migration name")
		}
		return createPair(path, args[0])
	}

	m, err := open(dsn, path, timeout)
	if err != nil {
		return err
	}
	defer m.Close()

	switch cmd {
	case "up", "down":
		steps := 0
		if len(args) > 0 {
			if steps, err = strconv.Atoi(args[0]); err != nil || steps < 1 {
				return fmt.Errorf("invalid step count %q", args[0])
			}
		}
		return step(m, cmd, steps)

	case "goto":
		if len(args) == 0 {
			return errors.New("goto requires a version")
		}
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}
		if err := m.Migrate(uint(v)); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				log.Printf("Already at version %d", v)
				return nil
			}
			return err
		}
		log.Printf("Now at version %d", v)
		return nil

	case "force":
		if len(args) == 0 {
			return errors.New("force requires a version")
		}
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}
		if err := m.Force(v); err != nil {
			return err
		}
		log.Printf("Version forced to %d", v)
		return nil

	case "version":
		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Println("No migrations applied yet")
			return nil
		}
		if err != nil {
			return err
		}
		if dirty {
			log.Printf("Version %d (dirty)", v)
		} else {
			log.Printf("Version %d", v)
		}
		return nil

	case "drop":
		log.Println("This drops EVERY table in the database. Type 'yes' to continue:")
		var confirm string
		if _, err := fmt.Scanln(&confirm); err != nil || confirm != "yes" {
			log.Println("Aborted")
			return nil
		}
		return m.Drop()

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// step applies or rolls back migrations and reports the version movement.
func step(m *migrate.Migrate, direction string, steps int) error {
	from, _, _ := m.Version()

	var err error
	switch {
	case direction == "up" && steps > 0:
		err = m.Steps(steps)
	case direction == "up":
		err = m.Up()
	case steps > 0:
		err = m.Steps(-steps)
	default:
		err = m.Down()
	}
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Println("Nothing to do")
			return nil
		}
		return err
	}

	to, _, _ := m.Version()
	log.Printf("Migrated %d -> %d", from, to)
	return nil
}

func open(dsn, path string, timeout time.Duration) (*migrate.Migrate, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+abs, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.LockTimeout = timeout
	return m, nil
}

// createPair writes numbered up/down migration stubs into the migrations
// directory, continuing from the highest existing number.
func createPair(path, name string) error {
	next := 1
	entries, err := os.ReadDir(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name(), "%d_", &n); err == nil && n >= next {
			next = n + 1
		}
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}

	for _, suffix := range []string{"up", "down"} {
		file := filepath.Join(path, fmt.Sprintf("%06d_%s.%s.sql", next, name, suffix))
		if err := os.WriteFile(file, []byte("-- "+name+" ("+suffix+")\n"), 0644); err != nil {
			return err
		}
		log.Printf("Created %s", file)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
