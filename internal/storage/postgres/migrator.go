package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Ключ advisory lock, сериализующий миграции между инстансами.
const schemaLockKey = int64(20260114)

const schemaVersionsDDL = `
CREATE TABLE IF NOT EXISTS schema_versions (
    version    BIGINT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

var (
	//go:embed sql/migrations/*.sql
	embeddedMigrations embed.FS

	migrationName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)
)

// Одна версия схемы с SQL для применения и отката.
type schemaStep struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

// MigrationState описывает состояние схемы БД.
type MigrationState struct {
	// Последняя применённая версия, 0 для пустой базы.
	Version int64
	Applied int
	Pending int
}

// MigrateUp применяет не более steps ещё не применённых версий; steps=0 применяет все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withSchemaLock(ctx, func(conn *sql.Conn, plan []schemaStep) error {
		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}

		done := 0
		for _, step := range plan {
			if _, ok := applied[step.Version]; ok {
				continue
			}
			if steps > 0 && done == steps {
				break
			}
			if err := runStep(ctx, conn, step, true); err != nil {
				return err
			}
			done++
		}
		return nil
	})
}

// MigrateDown откатывает steps последних версий; steps<=0 откатывает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}

	return s.withSchemaLock(ctx, func(conn *sql.Conn, plan []schemaStep) error {
		byVersion := make(map[int64]schemaStep, len(plan))
		for _, step := range plan {
			byVersion[step.Version] = step
		}

		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		versions := make([]int64, 0, len(applied))
		for version := range applied {
			versions = append(versions, version)
		}
		sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
		if len(versions) > steps {
			versions = versions[:steps]
		}

		for _, version := range versions {
			step, ok := byVersion[version]
			if !ok {
				return fmt.Errorf("schema version %d is applied but has no migration files", version)
			}
			if err := runStep(ctx, conn, step, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrationStatus возвращает текущую версию схемы и число применённых и ожидающих шагов.
func (s *Store) MigrationStatus(ctx context.Context) (MigrationState, error) {
	if s == nil || s.db == nil {
		return MigrationState{}, errStoreNotInitialized
	}

	plan, err := readSchemaSteps(embeddedMigrations)
	if err != nil {
		return MigrationState{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	conn, err := s.db.Conn(queryCtx)
	if err != nil {
		return MigrationState{}, fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(queryCtx, schemaVersionsDDL); err != nil {
		return MigrationState{}, fmt.Errorf("ensure schema_versions: %w", err)
	}
	applied, err := appliedVersions(queryCtx, conn)
	if err != nil {
		return MigrationState{}, err
	}

	state := MigrationState{Applied: len(applied)}
	for version := range applied {
		if version > state.Version {
			state.Version = version
		}
	}
	for _, step := range plan {
		if _, ok := applied[step.Version]; !ok {
			state.Pending++
		}
	}
	return state, nil
}

// withSchemaLock берёт session-level advisory lock на выделенном соединении,
// чтобы параллельные инстансы не применяли миграции одновременно.
func (s *Store) withSchemaLock(ctx context.Context, fn func(conn *sql.Conn, plan []schemaStep) error) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}

	plan, err := readSchemaSteps(embeddedMigrations)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, schemaLockKey)
	}()

	if _, err := conn.ExecContext(ctx, schemaVersionsDDL); err != nil {
		return fmt.Errorf("ensure schema_versions: %w", err)
	}

	return fn(conn, plan)
}

// runStep применяет (up=true) или откатывает шаг вместе с записью в schema_versions.
func runStep(ctx context.Context, conn *sql.Conn, step schemaStep, up bool) error {
	body, bookkeeping, args, label := step.Down, `DELETE FROM schema_versions WHERE version = $1`, []any{step.Version}, "down"
	if up {
		body = step.Up
		bookkeeping = `INSERT INTO schema_versions (version, name) VALUES ($1, $2)`
		args = []any{step.Version, step.Name}
		label = "up"
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s %04d_%s: %w", label, step.Version, step.Name, err)
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply %s %04d_%s: %w", label, step.Version, step.Name, err)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record %s %04d_%s: %w", label, step.Version, step.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s %04d_%s: %w", label, step.Version, step.Name, err)
	}
	return nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[int64]struct{}, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_versions`)
	if err != nil {
		return nil, fmt.Errorf("query schema_versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]struct{})
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan schema version: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_versions: %w", err)
	}
	return applied, nil
}

// readSchemaSteps собирает пары NNNN_name.up.sql / NNNN_name.down.sql в упорядоченный план.
func readSchemaSteps(fsys fs.FS) ([]schemaStep, error) {
	files, err := fs.Glob(fsys, "sql/migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	steps := make(map[int64]*schemaStep)
	for _, file := range files {
		base := path.Base(file)
		parts := migrationName.FindStringSubmatch(base)
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", base)
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version from %s: %w", base, err)
		}

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", base, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", base)
		}

		step, ok := steps[version]
		if !ok {
			step = &schemaStep{Version: version, Name: parts[2]}
			steps[version] = step
		}
		if step.Name != parts[2] {
			return nil, fmt.Errorf("migration %d has conflicting names %q and %q", version, step.Name, parts[2])
		}

		target := &step.Up
		if parts[3] == "down" {
			target = &step.Down
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", parts[3], version)
		}
		*target = body
	}

	plan := make([]schemaStep, 0, len(steps))
	for _, step := range steps {
		if step.Up == "" || step.Down == "" {
			return nil, fmt.Errorf("migration %d_%s must have both up and down files", step.Version, step.Name)
		}
		plan = append(plan, *step)
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].Version < plan[j].Version })
	return plan, nil
}
