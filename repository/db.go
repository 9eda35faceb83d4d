package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	auth "github.com/goliatone/go-campus-auth"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// OpenDB opens a bun.DB for driver, either sqlite or postgres.
func OpenDB(driver, dsn string) (*bun.DB, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite, "sqlite3", "":
		sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
		if err != nil {
			return nil, err
		}
		// sqlite serializes writers, a single connection keeps in memory
		// databases shared and avoids SQLITE_BUSY on concurrent rotations
		sqldb.SetMaxOpenConns(1)

		db := bun.NewDB(sqldb, sqlitedialect.New())
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	case DriverPostgres, "pg", "pgx":
		sqldb, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		return bun.NewDB(sqldb, pgdialect.New()), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

type tableDef struct {
	model       any
	foreignKeys []string
}

type indexDef struct {
	model   any
	name    string
	columns []string
}

var schemaTables = []tableDef{
	{model: (*auth.User)(nil)},
	{
		model:       (*auth.StudentProfile)(nil),
		foreignKeys: []string{`("user_id") REFERENCES "users" ("id") ON DELETE CASCADE`},
	},
	{
		model:       (*auth.TeacherProfile)(nil),
		foreignKeys: []string{`("user_id") REFERENCES "users" ("id") ON DELETE CASCADE`},
	},
	{
		model:       (*auth.ParentProfile)(nil),
		foreignKeys: []string{`("user_id") REFERENCES "users" ("id") ON DELETE CASCADE`},
	},
	{
		model:       (*auth.Session)(nil),
		foreignKeys: []string{`("user_id") REFERENCES "users" ("id") ON DELETE CASCADE`},
	},
	{
		model: (*auth.RefreshToken)(nil),
		foreignKeys: []string{
			`("session_id") REFERENCES "sessions" ("id") ON DELETE CASCADE`,
			`("user_id") REFERENCES "users" ("id") ON DELETE CASCADE`,
		},
	},
}

var schemaIndexes = []indexDef{
	{model: (*auth.Session)(nil), name: "sessions_user_id_idx", columns: []string{"user_id"}},
	{model: (*auth.RefreshToken)(nil), name: "refresh_tokens_session_id_idx", columns: []string{"session_id"}},
	{model: (*auth.RefreshToken)(nil), name: "refresh_tokens_user_id_idx", columns: []string{"user_id"}},
}

// EnsureSchema creates the identity, profile and session tables if missing.
func EnsureSchema(ctx context.Context, db *bun.DB) error {
	for _, table := range schemaTables {
		q := db.NewCreateTable().
			Model(table.model).
			IfNotExists()
		for _, fk := range table.foreignKeys {
			q = q.ForeignKey(fk)
		}
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("create table %T: %w", table.model, err)
		}
	}

	for _, idx := range schemaIndexes {
		_, err := db.NewCreateIndex().
			Model(idx.model).
			Index(idx.name).
			Column(idx.columns...).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}

	return nil
}
