package db

import (
	"database/sql"
	"net/url"
	"path"
	"runtime"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/paykit/config"
)

// MigrationsPath is the migration path
var MigrationsPath string

func init() {
	// This is abstracted into a function because calling it directly inside
	// creates the wrong path
	setMigrationsPath()
}

func setMigrationsPath() {
	_, filename, _, ok := runtime.Caller(1)
	if ok == false {
		panic(errors.New("could not find path to migrations files"))
	}
	splitPath := strings.SplitAfter(filename, "paykit/")
	basePath := splitPath[0]

	MigrationsPath = path.Join(path.Dir(basePath), "/internal/platform/store/migrations")
}

// Open opens a connection to the Postgres instance described by cfg.
func Open(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	databaseURL := connectionURL(cfg, cfg.Name)

	d, err := sqlx.Open("postgres", databaseURL.String())
	if err != nil {
		return nil, errors.Wrapf(err,
			"cannot connect to database %s with user %s",
			cfg.Name, cfg.User,
		)
	}
	log.Infof("opened connection to db %s", cfg.Name)

	return d, nil
}

// OpenTestDatabase opens a connection to a throwaway database derived from
// cfg, scoped by name. Callers pass a package- or test-specific name because
// test files in this module run in parallel and must not share a schema.
func OpenTestDatabase(cfg config.DatabaseConfig, name string) (*sqlx.DB, error) {
	databaseURL := connectionURL(cfg, cfg.Name+"_"+name)

	d, err := sqlx.Open("postgres", databaseURL.String())
	if err != nil {
		return nil, errors.Wrapf(err,
			"cannot connect to test database %s with user %s",
			cfg.Name, cfg.User,
		)
	}

	return d, nil
}

func connectionURL(cfg config.DatabaseConfig, dbName string) url.URL {
	q := make(url.Values)
	q.Set("sslmode", "disable")
	q.Set("timezone", "utc")

	host := cfg.Host
	if cfg.Port != 0 {
		host = host + ":" + strconv.Itoa(cfg.Port)
	}

	return url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     host,
		Path:     dbName,
		RawQuery: q.Encode(),
	}
}

// CreateTestDatabase applies migrations to the DB. If already applied, drops
// the db first, then applies migrations
func CreateTestDatabase(testDB *sqlx.DB) error {
	err := MigrateUp(path.Join("file://", MigrationsPath), testDB)

	if err != nil {
		if err.Error() == "no change" {
			return ResetDB(testDB)
		}
		log.Error(err)
		return errors.Wrap(err, "could not create test database")
	}

	return nil
}

// TeardownTestDB drops the database, removing all data and schemas
func TeardownTestDB(testDB *sqlx.DB) error {
	err := DropDatabase(path.Join("file://", MigrationsPath), testDB)
	if err != nil {
		return errors.Wrap(err, "could not teardown test database")
	}

	return nil
}

// ResetDB first drops the DB, then applies migrations
func ResetDB(testDB *sqlx.DB) error {
	if err := TeardownTestDB(testDB); err != nil {
		return err
	}
	if err := CreateTestDatabase(testDB); err != nil {
		return err
	}

	return nil
}

// ToNullString converts the argument s to a sql.NullString
func ToNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}
