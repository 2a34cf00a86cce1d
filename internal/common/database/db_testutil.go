package database

import (
	"context"
	"os"
	"strings"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gridwms/wms/internal/common/util"
)

// TestPostgresEnvVar names the environment variable holding the connection string of a Postgres instance usable by tests.
const TestPostgresEnvVar = "WMS_TEST_POSTGRES"

// TestConnectionString returns the test Postgres connection string and whether one is configured.
func TestConnectionString() (string, bool) {
	conn := strings.TrimSpace(os.Getenv(TestPostgresEnvVar))
	return conn, conn != ""
}

// WithTestDb creates a dedicated database on the instance named by WMS_TEST_POSTGRES, applies migrations,
// runs action against it and drops the database afterwards.
func WithTestDb(migrations []Migration, action func(db *pgxpool.Pool) error) error {
	ctx := context.Background()
	connectionString, ok := TestConnectionString()
	if !ok {
		return errors.Errorf("%s is not set", TestPostgresEnvVar)
	}

	dbName := "test_" + strings.ToLower(util.NewULID())
	db, err := pgx.Connect(ctx, connectionString)
	if err != nil {
		return errors.WithStack(err)
	}
	defer db.Close(ctx)

	_, err = db.Exec(ctx, "CREATE DATABASE "+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	testDbPool, err := pgxpool.Connect(ctx, connectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	defer func() {
		testDbPool.Close()
		_, err = db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			log.Warnf("Failed to disconnect users from %s", dbName)
		}
		_, err = db.Exec(ctx, "DROP DATABASE "+dbName)
		if err != nil {
			log.Warnf("Failed to drop database %s", dbName)
		}
	}()

	err = UpdateDatabase(ctx, testDbPool, migrations)
	if err != nil {
		return errors.WithStack(err)
	}

	return action(testDbPool)
}
