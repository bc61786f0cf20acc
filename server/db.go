// Copyright 2024 The Wingman Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	_ "github.com/jackc/pgx/v4/stdlib" // Blank import to register SQL driver
	"go.uber.org/zap"
)

const (
	dbErrorUniqueViolation      = pgerrcode.UniqueViolation
	dbErrorSerializationFailure = pgerrcode.SerializationFailure

	// Retries for transactions aborted by serialization failures before the
	// error is surfaced to the caller.
	txRetries = 5

	dbPingAttempts = 5
)

// DbConnect opens the connection pool and verifies connectivity. Returns the
// pool and the reported server version string.
func DbConnect(multiLogger *zap.Logger, config Config) (*sql.DB, string) {
	rawURL := fmt.Sprintf("postgresql://%s", config.GetDatabase().Addresses[0])
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		multiLogger.Fatal("Bad database connection URL", zap.Error(err))
	}
	query := parsedURL.Query()
	if len(query.Get("sslmode")) == 0 {
		query.Set("sslmode", "disable")
		parsedURL.RawQuery = query.Encode()
	}

	if len(parsedURL.User.Username()) < 1 {
		parsedURL.User = url.User("postgres")
	}
	if len(parsedURL.Path) < 1 {
		parsedURL.Path = "/wingman"
	}

	multiLogger.Debug("Complete database connection URL", zap.String("raw_url", parsedURL.String()))
	db, err := sql.Open("pgx", parsedURL.String())
	if err != nil {
		multiLogger.Fatal("Error connecting to database", zap.Error(err))
	}

	// A freshly provisioned database can lag behind the server process.
	for i := 1; ; i++ {
		if err = db.Ping(); err == nil {
			break
		}
		if i == dbPingAttempts {
			multiLogger.Fatal("Error pinging database", zap.Error(err))
		}
		multiLogger.Warn("Error pinging database, retrying", zap.Int("attempt", i), zap.Error(err))
		time.Sleep(time.Second)
	}

	db.SetConnMaxLifetime(time.Millisecond * time.Duration(config.GetDatabase().ConnMaxLifetimeMs))
	db.SetMaxOpenConns(config.GetDatabase().MaxOpenConns)
	db.SetMaxIdleConns(config.GetDatabase().MaxIdleConns)

	var dbVersion string
	if err := db.QueryRow("SELECT version()").Scan(&dbVersion); err != nil {
		multiLogger.Fatal("Error querying database version", zap.Error(err))
	}

	return db, dbVersion
}

// ExecuteInTx runs fn inside a transaction and retries the whole transaction
// when the database aborts it with a serialization failure. fn must be safe
// to run more than once, and must perform all writes through the supplied tx.
func ExecuteInTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var err error
	for i := 0; i < txRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var tx *sql.Tx
		tx, err = db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		if err = fn(tx); err == nil {
			err = tx.Commit()
		}
		if err == nil {
			return nil
		}
		_ = tx.Rollback()

		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == dbErrorSerializationFailure
}

func isUniqueViolationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == dbErrorUniqueViolation
}

// Scannable is implemented by both sql.Row and sql.Rows.
type Scannable interface {
	Scan(dest ...interface{}) error
}

// sqlQuerier is the read surface shared by *sql.DB and *sql.Tx, for query
// helpers that run both inside and outside transactions.
type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}
