/*
 * Copyright 2025 Holger de Carne
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed sqlite_schema1.sql
var sqliteSchema1Script []byte

func OpenMemoryDB(logger *slog.Logger) (Driver, error) {
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_busy_timeout=5000"
	return openSQLite3("Memory", dsn, logger)
}

func OpenSQLite3DB(file string, logger *slog.Logger) (Driver, error) {
	dsn := "file:" + (&url.URL{Path: file}).EscapedPath() + "?_busy_timeout=5000&_journal_mode=WAL"
	return openSQLite3("SQLite3", dsn, logger)
}

func openSQLite3(name string, dsn string, logger *slog.Logger) (Driver, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database (cause: %w)", name, err)
	}
	// One connection only; a shared memory database lives as long as it is open.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(1)
	return newDatabaseDriver(name, db, logger, sqliteSchema1Script), nil
}
