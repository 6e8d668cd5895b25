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
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/tdrn-org/gated/internal/buildinfo"
)

//go:embed postgres_schema1.sql
var postgresSchema1Script []byte

const (
	postgresMaxOpenConns    = 16
	postgresMaxIdleConns    = 4
	postgresConnMaxIdleTime = 5 * time.Minute
)

// OpenPostgresDB opens a PostgreSQL database via the pgx driver. The URL
// is validated up front so misconfiguration fails at startup and not on
// the first gate evaluation.
func OpenPostgresDB(url string, logger *slog.Logger) (Driver, error) {
	config, err := pgx.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("invalid PostgreSQL database URL (cause: %w)", err)
	}
	if config.RuntimeParams["application_name"] == "" {
		config.RuntimeParams["application_name"] = buildinfo.Cmd()
	}
	db := stdlib.OpenDB(*config)
	db.SetMaxOpenConns(postgresMaxOpenConns)
	db.SetMaxIdleConns(postgresMaxIdleConns)
	db.SetConnMaxIdleTime(postgresConnMaxIdleTime)
	return newDatabaseDriver("PostgreSQL", db, logger, postgresSchema1Script), nil
}
