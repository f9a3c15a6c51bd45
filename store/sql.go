/*
 * Copyright 2024 The RuleGo Authors.
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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/utils/json"
	"github.com/rulego/deltaflow/utils/maps"
)

const (
	DriverMysql    = "mysql"
	DriverPostgres = "postgres"
)

// SQLConfig configures the SQL DeltaFile repository.
type SQLConfig struct {
	// DriverName is mysql or postgres.
	DriverName string
	// Dsn is passed to sql.Open.
	Dsn string
	// Table defaults to delta_files.
	Table    string
	PoolSize int
}

// NewSQLConfig decodes a free-form configuration section.
func NewSQLConfig(configuration map[string]interface{}) (SQLConfig, error) {
	config := SQLConfig{DriverName: DriverPostgres, Table: "delta_files", PoolSize: 10}
	if err := maps.Map2Struct(configuration, &config); err != nil {
		return config, err
	}
	if config.DriverName != DriverMysql && config.DriverName != DriverPostgres {
		return config, fmt.Errorf("unsupported driver %q", config.DriverName)
	}
	if config.Dsn == "" {
		return config, errors.New("dsn is required")
	}
	return config, nil
}

// SQLDeltaFileRepository stores each DeltaFile as a JSON document in one row.
// The version column guards updates, an update that matches no row is a version conflict.
type SQLDeltaFileRepository struct {
	db     *sql.DB
	config SQLConfig
}

var _ types.DeltaFileRepository = (*SQLDeltaFileRepository)(nil)

// OpenSQLDeltaFileRepository opens the database and creates the table if needed.
func OpenSQLDeltaFileRepository(ctx context.Context, config SQLConfig) (*SQLDeltaFileRepository, error) {
	db, err := sql.Open(config.DriverName, config.Dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(config.PoolSize)
	db.SetMaxIdleConns(config.PoolSize / 2)
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	r := &SQLDeltaFileRepository{db: db, config: config}
	if err = r.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLDeltaFileRepository) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	did VARCHAR(64) PRIMARY KEY,
	version BIGINT NOT NULL,
	stage VARCHAR(32) NOT NULL,
	data TEXT NOT NULL
)`, r.config.Table))
	return err
}

// rebind rewrites ? placeholders into $n for postgres.
func rebind(driverName, query string) string {
	if driverName != DriverPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(c)
	}
	return sb.String()
}

func (r *SQLDeltaFileRepository) query(q string) string {
	return rebind(r.config.DriverName, fmt.Sprintf(q, r.config.Table))
}

func (r *SQLDeltaFileRepository) Get(ctx context.Context, did string) (*types.DeltaFile, error) {
	var data string
	err := r.db.QueryRowContext(ctx, r.query("SELECT data FROM %s WHERE did = ?"), did).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", did, types.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var deltaFile types.DeltaFile
	if err = json.Unmarshal([]byte(data), &deltaFile); err != nil {
		return nil, fmt.Errorf("decode deltaFile %s: %w", did, err)
	}
	return &deltaFile, nil
}

func (r *SQLDeltaFileRepository) Save(ctx context.Context, deltaFile *types.DeltaFile) (*types.DeltaFile, error) {
	saved := deltaFile.Copy()
	saved.Version = deltaFile.Version + 1
	data, err := json.Marshal(saved)
	if err != nil {
		return nil, err
	}
	var result sql.Result
	if deltaFile.Version == 0 {
		result, err = r.db.ExecContext(ctx, r.query("INSERT INTO %s (did, version, stage, data) VALUES (?, ?, ?, ?)"),
			saved.DID, saved.Version, string(saved.Stage), string(data))
		if err != nil {
			// the row exists, someone else created it first
			if _, getErr := r.Get(ctx, deltaFile.DID); getErr == nil {
				return nil, fmt.Errorf("%s: %w", deltaFile.DID, types.ErrVersionConflict)
			}
			return nil, err
		}
	} else {
		result, err = r.db.ExecContext(ctx, r.query("UPDATE %s SET version = ?, stage = ?, data = ? WHERE did = ? AND version = ?"),
			saved.Version, string(saved.Stage), string(data), saved.DID, deltaFile.Version)
		if err != nil {
			return nil, err
		}
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, fmt.Errorf("%s: version %d: %w", deltaFile.DID, deltaFile.Version, types.ErrVersionConflict)
	}
	return saved, nil
}

func (r *SQLDeltaFileRepository) DeleteByID(ctx context.Context, did string) error {
	result, err := r.db.ExecContext(ctx, r.query("DELETE FROM %s WHERE did = ?"), did)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("%s: %w", did, types.ErrNotFound)
	}
	return nil
}

// Close closes the database.
func (r *SQLDeltaFileRepository) Close() error {
	return r.db.Close()
}
