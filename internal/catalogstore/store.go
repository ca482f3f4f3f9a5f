// Package catalogstore persists continuous-query definitions (spec.md §3
// "Continuous query") across daemon restarts, following the same
// database/sql-over-dialect shape as internal/matrelstore, and the
// resource-accessor Store interface convention of internal/store/store.go.
package catalogstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pipelinedb/cqengine/internal/catalog"
)

const cqTable = "pipelinedb_cq"

// Store is the catalog persistence surface: create, drop, activate and
// list CQ definitions.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Insert(ctx context.Context, cq *catalog.CQ) error
	Delete(ctx context.Context, id int32) error
	SetActive(ctx context.Context, id int32, active bool) error
	List(ctx context.Context) ([]*catalog.CQ, error)
	Get(ctx context.Context, id int32) (*catalog.CQ, error)
	Close() error
}

type dialect interface {
	placeholder(n int) string
}

type postgresDialect struct{}

func (postgresDialect) placeholder(n int) string { return fmt.Sprintf("$%d", n) }

type sqliteDialect struct{}

func (sqliteDialect) placeholder(int) string { return "?" }

type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

func NewPostgres(db *sql.DB) Store { return &sqlStore{db: db, dialect: postgresDialect{}} }
func NewSQLite(db *sql.DB) Store   { return &sqlStore{db: db, dialect: sqliteDialect{}} }

func (s *sqlStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id               INTEGER PRIMARY KEY,
		name             TEXT NOT NULL UNIQUE,
		kind             TEXT NOT NULL,
		source_stream_id INTEGER NOT NULL,
		output_stream_id INTEGER NOT NULL DEFAULT 0,
		group_columns    TEXT NOT NULL,
		ttl_json         TEXT,
		sw_json          TEXT,
		pk_column        TEXT NOT NULL DEFAULT '',
		fill_factor      INTEGER NOT NULL DEFAULT 50,
		active           INTEGER NOT NULL DEFAULT 1,
		distinct_only    INTEGER NOT NULL DEFAULT 0,
		definition_json  TEXT NOT NULL DEFAULT '{}'
	)`, cqTable)
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *sqlStore) Insert(ctx context.Context, cq *catalog.CQ) error {
	groupCols, err := json.Marshal(cq.GroupColumns)
	if err != nil {
		return fmt.Errorf("catalogstore: encode group_columns: %w", err)
	}
	var ttlJSON, swJSON []byte
	if cq.TTL != nil {
		if ttlJSON, err = json.Marshal(cq.TTL); err != nil {
			return fmt.Errorf("catalogstore: encode ttl: %w", err)
		}
	}
	if cq.SW != nil {
		if swJSON, err = json.Marshal(cq.SW); err != nil {
			return fmt.Errorf("catalogstore: encode sw: %w", err)
		}
	}
	def := cq.DefinitionJSON
	if def == nil {
		def = []byte("{}")
	}

	active := 0
	if cq.Active {
		active = 1
	}
	distinctOnly := 0
	if cq.DistinctOnly {
		distinctOnly = 1
	}

	ph := func(n int) string { return s.dialect.placeholder(n) }
	query := fmt.Sprintf(
		`INSERT INTO %s (id, name, kind, source_stream_id, output_stream_id, group_columns, ttl_json, sw_json, pk_column, fill_factor, active, distinct_only, definition_json)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		cqTable, ph(1), ph(2), ph(3), ph(4), ph(5), ph(6), ph(7), ph(8), ph(9), ph(10), ph(11), ph(12), ph(13),
	)
	_, err = s.db.ExecContext(ctx, query,
		cq.ID, cq.Name, string(cq.Kind), cq.SourceStreamID, cq.OutputStreamID,
		string(groupCols), nullableString(ttlJSON), nullableString(swJSON),
		cq.PKColumn, cq.FillFactor, active, distinctOnly, string(def),
	)
	if err != nil {
		return fmt.Errorf("catalogstore: insert cq %q: %w", cq.Name, err)
	}
	return nil
}

func nullableString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func (s *sqlStore) Delete(ctx context.Context, id int32) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = %s", cqTable, s.dialect.placeholder(1))
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

func (s *sqlStore) SetActive(ctx context.Context, id int32, active bool) error {
	v := 0
	if active {
		v = 1
	}
	query := fmt.Sprintf("UPDATE %s SET active = %s WHERE id = %s", cqTable, s.dialect.placeholder(1), s.dialect.placeholder(2))
	_, err := s.db.ExecContext(ctx, query, v, id)
	return err
}

func (s *sqlStore) scanRow(row interface{ Scan(...any) error }) (*catalog.CQ, error) {
	var (
		id, srcStream, outStream, fillFactor                       int32
		name, kind, groupColsJSON, pkCol, defJSON                   string
		ttlJSON, swJSON                                             sql.NullString
		active, distinctOnly                                       int
	)
	if err := row.Scan(&id, &name, &kind, &srcStream, &outStream, &groupColsJSON, &ttlJSON, &swJSON, &pkCol, &fillFactor, &active, &distinctOnly, &defJSON); err != nil {
		return nil, err
	}

	cq := &catalog.CQ{
		ID:             id,
		Name:           name,
		Kind:           catalog.Kind(kind),
		SourceStreamID: srcStream,
		OutputStreamID: outStream,
		PKColumn:       pkCol,
		FillFactor:     int(fillFactor),
		Active:         active != 0,
		DistinctOnly:   distinctOnly != 0,
		DefinitionJSON: []byte(defJSON),
	}
	if err := json.Unmarshal([]byte(groupColsJSON), &cq.GroupColumns); err != nil {
		return nil, fmt.Errorf("catalogstore: decode group_columns: %w", err)
	}
	if ttlJSON.Valid {
		var ttl catalog.TTL
		if err := json.Unmarshal([]byte(ttlJSON.String), &ttl); err != nil {
			return nil, fmt.Errorf("catalogstore: decode ttl: %w", err)
		}
		cq.TTL = &ttl
	}
	if swJSON.Valid {
		var sw catalog.SW
		if err := json.Unmarshal([]byte(swJSON.String), &sw); err != nil {
			return nil, fmt.Errorf("catalogstore: decode sw: %w", err)
		}
		cq.SW = &sw
	}
	return cq, nil
}

func (s *sqlStore) Get(ctx context.Context, id int32) (*catalog.CQ, error) {
	query := fmt.Sprintf(
		"SELECT id, name, kind, source_stream_id, output_stream_id, group_columns, ttl_json, sw_json, pk_column, fill_factor, active, distinct_only, definition_json FROM %s WHERE id = %s",
		cqTable, s.dialect.placeholder(1),
	)
	cq, err := s.scanRow(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("catalogstore: get cq %d: %w", id, err)
	}
	return cq, nil
}

func (s *sqlStore) List(ctx context.Context) ([]*catalog.CQ, error) {
	query := fmt.Sprintf(
		"SELECT id, name, kind, source_stream_id, output_stream_id, group_columns, ttl_json, sw_json, pk_column, fill_factor, active, distinct_only, definition_json FROM %s ORDER BY id",
		cqTable,
	)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("catalogstore: list: %w", err)
	}
	defer rows.Close()

	var out []*catalog.CQ
	for rows.Next() {
		cq, err := s.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("catalogstore: scan row: %w", err)
		}
		out = append(out, cq)
	}
	return out, rows.Err()
}

func (s *sqlStore) Close() error { return s.db.Close() }
