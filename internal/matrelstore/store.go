// Package matrelstore persists matrel rows — the on-disk materialization of
// a continuous query's combined aggregate state (spec.md §3 "Matrel") —
// over database/sql. Both the Postgres backend (pgx's stdlib driver) and the
// dev-mode SQLite backend speak the same generic schema: one row per
// (cq_id, group_key), carrying the group's column values as JSON and its
// transition state as opaque serialized bytes, since the state's concrete
// shape is private to the sketch package (spec.md §9).
//
// This generic layout is a deliberate simplification of the host database's
// one-physical-table-per-CQ matrel: dynamic per-CQ DDL is out of scope here
// (see DESIGN.md's discussion of the Open Question it resolves), and the
// variable part of a matrel row — the transition state — is opaque bytes
// regardless of table layout.
package matrelstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pipelinedb/cqengine/internal/plan"
	"github.com/pipelinedb/cqengine/internal/sketch"
)

// Row is one physical matrel row as read back from storage.
type Row struct {
	PK          string
	GroupKey    string
	GroupValues map[string]any
	StateKind   sketch.Kind
	State       sketch.State
	RawState    []byte // pre-merge serialized state, for no-op update suppression
	CTID        string // row-version token used for optimistic no-match detection
	ArrivalTS   time.Time
}

// Store is the storage-layer contract the combiner depends on: group
// lookups with SKIP LOCKED semantics, upserts, and TTL batch deletes.
type Store interface {
	// EnsureSchema creates the matrel table if it does not already exist.
	EnsureSchema(ctx context.Context) error

	// LookupGroups runs the physical group lookup for cqID: a nested-loop
	// join between the given group keys and the matrel, "locked for update
	// with skip-locked semantics" per spec.md §4.4.1. Keys with no on-disk
	// row are simply absent from the result.
	LookupGroups(ctx context.Context, cqID int32, groupKeys []string) (map[string]Row, error)

	// UpsertRow performs the sync-to-matrel step of spec.md §4.4.3: update
	// in place if a physical row exists (by CTID), else allocate $pk and
	// insert.
	UpsertRow(ctx context.Context, cqID int32, kind sketch.Kind, pr plan.PartialRow, nextPK func() string) (ctid string, inserted bool, err error)

	// DeleteExpired runs one reaper delete cycle batch for cqID (spec.md
	// §4.5): rows whose arrival timestamp is older than cutoff, bounded by
	// batchSize, using FOR UPDATE SKIP LOCKED so the reaper never blocks on
	// a combiner's row lock.
	DeleteExpired(ctx context.Context, cqID int32, cutoff time.Time, batchSize int) (int, error)

	// ScanWindow returns matrel rows for cqID with arrival_ts >= since, used
	// to lazily populate the sliding-window overlay engine's step_groups
	// cache (spec.md §4.4.4).
	ScanWindow(ctx context.Context, cqID int32, since time.Time) ([]Row, error)

	Close() error
}

// sqlStore is the shared database/sql implementation; Postgres and SQLite
// differ only in placeholder syntax and upsert dialect, both handled by
// dialect.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

type dialect interface {
	placeholder(n int) string
	upsertSQL() string
	name() string
}

func NewPostgres(db *sql.DB) Store { return &sqlStore{db: db, dialect: postgresDialect{}} }
func NewSQLite(db *sql.DB) Store   { return &sqlStore{db: db, dialect: sqliteDialect{}} }

const matrelTable = "pipelinedb_matrel"

func (s *sqlStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		cq_id        INTEGER NOT NULL,
		group_key    TEXT NOT NULL,
		pk           TEXT NOT NULL,
		group_values TEXT NOT NULL,
		state_kind   TEXT NOT NULL,
		state_bytes  BLOB NOT NULL,
		arrival_ts   TIMESTAMP NOT NULL,
		PRIMARY KEY (cq_id, group_key)
	)`, matrelTable)
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *sqlStore) LookupGroups(ctx context.Context, cqID int32, groupKeys []string) (map[string]Row, error) {
	out := make(map[string]Row, len(groupKeys))
	if len(groupKeys) == 0 {
		return out, nil
	}

	// SQLite has no SKIP LOCKED; the dev backend never contends with a
	// concurrent reaper connection in-process, so it is safe to omit there.
	lockClause := "FOR UPDATE SKIP LOCKED"
	if s.dialect.name() == "sqlite" {
		lockClause = ""
	}

	for _, key := range groupKeys {
		query := fmt.Sprintf(
			"SELECT pk, group_values, state_kind, state_bytes, arrival_ts FROM %s WHERE cq_id = %s AND group_key = %s %s",
			matrelTable, s.dialect.placeholder(1), s.dialect.placeholder(2), lockClause,
		)
		row := s.db.QueryRowContext(ctx, query, cqID, key)

		var pk, groupValuesJSON string
		var kind string
		var stateBytes []byte
		var arrivalTS time.Time
		if err := row.Scan(&pk, &groupValuesJSON, &kind, &stateBytes, &arrivalTS); err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return nil, fmt.Errorf("matrelstore: lookup group %q: %w", key, err)
		}

		var gv map[string]any
		if err := json.Unmarshal([]byte(groupValuesJSON), &gv); err != nil {
			return nil, fmt.Errorf("matrelstore: decode group_values: %w", err)
		}
		state, err := sketch.Deserialize(sketch.Kind(kind), stateBytes)
		if err != nil {
			return nil, fmt.Errorf("matrelstore: decode state for group %q: %w", key, err)
		}
		out[key] = Row{
			PK:          pk,
			GroupKey:    key,
			GroupValues: gv,
			StateKind:   sketch.Kind(kind),
			State:       state,
			RawState:    stateBytes,
			CTID:        pk,
			ArrivalTS:   arrivalTS,
		}
	}
	return out, nil
}

func (s *sqlStore) UpsertRow(ctx context.Context, cqID int32, kind sketch.Kind, pr plan.PartialRow, nextPK func() string) (string, bool, error) {
	gvJSON, err := json.Marshal(pr.GroupValues)
	if err != nil {
		return "", false, fmt.Errorf("matrelstore: encode group_values: %w", err)
	}
	stateBytes, err := pr.State.Serialize()
	if err != nil {
		return "", false, fmt.Errorf("matrelstore: serialize state: %w", err)
	}

	pk := pr.CTID
	inserted := !pr.AlreadyAdded
	if inserted {
		pk = nextPK()
	}

	now := time.Now().UTC()
	query := fmt.Sprintf(s.dialect.upsertSQL(), matrelTable)
	_, err = s.db.ExecContext(ctx, query, cqID, pr.GroupKey, pk, string(gvJSON), string(kind), stateBytes, now)
	if err != nil {
		return "", false, fmt.Errorf("matrelstore: upsert group %q: %w", pr.GroupKey, err)
	}
	return pk, inserted, nil
}

func (s *sqlStore) DeleteExpired(ctx context.Context, cqID int32, cutoff time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 10000
	}

	var selectSQL string
	if s.dialect.name() == "sqlite" {
		selectSQL = fmt.Sprintf(
			"DELETE FROM %s WHERE cq_id = ? AND group_key IN (SELECT group_key FROM %s WHERE cq_id = ? AND arrival_ts < ? LIMIT ?)",
			matrelTable, matrelTable,
		)
		res, err := s.db.ExecContext(ctx, selectSQL, cqID, cqID, cutoff, batchSize)
		if err != nil {
			return 0, fmt.Errorf("matrelstore: delete expired: %w", err)
		}
		n, _ := res.RowsAffected()
		return int(n), nil
	}

	query := fmt.Sprintf(
		`DELETE FROM %s WHERE (cq_id, group_key) IN (
			SELECT cq_id, group_key FROM %s
			WHERE cq_id = $1 AND arrival_ts < $2
			LIMIT $3 FOR UPDATE SKIP LOCKED
		)`, matrelTable, matrelTable,
	)
	res, err := s.db.ExecContext(ctx, query, cqID, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("matrelstore: delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("matrelstore: rows affected: %w", err)
	}
	return int(n), nil
}

func (s *sqlStore) ScanWindow(ctx context.Context, cqID int32, since time.Time) ([]Row, error) {
	query := fmt.Sprintf(
		"SELECT pk, group_key, group_values, state_kind, state_bytes, arrival_ts FROM %s WHERE cq_id = %s AND arrival_ts >= %s",
		matrelTable, s.dialect.placeholder(1), s.dialect.placeholder(2),
	)
	rows, err := s.db.QueryContext(ctx, query, cqID, since)
	if err != nil {
		return nil, fmt.Errorf("matrelstore: scan window: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var pk, groupKey, groupValuesJSON, kind string
		var stateBytes []byte
		var arrivalTS time.Time
		if err := rows.Scan(&pk, &groupKey, &groupValuesJSON, &kind, &stateBytes, &arrivalTS); err != nil {
			return nil, fmt.Errorf("matrelstore: scan row: %w", err)
		}
		var gv map[string]any
		if err := json.Unmarshal([]byte(groupValuesJSON), &gv); err != nil {
			return nil, fmt.Errorf("matrelstore: decode group_values: %w", err)
		}
		state, err := sketch.Deserialize(sketch.Kind(kind), stateBytes)
		if err != nil {
			return nil, fmt.Errorf("matrelstore: decode state: %w", err)
		}
		out = append(out, Row{PK: pk, GroupKey: groupKey, GroupValues: gv, StateKind: sketch.Kind(kind), State: state, RawState: stateBytes, CTID: pk, ArrivalTS: arrivalTS})
	}
	return out, rows.Err()
}

func (s *sqlStore) Close() error { return s.db.Close() }
