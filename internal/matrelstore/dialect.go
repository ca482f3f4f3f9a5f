package matrelstore

import "fmt"

type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

func (postgresDialect) placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (postgresDialect) upsertSQL() string {
	return `INSERT INTO %s (cq_id, group_key, pk, group_values, state_kind, state_bytes, arrival_ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (cq_id, group_key) DO UPDATE SET
			pk = EXCLUDED.pk,
			group_values = EXCLUDED.group_values,
			state_kind = EXCLUDED.state_kind,
			state_bytes = EXCLUDED.state_bytes,
			arrival_ts = EXCLUDED.arrival_ts`
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) placeholder(int) string { return "?" }

func (sqliteDialect) upsertSQL() string {
	return `INSERT INTO %s (cq_id, group_key, pk, group_values, state_kind, state_bytes, arrival_ts)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT (cq_id, group_key) DO UPDATE SET
			pk = excluded.pk,
			group_values = excluded.group_values,
			state_kind = excluded.state_kind,
			state_bytes = excluded.state_bytes,
			arrival_ts = excluded.arrival_ts`
}
