package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/sentineld/internal/model"
	"github.com/rcourtman/sentineld/internal/sentinelerr"
)

// SQLite is the embedded persistent Store backend, used when a data
// directory is configured (spec.md §4.1 "optional persistent backends").
// It mirrors the primary/secondary index layout of spec.md §6.3: one table
// holding the full incident as a JSON blob plus indexed columns for
// fingerprint, state, severity and source.
type SQLite struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS incidents (
	id           TEXT PRIMARY KEY,
	fingerprint  TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL,
	severity     TEXT NOT NULL,
	source       TEXT NOT NULL,
	assignee     TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	data         BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_incidents_fingerprint ON incidents(fingerprint);
CREATE INDEX IF NOT EXISTS idx_incidents_state ON incidents(state);
CREATE INDEX IF NOT EXISTS idx_incidents_severity ON incidents(severity);
CREATE INDEX IF NOT EXISTS idx_incidents_source ON incidents(source);
`

// OpenSQLite opens (creating if necessary) a SQLite-backed store at path.
// Use ":memory:" for an ephemeral database useful in tests.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.StorageUnavailable, "open sqlite", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoid "database is locked"
	if _, err := db.Exec(schema); err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.StorageCorrupt, "apply schema", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Save(ctx context.Context, incident *model.Incident) (*model.Incident, error) {
	if incident.ID == "" {
		return nil, sentinelerr.New(sentinelerr.InvalidInput, "incident id required")
	}

	prev, found, err := s.Get(ctx, incident.ID)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(incident)
	if err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.InvalidInput, "marshal incident", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, fingerprint, state, severity, source, assignee, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			fingerprint=excluded.fingerprint, state=excluded.state, severity=excluded.severity,
			source=excluded.source, assignee=excluded.assignee, updated_at=excluded.updated_at,
			data=excluded.data`,
		incident.ID, incident.Fingerprint, string(incident.State), string(incident.Severity),
		incident.Source, incident.Assignee, incident.CreatedAt.Unix(), incident.UpdatedAt.Unix(), data)
	if err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.StorageUnavailable, "save incident", err)
	}

	if found {
		return prev, nil
	}
	return nil, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*model.Incident, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM incidents WHERE id = ?`, id)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, sentinelerr.Wrap(sentinelerr.StorageUnavailable, "get incident", err)
	}
	in, err := decodeIncident(data)
	if err != nil {
		return nil, false, err
	}
	return in, true, nil
}

func (s *SQLite) List(ctx context.Context, filter model.Filter, offset, limit int) ([]*model.Incident, error) {
	where, args := buildWhere(filter)
	query := fmt.Sprintf(`SELECT data FROM incidents %s ORDER BY created_at DESC`, where)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.StorageUnavailable, "list incidents", err)
	}
	defer rows.Close()

	var out []*model.Incident
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, sentinelerr.Wrap(sentinelerr.StorageUnavailable, "scan incident", err)
		}
		in, err := decodeIncident(data)
		if err != nil {
			return nil, err
		}
		// Label equality has no SQL column (it lives inside the JSON blob);
		// re-check it here so buildWhere only needs to narrow, not decide.
		if filter.Label[0] != "" && !(model.Filter{Label: filter.Label}).Match(in) {
			continue
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *SQLite) Count(ctx context.Context, filter model.Filter) (uint64, error) {
	if filter.Label[0] != "" {
		all, err := s.List(ctx, filter, 0, 0)
		if err != nil {
			return 0, err
		}
		return uint64(len(all)), nil
	}
	where, args := buildWhere(filter)
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM incidents %s`, where), args...)
	var n uint64
	if err := row.Scan(&n); err != nil {
		return 0, sentinelerr.Wrap(sentinelerr.StorageUnavailable, "count incidents", err)
	}
	return n, nil
}

func (s *SQLite) LookupByFingerprint(ctx context.Context, fingerprint string) ([]*model.Incident, error) {
	return s.List(ctx, model.Filter{Fingerprint: fingerprint}, 0, 0)
}

func (s *SQLite) AppendEvent(ctx context.Context, id string, event model.IncidentEvent) error {
	in, ok, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return sentinelerr.New(sentinelerr.NotFound, "incident not found: "+id)
	}
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now()
	}
	in.Timeline = append(in.Timeline, event)
	_, err = s.Save(ctx, in)
	return err
}

func (s *SQLite) ApplyTransition(ctx context.Context, id string, newState model.State, actor string) (*model.Incident, error) {
	in, ok, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sentinelerr.New(sentinelerr.NotFound, "incident not found: "+id)
	}
	if !model.AllowedEdge(in.State, newState) {
		return nil, sentinelerr.New(sentinelerr.InvalidStateTransition,
			string(in.State)+" -> "+string(newState))
	}

	from := in.State
	in.State = newState
	ts := now()
	in.UpdatedAt = ts

	if newState == model.StateResolved || newState == model.StateClosed {
		if in.ResolvedAt == nil {
			t := ts
			in.ResolvedAt = &t
		}
	} else {
		in.ResolvedAt = nil
	}

	in.Timeline = append(in.Timeline, model.IncidentEvent{
		ID:        ulid.Make().String(),
		Kind:      model.EventStateChanged,
		Actor:     actor,
		Timestamp: ts,
		Payload:   map[string]interface{}{"from": string(from), "to": string(newState)},
	})

	if newState == model.StateReopened {
		in.State = model.StateInvestigating
		in.Timeline = append(in.Timeline, model.IncidentEvent{
			ID:        ulid.Make().String(),
			Kind:      model.EventStateChanged,
			Actor:     model.SystemActor,
			Timestamp: ts,
			Payload:   map[string]interface{}{"from": string(model.StateReopened), "to": string(model.StateInvestigating)},
		})
	}

	if _, err := s.Save(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

func decodeIncident(data []byte) (*model.Incident, error) {
	var in model.Incident
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, sentinelerr.Wrap(sentinelerr.StorageCorrupt, "decode incident", err)
	}
	return &in, nil
}

func buildWhere(f model.Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if len(f.Severities) > 0 {
		clauses = append(clauses, inClause("severity", len(f.Severities)))
		for _, s := range f.Severities {
			args = append(args, string(s))
		}
	}
	if len(f.States) > 0 {
		clauses = append(clauses, inClause("state", len(f.States)))
		for _, s := range f.States {
			args = append(args, string(s))
		}
	}
	if len(f.Sources) > 0 {
		clauses = append(clauses, inClause("source", len(f.Sources)))
		for _, s := range f.Sources {
			args = append(args, s)
		}
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee = ?")
		args = append(args, f.Assignee)
	}
	if f.Fingerprint != "" {
		clauses = append(clauses, "fingerprint = ?")
		args = append(args, f.Fingerprint)
	}
	if !f.CreatedFrom.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.CreatedFrom.Unix())
	}
	if !f.CreatedTo.IsZero() {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, f.CreatedTo.Unix())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func inClause(column string, n int) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", n), ",")
	return fmt.Sprintf("%s IN (%s)", column, placeholders)
}

var _ Store = (*SQLite)(nil)
