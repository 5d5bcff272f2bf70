package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/weft/pkg/api"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// isUniqueViolation reports a unique constraint failure.
	isUniqueViolation func(error) bool
}

// sqlStore implements every store interface over database/sql. Queries are
// written with ? placeholders and rebound for the dialect.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) CreateWorkflow(ctx context.Context, def api.WorkflowDefinition) (api.WorkflowDefinition, error) {
	stored := def.Clone()
	stored.ID = uuid.NewString()

	doc, err := EncodeDefinition(stored)
	if err != nil {
		return api.WorkflowDefinition{}, err
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO workflows (id, owner_id, name, description, definition)
		VALUES (?, ?, ?, ?, ?)`),
		stored.ID, stored.OwnerID, stored.Name, stored.Description, string(doc),
	)
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return api.WorkflowDefinition{}, fmt.Errorf("%w: %q", ErrNameTaken, stored.Name)
		}
		return api.WorkflowDefinition{}, err
	}
	return stored, nil
}

func (s *sqlStore) UpdateWorkflow(ctx context.Context, def api.WorkflowDefinition) error {
	doc, err := EncodeDefinition(def)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE workflows
		SET owner_id = ?, name = ?, description = ?, definition = ?
		WHERE id = ?`),
		def.OwnerID, def.Name, def.Description, string(doc), def.ID,
	)
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return fmt.Errorf("%w: %q", ErrNameTaken, def.Name)
		}
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

func (s *sqlStore) GetWorkflow(ctx context.Context, id string) (api.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, owner_id, name, description, definition
		FROM workflows
		WHERE id = ?`), id)

	var def api.WorkflowDefinition
	var doc string
	if err := row.Scan(&def.ID, &def.OwnerID, &def.Name, &def.Description, &doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.WorkflowDefinition{}, ErrWorkflowNotFound
		}
		return api.WorkflowDefinition{}, err
	}
	if err := DecodeDefinition(&def, []byte(doc)); err != nil {
		return api.WorkflowDefinition{}, err
	}
	return def, nil
}

func (s *sqlStore) NameExists(ctx context.Context, ownerID, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM workflows WHERE owner_id = ? AND name = ?`),
		ownerID, name,
	).Scan(&n)
	return n > 0, err
}

func (s *sqlStore) PutEdge(ctx context.Context, rec EdgeRecord) error {
	meta, err := EncodeValue(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO workflow_edges (workflow_id, edge_id, source_node_id, target_node_id, edge_type, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, edge_id) DO UPDATE SET
			source_node_id = excluded.source_node_id,
			target_node_id = excluded.target_node_id,
			edge_type      = excluded.edge_type,
			metadata       = excluded.metadata`),
		rec.WorkflowID, rec.EdgeID, rec.SourceNodeID, rec.TargetNodeID, rec.EdgeType, string(meta),
	)
	return err
}

func (s *sqlStore) DeleteEdge(ctx context.Context, workflowID, edgeID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM workflow_edges WHERE workflow_id = ? AND edge_id = ?`),
		workflowID, edgeID,
	)
	return err
}

func (s *sqlStore) ListEdges(ctx context.Context, workflowID string) ([]EdgeRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT workflow_id, edge_id, source_node_id, target_node_id, edge_type, metadata
		FROM workflow_edges
		WHERE workflow_id = ?
		ORDER BY edge_id ASC`), workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EdgeRecord
	for rows.Next() {
		var rec EdgeRecord
		var meta string
		if err := rows.Scan(&rec.WorkflowID, &rec.EdgeID, &rec.SourceNodeID, &rec.TargetNodeID, &rec.EdgeType, &meta); err != nil {
			return nil, err
		}
		if rec.Metadata, err = DecodeValue[map[string]any]([]byte(meta)); err != nil {
			return nil, fmt.Errorf("edge %s metadata: %w", rec.EdgeID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) RekeyEdges(ctx context.Context, from, to string) (int, error) {
	return s.rekey(ctx, "workflow_edges", from, to)
}

func (s *sqlStore) RekeySchemas(ctx context.Context, from, to string) (int, error) {
	return s.rekey(ctx, "node_schemas", from, to)
}

func (s *sqlStore) rekey(ctx context.Context, table, from, to string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE `+table+` SET workflow_id = ? WHERE workflow_id = ?`), to, from)
	if err != nil {
		return 0, fmt.Errorf("rekey %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *sqlStore) PutInputSchema(ctx context.Context, workflowID, nodeID string, sc api.Schema) error {
	if sc == nil {
		sc = api.Schema{}
	}
	data, err := EncodeValue(sc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO node_schemas (workflow_id, node_id, input_schema)
		VALUES (?, ?, ?)
		ON CONFLICT (workflow_id, node_id) DO UPDATE SET input_schema = excluded.input_schema`),
		workflowID, nodeID, string(data),
	)
	return err
}

func (s *sqlStore) GetInputSchema(ctx context.Context, workflowID, nodeID string) (api.Schema, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT input_schema FROM node_schemas WHERE workflow_id = ? AND node_id = ?`),
		workflowID, nodeID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	sc, err := DecodeValue[api.Schema]([]byte(data))
	if err != nil {
		return nil, false, err
	}
	return sc, true, nil
}

func (s *sqlStore) DeleteInputSchema(ctx context.Context, workflowID, nodeID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM node_schemas WHERE workflow_id = ? AND node_id = ?`),
		workflowID, nodeID,
	)
	return err
}

func (s *sqlStore) AppendEvent(ctx context.Context, ev api.StatusEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO run_events (run_id, workflow_id, at, status, detail)
		VALUES (?, ?, ?, ?, ?)`),
		ev.RunID, ev.WorkflowID, at.UnixNano(), string(ev.Status), ev.Detail,
	)
	return err
}

func (s *sqlStore) ListEvents(ctx context.Context, runID string) ([]api.StatusEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT run_id, workflow_id, at, status, detail
		FROM run_events
		WHERE run_id = ?
		ORDER BY id ASC`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.StatusEvent
	for rows.Next() {
		var (
			ev     api.StatusEvent
			atN    int64
			status string
		)
		if err := rows.Scan(&ev.RunID, &ev.WorkflowID, &atN, &status, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, atN)
		ev.Status = api.RunStatus(status)
		out = append(out, ev)
	}
	return out, rows.Err()
}
