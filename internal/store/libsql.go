package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/agentgraph/pkg/schema"
)

// LibSQLRepository implements Repository on libSQL (embedded SQLite fork).
type LibSQLRepository struct {
	db *sql.DB
}

// NewLibSQLRepository opens a libSQL database. dsn is a file URI such as
// "file:/path/to/agentgraph.db".
func NewLibSQLRepository(dsn string) (*LibSQLRepository, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}
	return &LibSQLRepository{db: db}, nil
}

// Migrate applies pending schema migrations.
func (r *LibSQLRepository) Migrate(ctx context.Context) error {
	return runMigrations(ctx, r.db)
}

// Close closes the database.
func (r *LibSQLRepository) Close() error { return r.db.Close() }

// SaveExecution writes the execution row, its node results and its stream
// items in one transaction. Saving an ID twice replaces the earlier record.
func (r *LibSQLRepository) SaveExecution(ctx context.Context, rec *ExecutionRecord) error {
	if rec == nil || rec.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution record has no id")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin save", err)
	}
	defer tx.Rollback()

	if err := deleteExecution(ctx, tx, rec.ID); err != nil {
		return storeErr("clear execution", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO executions (id, graph_id, graph_name, input, status, definition, input_tokens, output_tokens, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.GraphID, nullStr(rec.GraphName), rec.Input, rec.Status, nullRaw(rec.Definition),
		rec.InputTokens, rec.OutputTokens, timeOrNow(rec.StartedAt), nullTime(rec.CompletedAt), rec.DurationMs,
	)
	if err != nil {
		return storeErr("insert execution", err)
	}

	for i, n := range rec.Nodes {
		var result any
		if n.Result != nil {
			raw, err := schema.EncodeResult(n.Result)
			if err != nil {
				return storeErr("encode node result", err)
			}
			result = string(raw)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO node_results (execution_id, position, node_id, node_type, status, result, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, i, n.NodeID, string(n.NodeType), string(n.Status), result, n.DurationMs,
		); err != nil {
			return storeErr("insert node result", err)
		}
	}

	if err := appendItems(ctx, tx, rec.ID, rec.Items); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit execution", err)
	}
	return nil
}

// GetExecution loads an execution and its node results. Items are loaded
// separately with ListItems.
func (r *LibSQLRepository) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	row := r.db.QueryRowContext(ctx, selectExecution+` WHERE id = ?`, id)
	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storeErr("get execution", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT node_id, node_type, status, result, duration_ms FROM node_results
		 WHERE execution_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, storeErr("list node results", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			n              NodeRecord
			nodeType, stat string
			result         sql.NullString
		)
		if err := rows.Scan(&n.NodeID, &nodeType, &stat, &result, &n.DurationMs); err != nil {
			return nil, storeErr("scan node result", err)
		}
		n.NodeType = schema.NodeType(nodeType)
		n.Status = schema.NodeStatus(stat)
		if result.Valid {
			if n.Result, err = schema.DecodeResult([]byte(result.String)); err != nil {
				return nil, err
			}
		}
		rec.Nodes = append(rec.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list node results", err)
	}
	return rec, nil
}

// ListExecutions returns executions newest first.
func (r *LibSQLRepository) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	var where []string
	var args []any

	if filter.GraphID != "" {
		where = append(where, "graph_id = ?")
		args = append(args, filter.GraphID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := selectExecution
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list executions", err)
	}
	defer rows.Close()

	var out []*ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, storeErr("scan execution", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list executions", err)
	}
	return out, nil
}

// ListItems returns the stored stream of an execution in emission order.
func (r *LibSQLRepository) ListItems(ctx context.Context, executionID string) ([]schema.StreamItem, error) {
	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE id = ?`, executionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(executionID)
	}
	if err != nil {
		return nil, storeErr("get execution", err)
	}
	return listItems(ctx, r.db, executionID)
}

// DeleteExecution removes an execution with its node results and items.
func (r *LibSQLRepository) DeleteExecution(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin delete", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(id)
	}
	if err != nil {
		return storeErr("get execution", err)
	}
	if err := deleteExecution(ctx, tx, id); err != nil {
		return storeErr("delete execution", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit delete", err)
	}
	return nil
}

// deleteExecution clears children explicitly; foreign keys may be off on
// connections opened outside NewLibSQLRepository.
func deleteExecution(ctx context.Context, db execer, id string) error {
	for _, table := range []string{"stream_items", "node_results", "executions"} {
		col := "execution_id"
		if table == "executions" {
			col = "id"
		}
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table+" WHERE "+col+" = ?", id); err != nil {
			return err
		}
	}
	return nil
}

const selectExecution = `SELECT id, graph_id, graph_name, input, status, definition, input_tokens, output_tokens, started_at, completed_at, duration_ms FROM executions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*ExecutionRecord, error) {
	rec := &ExecutionRecord{}
	var (
		graphName   sql.NullString
		definition  sql.NullString
		completedAt sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.GraphID, &graphName, &rec.Input, &rec.Status, &definition,
		&rec.InputTokens, &rec.OutputTokens, &rec.StartedAt, &completedAt, &rec.DurationMs); err != nil {
		return nil, err
	}
	rec.GraphName = graphName.String
	if definition.Valid && definition.String != "" {
		rec.Definition = []byte(definition.String)
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return rec, nil
}

func storeErr(op string, err error) *schema.AgentError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r []byte) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

var _ Repository = (*LibSQLRepository)(nil)
