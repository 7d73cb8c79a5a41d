package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rendis/agentgraph/pkg/schema"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// appendItems stores items with a per-execution sequence starting at 1,
// so reading them back by sequence reproduces emission order.
func appendItems(ctx context.Context, db execer, executionID string, items []schema.StreamItem) error {
	for i, item := range items {
		payload, err := schema.EncodeItem(item)
		if err != nil {
			return storeErr("encode stream item", err)
		}
		ts := item.Header().Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO stream_items (execution_id, sequence, message_type, payload, timestamp)
			 VALUES (?, ?, ?, ?, ?)`,
			executionID, i+1, item.Kind(), string(payload), ts,
		); err != nil {
			return storeErr("insert stream item", err)
		}
	}
	return nil
}

func listItems(ctx context.Context, db querier, executionID string) ([]schema.StreamItem, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT payload FROM stream_items WHERE execution_id = ? ORDER BY sequence ASC`, executionID)
	if err != nil {
		return nil, storeErr("list stream items", err)
	}
	defer rows.Close()

	var items []schema.StreamItem
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, storeErr("scan stream item", err)
		}
		item, err := schema.DecodeItem([]byte(payload))
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list stream items", err)
	}
	return items, nil
}
