// Package docstore provides the embedded document store adapter for the
// "store/" method prefix, backed by SQLite. The transport core never
// touches the database; it only routes requests here.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/codedeck/ecpd/internal/adapter/registry"
	"github.com/codedeck/ecpd/pkg/ecp"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	PRIMARY KEY (collection, key)
);`

// Adapter serves store/put, store/get, store/delete and store/list and
// publishes store/changed notifications on every mutation.
type Adapter struct {
	db     *sql.DB
	sink   registry.NotificationSink
	logger *slog.Logger
}

// Open creates or opens the document database at path. ":memory:" gives
// an ephemeral store for tests.
func Open(path string, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}
	// The modernc driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent dispatch.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize document store: %w", err)
	}
	return &Adapter{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (a *Adapter) Close() error {
	return a.db.Close()
}

// SetNotificationHandler implements registry.NotificationPublisher.
func (a *Adapter) SetNotificationHandler(sink registry.NotificationSink) {
	a.sink = sink
}

type docParams struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
}

// HandleRequest implements registry.Adapter.
func (a *Adapter) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, *ecp.Error) {
	var p docParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, ecp.NewError(ecp.CodeInvalidParams, "invalid params: "+err.Error())
		}
	}
	if p.Collection == "" {
		return nil, ecp.NewError(ecp.CodeInvalidParams, "collection is required")
	}

	switch method {
	case "store/put":
		return a.put(ctx, p)
	case "store/get":
		return a.get(ctx, p)
	case "store/delete":
		return a.delete(ctx, p)
	case "store/list":
		return a.list(ctx, p)
	default:
		return nil, ecp.NewMethodNotFound(method)
	}
}

func (a *Adapter) put(ctx context.Context, p docParams) (any, *ecp.Error) {
	if p.Key == "" {
		return nil, ecp.NewError(ecp.CodeInvalidParams, "key is required")
	}
	if !json.Valid(p.Value) {
		return nil, ecp.NewError(ecp.CodeInvalidParams, "value is not valid JSON")
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO documents (collection, key, value) VALUES (?, ?, ?)
		ON CONFLICT (collection, key) DO UPDATE
		SET value = excluded.value,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		p.Collection, p.Key, string(p.Value))
	if err != nil {
		return nil, a.storeError("put", err)
	}

	a.publish("put", p.Collection, p.Key)
	return map[string]any{"collection": p.Collection, "key": p.Key}, nil
}

func (a *Adapter) get(ctx context.Context, p docParams) (any, *ecp.Error) {
	if p.Key == "" {
		return nil, ecp.NewError(ecp.CodeInvalidParams, "key is required")
	}

	var value string
	err := a.db.QueryRowContext(ctx,
		`SELECT value FROM documents WHERE collection = ? AND key = ?`,
		p.Collection, p.Key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{"collection": p.Collection, "key": p.Key, "exists": false}, nil
	}
	if err != nil {
		return nil, a.storeError("get", err)
	}
	return map[string]any{
		"collection": p.Collection,
		"key":        p.Key,
		"exists":     true,
		"value":      json.RawMessage(value),
	}, nil
}

func (a *Adapter) delete(ctx context.Context, p docParams) (any, *ecp.Error) {
	if p.Key == "" {
		return nil, ecp.NewError(ecp.CodeInvalidParams, "key is required")
	}

	res, err := a.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND key = ?`, p.Collection, p.Key)
	if err != nil {
		return nil, a.storeError("delete", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		a.publish("delete", p.Collection, p.Key)
	}
	return map[string]any{"collection": p.Collection, "key": p.Key, "deleted": n > 0}, nil
}

func (a *Adapter) list(ctx context.Context, p docParams) (any, *ecp.Error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT key FROM documents WHERE collection = ? ORDER BY key`, p.Collection)
	if err != nil {
		return nil, a.storeError("list", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, a.storeError("list", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, a.storeError("list", err)
	}
	return map[string]any{"collection": p.Collection, "keys": keys}, nil
}

func (a *Adapter) publish(op, collection, key string) {
	if a.sink != nil {
		a.sink("store/changed", map[string]any{"op": op, "collection": collection, "key": key})
	}
}

// storeError logs the database failure and returns a generic adapter
// error; SQL details never reach the wire.
func (a *Adapter) storeError(op string, err error) *ecp.Error {
	a.logger.Error("document store failure", "op", op, "error", err)
	return ecp.NewError(ecp.CodeServerError, "document store unavailable")
}

var (
	_ registry.Adapter               = (*Adapter)(nil)
	_ registry.NotificationPublisher = (*Adapter)(nil)
)
