// Package events records the build and publish history of a project.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	PackageCreated       = "package.created"
	PackageFailed        = "package.failed"
	PackageCancelled     = "package.cancelled"
	CatalogInfoCreated   = "catalog_info.created"
	CatalogPublished     = "catalog.published"
	CatalogVersionExists = "catalog.version_exists"
	CatalogPublishFailed = "catalog.publish_failed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Event is one history row.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	Project   string         `json:"project"`
	PackageID string         `json:"package_id,omitempty"`
	Version   string         `json:"version,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Append inserts an event. A nil tx writes outside any transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, project, packageID, version string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const query = `INSERT INTO events(ts,type,project,package_id,version,payload_json) VALUES (?,?,?,?,?,?)`
	args := []any{ts, evtType, project, nullable(packageID), nullable(version), string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, query, args...)
	}
	return err
}

// Tail returns the latest limit events, oldest first. An empty project
// matches every project.
func (w Writer) Tail(ctx context.Context, project string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, ts, type, project, COALESCE(package_id,''), COALESCE(version,''), payload_json FROM events`
	var args []any
	if project != "" {
		query += ` WHERE project=?`
		args = append(args, project)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Project, &e.PackageID, &e.Version, &payload); err != nil {
			return nil, err
		}
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event %d payload: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
