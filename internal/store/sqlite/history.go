package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/tabsdata/scheduler/internal/idgen"
)

// History implements versionfinder.History against the data_versions log,
// the "ds_data_versions_available" projection from spec §6: the append-only
// record of which function run produced which table at which instant.
type History struct{ db *DB }

// NewHistory returns a versionfinder.History backed by db.
func NewHistory(db *DB) *History { return &History{db: db} }

func (h *History) FunctionVersionAt(ctx context.Context, functionID string, triggerTime time.Time) (string, error) {
	row := h.db.conn.QueryRowContext(ctx, `
		SELECT function_version_id FROM function_versions
		WHERE function_id = ? AND status != 'Deleted' AND defined_on <= ?
		ORDER BY defined_on DESC LIMIT 1`, functionID, triggerTime.Format(time.RFC3339Nano))
	var id string
	if err := row.Scan(&id); err != nil {
		return "", wrapDBError("history: function version at", err)
	}
	return id, nil
}

func (h *History) TableIDByName(ctx context.Context, collectionID, name string, triggerTime time.Time) (string, bool, error) {
	row := h.db.conn.QueryRowContext(ctx, `
		SELECT table_id FROM table_versions
		WHERE collection_id = ? AND name = ? AND status != 'Deleted' AND defined_on <= ?
		ORDER BY defined_on DESC LIMIT 1`, collectionID, name, triggerTime.Format(time.RFC3339Nano))
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, wrapDBError("history: table id by name", err)
	}
	return id, true, nil
}

// orderedIDs returns every data_version_id for tableID at or before
// triggerTime, newest first (matches time-sortable id order, per spec
// §3's invariant that id comparison equals creation-time comparison).
func (h *History) orderedIDs(ctx context.Context, tableID string, triggerTime time.Time) ([]string, error) {
	rows, err := h.db.conn.QueryContext(ctx, `
		SELECT data_version_id FROM data_versions
		WHERE table_id = ? AND triggered_on <= ?
		ORDER BY data_version_id DESC`, tableID, triggerTime.Format(time.RFC3339Nano))
	if err != nil {
		return nil, wrapDBError("history: ordered ids", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBError("history: scan id", err)
		}
		ids = append(ids, id)
	}
	return ids, wrapDBError("history: iterate ids", rows.Err())
}

func (h *History) OffsetForFixed(ctx context.Context, tableID, fixedID string, triggerTime time.Time) (int, error) {
	ids, err := h.orderedIDs(ctx, tableID, triggerTime)
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		if id == fixedID {
			return -i, nil
		}
	}
	return 0, wrapDBError("history: offset for fixed", sql.ErrNoRows)
}

func (h *History) Exists(ctx context.Context, tableID, id string, triggerTime time.Time) (bool, error) {
	if !idgen.Valid(id) {
		return false, nil
	}
	ids, err := h.orderedIDs(ctx, tableID, triggerTime)
	if err != nil {
		return false, err
	}
	for _, cand := range ids {
		if cand == id {
			return true, nil
		}
	}
	return false, nil
}

func (h *History) HeadRange(ctx context.Context, tableID string, limit, offset int, triggerTime time.Time) ([]string, error) {
	ids, err := h.orderedIDs(ctx, tableID, triggerTime)
	if err != nil {
		return nil, err
	}
	// offset is HEAD-relative (0 or negative), as LimitAndOffset produces it.
	start := -offset
	if start < 0 || start >= len(ids) {
		return nil, nil
	}
	n := limit
	if n < 0 {
		n = -n
	}
	end := start + n
	if end > len(ids) {
		end = len(ids)
	}
	return ids[start:end], nil
}

func (h *History) InitialRange(ctx context.Context, tableID string, count, offset int, triggerTime time.Time) ([]string, error) {
	ids, err := h.orderedIDs(ctx, tableID, triggerTime)
	if err != nil {
		return nil, err
	}
	oldestFirst := make([]string, len(ids))
	for i, id := range ids {
		oldestFirst[len(ids)-1-i] = id
	}
	if offset < 0 || offset >= len(oldestFirst) {
		return nil, nil
	}
	end := offset + count
	if end > len(oldestFirst) {
		end = len(oldestFirst)
	}
	return oldestFirst[offset:end], nil
}
