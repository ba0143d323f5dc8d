package store

import (
	"encoding/json"
	"time"
)

// RoutingRow is the persisted shape of a RelayEntry (internal/mesh).
type RoutingRow struct {
	NodeID         string
	Endpoints      map[string]string
	Capabilities   map[string]any
	WorkspaceCount int
	UptimeSeconds  int64
	Version        string
	LastSeen       time.Time
}

// UpsertRoutingEntry stores or replaces a routing table entry.
func (d *DB) UpsertRoutingEntry(r RoutingRow) error {
	endpoints, _ := json.Marshal(r.Endpoints)
	caps, _ := json.Marshal(r.Capabilities)

	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO routing_entries (node_id, endpoints, capabilities, workspace_count, uptime_seconds, version, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			endpoints=excluded.endpoints,
			capabilities=excluded.capabilities,
			workspace_count=excluded.workspace_count,
			uptime_seconds=excluded.uptime_seconds,
			version=excluded.version,
			last_seen=excluded.last_seen`,
		r.NodeID, string(endpoints), string(caps), r.WorkspaceCount, r.UptimeSeconds, r.Version, r.LastSeen.UnixMilli())
	return err
}

// RemoveRoutingEntry deletes a routing entry by node id.
func (d *DB) RemoveRoutingEntry(nodeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM routing_entries WHERE node_id = ?`, nodeID)
	return err
}

// LoadRoutingEntries returns every persisted routing entry, used to seed
// the in-memory LRU routing table on startup.
func (d *DB) LoadRoutingEntries() ([]RoutingRow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.db.Query(`SELECT node_id, endpoints, capabilities, workspace_count, uptime_seconds, version, last_seen FROM routing_entries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoutingRow
	for rows.Next() {
		var r RoutingRow
		var endpoints, caps string
		var lastSeenMs int64
		if err := rows.Scan(&r.NodeID, &endpoints, &caps, &r.WorkspaceCount, &r.UptimeSeconds, &r.Version, &lastSeenMs); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(endpoints), &r.Endpoints)
		_ = json.Unmarshal([]byte(caps), &r.Capabilities)
		r.LastSeen = time.UnixMilli(lastSeenMs)
		out = append(out, r)
	}
	return out, rows.Err()
}
