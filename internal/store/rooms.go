package store

import "time"

// RoomRow is the persisted shape of a Room's membership bookkeeping
// (internal/relayserver). Subscriber connections themselves are never
// durable; only the room's existence and auth material are written. The
// relay server's registry writes these rows but does not load them back
// on start, so after a restart rooms are created afresh on first join.
type RoomRow struct {
	RoomID       string
	AuthPolicy   string
	AuthSecret   string
	CreatedAt    time.Time
	LastActivity time.Time
}

// UpsertRoom stores or updates a room's durable metadata.
func (d *DB) UpsertRoom(r RoomRow) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO rooms (room_id, auth_policy, auth_secret, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			auth_policy=excluded.auth_policy,
			auth_secret=excluded.auth_secret,
			last_activity=excluded.last_activity`,
		r.RoomID, r.AuthPolicy, r.AuthSecret, r.CreatedAt.UnixMilli(), r.LastActivity.UnixMilli())
	return err
}

// DeleteRoom removes a room's durable metadata, called when the room
// becomes empty and is deleted from the in-memory registry.
func (d *DB) DeleteRoom(roomID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM rooms WHERE room_id = ?`, roomID)
	return err
}

// LoadRooms returns every persisted room, used only for operator
// inspection/recovery — the in-memory registry is still the source of
// truth for active subscribers.
func (d *DB) LoadRooms() ([]RoomRow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.db.Query(`SELECT room_id, auth_policy, auth_secret, created_at, last_activity FROM rooms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoomRow
	for rows.Next() {
		var r RoomRow
		var createdMs, activityMs int64
		if err := rows.Scan(&r.RoomID, &r.AuthPolicy, &r.AuthSecret, &createdMs, &activityMs); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(createdMs)
		r.LastActivity = time.UnixMilli(activityMs)
		out = append(out, r)
	}
	return out, rows.Err()
}
