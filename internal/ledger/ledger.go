// Package ledger provides an append-only history of bridge writes and
// override transitions for daylightd.
package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/daylightd/internal/dispatch"
	"github.com/dokzlo13/daylightd/internal/override"
)

// EventType represents the type of event in the ledger
type EventType string

const (
	EventWriteCompleted   EventType = "write_completed"
	EventWriteFailed      EventType = "write_failed"
	EventOverrideExcluded EventType = "override_excluded"
	EventOverrideCleared  EventType = "override_cleared"
)

// Entry represents a single event in the ledger
type Entry struct {
	ID        int64     `json:"id"`
	EventType EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	LightID   string    `json:"light_id"`
	Attribute string    `json:"attribute,omitempty"`
	Value     *int      `json:"value,omitempty"`
	EntryID   string    `json:"entry_id,omitempty"` // dispatcher entry, writes only
	Detail    string    `json:"detail,omitempty"`   // error text or transition reason
}

// Ledger provides append-only event logging
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Append adds a new event to the ledger
func (l *Ledger) Append(e Entry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	var value sql.NullInt64
	if e.Value != nil {
		value = sql.NullInt64{Int64: int64(*e.Value), Valid: true}
	}

	_, err := l.db.Exec(`
		INSERT INTO control_ledger (event_type, timestamp, light_id, attribute, value, entry_id, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, string(e.EventType), ts.UTC().UnixMilli(), e.LightID, e.Attribute, value, e.EntryID, e.Detail)
	return err
}

// RecordWrite is a dispatcher result hook.
func (l *Ledger) RecordWrite(res dispatch.Result) {
	value := res.Value
	e := Entry{
		EventType: EventWriteCompleted,
		LightID:   res.DeviceID,
		Attribute: string(res.Attr),
		Value:     &value,
		EntryID:   res.ID,
	}
	if res.Err != nil {
		e.EventType = EventWriteFailed
		e.Detail = res.Err.Error()
	}
	if err := l.Append(e); err != nil {
		log.Warn().Err(err).Str("entry", res.ID).Msg("Failed to record write in ledger")
	}
}

// OverrideChanged records exclusion transitions. Self-write notices are not
// transitions and are skipped.
func (l *Ledger) OverrideChanged(c override.Change) {
	if !c.Transition() {
		return
	}

	e := Entry{
		EventType: EventOverrideCleared,
		LightID:   c.LightID,
		Attribute: string(c.Attr),
		Detail:    string(c.Reason),
	}
	if c.State == override.StateExcluded {
		observed := c.Observed
		e.EventType = EventOverrideExcluded
		e.Value = &observed
	}
	if err := l.Append(e); err != nil {
		log.Warn().Err(err).Str("light", c.LightID).Str("attr", string(c.Attr)).Msg("Failed to record override in ledger")
	}
}

// GetByType returns entries filtered by event type, newest first
func (l *Ledger) GetByType(eventType EventType, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, light_id, attribute, value, entry_id, detail
		FROM control_ledger
		WHERE event_type = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, string(eventType), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// GetByLight returns the history of one light, newest first
func (l *Ledger) GetByLight(lightID string, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, light_id, attribute, value, entry_id, detail
		FROM control_ledger
		WHERE light_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, lightID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// GetByTimeRange returns entries within a time range
func (l *Ledger) GetByTimeRange(start, end time.Time, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, light_id, attribute, value, entry_id, detail
		FROM control_ledger
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, start.UnixMilli(), end.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := l.now().Add(-retention).UnixMilli()
	result, err := l.db.Exec(`
		DELETE FROM control_ledger WHERE timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// RunCleanup applies the retention policy every interval until ctx is cancelled.
func (l *Ledger) RunCleanup(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.DeleteOlderThan(retention)
			if err != nil {
				log.Error().Err(err).Msg("Ledger cleanup failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("deleted", n).Dur("retention", retention).Msg("Ledger cleanup completed")
			}
		}
	}
}

func (l *Ledger) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var attribute, entryID, detail sql.NullString
		var value sql.NullInt64
		var timestamp int64

		err := rows.Scan(
			&entry.ID, &entry.EventType, &timestamp, &entry.LightID, &attribute, &value, &entryID, &detail,
		)
		if err != nil {
			return nil, err
		}

		entry.Timestamp = time.UnixMilli(timestamp).UTC()
		entry.Attribute = attribute.String
		entry.EntryID = entryID.String
		entry.Detail = detail.String
		if value.Valid {
			v := int(value.Int64)
			entry.Value = &v
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
