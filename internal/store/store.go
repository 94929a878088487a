// Package store implements RelayStore: the durable event store behind
// the relay interface. Adapted from the teacher's internal/db.DB
// connection-wrapper shape, retargeted from PostgreSQL at an embedded
// SQLite schema, with replaceable-kind insert semantics grounded in
// PlebOne-nostr-home's relay.go storeEvent/getMatchingEvents and
// girino-saint-michaels-mirror's relaystore event handling.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrswarm/bridge/internal/bridgeerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	pubkey TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	kind INTEGER NOT NULL,
	tags TEXT NOT NULL,
	content TEXT NOT NULL,
	sig TEXT NOT NULL,
	magnet_uri TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_pubkey_kind ON events(pubkey, kind);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at DESC);

CREATE TABLE IF NOT EXISTS tags (
	event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tags_name_value ON tags(name, value);

CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
	content, content='events', content_rowid='rowid'
);
CREATE TRIGGER IF NOT EXISTS events_ai AFTER INSERT ON events BEGIN
	INSERT INTO events_fts(rowid, content) VALUES (new.rowid, new.content);
END;
CREATE TRIGGER IF NOT EXISTS events_ad AFTER DELETE ON events BEGIN
	INSERT INTO events_fts(events_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
END;
CREATE TRIGGER IF NOT EXISTS events_au AFTER UPDATE ON events BEGIN
	INSERT INTO events_fts(events_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
	INSERT INTO events_fts(rowid, content) VALUES (new.rowid, new.content);
END;
`

// Store wraps a SQLite-backed event store.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the SQLite database at path,
// enabling WAL mode and foreign keys, and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 serializes writers; one conn avoids SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	log.Println("[store] opened event store")
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveResult reports how many rows the insert touched.
type SaveResult struct {
	Changes int64
}

func isReplaceable(kind int) bool {
	return kind == 0 || kind == 3 || (kind >= 10000 && kind < 20000)
}

func isParameterizedReplaceable(kind int) bool {
	return kind >= 30000 && kind < 40000
}

// indexableTagName reports whether a tag's name should have a row in
// the tags index: single-character names, or the literal "d".
func indexableTagName(name string) bool {
	return len(name) == 1 || name == "d"
}

func dTagValue(evt *nostr.Event) (string, bool) {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1], true
		}
	}
	return "", false
}

// SaveEvent inserts evt, first applying replaceable-kind and
// deletion-request semantics. Returns the number of rows the insert
// itself touched (0 if the event id already existed).
func (s *Store) SaveEvent(ctx context.Context, evt *nostr.Event) (SaveResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SaveResult{}, bridgeerr.NewTransportError(bridgeerr.TransportCore, "store.save_event.begin", err)
	}
	defer tx.Rollback()

	switch {
	case evt.Kind == 5:
		if err := s.applyDeletion(ctx, tx, evt); err != nil {
			return SaveResult{}, err
		}
	case isReplaceable(evt.Kind):
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM events WHERE pubkey = ? AND kind = ? AND created_at < ?`,
			evt.PubKey, evt.Kind, evt.CreatedAt); err != nil {
			return SaveResult{}, bridgeerr.NewTransportError(bridgeerr.TransportCore, "store.save_event.replace", err)
		}
	case isParameterizedReplaceable(evt.Kind):
		if d, ok := dTagValue(evt); ok {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM events WHERE pubkey = ? AND kind = ? AND created_at < ? AND id IN (
					SELECT event_id FROM tags WHERE name = 'd' AND value = ?
				)`, evt.PubKey, evt.Kind, evt.CreatedAt, d); err != nil {
				return SaveResult{}, bridgeerr.NewTransportError(bridgeerr.TransportCore, "store.save_event.param_replace", err)
			}
		}
	}

	tagsJSON, err := json.Marshal(evt.Tags)
	if err != nil {
		return SaveResult{}, bridgeerr.NewInvalidEvent("store.save_event: marshal tags", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (id, pubkey, created_at, kind, tags, content, sig)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.PubKey, int64(evt.CreatedAt), evt.Kind, string(tagsJSON), evt.Content, evt.Sig)
	if err != nil {
		return SaveResult{}, bridgeerr.NewTransportError(bridgeerr.TransportCore, "store.save_event.insert", err)
	}
	changes, _ := res.RowsAffected()

	if changes > 0 {
		for _, tag := range evt.Tags {
			if len(tag) < 2 || !indexableTagName(tag[0]) {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO tags (event_id, name, value) VALUES (?, ?, ?)`,
				evt.ID, tag[0], tag[1]); err != nil {
				return SaveResult{}, bridgeerr.NewTransportError(bridgeerr.TransportCore, "store.save_event.index_tag", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return SaveResult{}, bridgeerr.NewTransportError(bridgeerr.TransportCore, "store.save_event.commit", err)
	}
	return SaveResult{Changes: changes}, nil
}

// applyDeletion handles a kind-5 event: deletes events authored by the
// same pubkey that are referenced by an e-tag.
func (s *Store) applyDeletion(ctx context.Context, tx *sql.Tx, evt *nostr.Event) error {
	var targets []string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			targets = append(targets, tag[1])
		}
	}
	if len(targets) == 0 {
		return nil
	}
	placeholders := make([]string, len(targets))
	args := make([]interface{}, 0, len(targets)+1)
	args = append(args, evt.PubKey)
	for i, id := range targets {
		placeholders[i] = "?"
		args = append(args, id)
	}
	q := fmt.Sprintf(`DELETE FROM events WHERE pubkey = ? AND id IN (%s)`, strings.Join(placeholders, ","))
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return bridgeerr.NewTransportError(bridgeerr.TransportCore, "store.save_event.delete", err)
	}
	return nil
}

// Filter mirrors nostr.Filter's query-relevant fields plus an
// additional tag-predicate map (X -> values, for "#X" filters).
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Since   *int64
	Until   *int64
	Limit   int
	Search  string
	Tags    map[string][]string // single-char tag name -> accepted values
}

// QueryEvents returns events matching filter, newest first.
func (s *Store) QueryEvents(ctx context.Context, filter Filter) ([]*nostr.Event, error) {
	var (
		selectCols = "events.id, events.pubkey, events.created_at, events.kind, events.tags, events.content, events.sig"
		from       = "FROM events"
		conds      []string
		args       []interface{}
	)

	if filter.Search != "" {
		from = "FROM events JOIN events_fts ON events_fts.rowid = events.rowid"
		conds = append(conds, "events_fts MATCH ?")
		args = append(args, filter.Search)
	}

	if len(filter.IDs) > 0 {
		conds = append(conds, "events.id IN ("+placeholders(len(filter.IDs))+")")
		args = append(args, toArgs(filter.IDs)...)
	}
	if len(filter.Authors) > 0 {
		conds = append(conds, "events.pubkey IN ("+placeholders(len(filter.Authors))+")")
		args = append(args, toArgs(filter.Authors)...)
	}
	if len(filter.Kinds) > 0 {
		conds = append(conds, "events.kind IN ("+placeholders(len(filter.Kinds))+")")
		for _, k := range filter.Kinds {
			args = append(args, k)
		}
	}
	if filter.Since != nil {
		conds = append(conds, "events.created_at >= ?")
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		conds = append(conds, "events.created_at <= ?")
		args = append(args, *filter.Until)
	}
	for name, values := range filter.Tags {
		if len(name) != 1 || len(values) == 0 {
			continue
		}
		sub := fmt.Sprintf("events.id IN (SELECT event_id FROM tags WHERE name = ? AND value IN (%s))", placeholders(len(values)))
		conds = append(conds, sub)
		args = append(args, name)
		args = append(args, toArgs(values)...)
	}

	q := "SELECT " + selectCols + " " + from
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY events.created_at DESC"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, bridgeerr.NewTransportError(bridgeerr.TransportCore, "store.query_events", err)
	}
	defer rows.Close()

	var out []*nostr.Event
	for rows.Next() {
		var (
			evt      nostr.Event
			tagsJSON string
			created  int64
		)
		if err := rows.Scan(&evt.ID, &evt.PubKey, &created, &evt.Kind, &tagsJSON, &evt.Content, &evt.Sig); err != nil {
			return nil, bridgeerr.NewTransportError(bridgeerr.TransportCore, "store.query_events.scan", err)
		}
		evt.CreatedAt = nostr.Timestamp(created)
		if err := json.Unmarshal([]byte(tagsJSON), &evt.Tags); err != nil {
			log.Printf("[store] discarding malformed tags for event %s: %v", evt.ID, err)
		}
		out = append(out, &evt)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = "?"
	}
	return strings.Join(ph, ",")
}

func toArgs(s []string) []interface{} {
	out := make([]interface{}, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
