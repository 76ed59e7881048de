package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	_ "modernc.org/sqlite"
)

// Limits for query bounds
const (
	MaxLimit     = 1000
	DefaultLimit = 100
)

const dbFileName = "notestream.db"

var _ Store = (*SQLiteStore)(nil)

type subscription struct {
	filters []nostr.Filter
	cursor  uint64
}

type SQLiteStore struct {
	db   *sql.DB
	path string

	mu      sync.Mutex
	subs    map[uint64]*subscription
	nextSub uint64
	closed  bool
}

func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, dbFileName)
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{
		db:   db,
		path: dbPath,
		subs: make(map[uint64]*subscription),
	}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		key INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		pubkey TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		kind INTEGER NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		content TEXT NOT NULL,
		sig TEXT NOT NULL,
		received_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
	CREATE INDEX IF NOT EXISTS idx_events_pubkey ON events(pubkey, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, created_at);

	CREATE TABLE IF NOT EXISTS tags (
		event_key INTEGER NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tags_lookup ON tags(name, value, event_key);

	CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(content, content=events, content_rowid=key);

	CREATE TRIGGER IF NOT EXISTS events_ai AFTER INSERT ON events BEGIN
		INSERT INTO events_fts(rowid, content) VALUES (new.key, new.content);
	END;

	CREATE TRIGGER IF NOT EXISTS events_ad AFTER DELETE ON events BEGIN
		INSERT INTO events_fts(events_fts, rowid, content) VALUES('delete', old.key, old.content);
		DELETE FROM tags WHERE event_key = old.key;
	END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// sanitizeFTSQuery escapes special FTS5 operators to prevent query injection
func sanitizeFTSQuery(query string) string {
	query = strings.ReplaceAll(query, `"`, `""`)
	return `"` + query + `"`
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func appendStrings(args []interface{}, values []string) []interface{} {
	for _, v := range values {
		args = append(args, v)
	}
	return args
}

// filterClause translates one filter into a WHERE fragment over events e.
// An empty filter matches everything.
func filterClause(f nostr.Filter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if len(f.IDs) > 0 {
		conditions = append(conditions, "e.id IN ("+placeholders(len(f.IDs))+")")
		args = appendStrings(args, f.IDs)
	}
	if len(f.Authors) > 0 {
		conditions = append(conditions, "e.pubkey IN ("+placeholders(len(f.Authors))+")")
		args = appendStrings(args, f.Authors)
	}
	if len(f.Kinds) > 0 {
		conditions = append(conditions, "e.kind IN ("+placeholders(len(f.Kinds))+")")
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(f.Tags)) {
		values := f.Tags[name]
		if len(values) == 0 {
			continue
		}
		conditions = append(conditions,
			"EXISTS (SELECT 1 FROM tags t WHERE t.event_key = e.key AND t.name = ? AND t.value IN ("+placeholders(len(values))+"))")
		args = append(args, name)
		args = appendStrings(args, values)
	}
	if f.Since != nil {
		conditions = append(conditions, "e.created_at >= ?")
		args = append(args, int64(*f.Since))
	}
	if f.Until != nil {
		conditions = append(conditions, "e.created_at <= ?")
		args = append(args, int64(*f.Until))
	}
	if f.Search != "" {
		conditions = append(conditions, "e.key IN (SELECT rowid FROM events_fts WHERE events_fts MATCH ?)")
		args = append(args, sanitizeFTSQuery(f.Search))
	}

	if len(conditions) == 0 {
		return "1=1", nil
	}
	return strings.Join(conditions, " AND "), args
}

func boundLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func sortNoteRefs(refs []NoteRef) {
	slices.SortFunc(refs, func(a, b NoteRef) int {
		switch {
		case a.CreatedAt != b.CreatedAt:
			if a.CreatedAt > b.CreatedAt {
				return -1
			}
			return 1
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
}

// Events

// SaveEvent stores ev and indexes its single-letter tags. It reports false
// when an event with the same id is already stored.
func (s *SQLiteStore) SaveEvent(ev *nostr.Event) (bool, error) {
	tags := ev.Tags
	if tags == nil {
		tags = nostr.Tags{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return false, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.Exec(
		"INSERT OR IGNORE INTO events (id, pubkey, created_at, kind, tags, content, sig, received_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		ev.ID, ev.PubKey, int64(ev.CreatedAt), ev.Kind, string(tagsJSON), ev.Content, ev.Sig, time.Now().Unix(),
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	key, err := result.LastInsertId()
	if err != nil {
		return false, err
	}

	for _, tag := range tags {
		if len(tag) < 2 || len(tag[0]) != 1 {
			continue
		}
		if _, err := tx.Exec("INSERT INTO tags (event_key, name, value) VALUES (?, ?, ?)", key, tag[0], tag[1]); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

const eventColumns = "id, pubkey, created_at, kind, tags, content, sig"

func scanEvent(row *sql.Row) (*nostr.Event, error) {
	var ev nostr.Event
	var createdAt int64
	var tagsJSON string
	err := row.Scan(&ev.ID, &ev.PubKey, &createdAt, &ev.Kind, &tagsJSON, &ev.Content, &ev.Sig)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ev.CreatedAt = nostr.Timestamp(createdAt)
	if err := json.Unmarshal([]byte(tagsJSON), &ev.Tags); err != nil {
		// If tags are corrupted, initialize to empty
		ev.Tags = nostr.Tags{}
	}
	return &ev, nil
}

func (s *SQLiteStore) GetEvent(id string) (*nostr.Event, error) {
	return scanEvent(s.db.QueryRow("SELECT "+eventColumns+" FROM events WHERE id = ?", id))
}

func (s *SQLiteStore) GetEventByKey(key uint64) (*nostr.Event, error) {
	return scanEvent(s.db.QueryRow("SELECT "+eventColumns+" FROM events WHERE key = ?", int64(key)))
}

// QueryEvents returns refs matching any of filters, newest first. Each
// filter's own limit is honored, and the merged result is capped at limit.
func (s *SQLiteStore) QueryEvents(filters []nostr.Filter, limit int) ([]NoteRef, error) {
	limit = boundLimit(limit)

	seen := make(map[uint64]struct{})
	var refs []NoteRef
	for _, f := range filters {
		filterLimit := limit
		if f.Limit > 0 && f.Limit < filterLimit {
			filterLimit = f.Limit
		}
		clause, args := filterClause(f)
		query := fmt.Sprintf(
			"SELECT e.key, e.id, e.created_at FROM events e WHERE %s ORDER BY e.created_at DESC, e.key ASC LIMIT %d",
			clause, filterLimit,
		)
		matched, err := s.queryRefs(query, args...)
		if err != nil {
			return nil, err
		}
		for _, ref := range matched {
			if _, dup := seen[ref.Key]; dup {
				continue
			}
			seen[ref.Key] = struct{}{}
			refs = append(refs, ref)
		}
	}

	sortNoteRefs(refs)
	if len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

// NoteRefs resolves keys to refs, newest first. Unknown keys are skipped.
func (s *SQLiteStore) NoteRefs(keys []uint64) ([]NoteRef, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = int64(k)
	}
	refs, err := s.queryRefs(
		"SELECT e.key, e.id, e.created_at FROM events e WHERE e.key IN ("+placeholders(len(keys))+")",
		args...,
	)
	if err != nil {
		return nil, err
	}
	sortNoteRefs(refs)
	return refs, nil
}

func (s *SQLiteStore) queryRefs(query string, args ...interface{}) ([]NoteRef, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var refs []NoteRef
	for rows.Next() {
		var key, createdAt int64
		var ref NoteRef
		if err := rows.Scan(&key, &ref.ID, &createdAt); err != nil {
			return nil, err
		}
		ref.Key = uint64(key)
		ref.CreatedAt = nostr.Timestamp(createdAt)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Subscriptions

// Subscribe opens a subscription whose polls return events stored after
// this call that match any of filters.
func (s *SQLiteStore) Subscribe(filters []nostr.Filter) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	var maxKey int64
	if err := s.db.QueryRow("SELECT COALESCE(MAX(key), 0) FROM events").Scan(&maxKey); err != nil {
		return 0, fmt.Errorf("failed to read subscription cursor: %w", err)
	}

	s.nextSub++
	s.subs[s.nextSub] = &subscription{
		filters: slices.Clone(filters),
		cursor:  uint64(maxKey),
	}
	return s.nextSub, nil
}

func (s *SQLiteStore) Unsubscribe(handle uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[handle]; !ok {
		return ErrUnknownSubscription
	}
	delete(s.subs, handle)
	return nil
}

// Poll returns up to max keys of events that arrived since the previous
// poll, oldest first, and advances the subscription past them.
func (s *SQLiteStore) Poll(handle uint64, max int) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	sub, ok := s.subs[handle]
	if !ok {
		return nil, ErrUnknownSubscription
	}
	if len(sub.filters) == 0 {
		return nil, nil
	}

	var clauses []string
	args := []interface{}{int64(sub.cursor)}
	for _, f := range sub.filters {
		clause, fargs := filterClause(f)
		clauses = append(clauses, "("+clause+")")
		args = append(args, fargs...)
	}
	args = append(args, boundLimit(max))

	rows, err := s.db.Query(
		"SELECT e.key FROM events e WHERE e.key > ? AND ("+strings.Join(clauses, " OR ")+") ORDER BY e.key ASC LIMIT ?",
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []uint64
	for rows.Next() {
		var key int64
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, uint64(key))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		sub.cursor = keys[len(keys)-1]
	}
	return keys, nil
}

// Lifecycle

func (s *SQLiteStore) Stats() (*Stats, error) {
	var st Stats
	var oldest, newest, received sql.NullInt64
	err := s.db.QueryRow(
		"SELECT COUNT(*), MIN(created_at), MAX(created_at), MAX(received_at) FROM events",
	).Scan(&st.Events, &oldest, &newest, &received)
	if err != nil {
		return nil, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM tags").Scan(&st.Tags); err != nil {
		return nil, err
	}
	st.Oldest = nostr.Timestamp(oldest.Int64)
	st.Newest = nostr.Timestamp(newest.Int64)
	if received.Valid {
		st.LastReceived = time.Unix(received.Int64, 0)
	}
	for _, p := range []string{s.path, s.path + "-wal"} {
		if info, err := os.Stat(p); err == nil {
			st.SizeBytes += info.Size()
		}
	}

	s.mu.Lock()
	st.Subscriptions = len(s.subs)
	s.mu.Unlock()
	return &st, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.subs = make(map[uint64]*subscription)
	s.mu.Unlock()
	return s.db.Close()
}
