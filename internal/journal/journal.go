// Package journal records what the daemon saw and did: every normalized
// host event, every outbound instruction and notice, and every engine
// decision. Records land in sqlite and fan out to in-memory subscribers
// for the observer stream. Recording is best-effort; engines never fail
// because the journal did.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type Kind string

const (
	KindEvent       Kind = "event"
	KindInstruction Kind = "instruction"
	KindNotice      Kind = "notice"
	KindDecision    Kind = "decision"
)

type Entry struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	SessionID string         `json:"session_id,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Body      string         `json:"body"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type Input struct {
	Kind      Kind
	SessionID string
	Subject   string
	Body      string
	Metadata  map[string]any
}

type Filter struct {
	Kind      Kind
	SessionID string
	Limit     int
}

type Journal struct {
	db *sql.DB

	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	kinds map[Kind]struct{}
	ch    chan Entry
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db, subs: map[int]*subscriber{}}
}

// Record inserts an entry and broadcasts it to subscribers.
func (j *Journal) Record(ctx context.Context, input Input) (Entry, error) {
	if strings.TrimSpace(string(input.Kind)) == "" {
		return Entry{}, fmt.Errorf("kind is required")
	}
	if strings.TrimSpace(input.Body) == "" {
		return Entry{}, fmt.Errorf("body is required")
	}

	entry := Entry{
		ID:        ulid.Make().String(),
		Kind:      input.Kind,
		SessionID: input.SessionID,
		Subject:   input.Subject,
		Body:      input.Body,
		Metadata:  input.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	metadataJSON, err := encodeJSON(input.Metadata)
	if err != nil {
		return Entry{}, fmt.Errorf("encode metadata: %w", err)
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO journal (id, kind, session_id, subject, body, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, string(entry.Kind), nullString(entry.SessionID), nullString(entry.Subject),
		entry.Body, metadataJSON, entry.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Entry{}, fmt.Errorf("insert journal entry: %w", err)
	}

	j.broadcast(entry)
	return entry, nil
}

// List returns entries newest-first.
func (j *Journal) List(ctx context.Context, filter Filter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var clauses []string
	var args []any
	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := fmt.Sprintf(`SELECT id, kind, session_id, subject, body, metadata, created_at FROM journal %s ORDER BY created_at DESC, id DESC LIMIT ?`, where)
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var entry Entry
		var kindStr, createdAtStr string
		var sessionID, subject, metadataStr sql.NullString
		if err := rows.Scan(&entry.ID, &kindStr, &sessionID, &subject, &entry.Body, &metadataStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		entry.Kind = Kind(kindStr)
		entry.SessionID = sessionID.String
		entry.Subject = subject.String
		entry.Metadata = decodeJSONMap(metadataStr.String)
		entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return out, nil
}

// Subscribe returns a channel of live entries for the given kinds (all
// kinds when empty). The subscription ends when ctx is cancelled. Slow
// subscribers drop entries rather than blocking the writer.
func (j *Journal) Subscribe(ctx context.Context, kinds []Kind) <-chan Entry {
	sub := &subscriber{kinds: map[Kind]struct{}{}, ch: make(chan Entry, 64)}
	for _, kind := range kinds {
		sub.kinds[kind] = struct{}{}
	}

	j.mu.Lock()
	j.next++
	id := j.next
	j.subs[id] = sub
	j.mu.Unlock()

	go func() {
		<-ctx.Done()
		j.mu.Lock()
		delete(j.subs, id)
		j.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch
}

func (j *Journal) broadcast(entry Entry) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, sub := range j.subs {
		if len(sub.kinds) > 0 {
			if _, ok := sub.kinds[entry.Kind]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- entry:
		default:
		}
	}
}

func encodeJSON(v map[string]any) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
