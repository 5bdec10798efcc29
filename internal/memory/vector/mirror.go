package vector

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/db"
)

const mirrorQueueSize = 256

const mirrorSchema = `
CREATE TABLE IF NOT EXISTS vector_entries (
	id           TEXT PRIMARY KEY,
	collection   TEXT NOT NULL,
	content      TEXT NOT NULL,
	metadata     TEXT NOT NULL DEFAULT '{}',
	created_at   TIMESTAMP NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	consolidated INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_vector_entries_collection ON vector_entries(collection);
`

type opKind int

const (
	opUpsert opKind = iota
	opAccess
	opConsolidated
	opDelete
)

type mirrorOp struct {
	kind  opKind
	entry *Entry // opUpsert
	id    string
	count int // opAccess
}

type entryRow struct {
	ID           string    `db:"id"`
	Collection   string    `db:"collection"`
	Content      string    `db:"content"`
	Metadata     string    `db:"metadata"`
	CreatedAt    time.Time `db:"created_at"`
	AccessCount  int       `db:"access_count"`
	Consolidated bool      `db:"consolidated"`
}

// mirror persists entries to SQLite. Writes go through a buffered channel
// serviced by one flusher goroutine, so store mutations never wait on the
// database; close drains the queue.
type mirror struct {
	pool   *db.Pool
	logger *logger.Logger

	ops chan mirrorOp
	wg  sync.WaitGroup

	closeMu sync.Mutex
	closed  bool
}

func newMirror(dir string, log *logger.Logger) (*mirror, error) {
	pool, err := db.Open(filepath.Join(dir, "vector.db"))
	if err != nil {
		return nil, err
	}
	if _, err := pool.Writer().Exec(mirrorSchema); err != nil {
		pool.Close()
		return nil, err
	}

	m := &mirror{
		pool:   pool,
		logger: log,
		ops:    make(chan mirrorOp, mirrorQueueSize),
	}
	m.wg.Add(1)
	go m.flush()
	return m, nil
}

func (m *mirror) loadAll(ctx context.Context) ([]*Entry, error) {
	var rows []entryRow
	err := m.pool.Reader().SelectContext(ctx, &rows,
		`SELECT id, collection, content, metadata, created_at, access_count, consolidated
		 FROM vector_entries`)
	if err != nil {
		return nil, err
	}

	out := make([]*Entry, 0, len(rows))
	for _, r := range rows {
		e := &Entry{
			ID:           r.ID,
			Collection:   r.Collection,
			Content:      r.Content,
			CreatedAt:    r.CreatedAt.UTC(),
			AccessCount:  r.AccessCount,
			Consolidated: r.Consolidated,
		}
		if r.Metadata != "" && r.Metadata != "{}" {
			if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
				m.logger.Warn("skipping unreadable entry metadata",
					zap.String("id", r.ID),
					zap.Error(err))
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *mirror) enqueue(op mirrorOp) {
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return
	}
	m.closeMu.Unlock()

	select {
	case m.ops <- op:
	default:
		m.logger.Warn("mirror queue full, dropping op", zap.Int("kind", int(op.kind)))
	}
}

func (m *mirror) flush() {
	defer m.wg.Done()
	for op := range m.ops {
		if err := m.apply(context.Background(), op); err != nil {
			m.logger.Warn("mirror write failed",
				zap.Int("kind", int(op.kind)),
				zap.Error(err))
		}
	}
}

func (m *mirror) apply(ctx context.Context, op mirrorOp) error {
	w := m.pool.Writer()
	switch op.kind {
	case opUpsert:
		meta := "{}"
		if len(op.entry.Metadata) > 0 {
			b, err := json.Marshal(op.entry.Metadata)
			if err != nil {
				return err
			}
			meta = string(b)
		}
		_, err := w.ExecContext(ctx,
			`INSERT INTO vector_entries (id, collection, content, metadata, created_at, access_count, consolidated)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   collection = excluded.collection,
			   content = excluded.content,
			   metadata = excluded.metadata,
			   access_count = excluded.access_count,
			   consolidated = excluded.consolidated`,
			op.entry.ID, op.entry.Collection, op.entry.Content, meta,
			op.entry.CreatedAt.UTC(), op.entry.AccessCount, op.entry.Consolidated)
		return err
	case opAccess:
		_, err := w.ExecContext(ctx,
			`UPDATE vector_entries SET access_count = ? WHERE id = ?`, op.count, op.id)
		return err
	case opConsolidated:
		_, err := w.ExecContext(ctx,
			`UPDATE vector_entries SET consolidated = 1 WHERE id = ?`, op.id)
		return err
	case opDelete:
		_, err := w.ExecContext(ctx,
			`DELETE FROM vector_entries WHERE id = ?`, op.id)
		return err
	}
	return nil
}

// close stops the flusher after draining queued ops, then closes the pool.
func (m *mirror) close() error {
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return nil
	}
	m.closed = true
	m.closeMu.Unlock()

	close(m.ops)
	m.wg.Wait()
	return m.pool.Close()
}
