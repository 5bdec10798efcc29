// Package vector stores embedded memory entries. The in-memory entry map
// is the source of truth; ranking is delegated to a chromem-go collection
// per logical collection, and an optional SQLite mirror persists the
// primary table asynchronously. After a restart, metadata rows load
// eagerly while vectors are rebuilt lazily by re-embedding a collection's
// content the first time a search touches it.
package vector

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/embedding"
)

// DefaultCacheSize bounds the query embedding cache.
const DefaultCacheSize = 512

const defaultSearchLimit = 10

// Entry is one stored record of the primary table.
type Entry struct {
	ID           string         `json:"id"`
	Collection   string         `json:"collection"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Vector       []float32      `json:"-"`
	CreatedAt    time.Time      `json:"createdAt"`
	AccessCount  int            `json:"accessCount"`
	Consolidated bool           `json:"consolidated"`
}

func (e *Entry) clone() *Entry {
	out := *e
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	if e.Vector != nil {
		out.Vector = append([]float32(nil), e.Vector...)
	}
	return &out
}

// SearchOptions narrows a Search call.
type SearchOptions struct {
	Collection string
	Limit      int
	MinScore   float32
	Filter     map[string]any // metadata equality
}

// SearchResult pairs an entry snapshot with its similarity.
type SearchResult struct {
	Entry      *Entry  `json:"entry"`
	Similarity float32 `json:"similarity"`
	Distance   float32 `json:"distance"` // 1 - similarity
}

// CleanupOptions controls Cleanup. An entry is removed only when it is
// older than MaxAge, accessed fewer than MinAccessCount times and not
// consolidated.
type CleanupOptions struct {
	MaxAge         time.Duration
	MinAccessCount int
	Collection     string // restrict to one collection when set
}

// Config holds store tuning.
type Config struct {
	Dir       string // mirror database directory; required when Mirror is set
	Mirror    bool
	CacheSize int
}

// Store is the vector memory.
type Store struct {
	cfg      Config
	logger   *logger.Logger
	embedder embedding.Provider

	mu      sync.RWMutex
	entries map[string]*Entry
	warmed  map[string]bool // collections whose vectors are in the index

	index *chromem.DB
	colMu sync.Mutex
	cols  map[string]*chromem.Collection

	cacheMu   sync.Mutex
	cache     map[string][]float32
	cacheSize int

	mirror *mirror // nil when disabled

	now func() time.Time
}

// New opens the store. With cfg.Mirror set, existing rows are loaded from
// SQLite; their vectors stay empty until a search warms the collection.
func New(cfg Config, embedder embedding.Provider, log *logger.Logger) (*Store, error) {
	if embedder == nil {
		return nil, errs.E(errs.KindValidation, "vector.new", "embedding provider is required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}

	s := &Store{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "vector")),
		embedder:  embedder,
		entries:   make(map[string]*Entry),
		warmed:    make(map[string]bool),
		index:     chromem.NewDB(),
		cols:      make(map[string]*chromem.Collection),
		cache:     make(map[string][]float32),
		cacheSize: cfg.CacheSize,
		now:       time.Now,
	}

	if cfg.Mirror {
		if cfg.Dir == "" {
			return nil, errs.E(errs.KindValidation, "vector.new", "mirror requires a directory")
		}
		m, err := newMirror(cfg.Dir, s.logger)
		if err != nil {
			return nil, err
		}
		rows, err := m.loadAll(context.Background())
		if err != nil {
			m.close()
			return nil, err
		}
		for _, e := range rows {
			s.entries[e.ID] = e
		}
		s.mirror = m
		if len(rows) > 0 {
			s.logger.Info("loaded vector entries from mirror", zap.Int("entries", len(rows)))
		}
	}

	return s, nil
}

// Add upserts an entry. A fresh entry gets a generated id, a zero access
// count and the current time; upserting an existing id replaces content,
// metadata and vector while keeping creation time and access count.
func (s *Store) Add(ctx context.Context, entry *Entry) (*Entry, error) {
	const op = "vector.add"
	if entry == nil {
		return nil, errs.E(errs.KindValidation, op, "entry is required")
	}
	if entry.Collection == "" {
		return nil, errs.E(errs.KindValidation, op, "collection is required")
	}
	if entry.Content == "" {
		return nil, errs.E(errs.KindValidation, op, "content is required")
	}

	stored := entry.clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.Vector == nil {
		vec, err := s.embedder.Embed(ctx, stored.Content)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, op, err)
		}
		stored.Vector = vec
	}

	col, err := s.collection(stored.Collection)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	prev := s.entries[stored.ID]
	if prev != nil {
		stored.CreatedAt = prev.CreatedAt
		stored.AccessCount = prev.AccessCount
	} else {
		stored.CreatedAt = s.now().UTC()
		stored.AccessCount = 0
	}
	s.entries[stored.ID] = stored
	if err := s.indexUpsert(ctx, col, stored); err != nil {
		if prev != nil {
			s.entries[stored.ID] = prev
		} else {
			delete(s.entries, stored.ID)
		}
		s.mu.Unlock()
		return nil, err
	}
	s.enqueueMirror(mirrorOp{kind: opUpsert, entry: stored.clone()})
	s.mu.Unlock()

	s.logger.Debug("vector entry added",
		zap.String("id", stored.ID),
		zap.String("collection", stored.Collection))
	return stored.clone(), nil
}

// Get returns an entry and increments its access count.
func (s *Store) Get(id string) (*Entry, error) {
	s.mu.Lock()
	entry, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return nil, errs.E(errs.KindNotFound, "vector.get", "entry %s not found", id)
	}
	entry.AccessCount++
	out := entry.clone()
	s.enqueueMirror(mirrorOp{kind: opAccess, id: id, count: entry.AccessCount})
	s.mu.Unlock()
	return out, nil
}

// Search embeds the query (through a bounded cache), ranks the collection
// in the chromem index, then applies the metadata filter, the MinScore
// cut and the limit. Access counts are not touched.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	const op = "vector.search"
	if query == "" {
		return nil, errs.E(errs.KindValidation, op, "query is required")
	}
	if opts.Collection == "" {
		return nil, errs.E(errs.KindValidation, op, "collection is required")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	qv, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, op, err)
	}

	if err := s.warmCollection(ctx, opts.Collection); err != nil {
		return nil, err
	}

	col, err := s.collection(opts.Collection)
	if err != nil {
		return nil, err
	}

	// Index mutations happen under mu, so holding the read lock keeps the
	// collection count stable across the query. chromem rejects a request
	// for more results than it holds.
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := col.Count()
	if total == 0 {
		return nil, nil
	}

	ranked, err := col.QueryEmbedding(ctx, qv, total, nil, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, op, err)
	}

	var out []SearchResult
	for _, r := range ranked {
		if r.Similarity < opts.MinScore {
			continue
		}
		entry, ok := s.entries[r.ID]
		if !ok || entry.Collection != opts.Collection {
			continue
		}
		if !matchesFilter(entry.Metadata, opts.Filter) {
			continue
		}
		out = append(out, SearchResult{
			Entry:      entry.clone(),
			Similarity: r.Similarity,
			Distance:   1 - r.Similarity,
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkConsolidated flips the consolidation flag on an entry.
func (s *Store) MarkConsolidated(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return errs.E(errs.KindNotFound, "vector.markConsolidated", "entry %s not found", id)
	}
	entry.Consolidated = true
	s.enqueueMirror(mirrorOp{kind: opConsolidated, id: id})
	return nil
}

// Cleanup removes entries that are old, rarely accessed and not
// consolidated. Returns the number removed.
func (s *Store) Cleanup(ctx context.Context, opts CleanupOptions) (int, error) {
	if opts.MaxAge <= 0 {
		return 0, errs.E(errs.KindValidation, "vector.cleanup", "maxAge must be positive")
	}
	cutoff := s.now().UTC().Add(-opts.MaxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed []*Entry
	for _, e := range s.entries {
		if opts.Collection != "" && e.Collection != opts.Collection {
			continue
		}
		if e.Consolidated {
			continue
		}
		if !e.CreatedAt.Before(cutoff) {
			continue
		}
		if e.AccessCount >= opts.MinAccessCount {
			continue
		}
		doomed = append(doomed, e)
	}

	for _, e := range doomed {
		delete(s.entries, e.ID)
		if col, err := s.collection(e.Collection); err == nil {
			if err := col.Delete(ctx, nil, nil, e.ID); err != nil {
				s.logger.Warn("index delete failed",
					zap.String("id", e.ID),
					zap.Error(err))
			}
		}
		s.enqueueMirror(mirrorOp{kind: opDelete, id: e.ID})
	}
	if len(doomed) > 0 {
		s.logger.Info("vector cleanup removed entries", zap.Int("count", len(doomed)))
	}
	return len(doomed), nil
}

// Count returns the number of entries in a collection, or in the whole
// store when collection is empty.
func (s *Store) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if collection == "" {
		return len(s.entries)
	}
	n := 0
	for _, e := range s.entries {
		if e.Collection == collection {
			n++
		}
	}
	return n
}

// Collections lists the known collection names, sorted.
func (s *Store) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for _, e := range s.entries {
		seen[e.Collection] = true
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Close drains and closes the mirror.
func (s *Store) Close() error {
	if s.mirror == nil {
		return nil
	}
	return s.mirror.close()
}

// warmCollection re-embeds entries whose vectors were not restored yet
// and inserts them into the index. First search after a restart pays the
// rebuild cost for its collection; later searches are pure lookups.
func (s *Store) warmCollection(ctx context.Context, collection string) error {
	s.mu.RLock()
	warmed := s.warmed[collection]
	s.mu.RUnlock()
	if warmed {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.warmed[collection] {
		return nil
	}

	var cold []*Entry
	for _, e := range s.entries {
		if e.Collection == collection && e.Vector == nil {
			cold = append(cold, e)
		}
	}
	if len(cold) > 0 {
		start := s.now()
		texts := make([]string, len(cold))
		for i, e := range cold {
			texts[i] = e.Content
		}
		vecs, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return errs.Wrap(errs.KindInternal, "vector.warm", err)
		}
		col, err := s.collection(collection)
		if err != nil {
			return err
		}
		for i, e := range cold {
			e.Vector = vecs[i]
			if err := s.indexUpsert(ctx, col, e); err != nil {
				return err
			}
		}
		s.logger.Info("rebuilt collection vectors",
			zap.String("collection", collection),
			zap.Int("entries", len(cold)),
			zap.Duration("took", s.now().Sub(start)))
	}
	s.warmed[collection] = true
	return nil
}

// embedQuery embeds through the bounded cache; a full cache is reset.
func (s *Store) embedQuery(ctx context.Context, query string) ([]float32, error) {
	s.cacheMu.Lock()
	if vec, ok := s.cache[query]; ok {
		s.cacheMu.Unlock()
		return vec, nil
	}
	s.cacheMu.Unlock()

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	s.cacheMu.Lock()
	if len(s.cache) >= s.cacheSize {
		s.cache = make(map[string][]float32, s.cacheSize)
	}
	s.cache[query] = vec
	s.cacheMu.Unlock()
	return vec, nil
}

// collection returns the chromem collection, creating it on first use.
// The identity embedding function is never called: every document and
// query arrives with a precomputed vector.
func (s *Store) collection(name string) (*chromem.Collection, error) {
	s.colMu.Lock()
	defer s.colMu.Unlock()
	if col, ok := s.cols[name]; ok {
		return col, nil
	}
	col, err := s.index.GetOrCreateCollection(name, nil, identityEmbed)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "vector.collection", err)
	}
	s.cols[name] = col
	return col, nil
}

func identityEmbed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("embedding function called but vectors are precomputed")
}

// indexUpsert replaces the document in the chromem collection.
func (s *Store) indexUpsert(ctx context.Context, col *chromem.Collection, e *Entry) error {
	if err := col.Delete(ctx, nil, nil, e.ID); err != nil {
		s.logger.Debug("index pre-delete failed", zap.String("id", e.ID), zap.Error(err))
	}
	doc := chromem.Document{
		ID:        e.ID,
		Content:   e.Content,
		Embedding: e.Vector,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return errs.Wrap(errs.KindInternal, "vector.index", err)
	}
	return nil
}

// enqueueMirror hands an op to the flusher. Called with mu held so mirror
// ops apply in mutation order.
func (s *Store) enqueueMirror(op mirrorOp) {
	if s.mirror == nil {
		return
	}
	s.mirror.enqueue(op)
}

// matchesFilter checks metadata equality for every filter key. Values are
// compared by their printed form so numbers survive the JSON round trip
// through the mirror.
func matchesFilter(metadata, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
