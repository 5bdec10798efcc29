// Package knowledge stores distilled engineering knowledge as markdown
// files with YAML front matter, split into an auto tree maintained by the
// consolidation loop and a manual tree owned by humans. Manual always wins:
// an auto write is suppressed whenever a manual file holds the same key,
// and reads prefer the manual side.
package knowledge

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
)

// Source values for a knowledge item.
const (
	SourceAuto   = "auto"
	SourceManual = "manual"
)

// Categories of knowledge the store accepts.
const (
	CategoryPits      = "pits"
	CategoryPatterns  = "patterns"
	CategoryDecisions = "decisions"
	CategorySolutions = "solutions"
)

// Categories lists every valid category.
func Categories() []string {
	return []string{CategoryPits, CategoryPatterns, CategoryDecisions, CategorySolutions}
}

func validCategory(category string) bool {
	switch category {
	case CategoryPits, CategoryPatterns, CategoryDecisions, CategorySolutions:
		return true
	}
	return false
}

// Item is one knowledge file: front matter plus markdown body, located by
// {source}/{category}/{slug}.md relative to the store root.
type Item struct {
	Path        string      `json:"path"`
	Source      string      `json:"source"`
	Category    string      `json:"category"`
	Slug        string      `json:"slug"`
	FrontMatter FrontMatter `json:"frontMatter"`
	Body        string      `json:"body"`
}

// SearchResult pairs an item with its content-search score.
type SearchResult struct {
	Item  *Item `json:"item"`
	Score int   `json:"score"`
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Category string
	Source   string
}

// Store is the on-disk knowledge base.
type Store struct {
	dir    string
	logger *logger.Logger

	mu sync.RWMutex // writes are whole-file replaces; reads see old or new

	now func() time.Time
}

// New opens the knowledge store rooted at dir, creating the auto and
// manual trees when missing.
func New(dir string, log *logger.Logger) (*Store, error) {
	if dir == "" {
		return nil, errs.E(errs.KindValidation, "knowledge.new", "knowledge directory is required")
	}
	for _, side := range []string{SourceAuto, SourceManual} {
		if err := os.MkdirAll(filepath.Join(dir, side), 0o755); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "knowledge.new", err)
		}
	}
	return &Store{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "knowledge")),
		now:    time.Now,
	}, nil
}

// WriteAuto writes an item into the auto tree. The write is suppressed,
// returning false, when a manual file holds the same key or when the
// existing auto item is locked against reflector updates. Overwriting an
// unlocked auto item bumps occurrences, merges related sessions and
// increments the version.
func (s *Store) WriteAuto(item *Item) (bool, error) {
	if err := s.normalize(item, SourceAuto); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.filePath(SourceManual, item.Category, item.Slug)); err == nil {
		s.logger.Debug("auto write suppressed by manual item",
			zap.String("category", item.Category),
			zap.String("slug", item.Slug))
		return false, nil
	}

	existing, err := s.readFile(SourceAuto, item.Category, item.Slug)
	if err != nil && !errs.IsNotFound(err) {
		return false, err
	}
	if existing != nil {
		if !existing.FrontMatter.CanReflectorUpdate() {
			s.logger.Debug("auto write suppressed by locked item",
				zap.String("category", item.Category),
				zap.String("slug", item.Slug))
			return false, nil
		}
		item.FrontMatter.Occurrences = existing.FrontMatter.Occurrences + 1
		item.FrontMatter.RelatedSessions = mergeSessions(
			existing.FrontMatter.RelatedSessions, item.FrontMatter.RelatedSessions)
		item.FrontMatter.Version = existing.FrontMatter.Version + 1
		if item.FrontMatter.Discovered == "" {
			item.FrontMatter.Discovered = existing.FrontMatter.Discovered
		}
	}

	if err := s.writeFile(item); err != nil {
		return false, err
	}
	s.logger.Info("knowledge written",
		zap.String("path", item.Path),
		zap.Int("occurrences", item.FrontMatter.Occurrences))
	return true, nil
}

// WriteManual writes an item into the manual tree. Manual writes always
// win; an existing manual file is replaced with its version incremented.
func (s *Store) WriteManual(item *Item) error {
	if err := s.normalize(item, SourceManual); err != nil {
		return err
	}
	item.FrontMatter.ManualEdited = true

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.readFile(SourceManual, item.Category, item.Slug)
	if err != nil && !errs.IsNotFound(err) {
		return err
	}
	if existing != nil {
		item.FrontMatter.Version = existing.FrontMatter.Version + 1
		if item.FrontMatter.Discovered == "" {
			item.FrontMatter.Discovered = existing.FrontMatter.Discovered
		}
	}

	if err := s.writeFile(item); err != nil {
		return err
	}
	s.logger.Info("manual knowledge written", zap.String("path", item.Path))
	return nil
}

// Read returns the item for a key, preferring the manual side.
func (s *Store) Read(category, slug string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, err := s.readFile(SourceManual, category, slug)
	if err == nil {
		return item, nil
	}
	if !errs.IsNotFound(err) {
		return nil, err
	}
	return s.readFile(SourceAuto, category, slug)
}

// ReadPath returns the item at an exact relative path.
func (s *Store) ReadPath(path string) (*Item, error) {
	source, category, slug, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readFile(source, category, slug)
}

// Lock flips reflector_can_update on the item at path. A locked item is
// never overwritten by the consolidation loop.
func (s *Store) Lock(path string, locked bool) error {
	source, category, slug, err := splitPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.readFile(source, category, slug)
	if err != nil {
		return err
	}
	canUpdate := !locked
	item.FrontMatter.ReflectorCanUpdate = &canUpdate
	if err := s.writeFile(item); err != nil {
		return err
	}
	s.logger.Info("knowledge lock updated",
		zap.String("path", path),
		zap.Bool("locked", locked))
	return nil
}

// PromoteToManual moves an auto item to the manual tree: the manual copy
// is written with source switched, then the auto file is removed.
func (s *Store) PromoteToManual(path string) (*Item, error) {
	source, category, slug, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if source != SourceAuto {
		return nil, errs.E(errs.KindValidation, "knowledge.promote", "%s is not an auto item", path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.readFile(SourceAuto, category, slug)
	if err != nil {
		return nil, err
	}

	item.Source = SourceManual
	item.Path = joinPath(SourceManual, category, slug)
	item.FrontMatter.Source = SourceManual
	if err := s.writeFile(item); err != nil {
		return nil, err
	}
	if err := os.Remove(s.filePath(SourceAuto, category, slug)); err != nil && !os.IsNotExist(err) {
		return nil, errs.Wrap(errs.KindInternal, "knowledge.promote", err)
	}

	s.logger.Info("knowledge promoted to manual", zap.String("slug", slug))
	return item, nil
}

// Delete removes the file at an exact relative path. The sibling tree is
// never touched.
func (s *Store) Delete(path string) error {
	source, category, slug, err := splitPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	full := s.filePath(source, category, slug)
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return errs.E(errs.KindNotFound, "knowledge.delete", "no item at %s", path)
		}
		return errs.Wrap(errs.KindInternal, "knowledge.delete", err)
	}
	if err := os.Remove(full); err != nil {
		return errs.Wrap(errs.KindInternal, "knowledge.delete", err)
	}
	s.logger.Info("knowledge deleted", zap.String("path", path))
	return nil
}

// List enumerates items matching the filter, ordered by path. Unreadable
// files are logged and skipped.
func (s *Store) List(filter ListFilter) ([]*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items, err := s.walk()
	if err != nil {
		return nil, err
	}

	out := items[:0]
	for _, item := range items {
		if filter.Category != "" && item.Category != filter.Category {
			continue
		}
		if filter.Source != "" && item.Source != filter.Source {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// SearchByFilename returns items whose slug or title contains the term,
// case-insensitively, ordered by path.
func (s *Store) SearchByFilename(term string) ([]*Item, error) {
	if term == "" {
		return nil, errs.E(errs.KindValidation, "knowledge.searchByFilename", "search term is required")
	}
	needle := strings.ToLower(term)

	s.mu.RLock()
	defer s.mu.RUnlock()

	items, err := s.walk()
	if err != nil {
		return nil, err
	}

	var out []*Item
	for _, item := range items {
		if strings.Contains(strings.ToLower(item.Slug), needle) ||
			strings.Contains(strings.ToLower(item.FrontMatter.Title), needle) {
			out = append(out, item)
		}
	}
	return out, nil
}

// Content search weights.
const (
	scoreTitleHit    = 10
	scoreTagHit      = 5
	scoreCategoryHit = 3
	scoreBodyHit     = 1
)

// SearchContent scores every item against the term: 10 for a title hit,
// 5 per matching tag, 3 for a category hit and 1 per body occurrence.
// Results are sorted by score descending, path ascending on ties; items
// scoring zero are dropped.
func (s *Store) SearchContent(term string) ([]SearchResult, error) {
	if term == "" {
		return nil, errs.E(errs.KindValidation, "knowledge.searchContent", "search term is required")
	}
	needle := strings.ToLower(term)

	s.mu.RLock()
	defer s.mu.RUnlock()

	items, err := s.walk()
	if err != nil {
		return nil, err
	}

	var out []SearchResult
	for _, item := range items {
		score := 0
		if strings.Contains(strings.ToLower(item.FrontMatter.Title), needle) {
			score += scoreTitleHit
		}
		for _, tag := range item.FrontMatter.Tags {
			if strings.Contains(strings.ToLower(tag), needle) {
				score += scoreTagHit
			}
		}
		if strings.Contains(strings.ToLower(item.Category), needle) {
			score += scoreCategoryHit
		}
		score += strings.Count(strings.ToLower(item.Body), needle) * scoreBodyHit
		if score > 0 {
			out = append(out, SearchResult{Item: item, Score: score})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Item.Path < out[j].Item.Path
	})
	return out, nil
}

// normalize validates the item and fills derived fields before a write.
func (s *Store) normalize(item *Item, source string) error {
	op := "knowledge.writeAuto"
	if source == SourceManual {
		op = "knowledge.writeManual"
	}
	if item == nil {
		return errs.E(errs.KindValidation, op, "item is required")
	}
	if item.Category == "" {
		item.Category = item.FrontMatter.Category
	}
	if !validCategory(item.Category) {
		return errs.E(errs.KindValidation, op, "unknown category %q (valid: %s)",
			item.Category, strings.Join(Categories(), ", "))
	}
	if item.Slug == "" {
		item.Slug = Slugify(item.FrontMatter.Title)
	}
	if item.Slug == "" {
		return errs.E(errs.KindValidation, op, "item needs a slug or a title")
	}
	if item.FrontMatter.Title == "" {
		return errs.E(errs.KindValidation, op, "item needs a title")
	}

	item.Source = source
	item.Path = joinPath(source, item.Category, item.Slug)
	item.FrontMatter.Category = item.Category
	item.FrontMatter.Source = source
	if item.FrontMatter.Discovered == "" {
		item.FrontMatter.Discovered = s.now().UTC().Format("2006-01-02")
	}
	if item.FrontMatter.Occurrences == 0 {
		item.FrontMatter.Occurrences = 1
	}
	if item.FrontMatter.Version == 0 {
		item.FrontMatter.Version = 1
	}
	return nil
}

func (s *Store) filePath(source, category, slug string) string {
	return filepath.Join(s.dir, source, category, slug+".md")
}

func joinPath(source, category, slug string) string {
	return source + "/" + category + "/" + slug + ".md"
}

// splitPath parses a relative {source}/{category}/{slug}.md path.
func splitPath(path string) (source, category, slug string, err error) {
	const op = "knowledge.path"
	parts := strings.Split(strings.TrimSuffix(filepath.ToSlash(path), ".md"), "/")
	if len(parts) != 3 {
		return "", "", "", errs.E(errs.KindValidation, op, "path %q is not {source}/{category}/{slug}.md", path)
	}
	source, category, slug = parts[0], parts[1], parts[2]
	if source != SourceAuto && source != SourceManual {
		return "", "", "", errs.E(errs.KindValidation, op, "unknown source %q in path", source)
	}
	if !validCategory(category) {
		return "", "", "", errs.E(errs.KindValidation, op, "unknown category %q in path", category)
	}
	if slug == "" || strings.Contains(slug, "/") {
		return "", "", "", errs.E(errs.KindValidation, op, "path %q has no slug", path)
	}
	return source, category, slug, nil
}

func (s *Store) readFile(source, category, slug string) (*Item, error) {
	data, err := os.ReadFile(s.filePath(source, category, slug))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.E(errs.KindNotFound, "knowledge.read", "no item at %s", joinPath(source, category, slug))
		}
		return nil, errs.Wrap(errs.KindInternal, "knowledge.read", err)
	}

	fm, body, err := ParseFrontMatter(data)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "knowledge.read", err)
	}

	item := &Item{
		Path:     joinPath(source, category, slug),
		Source:   source,
		Category: category,
		Slug:     slug,
		Body:     body,
	}
	if fm != nil {
		item.FrontMatter = *fm
	}
	return item, nil
}

// writeFile replaces the whole file via a temp file and rename.
func (s *Store) writeFile(item *Item) error {
	const op = "knowledge.write"
	data, err := EncodeItem(&item.FrontMatter, item.Body)
	if err != nil {
		return errs.Wrap(errs.KindInternal, op, err)
	}

	full := s.filePath(item.Source, item.Category, item.Slug)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errs.Wrap(errs.KindInternal, op, err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Wrap(errs.KindInternal, op, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return errs.Wrap(errs.KindInternal, op, err)
	}
	return nil
}

// walk parses every markdown file under both trees, ordered by path.
func (s *Store) walk() ([]*Item, error) {
	var items []*Item
	for _, source := range []string{SourceAuto, SourceManual} {
		root := filepath.Join(s.dir, source)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".md") {
				return nil
			}
			rel, err := filepath.Rel(s.dir, path)
			if err != nil {
				return err
			}
			src, category, slug, perr := splitPath(rel)
			if perr != nil {
				s.logger.Warn("skipping knowledge file outside the tree layout", zap.String("path", rel))
				return nil
			}
			item, rerr := s.readFile(src, category, slug)
			if rerr != nil {
				s.logger.Warn("skipping unreadable knowledge file",
					zap.String("path", rel),
					zap.Error(rerr))
				return nil
			}
			items = append(items, item)
			return nil
		})
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "knowledge.walk", err)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items, nil
}

func mergeSessions(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Slugify turns a title into a filesystem-safe slug: lowercase, runs of
// non-alphanumerics collapse to single dashes.
func Slugify(s string) string {
	var b bytes.Buffer
	lastDash := true // trim leading dashes
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if len(out) > 80 {
		out = strings.TrimRight(out[:80], "-")
	}
	return out
}
