// ABOUTME: File search over the index with spell-check fallbacks
// ABOUTME: Exact term match first, then query variants, then Levenshtein-ranked fuzzy match

package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/2389/autofilter-gateway/internal/store"
)

// DefaultFuzzyPool is how many recent files the fuzzy pass compares against.
const DefaultFuzzyPool = 500

// FileIndex is the slice of the file store the searcher reads.
type FileIndex interface {
	SearchFiles(ctx context.Context, groupID int64, terms []string, limit int) ([]*store.File, error)
	ListFiles(ctx context.Context, groupID int64, limit int) ([]*store.File, error)
}

// Options tunes a Searcher.
type Options struct {
	SpellCheck bool
	FuzzyPool  int
}

// Searcher finds indexed files for free-text queries.
type Searcher struct {
	files      FileIndex
	spellCheck bool
	fuzzyPool  int
	logger     *slog.Logger
}

// New creates a Searcher.
func New(files FileIndex, opts Options, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FuzzyPool <= 0 {
		opts.FuzzyPool = DefaultFuzzyPool
	}
	return &Searcher{
		files:      files,
		spellCheck: opts.SpellCheck,
		fuzzyPool:  opts.FuzzyPool,
		logger:     logger.With("component", "search"),
	}
}

// Search returns at most limit files in groupID (0 for every group) whose
// names match query. With spell-check on, a miss falls back to the query's
// variants and then to a fuzzy match.
func (s *Searcher) Search(ctx context.Context, groupID int64, query string, limit int) ([]*store.File, error) {
	normalized := store.NormalizeName(query)
	if normalized == "" {
		return nil, nil
	}

	files, err := s.files.SearchFiles(ctx, groupID, strings.Fields(normalized), limit)
	if err != nil {
		return nil, fmt.Errorf("searching files: %w", err)
	}
	if len(files) > 0 || !s.spellCheck {
		return files, nil
	}

	for _, variant := range Variants(query) {
		files, err = s.files.SearchFiles(ctx, groupID, strings.Fields(variant), limit)
		if err != nil {
			return nil, fmt.Errorf("searching variant %q: %w", variant, err)
		}
		if len(files) > 0 {
			s.logger.Debug("variant matched", "query", query, "variant", variant, "results", len(files))
			rank(files, normalized)
			return files, nil
		}
	}

	files, err = s.fuzzy(ctx, groupID, normalized, limit)
	if err != nil {
		return nil, err
	}
	if len(files) > 0 {
		s.logger.Debug("fuzzy matched", "query", query, "results", len(files))
	}
	return files, nil
}

var leetSubs = []struct{ from, to string }{
	{"0", "o"},
	{"1", "i"},
	{"3", "e"},
	{"@", "a"},
	{"$", "s"},
}

// Variants returns normalized spellings of query worth retrying, excluding
// the plain normalized query itself.
func Variants(query string) []string {
	lower := strings.ToLower(strings.TrimSpace(query))
	base := store.NormalizeName(lower)

	var candidates []string
	all := lower
	for _, sub := range leetSubs {
		if strings.Contains(lower, sub.from) {
			candidates = append(candidates, strings.ReplaceAll(lower, sub.from, sub.to))
			all = strings.ReplaceAll(all, sub.from, sub.to)
		}
	}
	candidates = append(candidates, all)
	candidates = append(candidates, strings.ReplaceAll(base, " ", ""))

	seen := map[string]bool{base: true, "": true}
	var out []string
	for _, c := range candidates {
		n := store.NormalizeName(c)
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// fuzzy compares every query word against the words of recent file names and
// keeps files where each query word has a close counterpart.
func (s *Searcher) fuzzy(ctx context.Context, groupID int64, normalized string, limit int) ([]*store.File, error) {
	candidates, err := s.files.ListFiles(ctx, groupID, s.fuzzyPool)
	if err != nil {
		return nil, fmt.Errorf("listing files for fuzzy match: %w", err)
	}

	terms := strings.Fields(normalized)
	type scored struct {
		file  *store.File
		total int
	}
	var hits []scored
	for _, f := range candidates {
		words := strings.Fields(store.NormalizeName(f.FileName))
		total, ok := closeness(terms, words)
		if ok {
			hits = append(hits, scored{file: f, total: total})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].total < hits[j].total })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]*store.File, len(hits))
	for i, h := range hits {
		out[i] = h.file
	}
	return out, nil
}

// closeness sums, over terms, the distance to the nearest word. It fails if
// any term has no word within tolerance.
func closeness(terms, words []string) (int, bool) {
	total := 0
	for _, term := range terms {
		best := -1
		for _, w := range words {
			d := levenshtein.ComputeDistance(term, w)
			if best < 0 || d < best {
				best = d
			}
		}
		if best < 0 || best > tolerance(term) {
			return 0, false
		}
		total += best
	}
	return total, true
}

func tolerance(term string) int {
	switch n := len([]rune(term)); {
	case n <= 2:
		return 0
	case n <= 5:
		return 1
	default:
		return 2
	}
}

// rank orders files by edit distance between their normalized name and query.
func rank(files []*store.File, query string) {
	sort.SliceStable(files, func(i, j int) bool {
		di := levenshtein.ComputeDistance(store.NormalizeName(files[i].FileName), query)
		dj := levenshtein.ComputeDistance(store.NormalizeName(files[j].FileName), query)
		return di < dj
	})
}
