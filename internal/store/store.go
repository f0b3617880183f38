// Package store implements the sharded, deduplicated record store. Observations
// live in one CSV shard per source currency and calendar year; every shard
// rewrite goes through the provider's atomic Put.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cloud.google.com/go/civil"
	"go.uber.org/zap"

	"github.com/JakeFAU/fx-rate-archiver/internal/archive"
	"github.com/JakeFAU/fx-rate-archiver/internal/metrics"
	"github.com/JakeFAU/fx-rate-archiver/internal/storage"
)

// ErrInvalidObservation is returned by Write when an observation breaks the
// data model invariants. Nothing from the batch is written.
var ErrInvalidObservation = errors.New("invalid observation")

// Store persists observations through a storage.Provider.
type Store struct {
	provider storage.Provider
	logger   *zap.Logger

	mu      sync.Mutex
	sources map[string]*sourceIndex
}

// sourceIndex caches the keys held by one source currency's shards.
type sourceIndex struct {
	mu     sync.Mutex
	loaded bool
	// keys holds "date|target|provider".
	keys map[string]struct{}
	// pairDates counts providers per "date|target" for AnyProvider lookups.
	pairDates map[string]int
}

// New creates a Store on top of the given provider.
func New(provider storage.Provider, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		provider: provider,
		logger:   logger,
		sources:  make(map[string]*sourceIndex),
	}
}

func pairDateKey(date civil.Date, target string) string {
	return date.String() + "|" + target
}

func (idx *sourceIndex) add(o archive.Observation) {
	key := o.DedupKey()
	if _, ok := idx.keys[key]; ok {
		return
	}
	idx.keys[key] = struct{}{}
	idx.pairDates[pairDateKey(o.Date, o.Target)]++
}

func (idx *sourceIndex) has(date civil.Date, target string, provider archive.Provider) bool {
	if provider == archive.AnyProvider {
		return idx.pairDates[pairDateKey(date, target)] > 0
	}
	_, ok := idx.keys[archive.DedupKey(date, target, provider)]
	return ok
}

// withIndex runs fn while holding the source's lock, loading the index from
// the provider on first use.
func (s *Store) withIndex(ctx context.Context, source string, fn func(*sourceIndex) error) error {
	s.mu.Lock()
	idx, ok := s.sources[source]
	if !ok {
		idx = &sourceIndex{}
		s.sources[source] = idx
	}
	s.mu.Unlock()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if !idx.loaded {
		if err := s.loadIndex(ctx, source, idx); err != nil {
			return err
		}
	}
	return fn(idx)
}

func (s *Store) loadIndex(ctx context.Context, source string, idx *sourceIndex) error {
	idx.keys = make(map[string]struct{})
	idx.pairDates = make(map[string]int)

	years, err := s.shardYears(ctx, source)
	if err != nil {
		return err
	}
	rows := 0
	for _, year := range years {
		obs, err := s.readShard(ctx, source, year)
		if err != nil {
			return err
		}
		for _, o := range obs {
			idx.add(o)
		}
		rows += len(obs)
	}
	idx.loaded = true
	s.logger.Debug("Loaded source index",
		zap.String("source", source),
		zap.Int("shards", len(years)),
		zap.Int("rows", rows),
	)
	return nil
}

func (s *Store) shardYears(ctx context.Context, source string) ([]int, error) {
	paths, err := s.provider.List(ctx, source+"/")
	if err != nil {
		return nil, fmt.Errorf("list shards for %s: %w", source, err)
	}
	var years []int
	for _, p := range paths {
		if year, ok := parseShardPath(source, p); ok {
			years = append(years, year)
		}
	}
	sort.Ints(years)
	return years, nil
}

func (s *Store) readShard(ctx context.Context, source string, year int) ([]archive.Observation, error) {
	path := shardPath(source, year)
	data, err := s.provider.Get(ctx, path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read shard %s: %w", path, err)
	}
	obs, err := decodeShard(source, data)
	if err != nil {
		return nil, fmt.Errorf("decode shard %s: %w", path, err)
	}
	return obs, nil
}

// Exists reports whether an observation for (date, source, target, provider)
// is stored. archive.AnyProvider matches any provider.
func (s *Store) Exists(ctx context.Context, date civil.Date, source, target string, provider archive.Provider) (bool, error) {
	var found bool
	err := s.withIndex(ctx, source, func(idx *sourceIndex) error {
		found = idx.has(date, target, provider)
		return nil
	})
	return found, err
}

// Write persists the observations whose keys are not stored yet and returns
// how many were added. Duplicates are skipped silently, so Write is
// idempotent. Keys enter the index only after their shard is persisted.
func (s *Store) Write(ctx context.Context, observations []archive.Observation) (int, error) {
	for _, o := range observations {
		if err := o.Validate(); err != nil {
			return 0, fmt.Errorf("%w: %s %s: %w", ErrInvalidObservation, o.Date, o.Pair(), err)
		}
	}

	bySource := make(map[string][]archive.Observation)
	var order []string
	for _, o := range observations {
		if _, ok := bySource[o.Source]; !ok {
			order = append(order, o.Source)
		}
		bySource[o.Source] = append(bySource[o.Source], o)
	}

	written := 0
	for _, source := range order {
		n, err := s.writeSource(ctx, source, bySource[source])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (s *Store) writeSource(ctx context.Context, source string, batch []archive.Observation) (int, error) {
	written := 0
	err := s.withIndex(ctx, source, func(idx *sourceIndex) error {
		byYear := make(map[int][]archive.Observation)
		seen := make(map[string]struct{}, len(batch))
		for _, o := range batch {
			key := o.DedupKey()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			if idx.has(o.Date, o.Target, o.Provider) {
				continue
			}
			byYear[o.Date.Year] = append(byYear[o.Date.Year], o)
		}

		years := make([]int, 0, len(byYear))
		for y := range byYear {
			years = append(years, y)
		}
		sort.Ints(years)

		for _, year := range years {
			fresh := byYear[year]
			if err := s.persistShard(ctx, source, year, fresh); err != nil {
				return err
			}
			for _, o := range fresh {
				idx.add(o)
			}
			written += len(fresh)
		}
		return nil
	})
	metrics.ObserveObservationsWritten(source, written)
	return written, err
}

// persistShard merges fresh rows into the shard and rewrites it. Rows already
// on disk win over fresh rows with the same key.
func (s *Store) persistShard(ctx context.Context, source string, year int, fresh []archive.Observation) error {
	path := shardPath(source, year)
	existing, err := s.readShard(ctx, source, year)
	if err != nil {
		return fmt.Errorf("%w: %w", archive.ErrStoreWrite, err)
	}

	merged := make([]archive.Observation, 0, len(existing)+len(fresh))
	keys := make(map[string]struct{}, len(existing)+len(fresh))
	for _, group := range [][]archive.Observation{existing, fresh} {
		for _, o := range group {
			if _, ok := keys[o.DedupKey()]; ok {
				continue
			}
			keys[o.DedupKey()] = struct{}{}
			merged = append(merged, o)
		}
	}
	sortObservations(merged)

	data, err := encodeShard(merged)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", archive.ErrStoreWrite, path, err)
	}
	if err := s.provider.Put(ctx, path, data); err != nil {
		return fmt.Errorf("%w: put %s: %w", archive.ErrStoreWrite, path, err)
	}
	s.logger.Debug("Persisted shard",
		zap.String("path", path),
		zap.Int("added", len(fresh)),
		zap.Int("rows", len(merged)),
	)
	return nil
}

// Query returns the stored observations for a pair, ascending by date with
// ties ordered by provider. A nil window returns the full history.
func (s *Store) Query(ctx context.Context, source, target string, window *archive.DateRange) ([]archive.Observation, error) {
	if window != nil {
		if err := window.Validate(); err != nil {
			return nil, err
		}
	}
	years, err := s.shardYears(ctx, source)
	if err != nil {
		return nil, err
	}

	var out []archive.Observation
	for _, year := range years {
		if window != nil && (year < window.Start.Year || year > window.End.Year) {
			continue
		}
		rows, err := s.readShard(ctx, source, year)
		if err != nil {
			return nil, err
		}
		for _, o := range rows {
			if o.Target != target {
				continue
			}
			if window != nil && !window.Contains(o.Date) {
				continue
			}
			out = append(out, o)
		}
	}
	sortObservations(out)
	return out, nil
}

// Sources lists the source currencies that have at least one shard.
func (s *Store) Sources(ctx context.Context) ([]string, error) {
	paths, err := s.provider.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list store: %w", err)
	}
	seen := make(map[string]struct{})
	var out []string
	for _, p := range paths {
		source, _, ok := strings.Cut(p, "/")
		if !ok || !archive.ValidCurrency(source) {
			continue
		}
		if _, ok := parseShardPath(source, p); !ok {
			continue
		}
		if _, dup := seen[source]; dup {
			continue
		}
		seen[source] = struct{}{}
		out = append(out, source)
	}
	sort.Strings(out)
	return out, nil
}
