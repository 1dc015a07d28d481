package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/eventpix/facematch/internal/domain"
	"github.com/eventpix/facematch/internal/repository"
)

const (
	// DefaultMaxPerIdentity bounds how many embeddings one identity keeps.
	DefaultMaxPerIdentity = 5

	// DefaultCacheTTL is how long the full population snapshot stays warm.
	DefaultCacheTTL = 5 * time.Minute

	populationKey = "population"
)

// Options tunes the embedding store. Zero values fall back to defaults.
type Options struct {
	MaxPerIdentity int
	CacheTTL       time.Duration
}

// Store manages the bounded per-identity embedding set on top of the
// embedding repository. All mutations for one identity are serialized, the
// primary flag is re-derived after every change, and readers of the full
// population go through a TTL cache so the matching hot path does not hit
// Postgres per photo.
type Store struct {
	embeddings repository.EmbeddingRepositoryInterface
	logger     *slog.Logger

	maxPerIdentity int
	population     *cache.Cache

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func New(embeddings repository.EmbeddingRepositoryInterface, logger *slog.Logger, opts Options) *Store {
	if opts.MaxPerIdentity <= 0 {
		opts.MaxPerIdentity = DefaultMaxPerIdentity
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}

	return &Store{
		embeddings:     embeddings,
		logger:         logger,
		maxPerIdentity: opts.MaxPerIdentity,
		population:     cache.New(opts.CacheTTL, 2*opts.CacheTTL),
		locks:          make(map[uuid.UUID]*sync.Mutex),
	}
}

// Upsert stores a new embedding for an identity, enforcing the per-identity
// capacity bound. Below capacity the record is always kept. At capacity a
// record whose orientation bucket is occupied may only displace the weakest
// record of that bucket; when the bucket is empty it may displace the
// globally weakest record. Anything weaker is domain.ErrEmbeddingRejected.
func (s *Store) Upsert(ctx context.Context, record *domain.EmbeddingRecord) error {
	lock := s.identityLock(record.IdentityID)
	lock.Lock()
	defer lock.Unlock()

	count, err := s.embeddings.CountByIdentity(ctx, record.IdentityID)
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}

	if count >= s.maxPerIdentity {
		victim, err := s.replacementVictim(ctx, record)
		if err != nil {
			return err
		}

		if err := s.embeddings.Delete(ctx, victim.ID); err != nil {
			return fmt.Errorf("upsert embedding: evict %s: %w", victim.ID, err)
		}

		s.logger.Debug("evicted embedding at capacity",
			"identity_id", record.IdentityID,
			"evicted_id", victim.ID,
			"evicted_quality", victim.Quality,
			"new_quality", record.Quality,
		)
	}

	if err := s.embeddings.Insert(ctx, record); err != nil {
		return err
	}

	if err := s.rederivePrimary(ctx, record.IdentityID); err != nil {
		return err
	}

	s.Invalidate()
	return nil
}

// replacementVictim picks which stored record the incoming one displaces.
// An occupied orientation bucket is the only candidate for a record of that
// orientation, so one well-lit angle cannot starve the other buckets; the
// global weakest is consulted only when the bucket is empty.
func (s *Store) replacementVictim(ctx context.Context, record *domain.EmbeddingRecord) (*domain.EmbeddingRecord, error) {
	sameOrientation, err := s.embeddings.ListByOrientation(ctx, record.IdentityID, record.Orientation)
	if err != nil {
		return nil, fmt.Errorf("upsert embedding: %w", err)
	}

	if len(sameOrientation) > 0 {
		weakest := weakestOf(sameOrientation)
		if record.Quality > weakest.Quality {
			return weakest, nil
		}
		return nil, domain.ErrEmbeddingRejected.WithError(fmt.Errorf(
			"stored %s embedding has quality %.3f, incoming %.3f is not better",
			record.Orientation, weakest.Quality, record.Quality,
		))
	}

	lowest, err := s.embeddings.LowestQuality(ctx, record.IdentityID)
	if err != nil {
		return nil, fmt.Errorf("upsert embedding: %w", err)
	}

	if record.Quality > lowest.Quality {
		return lowest, nil
	}

	return nil, domain.ErrEmbeddingRejected.WithError(fmt.Errorf(
		"identity at capacity and incoming quality %.3f does not beat the worst stored %.3f",
		record.Quality, lowest.Quality,
	))
}

// Remove deletes one stored embedding and re-derives the identity's primary.
func (s *Store) Remove(ctx context.Context, identityID, embeddingID uuid.UUID) error {
	lock := s.identityLock(identityID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.embeddings.Delete(ctx, embeddingID); err != nil {
		return err
	}

	if err := s.rederivePrimary(ctx, identityID); err != nil {
		return err
	}

	s.Invalidate()
	return nil
}

// DeleteIdentity drops the store's per-identity state after the identity row
// is gone. The embedding rows themselves cascade in the database.
func (s *Store) DeleteIdentity(identityID uuid.UUID) {
	s.mu.Lock()
	delete(s.locks, identityID)
	s.mu.Unlock()

	s.Invalidate()
}

// GetEmbeddings returns the stored records for an identity, primary first.
// A non-nil orientation restricts the result to that bucket.
func (s *Store) GetEmbeddings(ctx context.Context, identityID uuid.UUID, orientation *domain.Orientation) ([]domain.EmbeddingRecord, error) {
	if orientation != nil {
		return s.embeddings.ListByOrientation(ctx, identityID, *orientation)
	}
	return s.embeddings.ListByIdentity(ctx, identityID)
}

// GetPrimary returns the identity's best stored embedding.
func (s *Store) GetPrimary(ctx context.Context, identityID uuid.UUID) (*domain.EmbeddingRecord, error) {
	return s.embeddings.GetPrimary(ctx, identityID)
}

// GetAll returns the full enrolled population, served from the TTL cache
// when warm.
func (s *Store) GetAll(ctx context.Context) ([]domain.EmbeddingRecord, error) {
	if cached, ok := s.population.Get(populationKey); ok {
		return cached.([]domain.EmbeddingRecord), nil
	}

	records, err := s.embeddings.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load population: %w", err)
	}

	s.population.Set(populationKey, records, cache.DefaultExpiration)
	return records, nil
}

// Nearest runs a database-side nearest-neighbour search, optionally
// restricted to one orientation bucket.
func (s *Store) Nearest(ctx context.Context, embedding []float64, orientation *domain.Orientation, limit int) ([]repository.EmbeddingMatch, error) {
	return s.embeddings.SearchNearest(ctx, embedding, orientation, limit)
}

// Invalidate drops the population snapshot immediately. Every mutating path
// calls this before returning so readers never see a stale population after
// a write they observed complete.
func (s *Store) Invalidate() {
	s.population.Delete(populationKey)
}

// rederivePrimary points the primary flag at the highest-quality record,
// breaking ties toward the most recent capture.
func (s *Store) rederivePrimary(ctx context.Context, identityID uuid.UUID) error {
	records, err := s.embeddings.ListByIdentity(ctx, identityID)
	if err != nil {
		return fmt.Errorf("rederive primary: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	best := records[0]
	for _, record := range records[1:] {
		if record.Quality > best.Quality ||
			(record.Quality == best.Quality && record.CreatedAt.After(best.CreatedAt)) {
			best = record
		}
	}

	if err := s.embeddings.SetPrimary(ctx, identityID, best.ID); err != nil {
		return fmt.Errorf("rederive primary: %w", err)
	}

	return nil
}

func weakestOf(records []domain.EmbeddingRecord) *domain.EmbeddingRecord {
	weakest := &records[0]
	for i := range records[1:] {
		record := &records[i+1]
		if record.Quality < weakest.Quality ||
			(record.Quality == weakest.Quality && record.CreatedAt.Before(weakest.CreatedAt)) {
			weakest = record
		}
	}
	return weakest
}

func (s *Store) identityLock(identityID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[identityID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[identityID] = lock
	}
	return lock
}
