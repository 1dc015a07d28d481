package matching

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/coder/hnsw"
	"github.com/google/uuid"

	"github.com/eventpix/facematch/internal/domain"
)

const (
	// sameAngleBoost shrinks the distance when the stored record's
	// orientation matches the query hint.
	sameAngleBoost = 0.9

	// acceptScore is the combined-score cutoff for multi-angle matches.
	acceptScore = 0.5

	scoreConfidenceWeight = 0.7
	scoreQualityWeight    = 0.3
)

// angleWeights discount query angles by how discriminative they are:
// frontal captures carry full weight, half-turns less, full profiles least.
var angleWeights = map[domain.Orientation]float64{
	domain.OrientationCenter:     1.0,
	domain.OrientationAngleLeft:  0.8,
	domain.OrientationAngleRight: 0.8,
	domain.OrientationLeft:       0.6,
	domain.OrientationRight:      0.6,
}

const defaultAngleWeight = 0.5

// Population is the read surface the engine needs from the embedding store.
type Population interface {
	GetAll(ctx context.Context) ([]domain.EmbeddingRecord, error)
}

// MultiMatch is the aggregated outcome of matching several query angles at
// once.
type MultiMatch struct {
	IdentityID    uuid.UUID `json:"identity_id"`
	Score         float64   `json:"score"`
	AnglesMatched int       `json:"angles_matched"`
}

// Stats describes the enrolled population and the engine's index state.
type Stats struct {
	TotalEmbeddings  int                        `json:"total_embeddings"`
	UniqueIdentities int                        `json:"unique_identities"`
	ByOrientation    map[domain.Orientation]int `json:"by_orientation"`
	Threshold        float64                    `json:"threshold"`
	IndexSize        int                        `json:"index_size"`
	IndexAge         time.Duration              `json:"index_age"`
}

// Engine is the retrieval surface over the embedding store: plain
// nearest-neighbour matching, multi-angle aggregation and top-k similarity
// ranking. Its confidence transform is exponential (exp(-distance)), for
// exploratory ranking; accept/reject resolution uses the resolver's linear
// transform instead and the two must not be mixed.
type Engine struct {
	population Population
	threshold  float64
	dim        int
	logger     *slog.Logger

	mu           sync.RWMutex
	index        *hnsw.Graph[string]
	indexRecords map[string]domain.EmbeddingRecord
	indexBuilt   time.Time
}

func New(population Population, dim int, threshold float64, logger *slog.Logger) (*Engine, error) {
	if threshold <= 0 || threshold > 1 {
		return nil, domain.ErrInvalidThreshold
	}

	return &Engine{
		population:   population,
		threshold:    threshold,
		dim:          dim,
		logger:       logger,
		indexRecords: make(map[string]domain.EmbeddingRecord),
	}, nil
}

// MatchOne finds the single nearest stored embedding. A same-orientation
// hint shrinks candidate distances by the boost factor before comparison.
// Returns nil without error when nothing clears the threshold.
func (e *Engine) MatchOne(ctx context.Context, embedding []float64, hint *domain.Orientation) (*domain.Match, error) {
	if len(embedding) != e.dim {
		return nil, domain.ErrDimensionMismatch
	}

	population, err := e.population.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("match one: %w", err)
	}
	if len(population) == 0 {
		return nil, domain.ErrEmptyPopulation
	}

	var best *domain.EmbeddingRecord
	bestDistance := math.Inf(1)

	for i := range population {
		record := &population[i]
		if len(record.Embedding) != e.dim {
			continue
		}

		distance := euclidean(embedding, record.Embedding)
		if hint != nil && record.Orientation == *hint {
			distance *= sameAngleBoost
		}

		if distance < bestDistance {
			bestDistance = distance
			best = record
		}
	}

	if best == nil || bestDistance >= e.threshold {
		e.logger.Debug("no match above threshold", "best_distance", bestDistance)
		return nil, nil
	}

	confidence := expConfidence(bestDistance)
	return &domain.Match{
		IdentityID:  best.IdentityID,
		Distance:    bestDistance,
		Confidence:  confidence,
		Score:       scoreConfidenceWeight*confidence + scoreQualityWeight*best.Quality,
		Orientation: best.Orientation,
		Quality:     best.Quality,
	}, nil
}

// MatchMulti aggregates several query angles into one decision. Each angle
// contributes its best per-identity distance, discounted by the angle
// weight and blended with stored quality; the per-angle scores average into
// the identity's final score. Returns nil when no identity clears the
// accept cutoff.
func (e *Engine) MatchMulti(ctx context.Context, encodings map[domain.Orientation][]float64) (*MultiMatch, error) {
	if len(encodings) == 0 {
		return nil, domain.ErrValidationFailed
	}

	population, err := e.population.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("match multi: %w", err)
	}
	if len(population) == 0 {
		return nil, domain.ErrEmptyPopulation
	}

	perIdentity := make(map[uuid.UUID][]domain.EmbeddingRecord)
	for _, record := range population {
		perIdentity[record.IdentityID] = append(perIdentity[record.IdentityID], record)
	}

	var best *MultiMatch
	for identityID, records := range perIdentity {
		var scores []float64

		for orientation, embedding := range encodings {
			if len(embedding) != e.dim {
				return nil, domain.ErrDimensionMismatch
			}

			bestDistance := math.Inf(1)
			bestQuality := 0.0
			for _, record := range records {
				if len(record.Embedding) != e.dim {
					continue
				}
				if d := euclidean(embedding, record.Embedding); d < bestDistance {
					bestDistance = d
					bestQuality = record.Quality
				}
			}

			if bestDistance < e.threshold {
				weight := angleWeight(orientation)
				confidence := expConfidence(bestDistance)
				scores = append(scores, weight*(scoreConfidenceWeight*confidence+scoreQualityWeight*bestQuality))
			}
		}

		if len(scores) == 0 {
			continue
		}

		score := mean(scores)
		if best == nil || score > best.Score {
			best = &MultiMatch{
				IdentityID:    identityID,
				Score:         score,
				AnglesMatched: len(scores),
			}
		}
	}

	if best == nil || best.Score <= acceptScore {
		return nil, nil
	}

	e.logger.Info("multi-angle match",
		"identity_id", best.IdentityID,
		"score", best.Score,
		"angles", best.AnglesMatched,
	)
	return best, nil
}

// TopK ranks the k nearest stored embeddings via the in-memory HNSW index.
// Results are annotated with the exponential similarity confidence, not an
// accept/reject decision.
func (e *Engine) TopK(ctx context.Context, embedding []float64, k int) ([]domain.Match, error) {
	if len(embedding) != e.dim {
		return nil, domain.ErrDimensionMismatch
	}
	if k <= 0 {
		return nil, domain.ErrValidationFailed
	}

	if err := e.ensureIndex(ctx); err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.index == nil || len(e.indexRecords) == 0 {
		return nil, domain.ErrEmptyPopulation
	}

	neighbors := e.index.Search(toFloat32(embedding), k)

	matches := make([]domain.Match, 0, len(neighbors))
	for _, neighbor := range neighbors {
		record, ok := e.indexRecords[neighbor.Key]
		if !ok {
			continue
		}

		distance := euclidean(embedding, record.Embedding)
		matches = append(matches, domain.Match{
			IdentityID:  record.IdentityID,
			Distance:    distance,
			Confidence:  expConfidence(distance),
			Orientation: record.Orientation,
			Quality:     record.Quality,
		})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	return matches, nil
}

// BatchMatch runs MatchOne over a batch. hints may be nil or shorter than
// the batch; missing entries mean no orientation hint. Unmatched entries
// come back nil in place.
func (e *Engine) BatchMatch(ctx context.Context, embeddings [][]float64, hints []*domain.Orientation) ([]*domain.Match, error) {
	matches := make([]*domain.Match, len(embeddings))

	for i, embedding := range embeddings {
		var hint *domain.Orientation
		if i < len(hints) {
			hint = hints[i]
		}

		match, err := e.MatchOne(ctx, embedding, hint)
		if err != nil {
			return nil, fmt.Errorf("batch match %d: %w", i, err)
		}
		matches[i] = match
	}

	return matches, nil
}

// Stats reports population and index counters.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	population, err := e.population.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	identities := make(map[uuid.UUID]struct{})
	byOrientation := make(map[domain.Orientation]int)
	for _, record := range population {
		identities[record.IdentityID] = struct{}{}
		byOrientation[record.Orientation]++
	}

	e.mu.RLock()
	indexSize := len(e.indexRecords)
	var indexAge time.Duration
	if !e.indexBuilt.IsZero() {
		indexAge = time.Since(e.indexBuilt)
	}
	e.mu.RUnlock()

	return &Stats{
		TotalEmbeddings:  len(population),
		UniqueIdentities: len(identities),
		ByOrientation:    byOrientation,
		Threshold:        e.threshold,
		IndexSize:        indexSize,
		IndexAge:         indexAge,
	}, nil
}

// RefreshIndex rebuilds the HNSW graph from the current population.
func (e *Engine) RefreshIndex(ctx context.Context) error {
	population, err := e.population.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("refresh index: %w", err)
	}

	graph := hnsw.NewGraph[string]()
	graph.Distance = hnsw.EuclideanDistance

	records := make(map[string]domain.EmbeddingRecord, len(population))
	for _, record := range population {
		if len(record.Embedding) != e.dim {
			continue
		}
		key := record.ID.String()
		graph.Add(hnsw.MakeNode(key, toFloat32(record.Embedding)))
		records[key] = record
	}

	e.mu.Lock()
	e.index = graph
	e.indexRecords = records
	e.indexBuilt = time.Now()
	e.mu.Unlock()

	e.logger.Debug("rebuilt similarity index", "size", len(records))
	return nil
}

// ensureIndex rebuilds when the index has never been built or the cached
// population changed size. Equal-size mutations are picked up at the next
// explicit refresh or population cache expiry.
func (e *Engine) ensureIndex(ctx context.Context) error {
	population, err := e.population.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("ensure index: %w", err)
	}

	e.mu.RLock()
	stale := e.index == nil || len(e.indexRecords) != len(population)
	e.mu.RUnlock()

	if !stale {
		return nil
	}
	return e.RefreshIndex(ctx)
}

func angleWeight(orientation domain.Orientation) float64 {
	if w, ok := angleWeights[orientation]; ok {
		return w
	}
	return defaultAngleWeight
}

// expConfidence maps distance to (0,1] by exponential decay, ~0.55 at the
// default 0.6 threshold.
func expConfidence(distance float64) float64 {
	return math.Min(1, math.Exp(-distance))
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
