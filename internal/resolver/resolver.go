package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/eventpix/facematch/internal/config"
	"github.com/eventpix/facematch/internal/domain"
	"github.com/eventpix/facematch/internal/repository"
)

// Population is the slice of the embedding store the resolver reads and
// writes through.
type Population interface {
	GetAll(ctx context.Context) ([]domain.EmbeddingRecord, error)
	Nearest(ctx context.Context, embedding []float64, orientation *domain.Orientation, limit int) ([]repository.EmbeddingMatch, error)
	Upsert(ctx context.Context, record *domain.EmbeddingRecord) error
}

// Query is one face to resolve against the enrolled population.
type Query struct {
	Embedding      []float64
	Orientation    domain.Orientation
	HasAccessories bool
	Quality        float64
}

// Resolver implements cross-angle weighted matching: a query face is
// compared against every stored angle of every identity, with weights
// favoring the bucket matching the query's own orientation. Tolerance
// adapts to accessories, quality and profile views, but acceptance never
// drops below the configured confidence floor.
type Resolver struct {
	population Population
	identities repository.IdentityRepositoryInterface
	cfg        *config.Config
	logger     *slog.Logger
}

func New(population Population, identities repository.IdentityRepositoryInterface, cfg *config.Config, logger *slog.Logger) *Resolver {
	return &Resolver{
		population: population,
		identities: identities,
		cfg:        cfg,
		logger:     logger,
	}
}

// bucketDistances holds one identity's best distance per storage bucket.
// Buckets with no stored embedding stay at +Inf.
type bucketDistances struct {
	center, left, right float64
}

func newBucketDistances() bucketDistances {
	inf := math.Inf(1)
	return bucketDistances{center: inf, left: inf, right: inf}
}

// Resolve runs the cross-angle weighted match. No-match is a first-class
// outcome, not an error, and always carries best-effort diagnostics.
func (r *Resolver) Resolve(ctx context.Context, query Query) (*domain.Resolution, error) {
	if len(query.Embedding) != r.cfg.EmbeddingDim {
		return nil, domain.ErrDimensionMismatch
	}

	tolerance := r.adaptiveTolerance(query)

	// Tolerance sets the working requirement, but acceptance never drops
	// below the hard confidence floor: a borderline candidate presents as
	// no-match rather than a low-confidence positive.
	minRequired := math.Max((1-tolerance)*100, r.cfg.MinMatchConfidence)

	resolution := &domain.Resolution{
		Distance:      math.Inf(1),
		MinRequired:   minRequired,
		Tolerance:     tolerance,
		Orientation:   query.Orientation,
		BestDistances: domain.BucketDistances{Center: math.Inf(1), Left: math.Inf(1), Right: math.Inf(1)},
	}

	population, err := r.population.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	if len(population) == 0 {
		r.logger.Warn("resolve against empty population")
		return resolution, nil
	}

	perIdentity := groupByIdentity(population, query.Embedding)

	var bestID uuid.UUID
	bestFinal := math.Inf(1)
	var bestBuckets bucketDistances

	for identityID, buckets := range perIdentity {
		final := finalDistance(buckets, query.Orientation)
		if final < bestFinal {
			bestFinal = final
			bestID = identityID
			bestBuckets = buckets
		}
	}

	resolution.Distance = bestFinal
	resolution.Confidence = math.Max(0, (1-bestFinal)*100)
	resolution.BestDistances = domain.BucketDistances{
		Center: bestBuckets.center,
		Left:   bestBuckets.left,
		Right:  bestBuckets.right,
	}

	if bestID != uuid.Nil && resolution.Confidence >= minRequired {
		resolution.Matched = true
		resolution.IdentityID = &bestID
		r.logger.Info("resolved face",
			"identity_id", bestID,
			"confidence", resolution.Confidence,
			"distance", bestFinal,
			"orientation", query.Orientation,
		)
	} else {
		r.logger.Info("no match",
			"best_confidence", resolution.Confidence,
			"min_required", minRequired,
			"distance", bestFinal,
		)
	}

	return resolution, nil
}

// adaptiveTolerance widens the acceptance window for hard inputs:
// accessories, low quality, and profile views each relax it, within the
// bounds the confidence floor enforces later.
func (r *Resolver) adaptiveTolerance(query Query) float64 {
	tolerance := r.cfg.ToleranceNormal

	if query.HasAccessories {
		tolerance = r.cfg.ToleranceAccessories
	}
	if query.Quality < 0.5 {
		tolerance += r.cfg.LowQualityBonus
	}

	switch query.Orientation {
	case domain.OrientationLeft, domain.OrientationRight,
		domain.OrientationAngleLeft, domain.OrientationAngleRight:
		tolerance = math.Max(tolerance, r.cfg.ToleranceSideProfile)
	}

	return tolerance
}

// groupByIdentity reduces the population to each identity's best distance
// per bucket. Angled records fold into their profile side's bucket.
func groupByIdentity(population []domain.EmbeddingRecord, embedding []float64) map[uuid.UUID]bucketDistances {
	perIdentity := make(map[uuid.UUID]bucketDistances)

	for _, record := range population {
		if len(record.Embedding) != len(embedding) {
			continue
		}

		buckets, ok := perIdentity[record.IdentityID]
		if !ok {
			buckets = newBucketDistances()
		}

		d := euclidean(embedding, record.Embedding)
		switch record.Orientation.Bucket() {
		case domain.OrientationLeft:
			buckets.left = math.Min(buckets.left, d)
		case domain.OrientationRight:
			buckets.right = math.Min(buckets.right, d)
		default:
			buckets.center = math.Min(buckets.center, d)
		}

		perIdentity[record.IdentityID] = buckets
	}

	return perIdentity
}

// finalDistance applies the orientation-aware weighting and takes the
// minimum against the dominant-bucket distance. Weights redistribute over
// the buckets an identity actually has, so someone enrolled at a single
// angle stays matchable from any query orientation. With all three buckets
// stored the 60/20/20 and 60/30/10 splits apply unchanged.
func finalDistance(b bucketDistances, orientation domain.Orientation) float64 {
	var weighted, primary float64

	switch orientation {
	case domain.OrientationCenter:
		weighted = weightedDistance(b, 0.6, 0.2, 0.2)
		primary = b.center
	case domain.OrientationLeft, domain.OrientationAngleLeft:
		weighted = weightedDistance(b, 0.3, 0.6, 0.1)
		primary = b.left
	case domain.OrientationRight, domain.OrientationAngleRight:
		weighted = weightedDistance(b, 0.3, 0.1, 0.6)
		primary = b.right
	default:
		weighted = weightedDistance(b, 1, 1, 1)
		primary = math.Min(b.center, math.Min(b.left, b.right))
	}

	return math.Min(primary, weighted)
}

func weightedDistance(b bucketDistances, wCenter, wLeft, wRight float64) float64 {
	var sum, total float64

	if !math.IsInf(b.center, 1) {
		sum += b.center * wCenter
		total += wCenter
	}
	if !math.IsInf(b.left, 1) {
		sum += b.left * wLeft
		total += wLeft
	}
	if !math.IsInf(b.right, 1) {
		sum += b.right * wRight
		total += wRight
	}

	if total == 0 {
		return math.Inf(1)
	}
	return sum / total
}

// EnrollOrMatch takes per-bucket embeddings from a completed capture
// session. If the frontal embedding sits within the enrollment tolerance
// of anything already stored, the capture augments that identity;
// otherwise a new identity is created. Returns the identity and whether
// it was newly created.
func (r *Resolver) EnrollOrMatch(ctx context.Context, encodings map[domain.Orientation][]float64, qualities map[domain.Orientation]float64) (uuid.UUID, bool, error) {
	center, ok := encodings[domain.OrientationCenter]
	if !ok {
		return uuid.Nil, false, domain.ErrValidationFailed.WithError(errors.New("center embedding required for enrollment"))
	}

	matches, err := r.population.Nearest(ctx, center, nil, 1)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("enroll: %w", err)
	}

	if len(matches) > 0 && matches[0].Distance <= r.cfg.EnrollTolerance {
		identityID := matches[0].Record.IdentityID
		r.logger.Info("capture matched existing identity",
			"identity_id", identityID,
			"distance", matches[0].Distance,
		)
		if err := r.storeEncodings(ctx, identityID, encodings, qualities); err != nil {
			return uuid.Nil, false, err
		}
		return identityID, false, nil
	}

	identity := &domain.Identity{Confidence: 1}
	if err := r.identities.Create(ctx, identity); err != nil {
		return uuid.Nil, false, fmt.Errorf("enroll: %w", err)
	}

	r.logger.Info("enrolled new identity", "identity_id", identity.ID, "angles", len(encodings))

	if err := r.storeEncodings(ctx, identity.ID, encodings, qualities); err != nil {
		return uuid.Nil, false, err
	}
	return identity.ID, true, nil
}

// storeEncodings upserts each captured angle. Rejections from the bounded
// store mean the stored set is already stronger, which is fine here.
func (r *Resolver) storeEncodings(ctx context.Context, identityID uuid.UUID, encodings map[domain.Orientation][]float64, qualities map[domain.Orientation]float64) error {
	for orientation, embedding := range encodings {
		record := &domain.EmbeddingRecord{
			IdentityID:  identityID,
			Embedding:   embedding,
			Orientation: orientation.Bucket(),
			Quality:     qualities[orientation],
		}

		err := r.population.Upsert(ctx, record)
		if errors.Is(err, domain.ErrEmbeddingRejected) {
			r.logger.Debug("capture embedding rejected by store",
				"identity_id", identityID,
				"orientation", orientation,
			)
			continue
		}
		if err != nil {
			return fmt.Errorf("store %s encoding: %w", orientation, err)
		}
	}
	return nil
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
