package mock

import (
	"context"
	"crypto/sha256"
	"math"

	"github.com/eventpix/facematch/internal/domain"
	"github.com/eventpix/facematch/internal/provider"
)

const defaultDimension = 128

// Provider implements both provider.Detector and provider.Encoder for
// tests and development. Embeddings are deterministic per image so the
// same picture always resolves to the same identity.
type Provider struct {
	dim int
}

func New() *Provider {
	return &Provider{dim: defaultDimension}
}

// NewWithDimension overrides the embedding dimensionality.
func NewWithDimension(dim int) *Provider {
	return &Provider{dim: dim}
}

// DetectFaces reports a single centered face for any plausible image.
func (p *Provider) DetectFaces(ctx context.Context, image []byte) ([]provider.DetectedFace, error) {
	if len(image) < 1000 {
		return nil, domain.ErrInvalidImage
	}

	vis := 8.0
	return []provider.DetectedFace{
		{
			BoundingBox: provider.BoundingBox{
				X:      100,
				Y:      100,
				Width:  300,
				Height: 300,
			},
			Confidence:   0.99,
			QualityScore: 0.95,
			Landmarks: &provider.Landmarks{
				LeftEye:            provider.Point{X: 190, Y: 210},
				RightEye:           provider.Point{X: 310, Y: 210},
				NoseTip:            provider.Point{X: 250, Y: 270},
				LeftEyeVisibility:  &vis,
				RightEyeVisibility: &vis,
			},
			Pose: &provider.Pose{Yaw: 0},
		},
	}, nil
}

// EncodeFace generates a deterministic unit embedding from the image hash.
func (p *Provider) EncodeFace(ctx context.Context, image []byte) ([]float64, error) {
	if len(image) < 1000 {
		return nil, domain.ErrInvalidImage
	}

	return generateEmbedding(image, p.dim), nil
}

func generateEmbedding(image []byte, dim int) []float64 {
	hash := sha256.Sum256(image)
	embedding := make([]float64, dim)
	hashLen := len(hash)

	for i := 0; i < dim; i++ {
		idx := i % hashLen
		embedding[i] = (float64(hash[idx])/255.0)*2 - 1
	}

	norm := 0.0
	for _, v := range embedding {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	for i := range embedding {
		embedding[i] /= norm
	}

	return embedding
}

var (
	_ provider.Detector = (*Provider)(nil)
	_ provider.Encoder  = (*Provider)(nil)
)
