package deepface

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"

	"github.com/eventpix/facematch/internal/provider"
)

const (
	// minFaceArea is the minimum face area (in pixels²) for reliable detection
	minFaceArea = 2500 // 50x50 pixels
	// maxFaceArea is used for confidence scaling
	maxFaceArea = 250000 // 500x500 pixels
)

// Provider implements provider.Encoder using the DeepFace /represent API.
// It also serves as a fallback provider.Detector for deployments without
// a cloud detector, reporting the facial areas DeepFace finds.
type Provider struct {
	client *Client
}

// NewProvider creates a new DeepFace provider
func NewProvider(config Config) *Provider {
	return &Provider{
		client: NewClient(config),
	}
}

// EncodeFace extracts the embedding for the face in the crop. When the crop
// still contains several faces, the largest one wins.
func (p *Provider) EncodeFace(ctx context.Context, image []byte) ([]float64, error) {
	imageBase64 := base64.StdEncoding.EncodeToString(image)

	resp, err := p.client.Represent(ctx, imageBase64)
	if err != nil {
		return nil, fmt.Errorf("encode face: %w", err)
	}

	if len(resp.Results) == 0 {
		return nil, ErrNoFaceInResponse
	}

	best := resp.Results[0]
	for _, result := range resp.Results[1:] {
		if result.FacialArea.W*result.FacialArea.H > best.FacialArea.W*best.FacialArea.H {
			best = result
		}
	}

	if len(best.Embedding) == 0 {
		return nil, ErrNoFaceInResponse
	}

	return best.Embedding, nil
}

// DetectFaces reports the facial areas found by DeepFace. DeepFace does not
// return detection confidence or landmarks, so both are estimated from face
// size and landmarks are omitted.
func (p *Provider) DetectFaces(ctx context.Context, image []byte) ([]provider.DetectedFace, error) {
	imageBase64 := base64.StdEncoding.EncodeToString(image)

	resp, err := p.client.Represent(ctx, imageBase64)
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}

	faces := make([]provider.DetectedFace, 0, len(resp.Results))
	for _, result := range resp.Results {
		faceArea := float64(result.FacialArea.W * result.FacialArea.H)

		faces = append(faces, provider.DetectedFace{
			BoundingBox: provider.BoundingBox{
				X:      float64(result.FacialArea.X),
				Y:      float64(result.FacialArea.Y),
				Width:  float64(result.FacialArea.W),
				Height: float64(result.FacialArea.H),
			},
			Confidence:   calculateConfidence(faceArea),
			QualityScore: calculateQuality(faceArea),
		})
	}

	return faces, nil
}

// calculateConfidence estimates confidence based on face area.
// Larger faces are more likely to be accurately detected.
func calculateConfidence(faceArea float64) float64 {
	if faceArea < minFaceArea {
		return 0.5 // Low confidence for very small faces
	}
	// Scale from 0.7 to 0.99 based on face area
	normalized := math.Min(1.0, (faceArea-minFaceArea)/(maxFaceArea-minFaceArea))
	return 0.7 + (normalized * 0.29)
}

// calculateQuality estimates quality score based on face area.
// Larger faces typically have better quality for embedding extraction.
func calculateQuality(faceArea float64) float64 {
	if faceArea < minFaceArea {
		return 0.4 // Low quality for very small faces
	}
	// Scale from 0.6 to 0.95 based on face area
	normalized := math.Min(1.0, (faceArea-minFaceArea)/(maxFaceArea-minFaceArea))
	return 0.6 + (normalized * 0.35)
}

var (
	_ provider.Encoder  = (*Provider)(nil)
	_ provider.Detector = (*Provider)(nil)
)
