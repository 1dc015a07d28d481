package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"

	"github.com/google/uuid"

	"github.com/eventpix/facematch/internal/analysis"
	"github.com/eventpix/facematch/internal/audit"
	"github.com/eventpix/facematch/internal/domain"
	"github.com/eventpix/facematch/internal/provider"
	"github.com/eventpix/facematch/internal/repository"
	"github.com/eventpix/facematch/internal/resolver"
)

// FaceResolver is the slice of the identity resolver the photo pipeline
// needs.
type FaceResolver interface {
	Resolve(ctx context.Context, query resolver.Query) (*domain.Resolution, error)
}

// FaceAnalyzer derives orientation, quality and accessory signals for one
// detected face.
type FaceAnalyzer interface {
	Analyze(imageData []byte, face provider.DetectedFace) (*analysis.Result, error)
}

// IdentityCache is the store-side state the service must keep in sync when
// identities go away.
type IdentityCache interface {
	DeleteIdentity(identityID uuid.UUID)
	Invalidate()
}

// FaceOutcome is the per-face result of processing one photo.
type FaceOutcome struct {
	DetectionID uuid.UUID          `json:"detection_id"`
	IdentityID  *uuid.UUID         `json:"identity_id,omitempty"`
	Confidence  float64            `json:"confidence"`
	Orientation domain.Orientation `json:"orientation"`
	Quality     float64            `json:"quality"`
}

// PhotoResult summarizes one processed photo.
type PhotoResult struct {
	PhotoID   uuid.UUID     `json:"photo_id"`
	FaceCount int           `json:"face_count"`
	Matched   int           `json:"matched"`
	Unmatched int           `json:"unmatched"`
	Faces     []FaceOutcome `json:"faces"`
}

// PhotoService runs the event-photo pipeline: detect every face, encode
// and analyze each one, resolve it against the enrolled population, and
// persist detections and photo associations. Collaborator failures
// propagate; the service does not retry.
type PhotoService struct {
	detector     provider.Detector
	encoder      provider.Encoder
	analyzer     FaceAnalyzer
	resolver     FaceResolver
	identities   repository.IdentityRepositoryInterface
	detections   repository.DetectionRepositoryInterface
	associations repository.AssociationRepositoryInterface
	cache        IdentityCache
	audit        audit.Logger
	method       string
	logger       *slog.Logger
}

func NewPhotoService(
	detector provider.Detector,
	encoder provider.Encoder,
	analyzer FaceAnalyzer,
	faceResolver FaceResolver,
	identities repository.IdentityRepositoryInterface,
	detections repository.DetectionRepositoryInterface,
	associations repository.AssociationRepositoryInterface,
	cache IdentityCache,
	auditLog audit.Logger,
	method string,
	logger *slog.Logger,
) *PhotoService {
	return &PhotoService{
		detector:     detector,
		encoder:      encoder,
		analyzer:     analyzer,
		resolver:     faceResolver,
		identities:   identities,
		detections:   detections,
		associations: associations,
		cache:        cache,
		audit:        auditLog,
		method:       method,
		logger:       logger,
	}
}

// ProcessPhoto resolves every face in the photo. Matched faces produce a
// detection plus a photo association and refresh the identity's last-seen;
// unmatched faces are stored as unassigned detections for later passes.
// A photo with no faces is a normal empty result, not an error.
func (s *PhotoService) ProcessPhoto(ctx context.Context, photoID uuid.UUID, imageData []byte) (*PhotoResult, error) {
	faces, err := s.detector.DetectFaces(ctx, imageData)
	if err != nil {
		return nil, fmt.Errorf("photo %s: detect faces: %w", photoID, err)
	}

	result := &PhotoResult{PhotoID: photoID, FaceCount: len(faces)}
	if len(faces) == 0 {
		s.logger.Info("no faces in photo", "photo_id", photoID)
		return result, nil
	}

	isGroup := len(faces) > 1

	for i, face := range faces {
		outcome, err := s.processFace(ctx, photoID, imageData, face, isGroup, len(faces))
		if err != nil {
			return nil, fmt.Errorf("photo %s: face %d: %w", photoID, i, err)
		}
		if outcome == nil {
			continue
		}

		result.Faces = append(result.Faces, *outcome)
		if outcome.IdentityID != nil {
			result.Matched++
		} else {
			result.Unmatched++
		}
	}

	s.logger.Info("processed photo",
		"photo_id", photoID,
		"faces", result.FaceCount,
		"matched", result.Matched,
		"unmatched", result.Unmatched,
	)
	return result, nil
}

func (s *PhotoService) processFace(ctx context.Context, photoID uuid.UUID, imageData []byte, face provider.DetectedFace, isGroup bool, faceCount int) (*FaceOutcome, error) {
	signals, err := s.analyzer.Analyze(imageData, face)
	if err != nil {
		return nil, err
	}

	crop, err := cropFace(imageData, face.BoundingBox)
	if err != nil {
		return nil, err
	}

	embedding, err := s.encoder.EncodeFace(ctx, crop)
	if err != nil {
		// A face the encoder cannot template is still a detection worth
		// keeping for later passes.
		if errors.Is(err, domain.ErrNoFaceDetected) || errors.Is(err, domain.ErrNoEncodingGenerated) {
			s.logger.Warn("face not encodable", "photo_id", photoID, "error", err)
			return s.recordUnassigned(ctx, photoID, face, signals)
		}
		return nil, fmt.Errorf("encode face: %w", err)
	}

	resolution, err := s.resolver.Resolve(ctx, resolver.Query{
		Embedding:      embedding,
		Orientation:    signals.Orientation,
		HasAccessories: signals.Sunglasses,
		Quality:        signals.Quality,
	})
	if err != nil {
		return nil, err
	}

	if !resolution.Matched {
		return s.recordUnassigned(ctx, photoID, face, signals)
	}

	detection := s.newDetection(photoID, face, signals)
	detection.IdentityID = resolution.IdentityID
	if err := s.detections.Create(ctx, detection); err != nil {
		return nil, err
	}

	confidence := resolution.Confidence / 100
	assoc := &domain.PhotoAssociation{
		IdentityID:  *resolution.IdentityID,
		PhotoID:     photoID,
		IsGroup:     isGroup,
		FaceCount:   faceCount,
		Confidence:  confidence,
		DetectionID: &detection.ID,
	}
	if err := s.associations.Upsert(ctx, assoc); err != nil {
		return nil, err
	}

	if err := s.identities.Touch(ctx, *resolution.IdentityID, confidence); err != nil {
		return nil, err
	}

	_ = s.audit.Log(ctx, audit.Event{
		EventType:   audit.EventFaceResolved,
		PhotoID:     &photoID,
		IdentityID:  resolution.IdentityID,
		DetectionID: &detection.ID,
		Orientation: string(signals.Orientation),
		Confidence:  resolution.Confidence,
		Success:     true,
	})

	return &FaceOutcome{
		DetectionID: detection.ID,
		IdentityID:  resolution.IdentityID,
		Confidence:  resolution.Confidence,
		Orientation: signals.Orientation,
		Quality:     signals.Quality,
	}, nil
}

func (s *PhotoService) recordUnassigned(ctx context.Context, photoID uuid.UUID, face provider.DetectedFace, signals *analysis.Result) (*FaceOutcome, error) {
	detection := s.newDetection(photoID, face, signals)
	if err := s.detections.Create(ctx, detection); err != nil {
		return nil, err
	}

	_ = s.audit.Log(ctx, audit.Event{
		EventType:   audit.EventFaceUnresolved,
		PhotoID:     &photoID,
		DetectionID: &detection.ID,
		Orientation: string(signals.Orientation),
	})

	return &FaceOutcome{
		DetectionID: detection.ID,
		Orientation: signals.Orientation,
		Quality:     signals.Quality,
	}, nil
}

func (s *PhotoService) newDetection(photoID uuid.UUID, face provider.DetectedFace, signals *analysis.Result) *domain.Detection {
	return &domain.Detection{
		PhotoID: photoID,
		Box: domain.BoundingBox{
			X:      int(face.BoundingBox.X),
			Y:      int(face.BoundingBox.Y),
			Width:  int(face.BoundingBox.Width),
			Height: int(face.BoundingBox.Height),
		},
		Orientation: signals.Orientation,
		Quality:     signals.Quality,
		Method:      s.method,
		Confidence:  face.Confidence,
	}
}

// UnassignedDetections lists faces that never resolved to an identity.
func (s *PhotoService) UnassignedDetections(ctx context.Context) ([]domain.Detection, error) {
	return s.detections.ListUnassigned(ctx)
}

// PhotosForIdentity lists the photos an identity appears in, best matches
// first.
func (s *PhotoService) PhotosForIdentity(ctx context.Context, identityID uuid.UUID) ([]domain.PhotoAssociation, error) {
	if _, err := s.identities.GetByID(ctx, identityID); err != nil {
		return nil, err
	}
	return s.associations.ListByIdentity(ctx, identityID)
}

// RemoveIdentity deletes an identity. Embeddings and associations cascade
// in the database; the in-process population cache is invalidated so the
// next resolution sees the deletion.
func (s *PhotoService) RemoveIdentity(ctx context.Context, identityID uuid.UUID) error {
	if err := s.identities.Delete(ctx, identityID); err != nil {
		return err
	}

	s.cache.DeleteIdentity(identityID)
	_ = s.audit.Log(ctx, audit.Event{
		EventType:  audit.EventIdentityRemoved,
		IdentityID: &identityID,
		Success:    true,
	})
	s.logger.Info("identity removed", "identity_id", identityID)
	return nil
}

// cropFace cuts the face region with a small margin and re-encodes it as
// JPEG for the encoder.
func cropFace(imageData []byte, box provider.BoundingBox) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, domain.ErrInvalidImage.WithError(err)
	}

	margin := 0.1
	r := image.Rect(
		int(box.X-box.Width*margin),
		int(box.Y-box.Height*margin),
		int(box.X+box.Width*(1+margin)),
		int(box.Y+box.Height*(1+margin)),
	).Intersect(img.Bounds())
	if r.Empty() {
		return nil, domain.ErrInvalidImage
	}

	crop := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := 0; y < r.Dy(); y++ {
		for x := 0; x < r.Dx(); x++ {
			crop.Set(x, y, img.At(r.Min.X+x, r.Min.Y+y))
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, crop, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode face crop: %w", err)
	}
	return buf.Bytes(), nil
}
