package analysis

import (
	"bytes"
	"image"
	"log/slog"
	"math"

	_ "image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"

	"github.com/eventpix/facematch/internal/domain"
	"github.com/eventpix/facematch/internal/provider"
)

const (
	// noseRatioAngled and noseRatioProfile split the signed nose-offset
	// ratio into center / angled / full-profile bands.
	noseRatioAngled  = 0.15
	noseRatioProfile = 0.35

	// visibilityAngled and visibilityProfile do the same for the eye
	// visibility differential (0-10 scale per eye).
	visibilityAngled  = 3.0
	visibilityProfile = 6.0

	// halfBrightnessDelta is the left/right half brightness gap that marks
	// a profile when no landmarks are available.
	halfBrightnessDelta = 20.0

	// sunglassesIntensity is the mean eye-region gray level below which we
	// flag dark lenses.
	sunglassesIntensity = 50.0

	// maxCropDim caps the analyzed crop size. Larger faces are downscaled
	// before pixel statistics so quality scoring stays cheap on full-res
	// event photos.
	maxCropDim = 256

	sharpnessCeiling = 500.0
	contrastCeiling  = 50.0
	resolutionTarget = 100.0
)

// Result bundles everything the analyzer derives for one detected face.
type Result struct {
	Orientation domain.Orientation
	Quality     float64
	Yaw         float64
	Sunglasses  bool
}

// Analyzer derives orientation, quality and accessory signals from a photo
// and a detected face. It is pure computation over the decoded pixels and
// whatever landmarks the detector produced.
type Analyzer struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Analyzer {
	return &Analyzer{logger: logger}
}

// Analyze decodes the photo once and derives all per-face signals.
func (a *Analyzer) Analyze(imageData []byte, face provider.DetectedFace) (*Result, error) {
	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, domain.ErrInvalidImage.WithError(err)
	}

	crop := GrayCrop(img, boxRect(face.BoundingBox), maxCropDim)

	result := &Result{
		Orientation: domain.OrientationUnknown,
		Quality:     QualityScore(crop, face.BoundingBox),
	}

	if face.Landmarks != nil {
		result.Orientation = ClassifyFromLandmarks(face.Landmarks, face.BoundingBox)
		result.Yaw = EstimateYaw(face.Landmarks, face.BoundingBox)
		result.Sunglasses = a.detectSunglasses(img, face.Landmarks, face.BoundingBox)
	} else if crop != nil {
		result.Orientation = ClassifyFromPixels(crop)
	}

	a.logger.Debug("analyzed face",
		"orientation", result.Orientation,
		"quality", result.Quality,
		"yaw", result.Yaw,
		"sunglasses", result.Sunglasses,
	)

	return result, nil
}

// ClassifyFromLandmarks buckets the face orientation from the signed
// nose-offset ratio and the eye visibility differential. Negative values
// of both signals point left.
func ClassifyFromLandmarks(landmarks *provider.Landmarks, box provider.BoundingBox) domain.Orientation {
	if box.Width <= 0 {
		return domain.OrientationUnknown
	}

	center := box.X + box.Width/2
	ratio := (landmarks.NoseTip.X - center) / (box.Width / 2)

	visDiff := 0.0
	if landmarks.LeftEyeVisibility != nil && landmarks.RightEyeVisibility != nil {
		visDiff = *landmarks.LeftEyeVisibility - *landmarks.RightEyeVisibility
	}

	switch {
	case math.Abs(visDiff) <= visibilityAngled && math.Abs(ratio) < noseRatioAngled:
		return domain.OrientationCenter
	case visDiff < -visibilityAngled || ratio < -noseRatioAngled:
		if math.Abs(ratio) > noseRatioProfile || visDiff < -visibilityProfile {
			return domain.OrientationLeft
		}
		return domain.OrientationAngleLeft
	case visDiff > visibilityAngled || ratio > noseRatioAngled:
		if math.Abs(ratio) > noseRatioProfile || visDiff > visibilityProfile {
			return domain.OrientationRight
		}
		return domain.OrientationAngleRight
	default:
		return domain.OrientationCenter
	}
}

// ClassifyFromPixels is the coarse landmark-free fallback: a profile face
// shades one half of its own crop, so a big brightness gap between halves
// points toward the darker side.
func ClassifyFromPixels(crop *image.Gray) domain.Orientation {
	bounds := crop.Bounds()
	mid := bounds.Min.X + bounds.Dx()/2

	leftMean, _ := meanStd(crop, image.Rect(bounds.Min.X, bounds.Min.Y, mid, bounds.Max.Y))
	rightMean, _ := meanStd(crop, image.Rect(mid, bounds.Min.Y, bounds.Max.X, bounds.Max.Y))

	diff := leftMean - rightMean
	switch {
	case diff < -halfBrightnessDelta:
		return domain.OrientationLeft
	case diff > halfBrightnessDelta:
		return domain.OrientationRight
	default:
		return domain.OrientationUnknown
	}
}

// QualityScore combines sharpness, brightness, contrast and resolution into
// a [0,1] score. The resolution term uses the original face size, not the
// downscaled analysis crop.
func QualityScore(crop *image.Gray, box provider.BoundingBox) float64 {
	if crop == nil {
		return 0
	}

	mean, std := meanStd(crop, crop.Bounds())
	lapVar := LaplacianVariance(crop)

	sharpness := clamp01(lapVar / sharpnessCeiling)
	brightness := clamp01(1 - math.Abs(mean-127)/127)
	contrast := clamp01(std / contrastCeiling)
	resolution := clamp01(math.Min(box.Width, box.Height) / resolutionTarget)

	return clamp01(sharpness*0.3 + brightness*0.25 + contrast*0.25 + resolution*0.2)
}

// EstimateYaw derives the head yaw in degrees from how far the nose tip
// sits from the midpoint between the eyes, relative to half the face width.
// Negative is left, positive is right, roughly [-45,45].
func EstimateYaw(landmarks *provider.Landmarks, box provider.BoundingBox) float64 {
	if box.Width <= 0 {
		return 0
	}

	eyeMidX := (landmarks.LeftEye.X + landmarks.RightEye.X) / 2
	offset := landmarks.NoseTip.X - eyeMidX
	return offset / (box.Width / 2) * 45
}

// detectSunglasses samples the region spanning both eyes and flags dark
// lenses when its mean intensity is low.
func (a *Analyzer) detectSunglasses(img image.Image, landmarks *provider.Landmarks, box provider.BoundingBox) bool {
	region := GrayCrop(img, eyeRect(landmarks, box), maxCropDim)
	if region == nil {
		return false
	}

	mean, _ := meanStd(region, region.Bounds())
	return mean < sunglassesIntensity
}

// GrayCrop extracts a grayscale crop of the source, downscaled so neither
// dimension exceeds maxDim. Returns nil when the rectangle misses the image.
func GrayCrop(src image.Image, r image.Rectangle, maxDim int) *image.Gray {
	r = r.Intersect(src.Bounds())
	if r.Empty() {
		return nil
	}

	w, h := r.Dx(), r.Dy()
	if w > maxDim || h > maxDim {
		scale := float64(maxDim) / math.Max(float64(w), float64(h))
		w = int(float64(w) * scale)
		h = int(float64(h) * scale)
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, r, xdraw.Src, nil)
	return dst
}

// LaplacianVariance measures sharpness as the variance of a 4-neighbour
// Laplacian response over the crop.
func LaplacianVariance(g *image.Gray) float64 {
	bounds := g.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	responses := make([]float64, 0, (w-2)*(h-2))
	var sum float64
	for y := bounds.Min.Y + 1; y < bounds.Max.Y-1; y++ {
		for x := bounds.Min.X + 1; x < bounds.Max.X-1; x++ {
			c := float64(g.GrayAt(x, y).Y)
			lap := 4*c -
				float64(g.GrayAt(x-1, y).Y) -
				float64(g.GrayAt(x+1, y).Y) -
				float64(g.GrayAt(x, y-1).Y) -
				float64(g.GrayAt(x, y+1).Y)
			responses = append(responses, lap)
			sum += lap
		}
	}

	mean := sum / float64(len(responses))
	var variance float64
	for _, r := range responses {
		d := r - mean
		variance += d * d
	}
	return variance / float64(len(responses))
}

// Stats returns the mean and standard deviation of the gray levels.
func Stats(g *image.Gray) (mean, std float64) {
	return meanStd(g, g.Bounds())
}

func meanStd(g *image.Gray, r image.Rectangle) (mean, std float64) {
	r = r.Intersect(g.Bounds())
	n := r.Dx() * r.Dy()
	if n == 0 {
		return 0, 0
	}

	var sum, sumSq float64
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			v := float64(g.GrayAt(x, y).Y)
			sum += v
			sumSq += v * v
		}
	}

	mean = sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

func boxRect(box provider.BoundingBox) image.Rectangle {
	return image.Rect(
		int(box.X),
		int(box.Y),
		int(box.X+box.Width),
		int(box.Y+box.Height),
	)
}

// eyeRect spans both eye landmarks with horizontal padding and a vertical
// band proportional to the face height.
func eyeRect(landmarks *provider.Landmarks, box provider.BoundingBox) image.Rectangle {
	minX := math.Min(landmarks.LeftEye.X, landmarks.RightEye.X)
	maxX := math.Max(landmarks.LeftEye.X, landmarks.RightEye.X)
	midY := (landmarks.LeftEye.Y + landmarks.RightEye.Y) / 2

	padX := (maxX - minX) * 0.25
	if padX < 2 {
		padX = 2
	}
	padY := box.Height * 0.08
	if padY < 2 {
		padY = 2
	}

	return image.Rect(
		int(minX-padX),
		int(midY-padY),
		int(maxX+padX),
		int(midY+padY),
	)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
