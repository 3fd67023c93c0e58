package dataset

import (
	"image"
	"image/color"
	"math/rand"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// ResizeMode defines how images are fit into the square model input.
type ResizeMode string

const (
	// ResizeStretch resizes to exactly size x size, not preserving the aspect ratio.
	ResizeStretch ResizeMode = "stretch"

	// ResizePad preserves the aspect ratio, and pads the image with black (transparent) pixels.
	ResizePad ResizeMode = "pad"
)

// ParseResizeMode validates the resize mode name.
func ParseResizeMode(name string) (ResizeMode, error) {
	switch mode := ResizeMode(name); mode {
	case ResizeStretch, ResizePad:
		return mode, nil
	}
	return "", errors.Errorf("invalid resize mode %q, valid values are %q and %q", name, ResizeStretch, ResizePad)
}

// Resize the image to size x size according to mode.
func Resize(img image.Image, size int, mode ResizeMode) image.Image {
	if mode == ResizePad {
		return ResizeWithPadding(img, size, size)
	}
	imgSize := img.Bounds().Size()
	if imgSize.X == size && imgSize.Y == size {
		return img
	}
	return imaging.Resize(img, size, size, imaging.Linear)
}

// ResizeWithPadding resizes the image to fit width x height, preserving the aspect ratio, and centers it
// padded with zeros.
func ResizeWithPadding(img image.Image, width, height int) image.Image {
	imgSize := img.Bounds().Size()
	wRatio := float64(width) / float64(imgSize.X)
	hRatio := float64(height) / float64(imgSize.Y)

	adjustedWidth, adjustedHeight := width, height
	if wRatio < hRatio {
		adjustedHeight = max(1, int(wRatio*float64(imgSize.Y)))
	} else if hRatio < wRatio {
		adjustedWidth = max(1, int(hRatio*float64(imgSize.X)))
	}
	img = imaging.Resize(img, adjustedWidth, adjustedHeight, imaging.Lanczos)
	if adjustedWidth != width || adjustedHeight != height {
		bgImg := image.NewRGBA(image.Rect(0, 0, width, height))
		img = imaging.PasteCenter(bgImg, img)
	}
	return img
}

// AugmentConfig defines the random transformations applied to training images.
// The zero value disables augmentation.
type AugmentConfig struct {
	// RotateQuarterTurns randomly rotates by 0, 90, 180 or 270 degrees. Non-square images only get 0 or 180.
	RotateQuarterTurns bool

	// FlipHorizontal and FlipVertical randomly mirror the image, each with 50% chance.
	FlipHorizontal, FlipVertical bool

	// AngleStdDev is the standard deviation, in degrees, of a small random rotation. The rotated image is
	// cropped back to its original size.
	AngleStdDev float64

	// BrightnessRange and ContrastRange are the maximum change, in percent (0 to 100), applied uniformly
	// at random in [-range, +range].
	BrightnessRange, ContrastRange float64
}

// Enabled returns whether any transformation is configured.
func (c AugmentConfig) Enabled() bool {
	return c.RotateQuarterTurns || c.FlipHorizontal || c.FlipVertical ||
		c.AngleStdDev > 0 || c.BrightnessRange > 0 || c.ContrastRange > 0
}

// Augmenter applies random transformations to images. It is safe for concurrent use.
type Augmenter struct {
	config AugmentConfig

	muRng sync.Mutex
	rng   *rand.Rand
}

// NewAugmenter creates an Augmenter with its own random number generator, seeded with seed.
func NewAugmenter(config AugmentConfig, seed int64) *Augmenter {
	return &Augmenter{config: config, rng: rand.New(rand.NewSource(seed))}
}

// Config returns the augmentation configuration.
func (a *Augmenter) Config() AugmentConfig { return a.config }

// augmentChoices holds the random draws for one image, so the lock is not held during image processing.
type augmentChoices struct {
	quarterTurns         int
	flipH, flipV         bool
	angle                float64
	brightness, contrast float64
}

func (a *Augmenter) draw(square bool) (c augmentChoices) {
	a.muRng.Lock()
	defer a.muRng.Unlock()
	cfg := &a.config
	if cfg.RotateQuarterTurns {
		if square {
			c.quarterTurns = a.rng.Intn(4)
		} else {
			c.quarterTurns = 2 * a.rng.Intn(2)
		}
	}
	c.flipH = cfg.FlipHorizontal && a.rng.Intn(2) == 1
	c.flipV = cfg.FlipVertical && a.rng.Intn(2) == 1
	if cfg.AngleStdDev > 0 {
		c.angle = a.rng.NormFloat64() * cfg.AngleStdDev
	}
	if cfg.BrightnessRange > 0 {
		c.brightness = (2*a.rng.Float64() - 1) * cfg.BrightnessRange
	}
	if cfg.ContrastRange > 0 {
		c.contrast = (2*a.rng.Float64() - 1) * cfg.ContrastRange
	}
	return
}

// Augment returns a randomly transformed copy of the image, with the same size.
// If no augmentation is configured, it returns img itself.
func (a *Augmenter) Augment(img image.Image) image.Image {
	if a == nil || !a.config.Enabled() {
		return img
	}
	size := img.Bounds().Size()
	c := a.draw(size.X == size.Y)
	switch c.quarterTurns {
	case 1:
		img = imaging.Rotate90(img)
	case 2:
		img = imaging.Rotate180(img)
	case 3:
		img = imaging.Rotate270(img)
	}
	if c.flipH {
		img = imaging.FlipH(img)
	}
	if c.flipV {
		img = imaging.FlipV(img)
	}
	if c.angle != 0 {
		img = imaging.Rotate(img, c.angle, color.Black)
		img = imaging.CropCenter(img, size.X, size.Y)
	}
	if c.brightness != 0 {
		img = imaging.AdjustBrightness(img, c.brightness)
	}
	if c.contrast != 0 {
		img = imaging.AdjustContrast(img, c.contrast)
	}
	return img
}
