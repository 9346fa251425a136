package processor

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/knights-analytics/vlm/backends"
	"github.com/knights-analytics/vlm/util/imageutil"
)

// ProcessedImage is one image ready for the vision encoder. Shape[0] is the axis images are
// concatenated on.
type ProcessedImage struct {
	Pixels    []float32
	Shape     backends.Shape
	GridTHW   [3]int64
	NumTokens int
}

type ImageProcessor interface {
	Preprocess(img image.Image) (ProcessedImage, error)
	// MergeSize is the number of patches merged into one image token along each side.
	MergeSize() int
}

// ImageProcessorConfig mirrors preprocessor_config.json.
type ImageProcessorConfig struct {
	ImageProcessorType string     `json:"image_processor_type"`
	Size               sizeConfig `json:"size"`
	MinPixels          int        `json:"min_pixels"`
	MaxPixels          int        `json:"max_pixels"`
	PatchSize          int        `json:"patch_size"`
	TemporalPatchSize  int        `json:"temporal_patch_size"`
	MergeSize          int        `json:"merge_size"`
	ImageMean          []float32  `json:"image_mean"`
	ImageStd           []float32  `json:"image_std"`
	RescaleFactor      float32    `json:"rescale_factor"`
	DoRescale          *bool      `json:"do_rescale"`
	DoNormalize        *bool      `json:"do_normalize"`
}

type sizeConfig struct {
	ShortestEdge int `json:"shortest_edge"`
	LongestEdge  int `json:"longest_edge"`
	Height       int `json:"height"`
	Width        int `json:"width"`
	MinPixels    int `json:"min_pixels"`
	MaxPixels    int `json:"max_pixels"`
}

// normalizationSteps returns rescale followed by mean/std normalization as configured.
func (c ImageProcessorConfig) normalizationSteps(defaultMean, defaultStd [3]float32) ([]imageutil.NormalizationStep, error) {
	var steps []imageutil.NormalizationStep
	if c.DoRescale == nil || *c.DoRescale {
		steps = append(steps, imageutil.RescaleStep(c.RescaleFactor))
	}
	if c.DoNormalize == nil || *c.DoNormalize {
		mean, std := defaultMean, defaultStd
		if c.ImageMean != nil {
			if len(c.ImageMean) != 3 {
				return nil, fmt.Errorf("image_mean must have 3 values, got %d", len(c.ImageMean))
			}
			copy(mean[:], c.ImageMean)
		}
		if c.ImageStd != nil {
			if len(c.ImageStd) != 3 {
				return nil, fmt.Errorf("image_std must have 3 values, got %d", len(c.ImageStd))
			}
			copy(std[:], c.ImageStd)
		}
		for _, s := range std {
			if s == 0 {
				return nil, errors.New("image_std cannot contain zero")
			}
		}
		steps = append(steps, imageutil.PixelNormalizationStep(mean, std))
	}
	return steps, nil
}

var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
	halfMean = [3]float32{0.5, 0.5, 0.5}
)

// QwenImageProcessor resizes each image to a multiple of the merged patch size and flattens it into patches.
type QwenImageProcessor struct {
	PatchSize         int
	TemporalPatchSize int
	Merge             int
	MinPixels         int
	MaxPixels         int
	Steps             []imageutil.NormalizationStep
}

func NewQwenImageProcessor(config ImageProcessorConfig) (*QwenImageProcessor, error) {
	p := &QwenImageProcessor{
		PatchSize:         config.PatchSize,
		TemporalPatchSize: config.TemporalPatchSize,
		Merge:             config.MergeSize,
		MinPixels:         firstPositive(config.Size.ShortestEdge, config.Size.MinPixels, config.MinPixels, 56*56),
		MaxPixels:         firstPositive(config.Size.LongestEdge, config.Size.MaxPixels, config.MaxPixels, 28*28*1280),
	}
	if p.PatchSize == 0 {
		p.PatchSize = 14
	}
	if p.TemporalPatchSize == 0 {
		p.TemporalPatchSize = 2
	}
	if p.Merge == 0 {
		p.Merge = 2
	}
	if p.MinPixels > p.MaxPixels {
		return nil, fmt.Errorf("min pixels %d is larger than max pixels %d", p.MinPixels, p.MaxPixels)
	}
	steps, err := config.normalizationSteps(clipMean, clipStd)
	if err != nil {
		return nil, err
	}
	p.Steps = steps
	return p, nil
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func (p *QwenImageProcessor) MergeSize() int {
	return p.Merge
}

// SmartResize picks the output height and width: both divisible by factor, the pixel count within
// [minPixels, maxPixels] and the aspect ratio kept as close as possible.
func SmartResize(height, width, factor, minPixels, maxPixels int) (int, int, error) {
	if height <= 0 || width <= 0 {
		return 0, 0, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	if ratio := float64(max(height, width)) / float64(min(height, width)); ratio > 200 {
		return 0, 0, fmt.Errorf("absolute aspect ratio must be smaller than 200, got %.2f", ratio)
	}
	f := float64(factor)
	hBar := max(factor, int(math.RoundToEven(float64(height)/f))*factor)
	wBar := max(factor, int(math.RoundToEven(float64(width)/f))*factor)
	switch {
	case hBar*wBar > maxPixels:
		beta := math.Sqrt(float64(height*width) / float64(maxPixels))
		hBar = max(factor, int(math.Floor(float64(height)/beta/f))*factor)
		wBar = max(factor, int(math.Floor(float64(width)/beta/f))*factor)
	case hBar*wBar < minPixels:
		beta := math.Sqrt(float64(minPixels) / float64(height*width))
		hBar = int(math.Ceil(float64(height)*beta/f)) * factor
		wBar = int(math.Ceil(float64(width)*beta/f)) * factor
	}
	return hBar, wBar, nil
}

func (p *QwenImageProcessor) Preprocess(img image.Image) (ProcessedImage, error) {
	bounds := img.Bounds()
	factor := p.PatchSize * p.Merge
	h, w, err := SmartResize(bounds.Dy(), bounds.Dx(), factor, p.MinPixels, p.MaxPixels)
	if err != nil {
		return ProcessedImage{}, err
	}
	chw := imageutil.ToCHW(imageutil.Resize(img, w, h), p.Steps)
	pixels, gridTHW := p.Patchify(chw)
	rows := gridTHW[0] * gridTHW[1] * gridTHW[2]
	return ProcessedImage{
		Pixels:    pixels,
		Shape:     backends.NewShape(rows, int64(len(pixels))/rows),
		GridTHW:   gridTHW,
		NumTokens: int(rows) / (p.Merge * p.Merge),
	}, nil
}

// Patchify flattens a [3][H][W] image into [gridT*gridH*gridW, 3*temporal*patch*patch] rows. The
// still image is repeated along the temporal axis. Rows are ordered by merge window so that the
// patches merged into one token are adjacent.
func (p *QwenImageProcessor) Patchify(chw [][][]float32) ([]float32, [3]int64) {
	patch, merge, temporal := p.PatchSize, p.Merge, p.TemporalPatchSize
	channels := len(chw)
	gridH := len(chw[0]) / patch
	gridW := len(chw[0][0]) / patch
	rowSize := channels * temporal * patch * patch
	out := make([]float32, 0, gridH*gridW*rowSize)
	for bh := range gridH / merge {
		for bw := range gridW / merge {
			for mh := range merge {
				for mw := range merge {
					y0 := (bh*merge + mh) * patch
					x0 := (bw*merge + mw) * patch
					for c := range channels {
						for range temporal {
							for ph := range patch {
								out = append(out, chw[c][y0+ph][x0:x0+patch]...)
							}
						}
					}
				}
			}
		}
	}
	return out, [3]int64{1, int64(gridH), int64(gridW)}
}

// FixedImageProcessor resizes every image to the same size and emits a fixed number of tokens.
type FixedImageProcessor struct {
	Height        int
	Width         int
	TokensPerItem int
	Resize        []imageutil.PreprocessStep
	Steps         []imageutil.NormalizationStep
}

func NewFixedImageProcessor(config ImageProcessorConfig, tokensPerImage int) (*FixedImageProcessor, error) {
	p := &FixedImageProcessor{
		Height:        firstPositive(config.Size.Height, config.Size.ShortestEdge, 896),
		Width:         firstPositive(config.Size.Width, config.Size.ShortestEdge, 896),
		TokensPerItem: tokensPerImage,
	}
	if p.TokensPerItem <= 0 {
		return nil, fmt.Errorf("tokens per image must be positive, got %d", tokensPerImage)
	}
	p.Resize = []imageutil.PreprocessStep{imageutil.ExactResizeStep(p.Width, p.Height)}
	steps, err := config.normalizationSteps(halfMean, halfMean)
	if err != nil {
		return nil, err
	}
	p.Steps = steps
	return p, nil
}

func (p *FixedImageProcessor) MergeSize() int {
	return 1
}

func (p *FixedImageProcessor) Preprocess(img image.Image) (ProcessedImage, error) {
	resized, err := imageutil.ApplySteps(img, p.Resize)
	if err != nil {
		return ProcessedImage{}, err
	}
	chw := imageutil.ToCHW(resized, p.Steps)
	pixels := make([]float32, 0, 3*p.Height*p.Width)
	for c := range chw {
		for y := range chw[c] {
			pixels = append(pixels, chw[c][y]...)
		}
	}
	return ProcessedImage{
		Pixels:    pixels,
		Shape:     backends.NewShape(1, 3, int64(p.Height), int64(p.Width)),
		NumTokens: p.TokensPerItem,
	}, nil
}

// stackImages concatenates processed images along the first axis.
func stackImages(images []ProcessedImage) ([]float32, backends.Shape, error) {
	if len(images) == 0 {
		return nil, nil, nil
	}
	shape := append(backends.Shape(nil), images[0].Shape...)
	var total int
	for _, img := range images {
		total += len(img.Pixels)
	}
	pixels := make([]float32, 0, total)
	for i, img := range images {
		if len(img.Shape) != len(shape) {
			return nil, nil, fmt.Errorf("image %d has rank %d, expected %d", i, len(img.Shape), len(shape))
		}
		for d := 1; d < len(shape); d++ {
			if img.Shape[d] != shape[d] {
				return nil, nil, fmt.Errorf("image %d has shape %s, incompatible with %s", i, img.Shape, images[0].Shape)
			}
		}
		if i > 0 {
			shape[0] += img.Shape[0]
		}
		pixels = append(pixels, img.Pixels...)
	}
	return pixels, shape, nil
}
