package imageutil

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/knights-analytics/vlm/util/fileutil"
)

// DefaultMaxBytes bounds the size of a downloaded image.
const DefaultMaxBytes int64 = 64 << 20

// Loader fetches and decodes images referenced by http(s) URLs, data URIs, object store URLs or local paths.
type Loader struct {
	Client *http.Client
	// AuthToken is sent as a bearer token to http(s) hosts, needed for gated hub datasets.
	AuthToken string
	// MaxBytes bounds remote downloads. Zero means DefaultMaxBytes.
	MaxBytes int64
}

func NewLoader() *Loader {
	return &Loader{Client: http.DefaultClient, MaxBytes: DefaultMaxBytes}
}

// Load returns the decoded image at location.
func (l *Loader) Load(ctx context.Context, location string) (image.Image, error) {
	b, err := l.ReadBytes(ctx, location)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

// ReadBytes returns the encoded image at location without decoding it.
func (l *Loader) ReadBytes(ctx context.Context, location string) ([]byte, error) {
	var b []byte
	var err error
	switch {
	case strings.HasPrefix(location, "data:"):
		b, err = decodeDataURI(location)
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		b, err = l.Fetch(ctx, location)
	default:
		b, err = fileutil.ReadFileBytes(ctx, location)
	}
	if err != nil {
		return nil, fmt.Errorf("loading image %s: %w", shorten(location), err)
	}
	return b, nil
}

// LoadBase64 decodes a base64 encoded image payload.
func (l *Loader) LoadBase64(payload string) (image.Image, error) {
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 image: %w", err)
	}
	return Decode(b)
}

func Decode(b []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// Fetch downloads the raw bytes at an http(s) URL.
func (l *Loader) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if l.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+l.AuthToken)
	}
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	limit := l.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("image is larger than %d bytes", limit)
	}
	return b, nil
}

func decodeDataURI(uri string) ([]byte, error) {
	header, payload, ok := strings.Cut(uri, ",")
	if !ok {
		return nil, errors.New("malformed data uri")
	}
	if !strings.HasSuffix(header, ";base64") {
		return nil, errors.New("only base64 data uris are supported")
	}
	return base64.StdEncoding.DecodeString(payload)
}

func shorten(location string) string {
	if len(location) > 64 {
		return location[:64] + "..."
	}
	return location
}

type PreprocessStep interface {
	Apply(img image.Image) (image.Image, error)
}

type ExactResizePreprocessor struct {
	width  int
	height int
}

// ExactResizeStep scales the image to exactly width x height.
func ExactResizeStep(width, height int) *ExactResizePreprocessor {
	return &ExactResizePreprocessor{width: width, height: height}
}

func (s *ExactResizePreprocessor) Apply(img image.Image) (image.Image, error) {
	if s.width <= 0 || s.height <= 0 {
		return nil, fmt.Errorf("invalid resize target %dx%d", s.width, s.height)
	}
	return Resize(img, s.width, s.height), nil
}

type NormalizationStep interface {
	Apply(r, g, b float32) (float32, float32, float32)
}

type PixelNormalizationPreprocessor struct {
	mean [3]float32
	std  [3]float32
}

func (s *PixelNormalizationPreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	r = (r - s.mean[0]) / s.std[0]
	g = (g - s.mean[1]) / s.std[1]
	b = (b - s.mean[2]) / s.std[2]
	return r, g, b
}

func PixelNormalizationStep(mean, std [3]float32) *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{mean: mean, std: std}
}

type RescalePreprocessor struct {
	factor float32
}

func (s *RescalePreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	return r * s.factor, g * s.factor, b * s.factor
}

// RescaleStep multiplies raw 0-255 channel values by factor; 0 means 1/255.
func RescaleStep(factor float32) *RescalePreprocessor {
	if factor == 0 {
		factor = 1.0 / 255.0
	}
	return &RescalePreprocessor{factor: factor}
}

// Resize scales img to newW x newH with Catmull-Rom interpolation, the closest match to PIL's bicubic.
func Resize(img image.Image, newW, newH int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// ToCHW converts img into a [3][H][W] float32 array of raw 0-255 RGB values passed through the normalization steps.
func ToCHW(img image.Image, steps []NormalizationStep) [][][]float32 {
	bounds := img.Bounds()
	h, w := bounds.Dy(), bounds.Dx()
	out := make([][][]float32, 3)
	for c := range out {
		out[c] = make([][]float32, h)
		for y := range h {
			out[c][y] = make([]float32, w)
		}
	}
	for y := range h {
		for x := range w {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rf, gf, bf := float32(r>>8), float32(g>>8), float32(b>>8)
			for _, step := range steps {
				rf, gf, bf = step.Apply(rf, gf, bf)
			}
			out[0][y][x] = rf
			out[1][y][x] = gf
			out[2][y][x] = bf
		}
	}
	return out
}

// ApplySteps runs the preprocessing steps in order.
func ApplySteps(img image.Image, steps []PreprocessStep) (image.Image, error) {
	var err error
	for _, step := range steps {
		img, err = step.Apply(img)
		if err != nil {
			return nil, err
		}
	}
	return img, nil
}
