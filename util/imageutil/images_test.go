package imageutil

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 0, A: 255})
		}
	}
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

func TestLoaderSources(t *testing.T) {
	payload := testPNG(t, 8, 4)
	loader := NewLoader()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "red.png")
	require.NoError(t, os.WriteFile(path, payload, 0o600))
	img, err := loader.Load(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())

	img, err = loader.Load(ctx, "data:image/png;base64,"+base64.StdEncoding.EncodeToString(payload))
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dy())

	img, err = loader.LoadBase64(base64.StdEncoding.EncodeToString(payload))
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())

	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	loader.AuthToken = "secret"
	img, err = loader.Load(ctx, server.URL+"/candy.png")
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
	assert.Equal(t, "Bearer secret", gotAuth)

	_, err = loader.Load(ctx, server.URL+"/missing.png")
	assert.Error(t, err)
}

func TestFetchSizeLimit(t *testing.T) {
	payload := testPNG(t, 16, 16)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()
	ctx := context.Background()

	loader := NewLoader()
	loader.MaxBytes = int64(len(payload))
	b, err := loader.ReadBytes(ctx, server.URL+"/exact.png")
	require.NoError(t, err)
	assert.Equal(t, payload, b)

	loader.MaxBytes = int64(len(payload)) - 1
	_, err = loader.Fetch(ctx, server.URL+"/large.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "larger than")

	_, err = loader.Load(ctx, server.URL+"/large.png")
	assert.Error(t, err)
}

func TestLoaderRejectsGarbage(t *testing.T) {
	_, err := NewLoader().Load(context.Background(), "data:text/plain,hello")
	assert.Error(t, err)
	_, err = Decode([]byte("not an image"))
	assert.Error(t, err)
}

func TestToCHWNormalization(t *testing.T) {
	img, err := Decode(testPNG(t, 2, 3))
	require.NoError(t, err)
	chw := ToCHW(img, []NormalizationStep{RescaleStep(0), PixelNormalizationStep([3]float32{0.5, 0.5, 0.5}, [3]float32{0.5, 0.5, 0.5})})
	require.Len(t, chw, 3)
	require.Len(t, chw[0], 3)
	require.Len(t, chw[0][0], 2)
	assert.InDelta(t, 1.0, chw[0][1][1], 1e-6)
	assert.InDelta(t, -1.0, chw[1][1][1], 1e-6)
}

func TestResizeSteps(t *testing.T) {
	img, err := Decode(testPNG(t, 40, 20))
	require.NoError(t, err)

	out, err := ApplySteps(img, []PreprocessStep{ExactResizeStep(10, 10), ExactResizeStep(7, 5)})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 7, 5), out.Bounds())

	_, err = ApplySteps(img, []PreprocessStep{ExactResizeStep(0, 5)})
	assert.Error(t, err)
}
