//go:build cgo && (ORT || ALL)

package vlm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/vlm/options"
)

func TestNewORTSessionMissingLibrary(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "libonnxruntime.so")
	session, err := NewORTSession(options.WithOnnxLibraryPath(missing))
	assert.Nil(t, session)
	assert.ErrorContains(t, err, "cannot find the ort library")
}

func TestGenAIRuntime(t *testing.T) {
	dir := t.TempDir()
	ortLibrary := filepath.Join(dir, "libonnxruntime.so")
	o := &options.OrtOptions{LibraryPath: &ortLibrary}

	path, found := genAIRuntime(o)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.False(t, found)

	require.NoError(t, os.WriteFile(path, []byte{}, 0o600))
	_, found = genAIRuntime(o)
	assert.True(t, found)

	explicit := filepath.Join(t.TempDir(), "custom-genai.so")
	o.GenAILibraryPath = &explicit
	path, found = genAIRuntime(o)
	assert.Equal(t, explicit, path)
	assert.False(t, found)
}
