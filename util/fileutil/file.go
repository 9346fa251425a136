package fileutil

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/option"
	"github.com/viant/afs/storage"
	_ "github.com/viant/afsc/gs"
	_ "github.com/viant/afsc/s3"
)

var fileSystem = afs.New()

const partSize = 64 * 1024 * 1024

// ReadFileBytes reads the whole object at the given location. Local paths, s3:// and gs:// URLs are supported.
func ReadFileBytes(ctx context.Context, filename string) ([]byte, error) {
	file, err := fileSystem.OpenURL(ctx, filename)
	if err != nil {
		return nil, err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, file.Close())
	}(file)

	b, readErr := io.ReadAll(file)
	if readErr != nil {
		return nil, readErr
	}
	return b, err
}

func GetPathType(path string) string {
	switch {
	case strings.HasPrefix(path, "s3://"):
		return "S3"
	case strings.HasPrefix(path, "gs://"):
		return "GS"
	}
	return "os"
}

// IsRemote reports whether the location is an object store URL rather than a local path.
func IsRemote(path string) bool {
	return GetPathType(path) != "os"
}

// PathJoinSafe wrapper around filepath.Join to ensure that paths are correctly constructed
// if the path is a normal OS path, just use filepath.Join
// if the path is an object store URL, trim any trailing slashes and construct it manually from the components
// so that double slashes (e.g. s3://) are preserved.
func PathJoinSafe(elem ...string) string {
	switch GetPathType(elem[0]) {
	case "S3", "GS":
		basePath := strings.TrimSuffix(elem[0], "/")
		return basePath + "/" + filepath.ToSlash(filepath.Join(elem[1:]...))
	default:
		return filepath.Join(elem...)
	}
}

func CopyFile(ctx context.Context, from string, to string) error {
	return fileSystem.Copy(ctx, from, to, option.NewSource(option.NewStream(partSize, 0)), option.NewDest(option.NewSkipChecksum(true)))
}

// WalkDir visits every object under path.
func WalkDir(ctx context.Context, path string, handler storage.OnVisit) error {
	return fileSystem.Walk(ctx, path, handler)
}

func CreateDir(ctx context.Context, dir string) error {
	return fileSystem.Create(ctx, dir, os.ModePerm, true)
}

func FileExists(ctx context.Context, filename string) (bool, error) {
	return fileSystem.Exists(ctx, filename)
}

// FilesWithSuffix lists the files under path whose name ends with suffix, as [parent, name] pairs.
func FilesWithSuffix(ctx context.Context, path string, suffix string) ([][]string, error) {
	var found [][]string
	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (bool, error) {
		if strings.HasSuffix(info.Name(), suffix) {
			found = append(found, []string{PathJoinSafe(path, parent), info.Name()})
		}
		return true, nil
	}
	err := WalkDir(ctx, path, walker)
	return found, err
}
