//go:build NODOWNLOAD

package vlm

import (
	"context"
	"errors"
)

func DownloadModel(_ context.Context, _ string, _ string, _ DownloadOptions) (string, error) {
	return "", errors.New("downloads are disabled in this build, remove the NODOWNLOAD tag to enable them")
}
