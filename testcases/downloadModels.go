package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/phuslu/log"

	"github.com/knights-analytics/vlm"
	"github.com/knights-analytics/vlm/util/checks"
	"github.com/knights-analytics/vlm/util/fileutil"
	"github.com/knights-analytics/vlm/util/imageutil"
)

// download the checkpoint and image used by the integration runs.
//
//	VLM_TEST_CHECKPOINT=<org/name> VLM_TEST_ONNX_FILE=<path in repo> go run ./testcases

const modelsDir = "./models"

var extraFiles = []struct {
	url, dest string
}{
	{"https://huggingface.co/datasets/huggingface/documentation-images/resolve/main/p-blog/candy.JPG", "./models/imageData/candy.JPG"},
}

func main() {
	ctx := context.Background()
	checks.CheckWithMessage(fileutil.CreateDir(ctx, filepath.Join(modelsDir, "imageData")), "creating models folder")

	if name := os.Getenv("VLM_TEST_CHECKPOINT"); name != "" {
		exists, err := fileutil.FileExists(ctx, vlm.LocalModelPath(name, modelsDir))
		checks.Check(err)
		if !exists {
			options := vlm.NewDownloadOptions()
			options.OnnxFilePath = os.Getenv("VLM_TEST_ONNX_FILE")
			options.AuthToken = os.Getenv("HF_TOKEN")
			outPath, dlErr := vlm.DownloadModel(ctx, name, modelsDir, options)
			checks.CheckWithMessage(dlErr, fmt.Sprintf("downloading %s", name))
			log.Info().Str("model", name).Str("path", outPath).Msg("downloaded")
		}
	}

	for _, f := range extraFiles {
		exists, err := fileutil.FileExists(ctx, f.dest)
		checks.Check(err)
		if !exists {
			checks.CheckWithMessage(downloadFile(ctx, f.url, f.dest), fmt.Sprintf("downloading %s", f.url))
		}
	}
}

// downloadFile fetches url and stores it at dest, checking it decodes as an image.
func downloadFile(ctx context.Context, url string, dest string) (err error) {
	b, err := imageutil.NewLoader().Fetch(ctx, url)
	if err != nil {
		return err
	}
	if _, err = imageutil.Decode(b); err != nil {
		return fmt.Errorf("%s is not an image: %w", url, err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, out.Close())
	}()
	_, err = out.Write(b)
	return err
}
