//go:build !NODOWNLOAD

package vlm

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/phuslu/log"

	"github.com/knights-analytics/vlm/util/fileutil"
)

// checkpointFiles are the configuration files a processor and model need besides the graph.
var checkpointFiles = map[string]bool{
	"config.json":              true,
	"generation_config.json":   true,
	"tokenizer.json":           true,
	"tokenizer_config.json":    true,
	"special_tokens_map.json":  true,
	"preprocessor_config.json": true,
}

// DownloadModel can be used to download a checkpoint directly from huggingface. Before the checkpoint is
// downloaded, validation occurs to ensure there is exactly one usable .onnx graph and the tokenizer,
// model and preprocessor configurations.
func DownloadModel(ctx context.Context, modelName string, destination string, options DownloadOptions) (string, error) {
	modelPath := LocalModelPath(modelName, destination)

	repo := hub.New(modelName)
	if options.AuthToken != "" {
		repo = repo.WithAuth(options.AuthToken)
	}
	if options.ConcurrentConnections > 0 {
		repo.MaxParallelDownload = options.ConcurrentConnections
	}
	if options.Verbose {
		repo.Verbosity = 1
		repo.WithProgressBar(true)
	} else {
		repo.Verbosity = 0
		repo.WithProgressBar(false)
	}
	if options.Branch != "" {
		repo.WithRevision(options.Branch)
	}

	downloadFiles, err := validateDownloadHfModel(ctx, repo, options)
	if err != nil {
		return "", err
	}
	if err = fileutil.CreateDir(ctx, modelPath); err != nil {
		return "", err
	}

	for i := 0; i < options.MaxRetries; i++ {
		downloadPaths, downloadErr := repo.DownloadFiles(downloadFiles...)
		if downloadErr != nil {
			log.Warn().Str("model", modelName).Int("attempt", i+1).Int("max", options.MaxRetries).Err(downloadErr).Msg("download attempt failed")
			if err = wait(ctx, options.RetryInterval); err != nil {
				return "", err
			}
			continue
		}

		for j, downloadPath := range downloadPaths {
			truePath, symErr := filepath.EvalSymlinks(downloadPath)
			if symErr != nil {
				return "", symErr
			}
			moveErr := fileutil.CopyFile(ctx, truePath, fileutil.PathJoinSafe(modelPath, path.Base(downloadFiles[j])))
			if moveErr != nil {
				return "", moveErr
			}
		}

		log.Info().Str("model", modelName).Str("path", modelPath).Msg("download completed")
		return modelPath, nil
	}

	return "", fmt.Errorf("failed to download %s after %d attempts", modelName, options.MaxRetries)
}

func wait(ctx context.Context, seconds int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(seconds) * time.Second):
		return nil
	}
}

func validateDownloadHfModel(ctx context.Context, repo *hub.Repo, options DownloadOptions) ([]string, error) {
	for i := 0; i < options.MaxRetries; i++ {
		err := repo.DownloadInfo(false)
		if err == nil {
			break
		}
		log.Warn().Int("attempt", i+1).Int("max", options.MaxRetries).Err(err).Msg("list repo attempt failed")
		if i+1 == options.MaxRetries {
			return nil, err
		}
		if err = wait(ctx, options.RetryInterval); err != nil {
			return nil, err
		}
	}

	var fileNames []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, err
		}
		fileNames = append(fileNames, fileName)
	}
	return selectDownloadFiles(fileNames, options)
}

// selectDownloadFiles picks the graph, its external data and the configuration files out of a repo listing.
func selectDownloadFiles(fileNames []string, options DownloadOptions) ([]string, error) {
	var toDownload []string
	var allOnnx []string
	onnxPath := ""
	found := map[string]bool{}
	for _, fileName := range fileNames {
		baseFileName := filepath.Base(fileName)
		switch {
		case checkpointFiles[baseFileName] && path.Dir(fileName) == ".":
			toDownload = append(toDownload, fileName)
			found[baseFileName] = true
		case filepath.Ext(baseFileName) == ".onnx":
			if options.OnnxFilePath == "" || fileName == options.OnnxFilePath {
				onnxPath = fileName
			}
			allOnnx = append(allOnnx, fileName)
		case options.ExternalDataPath != "" && fileName == options.ExternalDataPath:
			toDownload = append(toDownload, fileName)
		}
	}

	var errs []error
	for _, required := range []string{"config.json", "tokenizer.json", "preprocessor_config.json"} {
		if !found[required] {
			errs = append(errs, fmt.Errorf("model does not have a %s file", required))
		}
	}
	if options.OnnxFilePath != "" {
		if onnxPath == "" {
			errs = append(errs, fmt.Errorf("model .onnx file not found at %s", options.OnnxFilePath))
		}
	} else {
		numModels := len(allOnnx)
		if numModels == 0 {
			errs = append(errs, fmt.Errorf("model does not have a .onnx file, only onnx exports can be run"))
		} else if numModels > 1 {
			errs = append(errs, fmt.Errorf("model has multiple .onnx files, please specify one of the following onnxFilePaths: %s", strings.Join(allOnnx, " ")))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	// graphs above 2GB keep their weights next to them as <name>.onnx_data or <name>.onnx.data
	if options.ExternalDataPath == "" {
		for _, fileName := range fileNames {
			if fileName == onnxPath+"_data" || fileName == onnxPath+".data" {
				toDownload = append(toDownload, fileName)
			}
		}
	}
	return append(toDownload, onnxPath), nil
}
