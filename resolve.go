package vlm

import (
	"context"
	"fmt"
	"strings"

	"github.com/knights-analytics/vlm/options"
	"github.com/knights-analytics/vlm/util/fileutil"
)

// DownloadOptions is a struct of options that can be passed to DownloadModel.
type DownloadOptions struct {
	AuthToken             string
	OnnxFilePath          string
	ExternalDataPath      string
	Branch                string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
	Verbose               bool
}

// NewDownloadOptions creates new DownloadOptions struct with default values.
// Override the values to specify different download options.
func NewDownloadOptions() DownloadOptions {
	d := DownloadOptions{}
	d.Branch = "main"
	d.MaxRetries = 5
	d.RetryInterval = 5
	d.ConcurrentConnections = 5
	return d
}

// LocalModelPath is the folder under destination a hub checkpoint is downloaded to,
// e.g. Qwen/Qwen3-VL-8B-Instruct becomes <destination>/Qwen_Qwen3-VL-8B-Instruct.
func LocalModelPath(modelName string, destination string) string {
	modelP := modelName
	if strings.Contains(modelP, ":") {
		modelP = strings.Split(modelName, ":")[0]
	}
	return fileutil.PathJoinSafe(destination, strings.ReplaceAll(modelP, "/", "_"))
}

func downloadOptions(hub *options.HubOptions) DownloadOptions {
	d := NewDownloadOptions()
	d.AuthToken = hub.AuthToken
	if hub.Branch != "" {
		d.Branch = hub.Branch
	}
	return d
}

// ResolveCheckpoint turns a checkpoint name into a local folder. A path that exists is used as is, then
// a previous download in the models folder, and finally the checkpoint is downloaded from the hub.
func (s *Session) ResolveCheckpoint(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("checkpoint name cannot be empty")
	}
	exists, err := fileutil.FileExists(ctx, name)
	if err != nil {
		return "", err
	}
	if exists {
		return name, nil
	}

	hub := s.options.HubOptions
	localPath := LocalModelPath(name, hub.ModelsDir)
	exists, err = fileutil.FileExists(ctx, localPath)
	if err != nil {
		return "", err
	}
	if exists {
		return localPath, nil
	}
	if hub.Offline {
		return "", fmt.Errorf("checkpoint %s not found locally and downloads are disabled", name)
	}
	if err = fileutil.CreateDir(ctx, hub.ModelsDir); err != nil {
		return "", err
	}
	return DownloadModel(ctx, name, hub.ModelsDir, downloadOptions(hub))
}
