package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/vlm"
	"github.com/knights-analytics/vlm/chat"
	"github.com/knights-analytics/vlm/options"
	"github.com/knights-analytics/vlm/pipelines"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultCheckpoint = "Qwen/Qwen3-VL-8B-Instruct"
	defaultImage      = "https://huggingface.co/datasets/huggingface/documentation-images/resolve/main/p-blog/candy.JPG"
	defaultQuestion   = "What animal is on the candy?"
)

var (
	checkpoint        string
	imageURL          string
	question          string
	messagesPath      string
	maxNewTokens      int
	backend           string
	sharedLibraryPath string
	genAILibraryPath  string
	modelsDir         string
	authToken         string
	branch            string
	offline           bool
	verbose           bool
	skipSpecial       bool
	systemPrompt      string
	stream            bool
	onnxFilePath      string
)

var sessionFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "model",
		Usage:       "Checkpoint name on the hub or path to a checkpoint folder",
		Aliases:     []string{"m"},
		Destination: &checkpoint,
		Value:       defaultCheckpoint,
	},
	&cli.StringFlag{
		Name:        "backend",
		Usage:       "Inference backend, ORT or GO",
		Aliases:     []string{"b"},
		Destination: &backend,
		Value:       options.BackendORT,
		EnvVars:     []string{"VLM_BACKEND"},
	},
	&cli.StringFlag{
		Name:        "onnxruntimeSharedLibrary",
		Usage:       "Path to the onnxruntime shared library",
		Aliases:     []string{"s"},
		Destination: &sharedLibraryPath,
		EnvVars:     []string{"VLM_ONNXRUNTIME_LIBRARY"},
	},
	&cli.StringFlag{
		Name:        "genaiSharedLibrary",
		Usage:       "Path to the onnxruntime-genai shared library, defaults to the folder of the onnxruntime library",
		Destination: &genAILibraryPath,
		EnvVars:     []string{"VLM_GENAI_LIBRARY"},
	},
	&cli.StringFlag{
		Name:        "modelFolder",
		Usage:       "Folder where to store downloaded models. Falls back to $HOME/vlm/models if not specified",
		Aliases:     []string{"f"},
		Destination: &modelsDir,
		EnvVars:     []string{"VLM_MODELS_DIR"},
	},
	&cli.StringFlag{
		Name:        "token",
		Usage:       "Hugging Face token for gated checkpoints",
		Destination: &authToken,
		EnvVars:     []string{"HF_TOKEN"},
	},
	&cli.StringFlag{
		Name:        "branch",
		Usage:       "Hub revision to download",
		Destination: &branch,
		Value:       "main",
	},
	&cli.BoolFlag{
		Name:        "offline",
		Usage:       "Never download, only use checkpoints already on disk",
		Destination: &offline,
	},
	&cli.BoolFlag{
		Name:        "verbose",
		Usage:       "Log at debug level",
		Aliases:     []string{"v"},
		Destination: &verbose,
	},
}

var conversationFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "image",
		Usage:       "Image URL or path attached to the question",
		Aliases:     []string{"i"},
		Destination: &imageURL,
		Value:       defaultImage,
	},
	&cli.StringFlag{
		Name:        "question",
		Usage:       "Question asked about the image",
		Aliases:     []string{"q"},
		Destination: &question,
		Value:       defaultQuestion,
	},
	&cli.StringFlag{
		Name:        "messages",
		Usage:       "Path to a .json, .toml or .yaml message list, replaces --image and --question",
		Destination: &messagesPath,
	},
	&cli.IntFlag{
		Name:        "maxNewTokens",
		Usage:       "Maximum number of generated tokens",
		Aliases:     []string{"n"},
		Destination: &maxNewTokens,
		Value:       pipelines.DefaultMaxNewTokens,
	},
}

func flags(groups ...[]cli.Flag) []cli.Flag {
	var all []cli.Flag
	for _, group := range groups {
		all = append(all, group...)
	}
	return all
}

var generateCommand = &cli.Command{
	Name:  "generate",
	Usage: "Answer a question about an image with the processor and model directly",
	Description: `Generate renders the conversation with the chat template of the checkpoint, generates at most
				--maxNewTokens tokens and prints only the newly generated text.`,
	Flags: flags(sessionFlags, conversationFlags, []cli.Flag{
		&cli.BoolFlag{
			Name:        "skipSpecialTokens",
			Usage:       "Drop special tokens such as the end of turn marker from the answer",
			Destination: &skipSpecial,
		},
	}),
	Action: func(ctx *cli.Context) error {
		return withSession(ctx, func(session *vlm.Session, messages []chat.Message) error {
			proc, err := session.LoadProcessor(ctx.Context, checkpoint)
			if err != nil {
				return err
			}
			model, err := session.LoadModel(ctx.Context, checkpoint)
			if err != nil {
				return err
			}
			opts := vlm.DefaultGenerateOptions()
			opts.MaxNewTokens = maxNewTokens
			opts.SkipSpecialTokens = skipSpecial
			result, err := vlm.Generate(ctx.Context, proc, model, messages, opts)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(ctx.App.Writer, result.Text)
			return err
		})
	},
}

var pipelineCommand = &cli.Command{
	Name:  "pipeline",
	Usage: "Answer a question about an image with the image-text-to-text pipeline",
	Description: `Pipeline builds the image-text-to-text pipeline for the checkpoint and prints its output as json,
				or the answer as it is generated with --stream.`,
	Flags: flags(sessionFlags, conversationFlags, []cli.Flag{
		&cli.StringFlag{
			Name:        "systemPrompt",
			Usage:       "System prompt prepended to the conversation",
			Destination: &systemPrompt,
		},
		&cli.BoolFlag{
			Name:        "stream",
			Usage:       "Print the answer while it is generated",
			Destination: &stream,
		},
	}),
	Action: func(ctx *cli.Context) error {
		return withSession(ctx, func(session *vlm.Session, messages []chat.Message) error {
			opts := []vlm.ImageTextToTextOption{pipelines.WithMaxNewTokens(maxNewTokens)}
			if systemPrompt != "" {
				opts = append(opts, pipelines.WithSystemPrompt(systemPrompt))
			}
			if stream {
				opts = append(opts, pipelines.WithStreaming())
			}
			pipe, err := session.Pipeline(ctx.Context, vlm.TaskImageTextToText, checkpoint, opts...)
			if err != nil {
				return err
			}
			output, err := pipe.RunMessages(ctx.Context, [][]chat.Message{messages})
			if err != nil {
				return err
			}
			if stream {
				return writeStream(ctx.App.Writer, output)
			}
			return writeJSON(ctx.App.Writer, output.Results)
		})
	},
}

var downloadCommand = &cli.Command{
	Name:      "download",
	Usage:     "Download a checkpoint from the Hugging Face hub into the models folder",
	ArgsUsage: "<checkpoint>",
	Flags: flags(sessionFlags, []cli.Flag{
		&cli.StringFlag{
			Name:        "onnxFilePath",
			Usage:       "Graph to download when the repository holds more than one .onnx file",
			Destination: &onnxFilePath,
		},
	}),
	Action: func(ctx *cli.Context) error {
		setupLogging(ctx.App.ErrWriter)
		name := checkpoint
		if ctx.Args().Present() {
			name = ctx.Args().First()
		}
		if offline {
			return errors.New("download cannot run with --offline")
		}
		destination := modelsDir
		if destination == "" {
			destination = options.Defaults().HubOptions.ModelsDir
		}
		downloadOptions := vlm.NewDownloadOptions()
		downloadOptions.OnnxFilePath = onnxFilePath
		downloadOptions.Branch = branch
		downloadOptions.Verbose = verbose
		if authToken != "" {
			downloadOptions.AuthToken = authToken
		}
		path, err := vlm.DownloadModel(ctx.Context, name, destination, downloadOptions)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(ctx.App.Writer, path)
		return err
	},
}

// setupLogging writes human readable logs to a terminal and json lines otherwise.
func setupLogging(w io.Writer) {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	logger := log.Logger{
		Level:   level,
		Context: log.NewContext(nil).Str("run", uuid.NewString()).Value(),
		Writer:  &log.IOWriter{Writer: w},
	}
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		logger.Writer = &log.ConsoleWriter{Writer: w, ColorOutput: true, EndWithMessage: true}
	}
	log.DefaultLogger = logger
}

func sessionOptions() []options.WithOption {
	var opts []options.WithOption
	if sharedLibraryPath != "" {
		opts = append(opts, options.WithOnnxLibraryPath(sharedLibraryPath))
	}
	if genAILibraryPath != "" {
		opts = append(opts, options.WithGenAILibraryPath(genAILibraryPath))
	}
	if modelsDir != "" {
		opts = append(opts, options.WithModelsDir(modelsDir))
	}
	if authToken != "" {
		opts = append(opts, options.WithAuthToken(authToken))
	}
	if branch != "" {
		opts = append(opts, options.WithBranch(branch))
	}
	if offline {
		opts = append(opts, options.WithOffline())
	}
	return opts
}

func newSession() (*vlm.Session, error) {
	switch backend {
	case options.BackendORT:
		return vlm.NewORTSession(sessionOptions()...)
	case options.BackendGO:
		return vlm.NewGoSession(sessionOptions()...)
	}
	return nil, fmt.Errorf("backend %q not recognized, use %s or %s", backend, options.BackendORT, options.BackendGO)
}

// conversation is the message list of --messages, or one user turn built from --image and --question.
func conversation(ctx context.Context) ([]chat.Message, error) {
	if messagesPath != "" {
		return chat.LoadConversation(ctx, messagesPath)
	}
	var parts []chat.Part
	if imageURL != "" {
		parts = append(parts, chat.Image(imageURL))
	}
	parts = append(parts, chat.Text(question))
	messages := []chat.Message{chat.UserMessage(parts...)}
	return messages, chat.Validate(messages)
}

func withSession(ctx *cli.Context, run func(session *vlm.Session, messages []chat.Message) error) (err error) {
	setupLogging(ctx.App.ErrWriter)
	messages, err := conversation(ctx.Context)
	if err != nil {
		return err
	}
	session, err := newSession()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, session.Destroy())
	}()
	if err = run(session, messages); err != nil {
		return err
	}
	for _, line := range session.GetStats() {
		log.Debug().Msg(line)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func writeStream(w io.Writer, output *pipelines.ImageTextToTextOutput) error {
	for piece := range output.TextStream {
		if _, err := io.WriteString(w, piece); err != nil {
			return err
		}
	}
	var errs []error
	for err := range output.ErrorStream {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	_, err := fmt.Fprintln(w)
	return err
}

func newApp() *cli.App {
	return &cli.App{
		Name:     "vlm",
		Usage:    "Ask vision language models about images from the command line",
		Commands: []*cli.Command{generateCommand, pipelineCommand, downloadCommand},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Error().Err(err).Msg("vlm failed")
		os.Exit(1)
	}
}
