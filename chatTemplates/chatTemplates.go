package chatTemplates

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/knights-analytics/vlm/chat"
)

var FuncMap = template.FuncMap{
	"trim": func(s string) string {
		return strings.TrimSpace(s)
	},
}

// RenderInput is the data a chat template is executed with.
type RenderInput struct {
	Messages            []chat.Message
	AddGenerationPrompt bool
	BosToken            string
	EosToken            string
}

// Family groups checkpoints that share a chat template and image placeholder convention.
type Family struct {
	Name     string
	Template string
	// ImagePlaceholder is the token the template emits once per image; the processor expands it
	// to the number of image tokens the vision encoder produces.
	ImagePlaceholder string
	// ImageToken is repeated once per image embedding.
	ImageToken string
	// ImagePrefix and ImageSuffix wrap the expanded image tokens.
	ImagePrefix string
	ImageSuffix string
}

// GemmaTemplate renders Gemma 3 conversations. A leading system turn is folded into the first user turn.
const GemmaTemplate = `
{{- .BosToken -}}
{{- $firstUserPrefix := "" -}}
{{- $loopMessages := .Messages -}}
{{- if and .Messages (eq (index .Messages 0).Role "system") -}}
    {{- $firstUserPrefix = printf "%s\n\n" ((index .Messages 0).TextContent | trim) -}}
    {{- $loopMessages = slice .Messages 1 -}}
{{- end -}}
{{- range $index, $message := $loopMessages -}}
    {{- $role := $message.Role -}}
    {{- if eq $message.Role "assistant" -}}
        {{- $role = "model" -}}
    {{- end -}}
<start_of_turn>{{$role}}
{{ if eq $index 0 }}{{$firstUserPrefix}}{{- end -}}
    {{- range $message.Content -}}
        {{- if eq .Type "image" -}}
<start_of_image>
        {{- else if eq .Type "text" -}}
{{- .Text | trim -}}
        {{- end -}}
    {{- end -}}
<end_of_turn>
{{ end -}}
{{- if .AddGenerationPrompt -}}
<start_of_turn>model
{{ end -}}`

// Qwen3VLTemplate renders Qwen3-VL conversations. Each message is wrapped as
// <|im_start|>{role}\n{content}<|im_end|>\n and images become a vision block.
const Qwen3VLTemplate = `
{{- range $message := .Messages -}}
<|im_start|>{{ $message.Role }}
{{ range $message.Content -}}
    {{- if eq .Type "image" -}}<|vision_start|><|image_pad|><|vision_end|>
    {{- else if eq .Type "text" -}}{{ .Text }}
    {{- end -}}
{{- end -}}
<|im_end|>
{{ end -}}
{{- if .AddGenerationPrompt -}}
<|im_start|>assistant
{{ end -}}`

// Qwen2VLTemplate is the Qwen2-VL and Qwen2.5-VL variant, which injects a default system prompt.
const Qwen2VLTemplate = `
{{- if or (not .Messages) (ne (index .Messages 0).Role "system") -}}
<|im_start|>system
You are a helpful assistant.<|im_end|>
{{ end -}}
` + Qwen3VLTemplate

var families = map[string]Family{
	"qwen2_vl": {
		Name:             "qwen2_vl",
		Template:         Qwen2VLTemplate,
		ImagePlaceholder: "<|image_pad|>",
		ImageToken:       "<|image_pad|>",
	},
	"qwen2_5_vl": {
		Name:             "qwen2_vl",
		Template:         Qwen2VLTemplate,
		ImagePlaceholder: "<|image_pad|>",
		ImageToken:       "<|image_pad|>",
	},
	"qwen3_vl": {
		Name:             "qwen3_vl",
		Template:         Qwen3VLTemplate,
		ImagePlaceholder: "<|image_pad|>",
		ImageToken:       "<|image_pad|>",
	},
	"qwen3_vl_moe": {
		Name:             "qwen3_vl",
		Template:         Qwen3VLTemplate,
		ImagePlaceholder: "<|image_pad|>",
		ImageToken:       "<|image_pad|>",
	},
	"gemma3": {
		Name:             "gemma3",
		Template:         GemmaTemplate,
		ImagePlaceholder: "<start_of_image>",
		ImageToken:       "<image_soft_token>",
		ImagePrefix:      "\n\n<start_of_image>",
		ImageSuffix:      "<end_of_image>\n\n",
	},
}

// ForModelType returns the family for a config.json model_type.
func ForModelType(modelType string) (Family, error) {
	family, ok := families[modelType]
	if !ok {
		return Family{}, fmt.Errorf("model type %q has no chat template", modelType)
	}
	return family, nil
}

// Parse compiles a chat template with the shared function map.
func Parse(name string, text string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap).Parse(text)
}

// Render executes tmpl for the given conversation.
func Render(tmpl *template.Template, input RenderInput) (string, error) {
	var sb strings.Builder
	if err := tmpl.Execute(&sb, input); err != nil {
		return "", fmt.Errorf("rendering chat template: %w", err)
	}
	return sb.String(), nil
}
