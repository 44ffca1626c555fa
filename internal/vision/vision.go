// Package vision wraps a hosted multimodal model for plant photo
// classification.
//
// Classification is an advisory enrichment, not a gate on core functionality:
// the wrapper degrades to a safe-default verdict on any failure instead of
// propagating errors upward. The only path that can cause a caller to reject
// an image is an explicit not-a-plant judgment from a successful call.
package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/xeipuuv/gojsonschema"

	"github.com/plantmap/PlantPipe/internal/models"
)

// DefaultModel is the multimodal model used for image classification.
const DefaultModel = openai.ChatModelGPT4o

// Confidence labels attached to verdicts.
const (
	// ConfidenceUnverified marks a degraded verdict produced while the
	// classification service is administratively blocked.
	ConfidenceUnverified = "unverified"
	// ConfidenceUnknown marks a degraded verdict produced on any other
	// classifier failure.
	ConfidenceUnknown = "unknown"
	// ConfidenceHigh is the default label for a successful verdict that
	// carries no model-reported confidence.
	ConfidenceHigh = "high"
)

// Degraded verdict descriptions surfaced in the saved record.
const (
	descriptionBlocked = "AI analysis currently unavailable - image saved"
	descriptionFailed  = "AI analysis failed - image saved without classification"
)

// instructionPrompt is the fixed instruction sent with every image. The model
// must answer with a single JSON object matching verdictSchema.
const instructionPrompt = `You are a botanical photo classifier. Examine the attached photo and respond with a single JSON object, no prose, matching exactly this shape:
{
  "is_plant": boolean,
  "description": string,
  "close_up": boolean,
  "distance_shot": boolean,
  "plant_type": string,
  "type_confidence": string,
  "health": string,
  "notable_features": string
}
Rules: "close_up" is true when the photo shows plant detail sufficient to describe type, health, and features. "distance_shot" is true when the photo shows the plant's surroundings and location context. At most one of the two may be true. When the subject is not a plant, set "is_plant" to false and describe what the photo actually shows.`

// verdictSchema validates the model's JSON output at the boundary before it
// is decoded, so a malformed answer degrades instead of half-populating a
// verdict.
const verdictSchema = `{
  "type": "object",
  "required": ["is_plant", "description"],
  "properties": {
    "is_plant": {"type": "boolean"},
    "description": {"type": "string"},
    "close_up": {"type": "boolean"},
    "distance_shot": {"type": "boolean"},
    "plant_type": {"type": "string"},
    "type_confidence": {"type": "string"},
    "health": {"type": "string"},
    "notable_features": {"type": "string"}
  }
}`

// completeFunc issues one multimodal completion and returns the raw text
// answer. Split out so tests can substitute the remote call.
type completeFunc func(ctx context.Context, prompt, imageDataURL string) (string, error)

// Opts holds configuration options for the classifier.
type Opts struct {
	APIKey  string
	Model   openai.ChatModel
	BaseURL string
}

// Option defines a configuration option for the classifier.
type Option func(*Opts)

// WithAPIKey sets the API key for the hosted model.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithModel overrides the multimodal model.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = openai.ChatModel(model)
	}
}

// WithBaseURL overrides the API endpoint (for proxies and tests).
func WithBaseURL(baseURL string) Option {
	return func(o *Opts) {
		o.BaseURL = baseURL
	}
}

// Classifier wraps the hosted multimodal model call. AnalyzeImage never
// returns an error; every failure resolves to a degraded verdict.
type Classifier struct {
	complete completeFunc
}

// NewClassifier creates a classifier backed by the OpenAI chat completion API.
func NewClassifier(opts ...Option) (*Classifier, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Vision NewClassifier options set", "apiKey_set", cfg.APIKey != "", "model", cfg.Model, "baseURL_set", cfg.BaseURL != "")

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("vision API key not set")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(clientOpts...)

	complete := func(ctx context.Context, prompt, imageDataURL string) (string, error) {
		resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model: model,
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
					openai.TextContentPart(prompt),
					openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: imageDataURL}),
				}),
			},
		})
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("no choices returned")
		}
		return resp.Choices[0].Message.Content, nil
	}

	return &Classifier{complete: complete}, nil
}

// newClassifierWithCompleteFunc builds a classifier around an arbitrary
// completion function. Used by tests.
func newClassifierWithCompleteFunc(complete completeFunc) *Classifier {
	return &Classifier{complete: complete}
}

// AnalyzeImage classifies raw image bytes and returns a best-effort verdict.
// It never returns nil and never fails: remote or parse failures produce a
// degraded verdict that treats the subject as a plant so the user's workflow
// is not blocked on classifier availability.
func (c *Classifier) AnalyzeImage(ctx context.Context, data []byte) *models.ImageAnalysis {
	slog.Debug("Vision AnalyzeImage invoked", "size", len(data))

	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)
	raw, err := c.complete(ctx, instructionPrompt, dataURL)
	if err != nil {
		if isBlockedErr(err) {
			slog.Warn("Vision AnalyzeImage service blocked, returning unverified verdict", "error", err)
			return degradedVerdict(ConfidenceUnverified, descriptionBlocked)
		}
		slog.Error("Vision AnalyzeImage remote call failed, returning unknown verdict", "error", err)
		return degradedVerdict(ConfidenceUnknown, descriptionFailed)
	}

	verdict, err := parseVerdict(raw)
	if err != nil {
		slog.Error("Vision AnalyzeImage response did not match expected shape", "error", err)
		return degradedVerdict(ConfidenceUnknown, descriptionFailed)
	}

	if !verdict.IsPlant {
		slog.Info("Vision AnalyzeImage judged subject not a plant", "description", verdict.Description)
	} else {
		slog.Info("Vision AnalyzeImage succeeded", "closeUp", verdict.CloseUp, "distanceShot", verdict.DistanceShot, "plantType", verdict.PlantType)
	}
	return verdict
}

// degradedVerdict builds the safe-default verdict substituted on failure.
func degradedVerdict(confidence, description string) *models.ImageAnalysis {
	return &models.ImageAnalysis{
		IsPlant:     true,
		Description: description,
		Confidence:  confidence,
		Degraded:    true,
	}
}

// isBlockedErr reports whether the remote call failed because the service or
// API key is administratively blocked rather than transiently unavailable.
func isBlockedErr(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 401 || apiErr.StatusCode == 403 {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blocked") || strings.Contains(msg, "suspended") || strings.Contains(msg, "deactivated")
}

// rawVerdict mirrors the JSON shape demanded from the model.
type rawVerdict struct {
	IsPlant         bool   `json:"is_plant"`
	Description     string `json:"description"`
	CloseUp         bool   `json:"close_up"`
	DistanceShot    bool   `json:"distance_shot"`
	PlantType       string `json:"plant_type"`
	TypeConfidence  string `json:"type_confidence"`
	Health          string `json:"health"`
	NotableFeatures string `json:"notable_features"`
}

// parseVerdict strips any markdown code-fence wrapping, validates the JSON
// against the expected schema, and decodes it into a verdict.
func parseVerdict(raw string) (*models.ImageAnalysis, error) {
	doc := stripCodeFences(raw)
	if doc == "" {
		return nil, fmt.Errorf("empty classifier response")
	}

	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(verdictSchema), gojsonschema.NewStringLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to validate classifier response: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, fmt.Errorf("classifier response failed schema validation: %s", strings.Join(problems, "; "))
	}

	var rv rawVerdict
	if err := json.Unmarshal([]byte(doc), &rv); err != nil {
		return nil, fmt.Errorf("failed to decode classifier response: %w", err)
	}

	verdict := &models.ImageAnalysis{
		IsPlant:         rv.IsPlant,
		Description:     rv.Description,
		CloseUp:         rv.CloseUp,
		DistanceShot:    rv.DistanceShot,
		PlantType:       rv.PlantType,
		TypeConfidence:  rv.TypeConfidence,
		Health:          rv.Health,
		NotableFeatures: rv.NotableFeatures,
		Confidence:      rv.TypeConfidence,
	}
	if verdict.Confidence == "" {
		verdict.Confidence = ConfidenceHigh
	}
	return verdict, nil
}

// stripCodeFences removes markdown code-fence wrapping (```json ... ```)
// from the raw model response.
func stripCodeFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop a language tag such as "json" on the opening fence line.
	if idx := strings.Index(s, "\n"); idx != -1 {
		firstLine := strings.TrimSpace(s[:idx])
		if firstLine == "" || !strings.ContainsAny(firstLine, "{}") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
