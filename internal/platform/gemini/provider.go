package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/phrazzld/synopsis/internal/generation"
	"google.golang.org/genai"
)

// Name is the provider name jobs use to select Gemini.
const Name = "gemini"

// contentGenerator is the slice of the genai client the provider uses.
type contentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Provider implements generation.Provider on the Gemini API.
type Provider struct {
	models contentGenerator
	model  string
	logger *slog.Logger
}

var _ generation.Provider = (*Provider)(nil)

// NewProvider creates a Gemini client for apiKey and model.
func NewProvider(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}
	if model == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", generation.ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", generation.ErrInvalidConfig, err)
	}

	return newProvider(client.Models, model, logger), nil
}

func newProvider(models contentGenerator, model string, logger *slog.Logger) *Provider {
	return &Provider{
		models: models,
		model:  model,
		logger: logger.With("component", "gemini", "model", model),
	}
}

// Name implements generation.Provider.
func (p *Provider) Name() string {
	return Name
}

// Complete sends one prompt to Gemini.
func (p *Provider) Complete(ctx context.Context, req generation.Request) generation.Result {
	start := time.Now()

	var cfg *genai.GenerateContentConfig
	if req.JSONOutput {
		cfg = &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}
	}

	resp, err := p.models.GenerateContent(ctx, p.model, genai.Text(req.Prompt), cfg)
	if err != nil {
		p.logger.WarnContext(ctx, "Gemini API call error",
			"template_id", req.TemplateID,
			"elapsed_ms", time.Since(start).Milliseconds(),
			"error", err)
		return generation.Classify(classifyError(err))
	}

	text, err := responseText(resp)
	if err != nil {
		p.logger.WarnContext(ctx, "Gemini response rejected",
			"template_id", req.TemplateID,
			"error", err)
		return generation.Rejected{Err: err}
	}

	var tokens int
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	p.logger.DebugContext(ctx, "Gemini API call successful",
		"template_id", req.TemplateID,
		"tokens", tokens,
		"elapsed_ms", time.Since(start).Milliseconds())
	return generation.Success{Content: text, TokensUsed: tokens}
}

// responseText joins the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("%w: nil response", generation.ErrInvalidResponse)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("%w: prompt blocked (%s)", generation.ErrContentBlocked, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no content generated", generation.ErrInvalidResponse)
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("%w: content blocked by safety filters", generation.ErrContentBlocked)
	}
	if candidate.Content == nil {
		return "", fmt.Errorf("%w: empty content in response", generation.ErrInvalidResponse)
	}

	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", fmt.Errorf("%w: empty text in response", generation.ErrInvalidResponse)
	}
	return b.String(), nil
}

// classifyError wraps a client error in the generation sentinel that
// decides how the orchestrator treats it.
func classifyError(err error) error {
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		apiErr = *apiErrPtr
	default:
		return fmt.Errorf("%w: %v", generation.ErrTransient, err)
	}

	switch {
	case apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED":
		return fmt.Errorf("%w: %v", generation.ErrQuotaExceeded, err)
	case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
		return fmt.Errorf("%w: %v", generation.ErrProviderAuth, err)
	case apiErr.Code == http.StatusNotFound:
		return fmt.Errorf("%w: model not found: %v", generation.ErrInvalidConfig, err)
	case apiErr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "api key"):
		return fmt.Errorf("%w: %v", generation.ErrProviderAuth, err)
	case apiErr.Code == http.StatusBadRequest:
		return fmt.Errorf("%w: %v", generation.ErrInvalidResponse, err)
	default:
		return fmt.Errorf("%w: %v", generation.ErrTransient, err)
	}
}
