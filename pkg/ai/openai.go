package ai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ProviderAzure targets an Azure OpenAI deployment.
	ProviderAzure = "azure"
	// ProviderOpenAI targets the public OpenAI API or any compatible endpoint.
	ProviderOpenAI = "openai"
)

var tokenUsage = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "grachalle",
	Subsystem: "ai",
	Name:      "tokens_total",
	Help:      "Tokens consumed by chat completion requests",
}, []string{"model", "kind"})

// ErrAPIKeyRequired indicates the backend credential is missing.
var ErrAPIKeyRequired = errors.New("openai api key is required")

// ErrEmptyCompletion indicates the backend answered without any choice.
var ErrEmptyCompletion = errors.New("no choices returned from openai")

// OpenAIConfig defines configuration options for the chat completion backend.
type OpenAIConfig struct {
	Provider   string
	Endpoint   string
	APIKey     string
	Model      string
	APIVersion string
	MaxTokens  int
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// OpenAICompleter implements Completer against the (Azure) OpenAI chat completion API.
type OpenAICompleter struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAICompleter builds a completer using the provided configuration.
func NewOpenAICompleter(cfg OpenAIConfig) (*OpenAICompleter, error) {
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyRequired
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	var config openai.ClientConfig
	switch provider {
	case ProviderAzure:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("azure openai endpoint is required")
		}
		config = openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
		if cfg.APIVersion != "" {
			config.APIVersion = cfg.APIVersion
		}
		// Deployment names are used verbatim.
		config.AzureModelMapperFunc = func(model string) string { return model }
	case ProviderOpenAI, "":
		config = openai.DefaultConfig(cfg.APIKey)
		if cfg.Endpoint != "" {
			config.BaseURL = strings.TrimRight(cfg.Endpoint, "/")
		}
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.Provider)
	}

	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	} else {
		config.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &OpenAICompleter{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/grachalle-go-api/pkg/ai/openai"),
		logger: logger.With().Str("component", "openai_completer").Logger(),
	}, nil
}

// Complete sends a system+user exchange constrained to the request schema.
func (e *OpenAICompleter) Complete(parent context.Context, req CompletionRequest) (string, error) {
	ctx, span := e.tracer.Start(parent, "openai.complete", trace.WithAttributes(
		attribute.String("model", e.cfg.Model),
		attribute.String("schema", req.SchemaName),
	))
	defer span.End()

	request := openai.ChatCompletionRequest{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: samplingTemperature(req.Temperature),
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: req.SystemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: req.UserContent,
			},
		},
		ResponseFormat: responseFormat(req),
	}

	resp, err := e.client.CreateChatCompletion(ctx, request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("openai complete: %w", err)
	}

	tokenUsage.WithLabelValues(e.cfg.Model, "prompt").Add(float64(resp.Usage.PromptTokens))
	tokenUsage.WithLabelValues(e.cfg.Model, "completion").Add(float64(resp.Usage.CompletionTokens))

	if len(resp.Choices) == 0 {
		span.RecordError(ErrEmptyCompletion)
		span.SetStatus(codes.Error, ErrEmptyCompletion.Error())
		return "", ErrEmptyCompletion
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	e.logger.Debug().
		Str("schema", req.SchemaName).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Msg("chat completion received")

	return content, nil
}

// go-openai drops a zero temperature from the payload, which makes the API fall back to
// its default sampling; the smallest positive float keeps decoding deterministic.
func samplingTemperature(t float32) float32 {
	if t <= 0 {
		return math.SmallestNonzeroFloat32
	}
	return t
}

func responseFormat(req CompletionRequest) *openai.ChatCompletionResponseFormat {
	if req.Schema == nil {
		return &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	name := req.SchemaName
	if name == "" {
		name = "response"
	}

	return &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   name,
			Schema: req.Schema,
			Strict: false,
		},
	}
}
