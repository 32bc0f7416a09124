// internal/planner/client.go
package planner

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/okibara/wayfind/api/schemas"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// ModelConfig configures one Gemini account and model pair. Endpoint
// overrides exist for tests; left empty they derive from the model names.
type ModelConfig struct {
	APIKey        string
	Model         string
	EmbedModel    string
	Endpoint      string
	EmbedEndpoint string
	APITimeout    time.Duration
	Temperature   float32
	TopP          float32
	TopK          int
	MaxTokens     int
	SafetyFilters map[string]string
	// RequestsPerMinute throttles every call through this client across
	// all sessions sharing it; zero disables the limiter.
	RequestsPerMinute int
}

const (
	generateEndpointFormat = "https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent"
	embedEndpointFormat    = "https://generativelanguage.googleapis.com/v1beta/models/%s:embedContent"
	defaultEmbedModel      = "text-embedding-004"
	defaultAPITimeout      = 60 * time.Second
)

// -- Gemini wire structures --

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiSystemInstruction struct {
	Parts []geminiPart `json:"parts"`
}

type geminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
	TopP             float32 `json:"topP,omitempty"`
	TopK             int     `json:"topK,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent          `json:"contents"`
	SystemInstruction *geminiSystemInstruction `json:"system_instruction,omitempty"`
	SafetySettings    []geminiSafetySetting    `json:"safetySettings,omitempty"`
	GenerationConfig  geminiGenerationConfig   `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type embedRequest struct {
	Model    string        `json:"model"`
	Content  geminiContent `json:"content"`
	TaskType string        `json:"taskType,omitempty"`
}

type embedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

// GoogleClient talks to the Gemini REST API: generateContent for vision
// decisions and embedContent for similarity vectors. It satisfies
// TextClient and schemas.Embedder.
type GoogleClient struct {
	apiKey        string
	endpoint      string
	embedEndpoint string
	embedModel    string
	httpClient    *http.Client
	limiter       *rate.Limiter
	log           *zap.Logger
	config        ModelConfig

	// backoffFactory builds the retry policy per call; tests inject a
	// fast one.
	backoffFactory func() backoff.BackOff
}

var (
	_ TextClient       = (*GoogleClient)(nil)
	_ schemas.Embedder = (*GoogleClient)(nil)
)

// NewGoogleClient initializes the client.
func NewGoogleClient(cfg ModelConfig, logger *zap.Logger) (*GoogleClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("gemini model name is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf(generateEndpointFormat, cfg.Model)
	}
	embedModel := cfg.EmbedModel
	if embedModel == "" {
		embedModel = defaultEmbedModel
	}
	embedEndpoint := cfg.EmbedEndpoint
	if embedEndpoint == "" {
		embedEndpoint = fmt.Sprintf(embedEndpointFormat, embedModel)
	}
	timeout := cfg.APITimeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}

	return &GoogleClient{
		apiKey:         cfg.APIKey,
		endpoint:       endpoint,
		embedEndpoint:  embedEndpoint,
		embedModel:     embedModel,
		config:         cfg,
		httpClient:     &http.Client{Timeout: timeout},
		limiter:        limiter,
		log:            logger.Named("planner.gemini"),
		backoffFactory: defaultBackoffFactory,
	}, nil
}

func defaultBackoffFactory() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second
	return b
}

// Generate sends one vision prompt to the generateContent endpoint,
// retrying transient failures with exponential backoff.
func (c *GoogleClient) Generate(ctx context.Context, req Request) (string, error) {
	body, err := jsonAPI.Marshal(c.buildGeneratePayload(req))
	if err != nil {
		return "", fmt.Errorf("marshal generate payload: %w", err)
	}

	var text string
	err = c.post(ctx, c.endpoint, body, func(respBody []byte, took time.Duration) error {
		var payload geminiResponse
		if err := jsonAPI.Unmarshal(respBody, &payload); err != nil {
			return backoff.Permanent(fmt.Errorf("decode generate response: %w", err))
		}
		if len(payload.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini returned no candidates"))
		}
		cand := payload.Candidates[0]
		if len(cand.Content.Parts) == 0 {
			switch cand.FinishReason {
			case "SAFETY", "BLOCKLIST", "PROHIBITED_CONTENT":
				return backoff.Permanent(fmt.Errorf("gemini blocked the request (reason: %s)", cand.FinishReason))
			}
			return fmt.Errorf("gemini returned empty content (reason: %s)", cand.FinishReason)
		}

		c.log.Info("Planner generation complete",
			zap.Duration("duration", took),
			zap.String("tier", string(req.Tier)),
			zap.Int("prompt_tokens", payload.UsageMetadata.PromptTokenCount),
			zap.Int("completion_tokens", payload.UsageMetadata.CandidatesTokenCount),
		)
		text = cand.Content.Parts[0].Text
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// Embed produces a similarity vector for the text via embedContent.
func (c *GoogleClient) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := jsonAPI.Marshal(embedRequest{
		Model:    "models/" + c.embedModel,
		Content:  geminiContent{Parts: []geminiPart{{Text: text}}},
		TaskType: "SEMANTIC_SIMILARITY",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed payload: %w", err)
	}

	var vec []float32
	err = c.post(ctx, c.embedEndpoint, body, func(respBody []byte, took time.Duration) error {
		var payload embedResponse
		if err := jsonAPI.Unmarshal(respBody, &payload); err != nil {
			return backoff.Permanent(fmt.Errorf("decode embed response: %w", err))
		}
		if len(payload.Embedding.Values) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini returned an empty embedding"))
		}
		c.log.Debug("Embedding complete",
			zap.Duration("duration", took),
			zap.Int("dims", len(payload.Embedding.Values)),
		)
		vec = payload.Embedding.Values
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

// post runs one throttled, retried round trip against the API. decode
// classifies the 200 body; non-200 statuses go through apiError.
func (c *GoogleClient) post(ctx context.Context, endpoint string, body []byte, decode func(respBody []byte, took time.Duration) error) error {
	operation := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", c.apiKey)

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		took := time.Since(start)
		if err != nil {
			c.log.Warn("Network error calling Gemini, retrying", zap.Error(err))
			return fmt.Errorf("execute request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return c.apiError(resp.StatusCode, respBody)
		}
		return decode(respBody, took)
	}
	return backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx))
}

// apiError keeps 429/500/503 retryable and everything else permanent.
func (c *GoogleClient) apiError(status int, body []byte) error {
	c.log.Error("Gemini API returned error status",
		zap.Int("status", status),
		zap.String("response", string(body)),
	)
	err := fmt.Errorf("gemini API error: status %d, body: %s", status, body)
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err
	default:
		return backoff.Permanent(err)
	}
}

func (c *GoogleClient) buildGeneratePayload(req Request) geminiRequest {
	temp := req.Temperature
	if temp == 0 {
		temp = c.config.Temperature
	}
	genCfg := geminiGenerationConfig{
		Temperature:     float64(temp),
		TopP:            c.config.TopP,
		TopK:            c.config.TopK,
		MaxOutputTokens: c.config.MaxTokens,
	}
	if req.ForceJSON {
		genCfg.ResponseMimeType = "application/json"
	}

	parts := []geminiPart{{Text: req.UserPrompt}}
	if len(req.ImagePNG) > 0 {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: "image/png",
			Data:     base64.StdEncoding.EncodeToString(req.ImagePNG),
		}})
	}

	payload := geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: genCfg,
		SafetySettings:   c.safetySettings(),
	}
	if req.SystemPrompt != "" {
		payload.SystemInstruction = &geminiSystemInstruction{
			Parts: []geminiPart{{Text: req.SystemPrompt}},
		}
	}
	return payload
}

func (c *GoogleClient) safetySettings() []geminiSafetySetting {
	if len(c.config.SafetyFilters) == 0 {
		return nil
	}
	settings := make([]geminiSafetySetting, 0, len(c.config.SafetyFilters))
	for category, threshold := range c.config.SafetyFilters {
		// Viper lowercases map keys on the way in; the API wants its enum
		// names uppercase.
		settings = append(settings, geminiSafetySetting{
			Category:  strings.ToUpper(category),
			Threshold: strings.ToUpper(threshold),
		})
	}
	return settings
}
