package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/iago/aischool-back/internal/domain"
	"github.com/iago/aischool-back/internal/limiter"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

var ErrUnavailable = errors.New("gemini api key not configured")

type ClientConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	// Gate is shared by every caller of the same provider.
	Gate *limiter.Gate
}

// Client speaks the generateContent REST endpoint. It does not retry; callers
// wrap it with the retry primitive so each stage keeps its own budget.
type Client struct {
	apiKey string
	http   *resty.Client
	gate   *limiter.Gate
}

func NewClient(config ClientConfig) *Client {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimSuffix(config.BaseURL, "/")).
		SetTimeout(config.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		apiKey: strings.TrimSpace(config.APIKey),
		http:   httpClient,
		gate:   config.Gate,
	}
}

func (c *Client) Available() bool {
	return c.apiKey != ""
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature        float64  `json:"temperature,omitempty"`
	TopP               float64  `json:"topP,omitempty"`
	MaxOutputTokens    int      `json:"maxOutputTokens,omitempty"`
	ResponseMimeType   string   `json:"responseMimeType,omitempty"`
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// parts returns the parts of the first candidate.
func (r *generateResponse) parts() []part {
	if r == nil || len(r.Candidates) == 0 {
		return nil
	}
	return r.Candidates[0].Content.Parts
}

func (r *generateResponse) text() string {
	fragments := make([]string, 0, 1)
	for _, p := range r.parts() {
		if strings.TrimSpace(p.Text) != "" {
			fragments = append(fragments, p.Text)
		}
	}
	return strings.TrimSpace(strings.Join(fragments, ""))
}

func userPrompt(prompt string) []content {
	return []content{{Role: "user", Parts: []part{{Text: prompt}}}}
}

// generate performs one gated call. Transport failures, 429 and 5xx come back
// tagged with domain.ErrTransient.
func (c *Client) generate(ctx context.Context, model string, request generateRequest) (*generateResponse, error) {
	if !c.Available() {
		return nil, ErrUnavailable
	}

	var (
		response generateResponse
		callErr  error
	)
	gateErr := c.gate.Do(ctx, func(ctx context.Context) error {
		httpResponse, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("key", c.apiKey).
			SetBody(request).
			SetResult(&response).
			Post("/models/" + model + ":generateContent")
		if err != nil {
			if ctx.Err() != nil {
				callErr = ctx.Err()
				return nil
			}
			callErr = fmt.Errorf("%w: gemini transport error: %w", domain.ErrTransient, err)
			return nil
		}
		if httpResponse.IsError() {
			callErr = newProviderHTTPError(httpResponse.StatusCode(), httpResponse.String())
		}
		return nil
	})
	if gateErr != nil {
		return nil, gateErr
	}
	if callErr != nil {
		return nil, callErr
	}
	return &response, nil
}

const maxProviderMessage = 700

type providerHTTPError struct {
	StatusCode int
	Message    string
}

func newProviderHTTPError(status int, body string) *providerHTTPError {
	message := strings.TrimSpace(body)
	if len(message) > maxProviderMessage {
		cut := maxProviderMessage
		for cut > 0 && !utf8.RuneStart(message[cut]) {
			cut--
		}
		message = message[:cut]
	}
	return &providerHTTPError{StatusCode: status, Message: message}
}

func (e *providerHTTPError) Error() string {
	return fmt.Sprintf("gemini status %d: %s", e.StatusCode, e.Message)
}

// Is makes rate limiting and server errors retryable.
func (e *providerHTTPError) Is(target error) bool {
	if target != domain.ErrTransient {
		return false
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
