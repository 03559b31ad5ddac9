package tts

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/iago/aischool-back/internal/domain"
	"github.com/iago/aischool-back/internal/limiter"
)

const DefaultBaseURL = "https://texttospeech.googleapis.com/v1"

var ErrUnavailable = errors.New("tts api key not configured")

type GoogleConfig struct {
	APIKey       string
	BaseURL      string
	LanguageCode string
	Voice        string
	Gender       string
	SpeakingRate float64
	Timeout      time.Duration
	Gate         *limiter.Gate
}

// GoogleClient calls the Cloud Text-to-Speech synthesize endpoint and returns MP3 bytes.
type GoogleClient struct {
	apiKey string
	voice  voiceSelection
	audio  audioConfig
	http   *resty.Client
	gate   *limiter.Gate
}

type voiceSelection struct {
	LanguageCode string `json:"languageCode"`
	Name         string `json:"name"`
	SSMLGender   string `json:"ssmlGender"`
}

type audioConfig struct {
	AudioEncoding string  `json:"audioEncoding"`
	SpeakingRate  float64 `json:"speakingRate"`
	Pitch         float64 `json:"pitch"`
	VolumeGainDb  float64 `json:"volumeGainDb"`
}

type synthesizeRequest struct {
	Input struct {
		Text string `json:"text"`
	} `json:"input"`
	Voice       voiceSelection `json:"voice"`
	AudioConfig audioConfig    `json:"audioConfig"`
}

type synthesizeResponse struct {
	AudioContent string `json:"audioContent"`
}

func NewGoogleClient(config GoogleConfig) *GoogleClient {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.LanguageCode == "" {
		config.LanguageCode = "en-US"
	}
	if config.Voice == "" {
		config.Voice = "en-US-Journey-F"
	}
	if config.Gender == "" {
		config.Gender = "FEMALE"
	}
	if config.SpeakingRate <= 0 {
		config.SpeakingRate = 0.95
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	return &GoogleClient{
		apiKey: strings.TrimSpace(config.APIKey),
		voice: voiceSelection{
			LanguageCode: config.LanguageCode,
			Name:         config.Voice,
			SSMLGender:   config.Gender,
		},
		audio: audioConfig{
			AudioEncoding: "MP3",
			SpeakingRate:  config.SpeakingRate,
		},
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(config.BaseURL, "/")).
			SetTimeout(config.Timeout).
			SetHeader("Content-Type", "application/json"),
		gate: config.Gate,
	}
}

func (c *GoogleClient) Available() bool {
	return c.apiKey != ""
}

// Synthesize performs one gated call. Transport failures, 429, 5xx and empty
// audio come back tagged with domain.ErrTransient.
func (c *GoogleClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if !c.Available() {
		return nil, ErrUnavailable
	}

	var request synthesizeRequest
	request.Input.Text = text
	request.Voice = c.voice
	request.AudioConfig = c.audio

	var (
		response synthesizeResponse
		callErr  error
	)
	gateErr := c.gate.Do(ctx, func(ctx context.Context) error {
		httpResponse, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("key", c.apiKey).
			SetBody(request).
			SetResult(&response).
			Post("/text:synthesize")
		if err != nil {
			if ctx.Err() != nil {
				callErr = ctx.Err()
				return nil
			}
			callErr = fmt.Errorf("%w: tts transport error: %w", domain.ErrTransient, err)
			return nil
		}
		if httpResponse.IsError() {
			callErr = statusError(httpResponse.StatusCode(), httpResponse.String())
		}
		return nil
	})
	if gateErr != nil {
		return nil, gateErr
	}
	if callErr != nil {
		return nil, callErr
	}

	if response.AudioContent == "" {
		return nil, fmt.Errorf("%w: tts response without audio", domain.ErrTransient)
	}
	audio, err := base64.StdEncoding.DecodeString(response.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("%w: decode tts audio: %w", domain.ErrTransient, err)
	}
	return audio, nil
}

func statusError(status int, body string) error {
	message := strings.TrimSpace(body)
	if len(message) > 500 {
		message = message[:500]
	}
	err := fmt.Errorf("tts status %d: %s", status, message)
	if status == http.StatusTooManyRequests || status >= 500 {
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	return err
}
