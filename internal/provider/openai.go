package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	OpenAIName = "openai"

	DefaultOpenAIPrompt = "Create a professional YouTube thumbnail cover based on this collage. " +
		"Make it visually appealing, modern, and optimized for video thumbnails. " +
		"Ensure high quality and attention-grabbing design."
)

type OpenAIConfig struct {
	APIKey   string
	BaseURL  string
	Defaults Options
}

// OpenAI calls the images generation endpoint, which answers synchronously.
// The staged artifact is not sent: the endpoint generates from the prompt.
type OpenAI struct {
	cfg    OpenAIConfig
	client *http.Client
}

func NewOpenAI(cfg OpenAIConfig, client *http.Client) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Defaults.Model == "" {
		cfg.Defaults.Model = "dall-e-3"
	}
	if cfg.Defaults.ImageSize == "" {
		cfg.Defaults.ImageSize = "1024x1024"
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &OpenAI{cfg: cfg, client: client}
}

func (p *OpenAI) Name() string { return OpenAIName }

type openAIRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

type openAIResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

func (p *OpenAI) Submit(ctx context.Context, req SubmitRequest) (Job, error) {
	opts := merge(req.Options, p.cfg.Defaults)
	prompt := req.Prompt
	if prompt == "" {
		prompt = DefaultOpenAIPrompt
	}

	body, err := json.Marshal(openAIRequest{
		Model:  opts.Model,
		Prompt: prompt,
		N:      1,
		Size:   opts.ImageSize,
	})
	if err != nil {
		return Job{}, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/images/generations", bytes.NewReader(body))
	if err != nil {
		return Job{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Job{}, p.error(KindUnavailable, "sending request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Job{}, p.error(KindUnavailable, "reading response", err)
	}

	var out openAIResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(raw))
		if decodeErr == nil && out.Error != nil {
			msg = fmt.Sprintf("status %d: %s", resp.StatusCode, out.Error.Message)
		}
		return Job{}, p.error(kindForCode(resp.StatusCode), msg, nil)
	}
	if decodeErr != nil {
		return Job{}, p.error(KindUnavailable, "decoding response", decodeErr)
	}

	id := "openai-" + uuid.New().String()
	if out.Error != nil {
		return Job{ID: id, Status: JobStatus{State: StateFailed, Reason: out.Error.Message}}, nil
	}
	if len(out.Data) == 0 || out.Data[0].URL == "" {
		return Job{ID: id, Status: JobStatus{State: StateFailed, Reason: "no image url in response"}}, nil
	}
	return Job{ID: id, Status: JobStatus{State: StateSucceeded, ResultURL: out.Data[0].URL}}, nil
}

func (p *OpenAI) Poll(context.Context, string) (JobStatus, error) {
	return JobStatus{}, ErrNoPoll
}

func (p *OpenAI) error(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Provider: OpenAIName, Message: msg, Err: err}
}
