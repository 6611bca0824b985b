package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	NanoBananaName = "nanobanana"

	DefaultNanoBananaPrompt = "Transform this collage into a professional YouTube thumbnail cover. " +
		"Make it visually striking, modern, and optimized for video thumbnails. " +
		"Ensure high quality, attention-grabbing design with good contrast and readable text. " +
		"Maintain the key elements from the collage but enhance them professionally. " +
		"Use 16:9 aspect ratio suitable for YouTube thumbnails."
)

// NanoBananaConfig configures the kie.ai jobs API adapter.
type NanoBananaConfig struct {
	APIKey   string
	BaseURL  string
	Defaults Options
}

// NanoBanana submits image edit tasks to the kie.ai jobs API and polls
// them until they leave the waiting state.
type NanoBanana struct {
	cfg    NanoBananaConfig
	client *http.Client
}

func NewNanoBanana(cfg NanoBananaConfig, client *http.Client) *NanoBanana {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.kie.ai"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Defaults.Model == "" {
		cfg.Defaults.Model = "google/nano-banana-edit"
	}
	if cfg.Defaults.OutputFormat == "" {
		cfg.Defaults.OutputFormat = "png"
	}
	if cfg.Defaults.ImageSize == "" {
		cfg.Defaults.ImageSize = "16:9"
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &NanoBanana{cfg: cfg, client: client}
}

func (p *NanoBanana) Name() string { return NanoBananaName }

type nbCreateTaskRequest struct {
	Model       string  `json:"model"`
	CallBackURL string  `json:"callBackUrl,omitempty"`
	Input       nbInput `json:"input"`
}

type nbInput struct {
	Prompt       string   `json:"prompt"`
	ImageURLs    []string `json:"image_urls"`
	OutputFormat string   `json:"output_format,omitempty"`
	ImageSize    string   `json:"image_size,omitempty"`
}

type nbCreateTaskResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		TaskID string `json:"taskId"`
	} `json:"data"`
}

type nbRecordResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		TaskID     string `json:"taskId"`
		State      string `json:"state"`
		ResultJSON string `json:"resultJson"`
		FailCode   string `json:"failCode"`
		FailMsg    string `json:"failMsg"`
	} `json:"data"`
}

type nbResult struct {
	ResultURLs []string `json:"resultUrls"`
}

func (p *NanoBanana) Submit(ctx context.Context, req SubmitRequest) (Job, error) {
	opts := merge(req.Options, p.cfg.Defaults)
	prompt := req.Prompt
	if prompt == "" {
		prompt = DefaultNanoBananaPrompt
	}

	body, err := json.Marshal(nbCreateTaskRequest{
		Model:       opts.Model,
		CallBackURL: opts.CallbackURL,
		Input: nbInput{
			Prompt:       prompt,
			ImageURLs:    []string{req.ArtifactURL},
			OutputFormat: opts.OutputFormat,
			ImageSize:    opts.ImageSize,
		},
	})
	if err != nil {
		return Job{}, fmt.Errorf("marshaling task: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/api/v1/jobs/createTask", bytes.NewReader(body))
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
	if resp.StatusCode != http.StatusOK {
		return Job{}, p.error(kindForCode(resp.StatusCode), fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(raw)), nil)
	}

	var out nbCreateTaskResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Job{}, p.error(KindUnavailable, "decoding response", err)
	}
	if out.Code != http.StatusOK {
		return Job{}, p.error(kindForCode(out.Code), fmt.Sprintf("code %d: %s", out.Code, out.Msg), nil)
	}
	if out.Data.TaskID == "" {
		return Job{}, p.error(KindUnavailable, "no task id in response", nil)
	}

	return Job{ID: out.Data.TaskID, Status: JobStatus{State: StatePending}}, nil
}

func (p *NanoBanana) Poll(ctx context.Context, jobID string) (JobStatus, error) {
	u := p.cfg.BaseURL + "/api/v1/jobs/recordInfo?taskId=" + url.QueryEscape(jobID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return JobStatus{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return JobStatus{}, fmt.Errorf("polling task %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	var out nbRecordResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return JobStatus{}, fmt.Errorf("decoding task %s: %w", jobID, err)
	}

	// A well-formed error body is the provider's verdict, not a transient fault.
	if out.Code != http.StatusOK {
		return JobStatus{State: StateFailed, Reason: fmt.Sprintf("code %d: %s", out.Code, out.Msg)}, nil
	}

	switch out.Data.State {
	case "success":
		var res nbResult
		if out.Data.ResultJSON == "" {
			return JobStatus{State: StateFailed, Reason: "empty result"}, nil
		}
		if err := json.Unmarshal([]byte(out.Data.ResultJSON), &res); err != nil {
			return JobStatus{State: StateFailed, Reason: "malformed result: " + err.Error()}, nil
		}
		if len(res.ResultURLs) == 0 || res.ResultURLs[0] == "" {
			return JobStatus{State: StateFailed, Reason: "no result urls"}, nil
		}
		return JobStatus{State: StateSucceeded, ResultURL: res.ResultURLs[0]}, nil
	case "fail":
		msg := out.Data.FailMsg
		if msg == "" {
			msg = "unknown error"
		}
		if out.Data.FailCode != "" {
			msg += " (failCode: " + out.Data.FailCode + ")"
		}
		return JobStatus{State: StateFailed, Reason: msg}, nil
	default:
		return JobStatus{State: StatePending}, nil
	}
}

func (p *NanoBanana) error(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Provider: NanoBananaName, Message: msg, Err: err}
}

func merge(o, defaults Options) Options {
	if o.Model == "" {
		o.Model = defaults.Model
	}
	if o.OutputFormat == "" {
		o.OutputFormat = defaults.OutputFormat
	}
	if o.ImageSize == "" {
		o.ImageSize = defaults.ImageSize
	}
	if o.CallbackURL == "" {
		o.CallbackURL = defaults.CallbackURL
	}
	return o
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
