package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNanoBananaServer(t *testing.T, h http.HandlerFunc) *NanoBanana {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewNanoBanana(NanoBananaConfig{APIKey: "nb-key", BaseURL: srv.URL}, srv.Client())
}

func TestNanoBanana_Submit(t *testing.T) {
	var got nbCreateTaskRequest
	p := newNanoBananaServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/jobs/createTask", r.URL.Path)
		assert.Equal(t, "Bearer nb-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":"task-1"}}`))
	})

	job, err := p.Submit(context.Background(), SubmitRequest{ArtifactURL: "https://covers.example.com/api/image/a.png"})
	require.NoError(t, err)
	assert.Equal(t, "task-1", job.ID)
	assert.Equal(t, StatePending, job.Status.State)

	assert.Equal(t, "google/nano-banana-edit", got.Model)
	assert.Equal(t, DefaultNanoBananaPrompt, got.Input.Prompt)
	assert.Equal(t, []string{"https://covers.example.com/api/image/a.png"}, got.Input.ImageURLs)
	assert.Equal(t, "png", got.Input.OutputFormat)
	assert.Equal(t, "16:9", got.Input.ImageSize)
}

func TestNanoBanana_SubmitOptionsOverrideDefaults(t *testing.T) {
	var got nbCreateTaskRequest
	p := newNanoBananaServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"code":200,"data":{"taskId":"task-2"}}`))
	})

	_, err := p.Submit(context.Background(), SubmitRequest{
		ArtifactURL: "u",
		Prompt:      "make it blue",
		Options:     Options{ImageSize: "1:1", OutputFormat: "jpeg"},
	})
	require.NoError(t, err)
	assert.Equal(t, "make it blue", got.Input.Prompt)
	assert.Equal(t, "1:1", got.Input.ImageSize)
	assert.Equal(t, "jpeg", got.Input.OutputFormat)
}

func TestNanoBanana_SubmitErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   ErrorKind
	}{
		{"http 401", http.StatusUnauthorized, `{}`, KindAuthFailed},
		{"http 402", http.StatusPaymentRequired, `{}`, KindInsufficientBalance},
		{"http 429", http.StatusTooManyRequests, `{}`, KindRateLimited},
		{"http 503", http.StatusServiceUnavailable, `oops`, KindUnavailable},
		{"code 400", http.StatusOK, `{"code":400,"msg":"bad"}`, KindInvalidInput},
		{"code 401", http.StatusOK, `{"code":401,"msg":"no"}`, KindAuthFailed},
		{"code 402", http.StatusOK, `{"code":402,"msg":"broke"}`, KindInsufficientBalance},
		{"code 422", http.StatusOK, `{"code":422,"msg":"invalid"}`, KindInvalidInput},
		{"code 429", http.StatusOK, `{"code":429,"msg":"slow down"}`, KindRateLimited},
		{"code 500", http.StatusOK, `{"code":500,"msg":"boom"}`, KindUnavailable},
		{"missing task id", http.StatusOK, `{"code":200,"data":{}}`, KindUnavailable},
		{"garbage", http.StatusOK, `not json`, KindUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newNanoBananaServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})

			_, err := p.Submit(context.Background(), SubmitRequest{ArtifactURL: "u"})
			var perr *Error
			require.True(t, errors.As(err, &perr), "expected *Error, got %v", err)
			assert.Equal(t, tc.kind, perr.Kind)
			assert.Equal(t, NanoBananaName, perr.Provider)
		})
	}
}

func TestNanoBanana_Poll(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		want   JobStatus
		errors bool
	}{
		{
			name: "waiting",
			body: `{"code":200,"data":{"taskId":"t","state":"waiting"}}`,
			want: JobStatus{State: StatePending},
		},
		{
			name: "success",
			body: `{"code":200,"data":{"taskId":"t","state":"success","resultJson":"{\"resultUrls\":[\"https://cdn.example.com/out.png\"]}"}}`,
			want: JobStatus{State: StateSucceeded, ResultURL: "https://cdn.example.com/out.png"},
		},
		{
			name: "success without urls",
			body: `{"code":200,"data":{"state":"success","resultJson":"{\"resultUrls\":[]}"}}`,
			want: JobStatus{State: StateFailed, Reason: "no result urls"},
		},
		{
			name: "fail",
			body: `{"code":200,"data":{"state":"fail","failCode":"E1","failMsg":"nsfw"}}`,
			want: JobStatus{State: StateFailed, Reason: "nsfw (failCode: E1)"},
		},
		{
			name: "fail without message",
			body: `{"code":200,"data":{"state":"fail"}}`,
			want: JobStatus{State: StateFailed, Reason: "unknown error"},
		},
		{
			name: "error code",
			body: `{"code":404,"msg":"task not found"}`,
			want: JobStatus{State: StateFailed, Reason: "code 404: task not found"},
		},
		{
			name:   "undecodable body",
			body:   `<html>`,
			errors: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newNanoBananaServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v1/jobs/recordInfo", r.URL.Path)
				assert.Equal(t, "task 1", r.URL.Query().Get("taskId"))
				w.Write([]byte(tc.body))
			})

			got, err := p.Poll(context.Background(), "task 1")
			if tc.errors {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNanoBanana_PollTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	p := NewNanoBanana(NanoBananaConfig{APIKey: "k", BaseURL: srv.URL}, nil)

	_, err := p.Poll(context.Background(), "t")
	assert.Error(t, err)
}
