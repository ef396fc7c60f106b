package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/phrazzld/synopsis/internal/config"
	"github.com/phrazzld/synopsis/internal/domain"
	"github.com/phrazzld/synopsis/internal/events"
	"github.com/phrazzld/synopsis/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(mode string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:            0,
			LogLevel:        "debug",
			Mode:            mode,
			ShutdownTimeout: 2 * time.Second,
			EventsHeartbeat: 50 * time.Millisecond,
		},
		Database: config.DatabaseConfig{Driver: "sqlite", URL: ":memory:"},
		Queue: config.QueueConfig{
			Backend:           "memory",
			Name:              "synopsis-test",
			Workers:           1,
			VisibilityTimeout: time.Minute,
			PollInterval:      10 * time.Millisecond,
			ReapInterval:      10 * time.Millisecond,
			MaxAttempts:       3,
			RetryBaseDelay:    10 * time.Millisecond,
		},
		LLM: config.LLMConfig{
			DefaultProvider: "openai",
			MaxRetries:      1,
			RetryBaseDelay:  time.Millisecond,
			CallTimeout:     time.Second,
			Concurrency:     1,
			OpenAIAPIKey:    "sk-test",
			OpenAIModel:     "gpt-4o-mini",
			OpenAIBaseURL:   "http://127.0.0.1:1",
		},
		Extraction: config.ExtractionConfig{
			HTTPTimeout: time.Second,
			MaxBytes:    1 << 20,
			S3Region:    "us-east-1",
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewApplication_Modes(t *testing.T) {
	tests := []struct {
		mode        string
		wantRouter  bool
		wantWorkers bool
	}{
		{modeAll, true, true},
		{modeAPI, true, false},
		{modeWorker, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			app, err := newApplication(context.Background(), testConfig(tt.mode), testLogger())
			require.NoError(t, err)
			t.Cleanup(app.cleanup)

			assert.Equal(t, tt.wantRouter, app.router != nil)
			assert.Equal(t, tt.wantWorkers, app.pool != nil)
			assert.Equal(t, tt.wantRouter, app.broadcaster != nil)
			assert.Nil(t, app.relay, "memory queue keeps events in process")
			assert.IsType(t, &queue.MemoryQueue{}, app.queue)
		})
	}
}

func TestNewApplication_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(modeAPI)
	cfg.Queue.Backend = "redis"
	cfg.Redis.Addr = mr.Addr()
	cfg.Server.SubmitRateCapacity = 5
	cfg.Server.SubmitRateRefill = 1

	app, err := newApplication(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(app.cleanup)

	require.NotNil(t, app.redis)
	assert.NotNil(t, app.relay)
	assert.Same(t, app.relay, app.publisher)
	assert.IsType(t, &queue.RedisQueue{}, app.queue)
}

func TestNewApplication_Errors(t *testing.T) {
	t.Run("unreachable redis", func(t *testing.T) {
		cfg := testConfig(modeAll)
		cfg.Queue.Backend = "redis"
		cfg.Redis.Addr = "127.0.0.1:1"

		_, err := newApplication(context.Background(), cfg, testLogger())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis")
	})

	t.Run("default provider without key", func(t *testing.T) {
		cfg := testConfig(modeWorker)
		cfg.LLM.DefaultProvider = "gemini"

		_, err := newApplication(context.Background(), cfg, testLogger())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "provider")
	})

	t.Run("missing templates dir", func(t *testing.T) {
		cfg := testConfig(modeAPI)
		cfg.LLM.TemplatesDir = t.TempDir() + "/absent"

		_, err := newApplication(context.Background(), cfg, testLogger())
		require.Error(t, err)
	})
}

func TestApplication_SubmitAndCancel(t *testing.T) {
	app, err := newApplication(context.Background(), testConfig(modeAPI), testLogger())
	require.NoError(t, err)
	t.Cleanup(app.cleanup)

	srv := httptest.NewServer(app.router)
	t.Cleanup(srv.Close)

	body, err := json.Marshal(map[string]any{
		"sourceRef":   "text:Go is an open source programming language.",
		"templateIds": []string{"summary", "keypoints"},
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted struct {
		JobID  string           `json:"jobId"`
		Status domain.JobStatus `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	assert.Equal(t, domain.JobStatusPending, accepted.Status)

	stats, err := app.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Ready)

	cancelResp, err := http.Post(srv.URL+"/jobs/"+accepted.JobID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	_ = cancelResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, cancelResp.StatusCode)

	getResp, err := http.Get(srv.URL + "/jobs/" + accepted.JobID)
	require.NoError(t, err)
	defer func() { _ = getResp.Body.Close() }()
	var view struct {
		Job struct {
			Status domain.JobStatus `json:"status"`
		} `json:"job"`
	}
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&view))
	assert.Equal(t, domain.JobStatusFailed, view.Job.Status)

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	_ = health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestApplication_ServeShutsDownOnCancel(t *testing.T) {
	app, err := newApplication(context.Background(), testConfig(modeAPI), testLogger())
	require.NoError(t, err)
	t.Cleanup(app.cleanup)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.serve(ctx, listener) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + listener.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestSetupEvents_PublishReachesBroadcaster(t *testing.T) {
	app, err := newApplication(context.Background(), testConfig(modeAll), testLogger())
	require.NoError(t, err)
	t.Cleanup(app.cleanup)

	job, err := domain.NewJob("text:x", domain.JobMetadata{TemplateIDs: []string{"summary"}})
	require.NoError(t, err)

	obs := events.NewChannelObserver(4)
	app.broadcaster.Subscribe(job.ID, obs)
	app.publisher.Publish(context.Background(), events.Progress(job.ID, domain.StageQueued, 0, "queued"))

	select {
	case e := <-obs.Events():
		assert.Equal(t, job.ID, e.JobID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestApplication_SubmitUnknownProvider(t *testing.T) {
	app, err := newApplication(context.Background(), testConfig(modeAPI), testLogger())
	require.NoError(t, err)
	t.Cleanup(app.cleanup)

	srv := httptest.NewServer(app.router)
	t.Cleanup(srv.Close)

	body, err := json.Marshal(map[string]any{
		"sourceRef":   "text:hello",
		"templateIds": []string{"summary"},
		"provider":    "nope",
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	stats, err := app.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Ready)
}

func TestApplication_ServesDeadLetters(t *testing.T) {
	app, err := newApplication(context.Background(), testConfig(modeAPI), testLogger())
	require.NoError(t, err)
	t.Cleanup(app.cleanup)

	srv := httptest.NewServer(app.router)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/queue/dead-letters")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		DeadLetters []json.RawMessage `json:"deadLetters"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Empty(t, body.DeadLetters)
}
