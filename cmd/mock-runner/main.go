// Package main implements a mock runner binary that speaks the coordinator's
// runner protocol over HTTP. It claims runs and completes them with a canned
// result, for rapid feature testing and e2e tests without a real executor.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/common/logger"
	"github.com/kestrelhq/kestrel/internal/coordinator/dto"
)

func main() {
	var (
		serverURL       = flag.String("server", "http://127.0.0.1:8080", "coordinator base URL")
		hostname        = flag.String("hostname", defaultHostname(), "advertised hostname")
		projectDir      = flag.String("project-dir", "/tmp/mock", "advertised project directory")
		executorProfile = flag.String("executor-profile", "mock", "advertised executor profile")
		capabilities    = flag.String("capabilities", "", "comma-separated capability tags")
		failRuns        = flag.Bool("fail", false, "fail every claimed run instead of completing it")
	)
	flag.Parse()

	log := logger.Default().WithFields(zap.String("component", "mock-runner"))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	r := &runner{
		client:  &http.Client{Timeout: 2 * time.Minute},
		baseURL: strings.TrimRight(*serverURL, "/"),
		log:     log,
		fail:    *failRuns,
	}

	var tags []string
	if *capabilities != "" {
		tags = strings.Split(*capabilities, ",")
	}
	reg, err := r.register(ctx, dto.RegisterRequest{
		Hostname:        *hostname,
		ProjectDir:      *projectDir,
		ExecutorProfile: *executorProfile,
		Capabilities:    tags,
	})
	if err != nil {
		log.Fatal("registration failed", zap.Error(err))
	}
	r.id = reg.RunnerID
	log.Info("registered", zap.String("runner_id", r.id))

	go r.heartbeatLoop(ctx, time.Duration(reg.HeartbeatIntervalSeconds)*time.Second)

	if err := r.pollLoop(ctx); err != nil && ctx.Err() == nil {
		log.Fatal("poll loop failed", zap.Error(err))
	}
}

func defaultHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "mock-runner"
	}
	return h
}

type runner struct {
	client  *http.Client
	baseURL string
	id      string
	log     *logger.Logger
	fail    bool
}

func (r *runner) register(ctx context.Context, req dto.RegisterRequest) (*dto.RegisterResponse, error) {
	var resp dto.RegisterResponse
	if err := r.post(ctx, "/runner/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (r *runner) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.post(ctx, "/runner/heartbeat", dto.HeartbeatRequest{RunnerID: r.id}, nil); err != nil {
				r.log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (r *runner) pollLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		work, status, err := r.getWork(ctx)
		if err != nil {
			r.log.Warn("poll failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		}
		if status == http.StatusNoContent {
			continue
		}

		if work.Deregistered {
			r.log.Info("deregistered by coordinator, exiting")
			return nil
		}
		for _, runID := range work.StopRuns {
			r.log.Info("acknowledging stop", zap.String("run_id", runID))
			_ = r.post(ctx, "/runner/runs/"+runID+"/stopped", dto.StoppedRequest{Signal: "SIGTERM"}, nil)
		}
		if work.Run != nil {
			r.execute(ctx, work)
		}
	}
}

func (r *runner) getWork(ctx context.Context) (*dto.WorkResponse, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.baseURL+"/runner/runs?runner_id="+r.id, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, resp.StatusCode, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("poll returned %d", resp.StatusCode)
	}
	var work dto.WorkResponse
	if err := json.NewDecoder(resp.Body).Decode(&work); err != nil {
		return nil, resp.StatusCode, err
	}
	return &work, resp.StatusCode, nil
}

// execute simulates an agent run: report started, then either echo the
// prompt back as the result or fail, depending on the -fail flag.
func (r *runner) execute(ctx context.Context, work *dto.WorkResponse) {
	run := work.Run
	r.log.Info("claimed run",
		zap.String("run_id", run.ID),
		zap.String("session_id", run.SessionID))

	if err := r.post(ctx, "/runner/runs/"+run.ID+"/started", struct{}{}, nil); err != nil {
		r.log.Warn("started report failed", zap.Error(err))
		return
	}

	if r.fail {
		_ = r.post(ctx, "/runner/runs/"+run.ID+"/failed", dto.FailedRequest{Error: "mock failure"}, nil)
		return
	}

	prompt, _ := run.Parameters["prompt"].(string)
	report := dto.CompletedRequest{
		ResultText:       "mock result for: " + prompt,
		ExecutorIdentity: "mock-" + r.id,
	}
	if err := r.post(ctx, "/runner/runs/"+run.ID+"/completed", report, nil); err != nil {
		r.log.Warn("completed report failed", zap.Error(err))
	}
}

func (r *runner) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s returned %d: %s %s", path, resp.StatusCode, apiErr.Error, apiErr.Message)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
