package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bulkbot/internal/config"
	"bulkbot/internal/job"
	"bulkbot/internal/queue"
	logx "bulkbot/pkg/logx"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func testConfig(dir string) string {
	return `{
  "http": {"addr": "127.0.0.1:0", "upload_dir": "` + filepath.ToSlash(filepath.Join(dir, "uploads")) + `"},
  "logging": {"level": "error", "console": true},
  "storage": {"driver": "file", "path": "` + filepath.ToSlash(filepath.Join(dir, "jobs.json")) + `"},
  "dispatch": {"driver": "console", "retries": 0},
  "delay": {"min": "0s", "max": "0s"},
  "runner": {"sweep_interval": "1s"}
}`
}

func TestAppRunsSubmittedJob(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, testConfig(dir))

	a, err := NewApp(cfgPath, config.Env{})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()

	if a.Addr() == "" {
		t.Fatal("http address not bound")
	}

	res, err := a.Jobs().Submit(ctx, queue.SubmitRequest{Items: []job.Item{
		{Phone: "0812-3456", Message: "hi"},
		{Phone: "", Message: "no phone"},
	}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := a.Jobs().Get(res.JobID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if j.Status == job.StatusFinished {
			if len(j.Results) != 2 {
				t.Fatalf("results = %+v", j.Results)
			}
			if j.Results[0].Status != job.ResultSent || j.Results[1].Status != job.ResultError {
				t.Fatalf("unexpected results %+v", j.Results)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job did not finish")
}

func TestJobsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, testConfig(dir))

	a, err := NewApp(cfgPath, config.Env{})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	// Submit without starting the runner: the job stays queued on disk.
	if err := a.reg.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	res, err := a.Jobs().Submit(context.Background(), queue.SubmitRequest{Items: []job.Item{{Phone: "1", Message: "x"}}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := a.store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = a.logs.Close()

	store, err := OpenStore(cfgPath, config.Env{}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()
	jobs, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != res.JobID || jobs[0].Status != job.StatusQueued {
		t.Fatalf("persisted jobs = %+v", jobs)
	}
}

func TestApplyConfigUpdatesDelay(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, testConfig(dir))

	a, err := NewApp(cfgPath, config.Env{})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer func() {
		_ = a.store.Close()
		_ = a.logs.Close()
	}()

	oldCfg := a.cfgm.Get()
	newCfg := *oldCfg
	newCfg.Delay = config.DelayConfig{Min: "1s", Max: "3s"}
	a.applyConfig(oldCfg, &newCfg)

	lo, hi := a.runner.Delay().Bounds()
	if lo != time.Second || hi != 3*time.Second {
		t.Fatalf("delay bounds = %v..%v", lo, hi)
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, `{"dispatch": {"driver": "carrier-pigeon"}}`)
	if _, err := NewApp(cfgPath, config.Env{}); err == nil {
		t.Fatal("expected config error")
	}
}
