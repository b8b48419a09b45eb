// Package agentserver implements the Agent Server Handle component (C4): a
// pooled handle to an external agent-server process, health-checked by
// pidfile (spec.md §4.4).
package agentserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/bus"
	"github.com/kandev/ralph/internal/common/logger"
)

// ErrHandleNotHealthy is returned when a freshly-spawned process never
// becomes healthy within the configured poll budget.
var ErrHandleNotHealthy = errors.New("agentserver: process did not become healthy")

// Config controls how handles are acquired.
type Config struct {
	Prefix       string        // root directory; pidfiles live at <Prefix>/run/<name>.json
	BinaryPath   string        // agent-server executable
	HealthPollEvery time.Duration
	HealthMaxPolls  int
	HealthTimeout   time.Duration
}

func (c Config) pollEvery() time.Duration {
	if c.HealthPollEvery > 0 {
		return c.HealthPollEvery
	}
	return 500 * time.Millisecond
}

func (c Config) maxPolls() int {
	if c.HealthMaxPolls > 0 {
		return c.HealthMaxPolls
	}
	return 30
}

func (c Config) healthTimeout() time.Duration {
	if c.HealthTimeout > 0 {
		return c.HealthTimeout
	}
	return 2 * time.Second
}

// pidfileRecord is the on-disk shape of <prefix>/run/<name>.json.
type pidfileRecord struct {
	PID          int    `json:"pid"`
	Port         int    `json:"port"`
	HealthURL    string `json:"healthUrl"`
	BaseURL      string `json:"baseUrl"`
	WorkspaceDir string `json:"workspaceDir"`
}

// Handle is a live reference to an agent-server process. Two handles are
// created per run — one for the worker, one for the boss — so their
// sessions can proceed without cross-cancellation (spec.md §4.4).
type Handle struct {
	cfg      Config
	log      *logger.Logger
	name     string
	pidPath  string
	cmd      *exec.Cmd
	record   pidfileRecord
	killedMu chan struct{}
}

// BaseURL returns the HTTP base URL of the agent-server this handle owns.
func (h *Handle) BaseURL() string { return h.record.BaseURL }

// Acquire reuses a healthy process recorded in the pidfile for name, or
// spawns a fresh one if the pidfile is absent, stale, or unhealthy
// (spec.md §4.4). pub receives server.ready once the process backing the
// returned Handle is confirmed healthy; it may be nil.
func Acquire(ctx context.Context, cfg Config, name, workspaceDir string, pub bus.Publisher, log *logger.Logger) (*Handle, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "agent-server-handle"), zap.String("name", name))

	pidPath := filepath.Join(cfg.Prefix, "run", name+".json")

	if rec, ok := readPidfile(pidPath); ok && processAlive(rec.PID) {
		if healthOK(ctx, rec.HealthURL, cfg.healthTimeout()) {
			log.Info("reusing healthy agent-server process", zap.Int("pid", rec.PID))
			publishServerReady(ctx, pub, name, rec.BaseURL)
			return &Handle{cfg: cfg, log: log, name: name, pidPath: pidPath, record: rec, killedMu: make(chan struct{})}, nil
		}
		log.Warn("pidfile process unhealthy, killing stale process", zap.Int("pid", rec.PID))
		killPID(rec.PID)
	}
	_ = os.Remove(pidPath)

	return spawn(ctx, cfg, name, pidPath, workspaceDir, pub, log)
}

func spawn(ctx context.Context, cfg Config, name, pidPath, workspaceDir string, pub bus.Publisher, log *logger.Logger) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(pidPath), 0o755); err != nil {
		return nil, fmt.Errorf("agentserver: create run dir: %w", err)
	}

	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("agentserver: allocate port: %w", err)
	}
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	healthURL := baseURL + "/health"

	cmd := exec.Command(cfg.BinaryPath, "--port", fmt.Sprint(port), "--workspace", workspaceDir)
	cmd.Dir = workspaceDir
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agentserver: spawn process: %w", err)
	}

	log.Info("spawned agent-server process", zap.Int("pid", cmd.Process.Pid), zap.Int("port", port))

	if !waitHealthy(ctx, healthURL, cfg.pollEvery(), cfg.maxPolls()) {
		_ = cmd.Process.Kill()
		return nil, ErrHandleNotHealthy
	}

	rec := pidfileRecord{PID: cmd.Process.Pid, Port: port, HealthURL: healthURL, BaseURL: baseURL, WorkspaceDir: workspaceDir}
	if err := writePidfile(pidPath, rec); err != nil {
		log.Warn("failed to persist pidfile", zap.Error(err))
	}

	publishServerReady(ctx, pub, name, baseURL)

	return &Handle{cfg: cfg, log: log, name: name, pidPath: pidPath, cmd: cmd, record: rec, killedMu: make(chan struct{})}, nil
}

func publishServerReady(ctx context.Context, pub bus.Publisher, name, baseURL string) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, bus.TagServerReady, map[string]any{"name": name, "baseUrl": baseURL})
}

// Kill terminates the underlying process and removes the pidfile. Kill is
// idempotent: calling it more than once is a no-op after the first call.
func (h *Handle) Kill() {
	select {
	case <-h.killedMu:
		return
	default:
	}
	close(h.killedMu)

	if h.cmd != nil && h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	} else {
		killPID(h.record.PID)
	}
	_ = os.Remove(h.pidPath)
	h.log.Info("agent-server handle killed", zap.Int("pid", h.record.PID))
}

func readPidfile(path string) (pidfileRecord, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pidfileRecord{}, false
	}
	var rec pidfileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return pidfileRecord{}, false
	}
	return rec, true
}

func writePidfile(path string, rec pidfileRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func killPID(pid int) {
	if pid <= 0 {
		return
	}
	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Kill()
	}
}

func healthOK(ctx context.Context, url string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func waitHealthy(ctx context.Context, url string, every time.Duration, maxPolls int) bool {
	for i := 0; i < maxPolls; i++ {
		if healthOK(ctx, url, every) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(every):
		}
	}
	return false
}
