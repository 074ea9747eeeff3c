// Package pool maintains long-lived warm subprocesses keyed by bundle
// digest, with LRU eviction and strictly serialised per-process access.
package pool

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine/rpc"
)

// terminateGrace is how long a child gets to exit after SIGTERM before it
// is killed.
const terminateGrace = 5 * time.Second

// ReadyInfo is the child's response to the initial ready call.
type ReadyInfo struct {
	Ready        bool   `json:"ready"`
	BundleDigest string `json:"bundle_digest"`
	Python       string `json:"python"`
	PID          int    `json:"pid"`
	Venv         string `json:"venv"`
}

// WarmProcess owns one child subprocess bound to a bundle digest: the OS
// process handle, a JSON-RPC client on its stdio, and the access mutex.
//
// The mutex is critical. The child's stdio is a shared, non-thread-safe
// resource: interleaved writes from concurrent callers corrupt frame
// boundaries and desync the process irrecoverably. All calls go through
// Call, which holds the mutex for the full request/response round-trip.
type WarmProcess struct {
	Digest string

	cmd      *exec.Cmd
	client   *rpc.Client
	useCount int

	mu sync.Mutex // serialises JSON-RPC access

	waitDone chan struct{}
}

// IsAlive reports whether the child process is still running.
func (p *WarmProcess) IsAlive() bool {
	select {
	case <-p.waitDone:
		return false
	default:
		return true
	}
}

// UseCount returns how many times the process has been handed out.
func (p *WarmProcess) UseCount() int { return p.useCount }

// Call performs one JSON-RPC round-trip under the access mutex: exactly one
// request/response completes before the next begins.
func (p *WarmProcess) Call(method string, params any, timeout time.Duration, out any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client.Call(method, params, timeout, out)
}

// Terminate asks the child to exit, escalating from SIGTERM to SIGKILL
// after the grace window.
func (p *WarmProcess) Terminate() {
	if !p.IsAlive() {
		return
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logrus.Debugf("signalling process for %s: %v", p.Digest[:12], err)
	}
	select {
	case <-p.waitDone:
	case <-time.After(terminateGrace):
		logrus.Warnf("process for %s ignored SIGTERM, killing", p.Digest[:12])
		_ = p.cmd.Process.Kill()
		<-p.waitDone
	}
}

// Spawn starts a single unpooled process. Used by the cold executor, which
// pays the spawn cost on every task in exchange for maximum isolation.
func Spawn(cfg Config, digest, bundlePath string) (*WarmProcess, error) {
	return spawnProcess(cfg, digest, bundlePath)
}

// spawnProcess starts the runner under the bundle's venv interpreter,
// binds a JSON-RPC client to its stdio, and validates it with a ready call.
func spawnProcess(cfg Config, digest, bundlePath string) (*WarmProcess, error) {
	venvPath := filepath.Join(cfg.VenvsDir, digest)
	python, err := ensureVenv(cfg, venvPath)
	if err != nil {
		return nil, err
	}
	runnerPath, err := ensureRunnerScript(cfg.VenvsDir)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(python, runnerPath,
		"--bundle-path", bundlePath,
		"--venv-path", venvPath,
		"--bundle-digest", digest,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting runner for %s: %w", digest[:12], err)
	}

	// Forward child logging to our own logger so install/discovery progress
	// is visible in the worker's output.
	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			logrus.Debugf("[runner %s] %s", digest[:12], scanner.Text())
		}
	}()

	p := &WarmProcess{
		Digest:   digest,
		cmd:      cmd,
		client:   rpc.NewClient(stdin, stdout),
		waitDone: make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(p.waitDone)
	}()

	var info ReadyInfo
	if err := p.Call("ready", map[string]any{}, cfg.SpawnTimeout, &info); err != nil {
		p.Terminate()
		return nil, fmt.Errorf("initializing process for %s: %w", digest[:12], err)
	}
	if !info.Ready {
		p.Terminate()
		return nil, fmt.Errorf("process for %s reported not ready", digest[:12])
	}
	logrus.Infof("warm process ready for bundle %s (pid %d)", digest[:12], info.PID)
	return p, nil
}

// ensureVenv creates (or, with ForceFreshVenv, recreates) the per-digest
// virtualenv and returns its interpreter path.
func ensureVenv(cfg Config, venvPath string) (string, error) {
	python := filepath.Join(venvPath, "bin", "python")
	if cfg.ForceFreshVenv {
		if err := os.RemoveAll(venvPath); err != nil {
			return "", fmt.Errorf("removing stale venv: %w", err)
		}
	}
	if _, err := os.Stat(python); err == nil {
		return python, nil
	}
	if err := os.MkdirAll(filepath.Dir(venvPath), 0o755); err != nil {
		return "", fmt.Errorf("creating venvs dir: %w", err)
	}
	logrus.Infof("creating venv at %s", venvPath)
	out, err := exec.Command(cfg.PythonBin, "-m", "venv", venvPath).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("creating venv: %w (%s)", err, out)
	}
	return python, nil
}

// ensureRunnerScript materialises the embedded runner next to the venvs.
// The temp-file + rename makes concurrent spawners safe: readers only ever
// see a complete script.
func ensureRunnerScript(venvsDir string) (string, error) {
	path := filepath.Join(venvsDir, "runner.py")
	if err := os.MkdirAll(venvsDir, 0o755); err != nil {
		return "", fmt.Errorf("creating venvs dir: %w", err)
	}
	tmp, err := os.CreateTemp(venvsDir, ".runner.py.*")
	if err != nil {
		return "", fmt.Errorf("materializing runner script: %w", err)
	}
	if _, err := tmp.Write(runnerScript); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("materializing runner script: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("materializing runner script: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("materializing runner script: %w", err)
	}
	return path, nil
}
