// Package supervisor spawns and tracks agent server subprocesses: port
// allocation, readiness, liveness reconciliation, and teardown.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	basePort          = 9000
	healthTimeout     = 500 * time.Millisecond
	readinessInterval = 200 * time.Millisecond
	readinessAttempts = 30
)

const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// AgentInfo is the public view of one managed agent.
type AgentInfo struct {
	ID          string `json:"id"`
	Port        int    `json:"port"`
	PID         int    `json:"pid,omitempty"`
	Status      string `json:"status"`
	CreatedAtMs int64  `json:"createdAtMs"`
	Dir         string `json:"dir"`
}

// meta is the persisted per-agent metadata.
type meta struct {
	CreatedAt int64 `json:"createdAt"`
	Port      int   `json:"port"`
}

type agentRecord struct {
	info AgentInfo
	proc *os.Process
}

// SpawnOptions configure a new agent server process.
type SpawnOptions struct {
	Provider string
	Model    string
	APIKey   string
}

// Supervisor owns the agents directory and the processes started from it.
type Supervisor struct {
	mu     sync.Mutex
	agents map[string]*agentRecord

	dataDir   string
	agentsDir string

	portMu   sync.Mutex // serializes allocation so concurrent spawns never race
	nextPort int

	client *http.Client

	// exePath is the binary re-invoked as "agent-server". Defaults to the
	// current executable.
	exePath string
}

// New creates a supervisor over dataDir and reconciles with whatever is
// already on disk.
func New(dataDir string) (*Supervisor, error) {
	agentsDir := filepath.Join(dataDir, "agents")
	if err := os.MkdirAll(agentsDir, 0o755); err != nil {
		return nil, fmt.Errorf("supervisor: create agents dir: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("supervisor: resolve executable: %w", err)
	}

	s := &Supervisor{
		agents:    make(map[string]*agentRecord),
		dataDir:   dataDir,
		agentsDir: agentsDir,
		nextPort:  basePort,
		client:    &http.Client{Timeout: healthTimeout},
		exePath:   exe,
	}
	if err := s.reconcile(); err != nil {
		return nil, err
	}
	return s, nil
}

// reconcile rebuilds agent records from disk and verifies claimed liveness:
// a recorded pid must both answer signal 0 and serve /health on its port.
func (s *Supervisor) reconcile() error {
	entries, err := os.ReadDir(s.agentsDir)
	if err != nil {
		return fmt.Errorf("supervisor: read agents dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		dir := filepath.Join(s.agentsDir, id)

		m, err := readMeta(dir)
		if err != nil {
			slog.Warn("skipping agent with unreadable meta", "id", id, "error", err)
			continue
		}

		rec := &agentRecord{info: AgentInfo{
			ID:          id,
			Port:        m.Port,
			Status:      StatusStopped,
			CreatedAtMs: m.CreatedAt,
			Dir:         dir,
		}}

		pid, hasPid := readPidFile(dir)
		if hasPid && pidAlive(pid) && s.healthOK(m.Port) {
			rec.info.Status = StatusRunning
			rec.info.PID = pid
			if proc, err := os.FindProcess(pid); err == nil {
				rec.proc = proc
			}
		} else if hasPid {
			// Stale pid file from a crashed or replaced process.
			os.Remove(filepath.Join(dir, "server.pid"))
		}

		s.agents[id] = rec
		if m.Port >= s.nextPort {
			s.nextPort = m.Port + 1
		}
		slog.Debug("reconciled agent", "id", id, "status", rec.info.Status, "port", m.Port)
	}
	return nil
}

// allocatePort returns a free port, preferring preferred when it is free.
// Free means /health does not answer within the probe timeout. Allocations
// are strictly serialized.
func (s *Supervisor) allocatePort(preferred int) int {
	s.portMu.Lock()
	defer s.portMu.Unlock()

	if preferred > 0 && !s.healthOK(preferred) {
		if preferred >= s.nextPort {
			s.nextPort = preferred + 1
		}
		return preferred
	}

	for {
		port := s.nextPort
		s.nextPort++
		if !s.healthOK(port) {
			return port
		}
	}
}

func (s *Supervisor) healthOK(port int) bool {
	resp, err := s.client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Get returns the info for one agent.
func (s *Supervisor) Get(id string) (AgentInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[id]
	if !ok {
		return AgentInfo{}, false
	}
	return rec.info, true
}

// List refreshes every agent's status via /health and returns the result.
func (s *Supervisor) List() []AgentInfo {
	s.mu.Lock()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	infos := make([]AgentInfo, 0, len(ids))
	for _, id := range ids {
		s.mu.Lock()
		rec, ok := s.agents[id]
		if !ok {
			s.mu.Unlock()
			continue
		}
		if rec.info.Status == StatusRunning && !s.healthOK(rec.info.Port) {
			rec.info.Status = StatusStopped
			rec.info.PID = 0
			rec.proc = nil
		}
		infos = append(infos, rec.info)
		s.mu.Unlock()
	}
	return infos
}

// Close asks every running agent to stop and waits briefly.
func (s *Supervisor) Close() {
	s.mu.Lock()
	var running []AgentInfo
	for _, rec := range s.agents {
		if rec.info.Status == StatusRunning {
			running = append(running, rec.info)
		}
	}
	s.mu.Unlock()

	for _, info := range running {
		url := fmt.Sprintf("http://127.0.0.1:%d/stop", info.Port)
		if _, err := s.client.Post(url, "application/json", nil); err != nil {
			slog.Debug("stop request failed", "id", info.ID, "error", err)
		}
	}
	if len(running) > 0 {
		time.Sleep(200 * time.Millisecond)
	}

	s.mu.Lock()
	for _, rec := range s.agents {
		rec.info.Status = StatusStopped
		rec.info.PID = 0
		rec.proc = nil
	}
	s.mu.Unlock()
}

func (s *Supervisor) agentDir(id string) string {
	return filepath.Join(s.agentsDir, id)
}

func readMeta(dir string) (meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return meta{}, err
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return meta{}, err
	}
	return m, nil
}

func writeMeta(dir string, m meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, "meta.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, "meta.json"))
}

func readPidFile(dir string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "server.pid"))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// pidAlive sends signal 0 to check process existence.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// waitReady polls /health until it answers or attempts run out.
func (s *Supervisor) waitReady(ctx context.Context, port int) bool {
	for i := 0; i < readinessAttempts; i++ {
		if ctx.Err() != nil {
			return false
		}
		if s.healthOK(port) {
			return true
		}
		time.Sleep(readinessInterval)
	}
	return false
}
