package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Spawn starts (or returns) the agent server for id. The API key travels
// over the child's stdin, never on the command line or in its environment.
func (s *Supervisor) Spawn(ctx context.Context, id string, opts SpawnOptions) (AgentInfo, error) {
	s.mu.Lock()
	if rec, ok := s.agents[id]; ok && rec.info.Status == StatusRunning {
		info := rec.info
		s.mu.Unlock()
		return info, nil
	}
	s.mu.Unlock()

	dir := s.agentDir(id)
	for _, sub := range []string{"workspace", "sessions", "memory"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return AgentInfo{}, fmt.Errorf("supervisor: create %s dir: %w", sub, err)
		}
	}

	// Reuse a previously recorded port when possible so restarts keep
	// stable addresses.
	preferred := 0
	createdAt := time.Now().UnixMilli()
	if m, err := readMeta(dir); err == nil {
		preferred = m.Port
		createdAt = m.CreatedAt
	}
	port := s.allocatePort(preferred)

	cmd := exec.Command(s.exePath, "agent-server",
		"--id", id,
		"--port", fmt.Sprintf("%d", port),
		"--data-dir", dir,
		"--provider", opts.Provider,
		"--model", opts.Model,
	)
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr // crashes stay visible

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return AgentInfo{}, fmt.Errorf("supervisor: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return AgentInfo{}, fmt.Errorf("supervisor: start agent server: %w", err)
	}

	if _, err := io.WriteString(stdin, opts.APIKey+"\n"); err != nil {
		slog.Warn("api key handoff failed", "id", id, "error", err)
	}
	stdin.Close()

	slog.Info("agent server starting", "id", id, "port", port, "pid", cmd.Process.Pid)

	if !s.waitReady(ctx, port) {
		cmd.Process.Kill()
		cmd.Wait()
		return AgentInfo{}, fmt.Errorf("supervisor: agent %s not ready on port %d", id, port)
	}

	// Reap the child when it exits so it never lingers as a zombie.
	go cmd.Wait()

	if err := writeMeta(dir, meta{CreatedAt: createdAt, Port: port}); err != nil {
		return AgentInfo{}, fmt.Errorf("supervisor: write meta: %w", err)
	}

	info := AgentInfo{
		ID:          id,
		Port:        port,
		PID:         cmd.Process.Pid,
		Status:      StatusRunning,
		CreatedAtMs: createdAt,
		Dir:         dir,
	}

	s.mu.Lock()
	s.agents[id] = &agentRecord{info: info, proc: cmd.Process}
	s.mu.Unlock()

	return info, nil
}
