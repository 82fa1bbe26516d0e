package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/tinycrab/pkg/protocol"
)

// Chat forwards a message to the agent's /chat endpoint.
func (s *Supervisor) Chat(ctx context.Context, id, message, sessionID string) (protocol.ChatResponse, error) {
	info, ok := s.Get(id)
	if !ok {
		return protocol.ChatResponse{}, fmt.Errorf("supervisor: agent %s not found", id)
	}
	if info.Status != StatusRunning {
		return protocol.ChatResponse{}, fmt.Errorf("supervisor: agent %s is not running", id)
	}

	body, err := json.Marshal(protocol.ChatRequest{Message: message, SessionID: sessionID})
	if err != nil {
		return protocol.ChatResponse{}, err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/chat", info.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return protocol.ChatResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	// Chat turns can be long; do not inherit the health probe timeout.
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return protocol.ChatResponse{}, fmt.Errorf("supervisor: chat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr protocol.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return protocol.ChatResponse{}, fmt.Errorf("supervisor: chat: %s", apiErr.Error)
	}

	var chat protocol.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return protocol.ChatResponse{}, fmt.Errorf("supervisor: decode chat response: %w", err)
	}
	return chat, nil
}

// Status pings the agent's /health endpoint and updates the record.
func (s *Supervisor) Status(id string) (AgentInfo, error) {
	s.mu.Lock()
	rec, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return AgentInfo{}, fmt.Errorf("supervisor: agent %s not found", id)
	}
	port := rec.info.Port
	s.mu.Unlock()

	alive := s.healthOK(port)

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok = s.agents[id]
	if !ok {
		return AgentInfo{}, fmt.Errorf("supervisor: agent %s not found", id)
	}
	if alive {
		rec.info.Status = StatusRunning
	} else {
		rec.info.Status = StatusStopped
		rec.info.PID = 0
		rec.proc = nil
	}
	return rec.info, nil
}

// Stop asks the agent to shut down via /stop, then escalates to a
// termination signal if the process is still alive shortly after.
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	rec, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: agent %s not found", id)
	}
	info := rec.info
	s.mu.Unlock()

	if info.Status != StatusRunning {
		return nil
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/stop", info.Port)
	if resp, err := s.client.Post(url, "application/json", nil); err == nil {
		resp.Body.Close()
	}
	time.Sleep(300 * time.Millisecond)

	if info.PID > 0 && pidAlive(info.PID) {
		if proc, err := os.FindProcess(info.PID); err == nil {
			proc.Signal(syscall.SIGTERM)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.agents[id]; ok {
		rec.info.Status = StatusStopped
		rec.info.PID = 0
		rec.proc = nil
	}
	return nil
}

// Destroy stops the agent and, when cleanup is set, removes its directory
// including workspace, sessions, and memory.
func (s *Supervisor) Destroy(id string, cleanup bool) error {
	if err := s.Stop(id); err != nil {
		return err
	}

	s.mu.Lock()
	rec, ok := s.agents[id]
	var dir string
	if ok {
		dir = rec.info.Dir
		delete(s.agents, id)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("supervisor: agent %s not found", id)
	}
	if cleanup && dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("supervisor: cleanup %s: %w", id, err)
		}
	}
	return nil
}
