// Package protocol defines the wire types of the per-agent HTTP API.
// Both the agent server and the supervisor's client side use these.
package protocol

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is the 200 body of POST /chat.
type ChatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Agent  string `json:"agent"`
}

// InfoResponse is the body of GET /info.
type InfoResponse struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Port           int    `json:"port"`
	PID            int    `json:"pid"`
	Workspace      string `json:"workspace"`
	SessionsDir    string `json:"sessionsDir"`
	MemoryDir      string `json:"memoryDir"`
	ActiveSessions int    `json:"activeSessions"`
}

// SessionsResponse is the body of GET /sessions.
type SessionsResponse struct {
	Sessions []string `json:"sessions"`
}

// StopResponse is the body of POST /stop.
type StopResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of any non-200 response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Event is one message on the GET /events websocket stream.
type Event struct {
	Type    string            `json:"type"` // "outbound"
	Channel string            `json:"channel"`
	ChatID  string            `json:"chat_id"`
	Content string            `json:"content"`
	Meta    map[string]string `json:"meta,omitempty"`
}
