// ABOUTME: MCP-compatible HTTP server exposing the email tool pack to external agents.
// ABOUTME: Implements the Streamable HTTP transport (2025-11-25) with session management.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inboxkit/mailagent/internal/auth"
	"github.com/inboxkit/mailagent/internal/tools"
)

// latestProtocolVersion is the version advertised in initialize responses.
const latestProtocolVersion = "2025-11-25"

var supportedProtocolVersions = map[string]bool{
	"2025-03-26":          true,
	latestProtocolVersion: true,
}

// MaxRequestBodySize caps POST bodies at 1MB.
const MaxRequestBodySize = 1 << 20

// anonymousPrincipal is the identity of unauthenticated callers when auth is
// not required.
const anonymousPrincipal = "anonymous"

// Standard JSON-RPC 2.0 error codes.
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// notification reports whether the message carries no request ID, which per
// JSON-RPC 2.0 means no response is expected.
func (r rpcRequest) notification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// JSONRPCResponse is the JSON-RPC 2.0 response envelope.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is the JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// MCPToolInfo describes one tool in a tools/list result.
type MCPToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// MCPListToolsResult is the result payload for tools/list.
type MCPListToolsResult struct {
	Tools []MCPToolInfo `json:"tools"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// MCPCallToolResult is the result payload for tools/call.
type MCPCallToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

// MCPContent is one content block in a tool result.
type MCPContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// session is one active MCP client session. ownerCred records the credential
// presented at initialize so only that caller may terminate the session.
type session struct {
	id        string
	protocol  string
	principal string
	ownerCred string
	createdAt time.Time
}

type sessionTable struct {
	mu   sync.RWMutex
	byID map[string]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{byID: make(map[string]*session)}
}

func (t *sessionTable) add(principal, ownerCred string) *session {
	sess := &session{
		id:        uuid.New().String(),
		protocol:  latestProtocolVersion,
		principal: principal,
		ownerCred: ownerCred,
		createdAt: time.Now(),
	}
	t.mu.Lock()
	t.byID[sess.id] = sess
	t.mu.Unlock()
	return sess
}

func (t *sessionTable) lookup(id string) *session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID[id]
}

func (t *sessionTable) remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[id]; !ok {
		return false
	}
	delete(t.byID, id)
	return true
}

// Config holds configuration for the MCP server.
type Config struct {
	Registry      *tools.Registry
	Logger        *slog.Logger
	TokenVerifier auth.TokenVerifier
	TokenStore    *TokenStore // static token auth (URL path or query param)
	RequireAuth   bool
}

// Server serves the MCP Streamable HTTP transport over a tool registry.
type Server struct {
	registry    *tools.Registry
	logger      *slog.Logger
	verifier    auth.TokenVerifier
	tokenStore  *TokenStore
	requireAuth bool
	sessions    *sessionTable
}

// NewServer creates an MCP server from the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.RequireAuth && cfg.TokenVerifier == nil && cfg.TokenStore == nil {
		return nil, errors.New("token verifier or token store required when auth is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "mcp")
	}

	return &Server{
		registry:    cfg.Registry,
		logger:      logger,
		verifier:    cfg.TokenVerifier,
		tokenStore:  cfg.TokenStore,
		requireAuth: cfg.RequireAuth,
		sessions:    newSessionTable(),
	}, nil
}

// RegisterRoutes mounts the MCP endpoint on mux. Both /mcp and /mcp/<token>
// are accepted so agents can carry a static token in the URL.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/mcp/", s.handleMCP)
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	case http.MethodGet:
		// No server-initiated SSE streams.
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleDelete terminates a session. The caller must present the same
// credential that created the session.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("Mcp-Session-Id")
	if id == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}

	sess := s.sessions.lookup(id)
	if sess == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if sess.ownerCred != "" && credentialFrom(r) != sess.ownerCred {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.sessions.remove(id)
	s.logger.Info("MCP session terminated", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	req, rpcErr := decodeRequest(r)
	if rpcErr != nil {
		s.writeError(w, nil, rpcErr.Code, rpcErr.Message)
		return
	}

	initializing := req.Method == "initialize"

	// The protocol version header is optional, but a bad value is rejected.
	// Initialize negotiates the version instead of asserting one.
	if v := r.Header.Get("Mcp-Protocol-Version"); v != "" && !initializing && !supportedProtocolVersions[v] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	var principal string
	if initializing {
		p, err := s.authenticate(r)
		switch {
		case err == nil:
			principal = p
		case errors.Is(err, errInvalidToken):
			s.writeError(w, nil, JSONRPCInvalidRequest, "invalid or expired token")
			return
		case s.requireAuth:
			s.writeError(w, nil, JSONRPCInvalidRequest, "authentication required")
			return
		default:
			principal = anonymousPrincipal
		}
	} else {
		id := r.Header.Get("Mcp-Session-Id")
		if id == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		sess := s.sessions.lookup(id)
		if sess == nil {
			// Expired or bogus: the client must re-initialize.
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		principal = sess.principal
	}

	if req.notification() {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	s.logger.Debug("MCP request", "method", req.Method, "principal", principal)

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, r, req, principal)
	case "tools/list":
		s.handleToolsList(w, req)
	case "tools/call":
		s.handleToolsCall(r.Context(), w, req, principal)
	default:
		s.writeError(w, req.ID, JSONRPCMethodNotFound, "method not found")
	}
}

// decodeRequest reads and parses one JSON-RPC message from the POST body.
func decodeRequest(r *http.Request) (*rpcRequest, *JSONRPCError) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		return nil, &JSONRPCError{Code: JSONRPCParseError, Message: "failed to read request body"}
	}
	if len(body) > MaxRequestBodySize {
		return nil, &JSONRPCError{Code: JSONRPCInvalidRequest, Message: "request body too large"}
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &JSONRPCError{Code: JSONRPCParseError, Message: "invalid JSON"}
	}
	if req.JSONRPC != "2.0" {
		return nil, &JSONRPCError{Code: JSONRPCInvalidRequest, Message: "invalid JSON-RPC version"}
	}
	return &req, nil
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req *rpcRequest, principal string) {
	sess := s.sessions.add(principal, credentialFrom(r))

	s.logger.Info("MCP session created",
		"session_id", sess.id,
		"principal", principal,
		"protocol_version", sess.protocol,
	)

	w.Header().Set("Mcp-Session-Id", sess.id)
	s.writeResult(w, req.ID, initializeResult{
		ProtocolVersion: latestProtocolVersion,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ServerInfo:      serverInfo{Name: "mailagent", Version: "1.0.0"},
	})
}

func (s *Server) handleToolsList(w http.ResponseWriter, req *rpcRequest) {
	result := MCPListToolsResult{Tools: []MCPToolInfo{}}
	for _, tool := range s.registry.List() {
		result.Tools = append(result.Tools, MCPToolInfo{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: json.RawMessage(tool.InputSchema),
		})
	}
	s.writeResult(w, req.ID, result)
}

func (s *Server) handleToolsCall(ctx context.Context, w http.ResponseWriter, req *rpcRequest, principal string) {
	var params callToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.writeError(w, req.ID, JSONRPCInvalidParams, "invalid params")
			return
		}
	}
	if params.Name == "" {
		s.writeError(w, req.ID, JSONRPCInvalidParams, "tool name is required")
		return
	}

	input := params.Arguments
	if len(input) == 0 || string(input) == "null" {
		input = json.RawMessage(`{}`)
	}

	output, err := s.registry.Call(ctx, params.Name, principal, input)
	if err != nil {
		s.logger.Warn("tool execution failed", "tool_name", params.Name, "error", err)
		switch {
		case errors.Is(err, tools.ErrToolNotFound):
			s.writeError(w, req.ID, JSONRPCInvalidParams, "tool not found")
		case errors.Is(err, context.DeadlineExceeded):
			s.writeError(w, req.ID, JSONRPCInternalError, "tool execution timed out")
		case errors.Is(err, context.Canceled):
			s.writeError(w, req.ID, JSONRPCInternalError, "request cancelled")
		default:
			// Domain failures go back in-band so the calling agent sees them.
			s.writeResult(w, req.ID, MCPCallToolResult{
				Content: []MCPContent{{Type: "text", Text: err.Error()}},
				IsError: true,
			})
		}
		return
	}

	s.writeResult(w, req.ID, MCPCallToolResult{
		Content: []MCPContent{{Type: "text", Text: string(output)}},
	})
}

// errInvalidToken means a credential was presented but rejected. Distinct
// from no credential at all: a bad token never falls through to anonymous.
var errInvalidToken = errors.New("invalid or expired token")

// credentialFrom returns the raw credential on the request, checking the URL
// path, the token query parameter, and the Authorization header in that order.
func credentialFrom(r *http.Request) string {
	if tok, ok := pathToken(r); ok {
		return tok
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// pathToken extracts a token embedded in the URL as /mcp/<token>.
func pathToken(r *http.Request) (string, bool) {
	tok := strings.TrimPrefix(r.URL.Path, "/mcp/")
	if tok == r.URL.Path || tok == "" {
		return "", false
	}
	return strings.TrimRight(tok, "/"), true
}

// authenticate resolves the caller's principal from the request credential.
func (s *Server) authenticate(r *http.Request) (string, error) {
	if tok, ok := pathToken(r); ok {
		if strings.Contains(tok, "/") {
			return "", errInvalidToken
		}
		return s.staticPrincipal(tok)
	}

	if tok := r.URL.Query().Get("token"); tok != "" {
		return s.staticPrincipal(tok)
	}

	if s.verifier == nil {
		return "", errors.New("no authentication provided")
	}

	h := r.Header.Get("Authorization")
	if h == "" {
		return "", errors.New("missing authorization")
	}
	tok := strings.TrimPrefix(h, "Bearer ")
	if tok == h || tok == "" {
		return "", errors.New("invalid authorization header format")
	}

	principal, err := s.verifier.Verify(tok)
	if err != nil {
		return "", errInvalidToken
	}
	return principal, nil
}

func (s *Server) staticPrincipal(token string) (string, error) {
	if s.tokenStore != nil {
		if p := s.tokenStore.Principal(token); p != "" {
			return p, nil
		}
	}
	return "", errInvalidToken
}

func (s *Server) writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	s.writeResponse(w, JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) writeError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	s.writeResponse(w, JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: &JSONRPCError{Code: code, Message: message}})
}

func (s *Server) writeResponse(w http.ResponseWriter, resp JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}
