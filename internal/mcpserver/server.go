// Package mcpserver exposes the relay's agent tools over MCP streamable
// HTTP, so MCP-speaking clients can drive a room without a raw WebSocket.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/relayworks/browser-relay/internal/auth"
	"github.com/relayworks/browser-relay/internal/logging"
	"github.com/relayworks/browser-relay/internal/protocol"
	"github.com/relayworks/browser-relay/internal/runner"
)

// Room is the slice of room behavior the MCP tools need.
type Room interface {
	ID() string
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	Bash(ctx context.Context, command, workdir string, timeoutMs int64) (*protocol.BashExecuteResult, error)
}

// RoomResolver authenticates a request against a room id. It returns
// auth.ErrUnauthorized or auth.ErrForbidden on credential failure, together
// with the room itself so callers holding another credential can proceed.
type RoomResolver func(req *http.Request, roomID string) (Room, error)

type roomCtxKey struct{}

// Server wires the MCP tool surface to rooms and the code runner.
type Server struct {
	resolve    RoomResolver
	runner     runner.Executor
	validator  *auth.Validator
	streamable *server.StreamableHTTPServer
}

// New builds the MCP server with its four tools registered.
func New(resolve RoomResolver, exec runner.Executor, validator *auth.Validator) *Server {
	s := &Server{resolve: resolve, runner: exec, validator: validator}

	m := server.NewMCPServer(
		"browser-relay",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)

	m.AddTool(mcp.Tool{
		Name:        "execute",
		Description: "Run JavaScript in the sandboxed runner against this room's browser",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"code": map[string]interface{}{
					"type":        "string",
					"description": "JavaScript source to execute",
				},
				"timeout": map[string]interface{}{
					"type":        "integer",
					"description": "Execution timeout in milliseconds",
				},
			},
			Required: []string{"code"},
		},
	}, s.execute)

	m.AddTool(mcp.Tool{
		Name:        "read_file",
		Description: "Read a file from the machine running the local client",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Absolute path of the file to read",
				},
			},
			Required: []string{"path"},
		},
	}, s.readFile)

	m.AddTool(mcp.Tool{
		Name:        "write_file",
		Description: "Write a file on the machine running the local client. The file must have been read first.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Absolute path of the file to write",
				},
				"content": map[string]interface{}{
					"type":        "string",
					"description": "Full new file content",
				},
			},
			Required: []string{"path", "content"},
		},
	}, s.writeFile)

	m.AddTool(mcp.Tool{
		Name:        "bash",
		Description: "Run a shell command on the machine running the local client",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"command": map[string]interface{}{
					"type":        "string",
					"description": "Shell command to run",
				},
				"workdir": map[string]interface{}{
					"type":        "string",
					"description": "Working directory for the command",
				},
				"timeout": map[string]interface{}{
					"type":        "integer",
					"description": "Command timeout in milliseconds",
				},
			},
			Required: []string{"command"},
		},
	}, s.bash)

	s.streamable = server.NewStreamableHTTPServer(m)
	return s
}

// Handle is the gin handler for /room/:roomId/mcp-server. It authenticates
// the request, binds the room into the request context, and hands off to
// the streamable MCP server.
func (s *Server) Handle(c *gin.Context) {
	roomID := c.Param("roomId")

	if s.validator != nil {
		// Bearer-JWT mode: a valid token from the identity provider admits
		// without the room passphrase.
		if claims, err := s.validator.ValidateToken(bearerToken(c.Request)); err == nil && claims != nil {
			logging.Info(c.Request.Context(), "MCP request admitted via JWT",
				zap.String("roomId", roomID), zap.String("subject", claims.Subject))
			s.serveRoomUnchecked(c, roomID)
			return
		}
	}

	r, err := s.resolve(c.Request, roomID)
	switch err {
	case nil:
	case auth.ErrUnauthorized:
		c.JSON(http.StatusUnauthorized, gin.H{"error": "passphrase required"})
		return
	case auth.ErrForbidden:
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid passphrase"})
		return
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room unavailable"})
		return
	}

	s.serveRoom(c, r)
}

func (s *Server) serveRoomUnchecked(c *gin.Context, roomID string) {
	// Resolve without a passphrase; the JWT already carried the identity.
	r, err := s.resolve(withPassphraseStripped(c.Request), roomID)
	if r == nil || (err != nil && err != auth.ErrUnauthorized) {
		c.JSON(http.StatusForbidden, gin.H{"error": "room unavailable"})
		return
	}
	s.serveRoom(c, r)
}

// withPassphraseStripped drops the credential carriers so the resolver sees
// an anonymous request.
func withPassphraseStripped(req *http.Request) *http.Request {
	r2 := req.Clone(req.Context())
	r2.Header.Del("Authorization")
	q := r2.URL.Query()
	q.Del("passphrase")
	r2.URL.RawQuery = q.Encode()
	return r2
}

func (s *Server) serveRoom(c *gin.Context, r Room) {
	ctx := context.WithValue(c.Request.Context(), roomCtxKey{}, r)
	s.streamable.ServeHTTP(c.Writer, c.Request.WithContext(ctx))
}

func roomFromContext(ctx context.Context) (Room, bool) {
	r, ok := ctx.Value(roomCtxKey{}).(Room)
	return r, ok
}

func bearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) execute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	r, ok := roomFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("no room bound to request"), nil
	}

	args := struct {
		Code    string `json:"code"`
		Timeout int64  `json:"timeout"`
	}{}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse arguments: %v", err)), nil
	}
	if args.Code == "" {
		return mcp.NewToolResultError("code is required"), nil
	}

	output, err := s.runner.Execute(ctx, r.ID(), args.Code, args.Timeout)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(output), nil
}

func (s *Server) readFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	r, ok := roomFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("no room bound to request"), nil
	}

	args := struct {
		Path string `json:"path"`
	}{}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse arguments: %v", err)), nil
	}

	content, err := r.ReadFile(ctx, args.Path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(content), nil
}

func (s *Server) writeFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	r, ok := roomFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("no room bound to request"), nil
	}

	args := struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}{}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse arguments: %v", err)), nil
	}

	if err := r.WriteFile(ctx, args.Path, args.Content); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Wrote %d bytes to %s", len(args.Content), args.Path)), nil
}

func (s *Server) bash(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	r, ok := roomFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("no room bound to request"), nil
	}

	args := struct {
		Command string `json:"command"`
		Workdir string `json:"workdir"`
		Timeout int64  `json:"timeout"`
	}{}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse arguments: %v", err)), nil
	}

	res, err := r.Bash(ctx, args.Command, args.Workdir, args.Timeout)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	// Text rendering for plain clients plus the structured result.
	text, err := json.Marshal(res)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultStructured(res, string(text)), nil
}
