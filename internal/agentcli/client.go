// Package agentcli implements the agent.Client contract on top of the
// external agent CLI: it spawns the CLI as a subprocess and speaks
// Content-Length framed JSON-RPC over its stdin/stdout, the same wire
// convention the broker speaks to the browser.
package agentcli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/office-agent-chat/backend/internal/agent"
	"github.com/office-agent-chat/backend/internal/jsonrpc"
)

// Methods on the CLI's stdio protocol.
const (
	methodInitialize     = "initialize"
	methodSessionNew     = "session/new"
	methodSessionPrompt  = "session/prompt"
	methodSessionDestroy = "session/destroy"
	methodModelsList     = "models/list"

	// Sent by the CLI to us.
	methodSessionEvent      = "session/event"
	methodToolCall          = "tool/call"
	methodPermissionRequest = "permission/request"
)

const (
	// stopTimeout bounds how long Stop waits for the CLI to exit after
	// its stdin closes before killing it.
	stopTimeout = 5 * time.Second

	// initTimeout bounds the initialize handshake. A CLI that spawns
	// but never answers must fail Start so the caller can retry.
	initTimeout = 30 * time.Second
)

// Client runs the agent CLI subprocess. It satisfies agent.Client.
type Client struct {
	command     string
	args        []string
	initTimeout time.Duration

	writeMu sync.Mutex // serializes frames onto the CLI's stdin
	stdin   io.WriteCloser

	mu        sync.Mutex
	cmd       *exec.Cmd
	connected bool
	nextID    int64
	pending   map[string]chan *jsonrpc.Message
	sessions  map[string]*cliSession
}

// New creates a client for the given CLI command. The process is not
// spawned until Start.
func New(command string, args ...string) *Client {
	return &Client{
		command:     command,
		args:        args,
		initTimeout: initTimeout,
		pending:     make(map[string]chan *jsonrpc.Message),
		sessions:    make(map[string]*cliSession),
	}
}

// Connected reports whether the subprocess is up and initialized.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Start spawns the CLI, wires its stdio, and performs the initialize
// handshake. The shared backend handle guarantees this runs at most
// once at a time.
func (c *Client) Start(ctx context.Context) error {
	cmd := exec.Command(c.command, c.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open agent stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open agent stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn agent process %q: %w", c.command, err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()
	c.writeMu.Lock()
	c.stdin = stdin
	c.writeMu.Unlock()

	go c.readLoop(stdout)
	go logStderr(stderr)

	var initResult struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	initCtx, cancel := context.WithTimeout(ctx, c.initTimeout)
	defer cancel()
	if err := c.call(initCtx, methodInitialize, map[string]any{
		"clientInfo": map[string]string{"name": "office-agent-chat"},
	}, &initResult); err != nil {
		cmd.Process.Kill()
		return fmt.Errorf("agent initialize failed: %w", err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	log.Printf("Agent CLI started (pid %d, protocol %s)", cmd.Process.Pid, initResult.ProtocolVersion)
	return nil
}

// Stop closes the CLI's stdin and waits briefly for a clean exit
// before killing the process.
func (c *Client) Stop() error {
	c.mu.Lock()
	cmd := c.cmd
	c.connected = false
	c.mu.Unlock()

	if cmd == nil {
		return nil
	}
	c.writeMu.Lock()
	if c.stdin != nil {
		c.stdin.Close()
	}
	c.writeMu.Unlock()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(stopTimeout):
		cmd.Process.Kill()
		return <-done
	}
}

// CreateSession opens a conversation on the CLI and registers its
// callbacks for reverse-direction traffic.
func (c *Client) CreateSession(ctx context.Context, cfg agent.SessionConfig) (agent.Session, error) {
	params := map[string]any{
		"model": cfg.Model,
	}
	if cfg.SessionID != "" {
		params["sessionId"] = cfg.SessionID
	}
	if cfg.SystemMessage != "" {
		params["systemMessage"] = cfg.SystemMessage
	}
	if len(cfg.Tools) > 0 {
		params["tools"] = cfg.Tools
	}
	if len(cfg.MCPServers) > 0 {
		params["mcpServers"] = cfg.MCPServers
	}
	if len(cfg.AllowedTools) > 0 {
		params["allowedTools"] = cfg.AllowedTools
	}
	if len(cfg.SkillDirs) > 0 {
		params["skillDirectories"] = cfg.SkillDirs
	}
	if len(cfg.DisabledSkills) > 0 {
		params["disabledSkills"] = cfg.DisabledSkills
	}
	if len(cfg.Agents) > 0 {
		params["agents"] = cfg.Agents
	}

	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.call(ctx, methodSessionNew, params, &result); err != nil {
		return nil, err
	}

	sess := &cliSession{
		client: c,
		id:     result.SessionID,
		cfg:    cfg,
		subs:   make(map[int64]func(agent.Event)),
	}

	c.mu.Lock()
	c.sessions[sess.id] = sess
	c.mu.Unlock()

	return sess, nil
}

// ListModels asks the CLI which models it can serve.
func (c *Client) ListModels(ctx context.Context) ([]agent.Model, error) {
	var result struct {
		Models []agent.Model `json:"models"`
	}
	if err := c.call(ctx, methodModelsList, struct{}{}, &result); err != nil {
		return nil, err
	}
	return result.Models, nil
}

// call sends a request to the CLI and decodes the matching response
// into result.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	c.mu.Lock()
	c.nextID++
	key := strconv.FormatInt(c.nextID, 10)
	ch := make(chan *jsonrpc.Message, 1)
	c.pending[key] = ch
	c.mu.Unlock()

	req, err := jsonrpc.NewRequest(json.RawMessage(key), method, params)
	if err == nil {
		err = c.write(req)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return fmt.Errorf("agent process exited before answering %s", method)
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && resp.Result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// write frames one message onto the CLI's stdin.
func (c *Client) write(msg *jsonrpc.Message) error {
	frame, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.stdin == nil {
		return fmt.Errorf("agent process not started")
	}
	_, err = c.stdin.Write(frame)
	return err
}

// readLoop decodes frames from the CLI's stdout until the process
// exits, then fails every pending call so nothing waits forever.
func (c *Client) readLoop(stdout io.Reader) {
	var decoder jsonrpc.Decoder
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			decoder.Write(buf[:n])
			for {
				msg, ok := decoder.NextMessage()
				if !ok {
					break
				}
				c.route(msg)
			}
		}
		if err != nil {
			break
		}
	}

	c.mu.Lock()
	c.connected = false
	pending := c.pending
	c.pending = make(map[string]chan *jsonrpc.Message)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	log.Printf("Agent CLI stdout closed")
}

// route delivers one message from the CLI: responses settle pending
// calls, requests and notifications dispatch to the owning session.
func (c *Client) route(msg *jsonrpc.Message) {
	if msg.IsResponse() {
		key := idKey(msg.ID)
		c.mu.Lock()
		ch, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
		return
	}

	switch msg.Method {
	case methodSessionEvent:
		var p struct {
			SessionID string      `json:"sessionId"`
			Event     agent.Event `json:"event"`
		}
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return
		}
		if sess := c.session(p.SessionID); sess != nil {
			sess.emit(p.Event)
		}
	case methodToolCall:
		go c.handleToolCall(msg)
	case methodPermissionRequest:
		go c.handlePermissionRequest(msg)
	}
}

// handleToolCall runs the owning session's tool handler and replies
// with its result.
func (c *Client) handleToolCall(msg *jsonrpc.Message) {
	var p struct {
		SessionID  string          `json:"sessionId"`
		ToolCallID string          `json:"toolCallId"`
		ToolName   string          `json:"toolName"`
		Arguments  json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		c.replyError(msg.ID, jsonrpc.CodeInvalidParams, "invalid tool call params")
		return
	}

	sess := c.session(p.SessionID)
	if sess == nil || sess.cfg.ToolHandler == nil {
		c.replyError(msg.ID, jsonrpc.CodeInvalidParams, "no tool handler for session "+p.SessionID)
		return
	}

	result, err := sess.cfg.ToolHandler(context.Background(), agent.ToolCall{
		SessionID: p.SessionID,
		CallID:    p.ToolCallID,
		Name:      p.ToolName,
		Arguments: p.Arguments,
	})
	if err != nil {
		c.replyError(msg.ID, jsonrpc.CodeInternalError, err.Error())
		return
	}
	c.reply(msg.ID, result)
}

// handlePermissionRequest awaits the owning session's permission
// callback and replies with the decision. An absent callback denies.
func (c *Client) handlePermissionRequest(msg *jsonrpc.Message) {
	var p struct {
		SessionID string          `json:"sessionId"`
		Request   json.RawMessage `json:"request"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		c.replyError(msg.ID, jsonrpc.CodeInvalidParams, "invalid permission request params")
		return
	}

	decision := agent.PermissionDenied
	if sess := c.session(p.SessionID); sess != nil && sess.cfg.OnPermission != nil {
		decision = sess.cfg.OnPermission(context.Background(), agent.PermissionRequest{
			SessionID: p.SessionID,
			Payload:   p.Request,
		})
	}
	c.reply(msg.ID, map[string]string{"decision": string(decision)})
}

func (c *Client) reply(id json.RawMessage, result any) {
	resp, err := jsonrpc.NewResponse(id, result)
	if err != nil {
		resp = jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, "failed to encode result")
	}
	if err := c.write(resp); err != nil {
		log.Printf("Failed to reply to agent CLI: %v", err)
	}
}

func (c *Client) replyError(id json.RawMessage, code int, message string) {
	if err := c.write(jsonrpc.NewErrorResponse(id, code, message)); err != nil {
		log.Printf("Failed to reply to agent CLI: %v", err)
	}
}

func (c *Client) session(id string) *cliSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

func (c *Client) dropSession(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// logStderr forwards the CLI's stderr to the process log line by line.
func logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Printf("agent: %s", scanner.Text())
	}
}

// idKey normalizes a raw JSON-RPC id for pending-map lookup.
func idKey(raw json.RawMessage) string {
	if len(raw) >= 2 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}
