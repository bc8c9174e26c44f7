package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/office-agent-chat/backend/internal/agent"
	"github.com/office-agent-chat/backend/internal/jsonrpc"
	"github.com/office-agent-chat/backend/internal/model"
	"github.com/office-agent-chat/backend/internal/skills"
)

// dispatch routes one inbound request or notification to its handler
// and answers it. Handler failures on a request become a JSON-RPC
// error response; failures on a notification are swallowed because
// there is nothing to answer.
func (c *Conn) dispatch(msg *jsonrpc.Message) {
	var result any
	var err error

	switch msg.Method {
	case MethodSessionCreate:
		result, err = c.handleSessionCreate(msg.Params)
	case MethodSessionSend:
		result, err = c.handleSessionSend(msg.Params)
	case MethodSessionDestroy:
		result, err = c.handleSessionDestroy(msg.Params)
	case MethodModelsList:
		result, err = c.handleModelsList()
	case MethodPermissionRespond:
		result, err = c.handlePermissionRespond(msg.Params)
	default:
		c.respondError(msg.ID, jsonrpc.CodeMethodNotFound, "method not found: "+msg.Method)
		return
	}

	if err != nil {
		c.respondError(msg.ID, errorCode(err), err.Error())
		return
	}
	if len(msg.ID) == 0 {
		return
	}
	c.respond(msg.ID, result)
}

// errorCode maps a handler error to a JSON-RPC error code. Lookup
// failures are the caller's fault; everything else is internal.
func errorCode(err error) int {
	switch {
	case errors.Is(err, model.ErrSessionNotFound),
		errors.Is(err, model.ErrPermissionNotFound),
		errors.Is(err, model.ErrPermissionMismatch),
		errors.Is(err, model.ErrModelRequired):
		return jsonrpc.CodeInvalidParams
	default:
		return jsonrpc.CodeInternalError
	}
}

// handleSessionCreate ensures the shared client is up, materializes
// any supplied skills, creates the backend session wired to this
// connection's tool-call and permission forwarding, and registers it.
func (c *Conn) handleSessionCreate(raw json.RawMessage) (any, error) {
	var p CreateSessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrModelRequired, err)
	}
	if p.Model == "" {
		return nil, model.ErrModelRequired
	}

	if err := c.service.handle.EnsureStarted(c.ctx); err != nil {
		return nil, fmt.Errorf("failed to start agent client: %w", err)
	}

	var skillDirs []string
	tempDir := ""
	if len(p.Skills) > 0 {
		dir, err := skills.Materialize(p.Skills)
		if err != nil {
			return nil, err
		}
		tempDir = dir
		skillDirs = append(skillDirs, dir)
	}
	if p.Host != "" && c.service.config.SkillsDir != "" {
		bundled := filepath.Join(c.service.config.SkillsDir, p.Host)
		if info, err := os.Stat(bundled); err == nil && info.IsDir() {
			skillDirs = append(skillDirs, bundled)
		}
	}

	sess, err := c.service.handle.Client().CreateSession(c.ctx, agent.SessionConfig{
		SessionID:      p.SessionID,
		Model:          p.Model,
		SystemMessage:  p.SystemMessage,
		Tools:          p.Tools,
		MCPServers:     p.MCPServers,
		AllowedTools:   p.AllowedTools,
		SkillDirs:      skillDirs,
		DisabledSkills: p.DisabledSkills,
		Agents:         p.Agents,
		ToolHandler:    c.forwardToolCall,
		OnPermission:   c.requestPermission,
	})
	if err != nil {
		skills.Remove(tempDir)
		return nil, err
	}

	sid := sess.ID()
	unsub := sess.Subscribe(func(ev agent.Event) {
		c.forwardEvent(sid, ev)
	})

	c.mu.Lock()
	if c.closed {
		// Lost the race with cleanup: nothing will release this
		// session later, so release it here.
		c.mu.Unlock()
		unsub()
		ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		sess.Destroy(ctx)
		cancel()
		skills.Remove(tempDir)
		return nil, model.ErrConnectionClosed
	}
	c.sessions[sid] = sess
	c.unsubs[sid] = unsub
	if tempDir != "" {
		c.tempDirs[sid] = tempDir
	}
	c.mu.Unlock()

	now := time.Now()
	c.service.noteSessionCreated(&model.SessionRecord{
		ID:           sid,
		ConnectionID: c.id,
		Model:        p.Model,
		Host:         p.Host,
		Status:       model.SessionStatusRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	})

	return CreateSessionResult{SessionID: sid}, nil
}

// handleSessionSend forwards a prompt to a registered session.
func (c *Conn) handleSessionSend(raw json.RawMessage) (any, error) {
	var p SendParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSessionNotFound, err)
	}

	c.mu.Lock()
	sess, ok := c.sessions[p.SessionID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, p.SessionID)
	}

	messageID, err := sess.Send(c.ctx, agent.Prompt{
		Text:        p.Prompt,
		Attachments: p.Attachments,
		Mode:        p.Mode,
	})
	if err != nil {
		return nil, err
	}
	return SendResult{MessageID: messageID}, nil
}

// handleSessionDestroy tears down one session. Destroying an unknown
// id is a no-op, not an error, so retries after a disconnect stay
// harmless.
func (c *Conn) handleSessionDestroy(raw json.RawMessage) (any, error) {
	var p DestroyParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return struct{}{}, nil
	}

	c.mu.Lock()
	sess, ok := c.sessions[p.SessionID]
	unsub := c.unsubs[p.SessionID]
	tempDir := c.tempDirs[p.SessionID]
	delete(c.sessions, p.SessionID)
	delete(c.unsubs, p.SessionID)
	delete(c.tempDirs, p.SessionID)
	c.mu.Unlock()

	if !ok {
		return struct{}{}, nil
	}

	if unsub != nil {
		unsub()
	}
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	err := sess.Destroy(ctx)
	cancel()
	if err != nil {
		return nil, err
	}

	// Fire and forget: the response must not wait on the filesystem.
	if tempDir != "" {
		go skills.Remove(tempDir)
	}
	c.service.noteSessionDestroyed(p.SessionID)

	return struct{}{}, nil
}

// handleModelsList ensures the shared client is up and lists models.
func (c *Conn) handleModelsList() (any, error) {
	if err := c.service.handle.EnsureStarted(c.ctx); err != nil {
		return nil, fmt.Errorf("failed to start agent client: %w", err)
	}
	models, err := c.service.handle.Client().ListModels(c.ctx)
	if err != nil {
		return nil, err
	}
	if models == nil {
		models = []agent.Model{}
	}
	return ModelsResult{Models: models}, nil
}

// handlePermissionRespond resolves a pending permission prompt. The
// responding session must own the request; a mismatch leaves the
// prompt pending so one session can never answer another's.
func (c *Conn) handlePermissionRespond(raw json.RawMessage) (any, error) {
	var p PermissionRespondParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrPermissionNotFound, err)
	}

	c.mu.Lock()
	entry, ok := c.perms[p.RequestID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", model.ErrPermissionNotFound, p.RequestID)
	}
	if entry.sessionID != p.SessionID {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", model.ErrPermissionMismatch, p.RequestID)
	}
	delete(c.perms, p.RequestID)
	entry.timer.Stop()
	c.mu.Unlock()

	decision := agent.PermissionDenied
	if p.Decision == string(agent.PermissionApproved) {
		decision = agent.PermissionApproved
	}
	entry.decision <- decision

	return struct{}{}, nil
}
