package agentcli

import (
	"context"
	"sync"

	"github.com/office-agent-chat/backend/internal/agent"
)

// cliSession is one conversation on the CLI. It satisfies
// agent.Session.
type cliSession struct {
	client *Client
	id     string
	cfg    agent.SessionConfig

	mu      sync.Mutex
	nextSub int64
	subs    map[int64]func(agent.Event)
}

func (s *cliSession) ID() string {
	return s.id
}

// Send forwards one prompt and returns the CLI's message id.
func (s *cliSession) Send(ctx context.Context, prompt agent.Prompt) (string, error) {
	params := map[string]any{
		"sessionId": s.id,
		"prompt":    prompt.Text,
	}
	if len(prompt.Attachments) > 0 {
		params["attachments"] = prompt.Attachments
	}
	if prompt.Mode != "" {
		params["mode"] = prompt.Mode
	}

	var result struct {
		MessageID string `json:"messageId"`
	}
	if err := s.client.call(ctx, methodSessionPrompt, params, &result); err != nil {
		return "", err
	}
	return result.MessageID, nil
}

// Subscribe registers an event handler. Handlers run synchronously in
// the client's read loop, preserving the CLI's emission order.
func (s *cliSession) Subscribe(fn func(agent.Event)) func() {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// emit fans one event out to every subscriber.
func (s *cliSession) emit(ev agent.Event) {
	s.mu.Lock()
	handlers := make([]func(agent.Event), 0, len(s.subs))
	for _, fn := range s.subs {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

// Destroy ends the conversation and unregisters it from the client.
func (s *cliSession) Destroy(ctx context.Context) error {
	err := s.client.call(ctx, methodSessionDestroy, map[string]string{"sessionId": s.id}, nil)
	s.client.dropSession(s.id)
	return err
}
