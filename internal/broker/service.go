// Package broker multiplexes browser taskpane chat connections onto
// the single shared agent client. Each WebSocket connection gets its
// own session registry, request correlation state, and cleanup; the
// only state shared across connections is the backend handle.
package broker

import (
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/office-agent-chat/backend/internal/backend"
	"github.com/office-agent-chat/backend/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict to the taskpane origin once the add-in
		// manifest pins its host.
		return true
	},
}

// Auditor records session lifecycle for the history API. A nil
// Auditor disables auditing; failures are logged and swallowed so the
// audit trail can never block session lifecycle.
type Auditor interface {
	SessionCreated(rec *model.SessionRecord) error
	SessionDestroyed(id string) error
}

// Transcripts appends forwarded session events to durable storage.
type Transcripts interface {
	Append(sessionID string, event []byte) error
}

// Config carries the tunable broker parameters.
type Config struct {
	// PermissionTimeout bounds how long a permission prompt may stay
	// unanswered before it resolves to denied.
	PermissionTimeout time.Duration

	// HealthWindow is how recently a session must have been created
	// for the broker to report itself useful.
	HealthWindow time.Duration

	// SkillsDir holds bundled per-host skill directories.
	SkillsDir string
}

const (
	defaultPermissionTimeout = 60 * time.Second
	defaultHealthWindow      = 5 * time.Minute
)

// Service owns the shared backend handle and the set of live
// connections. It is safe for concurrent use.
type Service struct {
	handle      *backend.Handle
	auditor     Auditor
	transcripts Transcripts
	config      Config

	active     atomic.Int64
	lastCreate atomic.Int64 // unix nanos of the most recent session.create

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// NewService creates a broker service. auditor and transcripts may be
// nil to disable the corresponding side effects.
func NewService(handle *backend.Handle, auditor Auditor, transcripts Transcripts, config Config) *Service {
	if config.PermissionTimeout <= 0 {
		config.PermissionTimeout = defaultPermissionTimeout
	}
	if config.HealthWindow <= 0 {
		config.HealthWindow = defaultHealthWindow
	}
	return &Service{
		handle:      handle,
		auditor:     auditor,
		transcripts: transcripts,
		config:      config,
		conns:       make(map[*Conn]struct{}),
	}
}

// HandleConnection upgrades an HTTP request to a WebSocket and runs a
// connection session on it until the peer disconnects. Only requests
// that reached the broker's route are upgraded; everything else on the
// shared server passes through untouched.
func (s *Service) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	conn := newConn(s, ws)

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.active.Add(1)

	// Both pumps must be running before any handler awaits the
	// backend: a tool call issued during session.create needs the
	// read loop alive to correlate the browser's response.
	go conn.writePump()
	go conn.readPump()

	log.Printf("Connection %s opened (%d active)", conn.id, s.active.Load())
	return nil
}

// Healthy reports whether the broker is currently useful: at least one
// live connection, and a session created within the health window.
// Purely passive; it never probes or starts the backend.
func (s *Service) Healthy() bool {
	if s.active.Load() == 0 {
		return false
	}
	last := s.lastCreate.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) <= s.config.HealthWindow
}

// ActiveConnections returns the number of live connections.
func (s *Service) ActiveConnections() int {
	return int(s.active.Load())
}

// Close tears down every live connection, running each connection's
// full cleanup. Used at server shutdown.
func (s *Service) Close() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// noteSessionCreated records a successful session.create for the
// health signal and the audit trail.
func (s *Service) noteSessionCreated(rec *model.SessionRecord) {
	s.lastCreate.Store(time.Now().UnixNano())
	if s.auditor == nil {
		return
	}
	if err := s.auditor.SessionCreated(rec); err != nil {
		log.Printf("Failed to audit session %s creation: %v", rec.ID, err)
	}
}

// noteSessionDestroyed records a session teardown in the audit trail.
func (s *Service) noteSessionDestroyed(sessionID string) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.SessionDestroyed(sessionID); err != nil {
		log.Printf("Failed to audit session %s destruction: %v", sessionID, err)
	}
}

// removeConn drops a connection from the registry. Called exactly once
// per connection from its cleanup.
func (s *Service) removeConn(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.active.Add(-1)
}
