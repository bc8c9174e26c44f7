package broker

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/office-agent-chat/backend/internal/agent"
	"github.com/office-agent-chat/backend/internal/jsonrpc"
	"github.com/office-agent-chat/backend/internal/model"
	"github.com/office-agent-chat/backend/internal/skills"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Skill contents arrive
	// inline in session.create, so this is deliberately generous.
	maxMessageSize = 8 << 20

	// destroyTimeout bounds each best-effort backend destroy during
	// cleanup.
	destroyTimeout = 5 * time.Second
)

// pendingPermission is one unanswered permission prompt. The decision
// channel is buffered so resolution never blocks: timeout, respond,
// and cleanup race for the single slot and the losers find the entry
// already gone.
type pendingPermission struct {
	sessionID string
	decision  chan agent.PermissionDecision
	timer     *time.Timer
}

// Conn is one browser WebSocket connection and everything scoped to
// it: the session registry, pending request correlation for both
// directions, permission prompts, and temp skill directories. No
// other connection ever touches this state.
type Conn struct {
	service *Service
	ws      *websocket.Conn
	id      string
	send    chan []byte
	decoder jsonrpc.Decoder

	// ctx is cancelled by cleanup so in-flight handler awaits
	// (backend startup, session creation) abort on disconnect.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	closed     bool
	nextID     int64
	pending    map[string]chan *jsonrpc.Message
	sessions   map[string]agent.Session
	unsubs     map[string]func()
	perms      map[string]*pendingPermission
	tempDirs   map[string]string
	sendQueues map[string]chan *jsonrpc.Message

	cleanupOnce sync.Once
}

// newConn builds a connection with every map and handler in place
// before any pump runs. Nothing here may block: the transport
// delivers eagerly, and a handler wired up after the first await
// would miss the first message permanently.
func newConn(s *Service, ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		service:  s,
		ws:       ws,
		id:       uuid.New().String(),
		send:     make(chan []byte, 256),
		ctx:      ctx,
		cancel:   cancel,
		pending:    make(map[string]chan *jsonrpc.Message),
		sessions:   make(map[string]agent.Session),
		unsubs:     make(map[string]func()),
		perms:      make(map[string]*pendingPermission),
		tempDirs:   make(map[string]string),
		sendQueues: make(map[string]chan *jsonrpc.Message),
	}
}

// ID returns the broker-assigned connection id.
func (c *Conn) ID() string {
	return c.id
}

// Close tears the connection down, running full cleanup.
func (c *Conn) Close() {
	c.cleanup()
	c.ws.Close()
}

// readPump reads transport chunks, feeds them through the framing
// decoder, and routes each complete message. Frame extraction is
// strictly sequential per connection; handler execution is not.
func (c *Conn) readPump() {
	defer func() {
		c.cleanup()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, chunk, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Connection %s read error: %v", c.id, err)
			}
			return
		}

		c.decoder.Write(chunk)
		for {
			msg, ok := c.decoder.NextMessage()
			if !ok {
				break
			}
			c.route(msg)
		}
	}
}

// writePump drains the send channel to the socket and keeps the peer
// alive with pings. It exits when the send channel closes.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// route delivers one parsed message. Responses settle the matching
// pending broker-originated request; everything else dispatches by
// method in its own goroutine so a handler that awaits the backend
// cannot stall the read loop — reverse-direction tool calls need it
// running.
func (c *Conn) route(msg *jsonrpc.Message) {
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

	if msg.Method == "" {
		return
	}
	// Prompts to one session must reach the backend in arrival order,
	// so they go through a per-session queue instead of a fresh
	// goroutine. Everything else stays concurrent: a permission.respond
	// queued behind a blocked send could deadlock the very prompt that
	// send is waiting on.
	if msg.Method == MethodSessionSend {
		c.enqueueSend(msg)
		return
	}
	go c.dispatch(msg)
}

// sendQueueSize bounds how many prompts may pile up per session before
// the broker pushes back.
const sendQueueSize = 64

// enqueueSend appends a session.send to its session's ordered queue,
// starting the queue's worker on first use. Called only from the read
// pump, so arrival order is preserved.
func (c *Conn) enqueueSend(msg *jsonrpc.Message) {
	var p SendParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		go c.dispatch(msg)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	queue, ok := c.sendQueues[p.SessionID]
	if !ok {
		queue = make(chan *jsonrpc.Message, sendQueueSize)
		c.sendQueues[p.SessionID] = queue
		go c.sendWorker(queue)
	}
	// Enqueue while still holding the lock: cleanup marks the
	// connection closed under this lock before it closes any queue, so
	// the channel cannot close underneath us.
	full := false
	select {
	case queue <- msg:
	default:
		full = true
	}
	c.mu.Unlock()

	if full {
		c.respondError(msg.ID, jsonrpc.CodeInternalError, "session send queue full")
	}
}

// sendWorker dispatches one session's prompts strictly in order.
func (c *Conn) sendWorker(queue chan *jsonrpc.Message) {
	for msg := range queue {
		c.dispatch(msg)
	}
}

// sendMessage frames and queues one message for the write pump.
func (c *Conn) sendMessage(msg *jsonrpc.Message) error {
	frame, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return model.ErrConnectionClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		// Peer is not draining; give up on the connection rather
		// than block every session sharing it.
		go c.Close()
		return model.ErrConnectionClosed
	}
}

// respond sends a success response for a request.
func (c *Conn) respond(id json.RawMessage, result any) {
	msg, err := jsonrpc.NewResponse(id, result)
	if err != nil {
		log.Printf("Connection %s failed to encode response: %v", c.id, err)
		msg = jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, "failed to encode response")
	}
	if err := c.sendMessage(msg); err != nil {
		log.Printf("Connection %s failed to send response: %v", c.id, err)
	}
}

// respondError sends an error response for a request. Notifications
// (no id) get nothing; there is no one to answer.
func (c *Conn) respondError(id json.RawMessage, code int, message string) {
	if len(id) == 0 {
		return
	}
	if err := c.sendMessage(jsonrpc.NewErrorResponse(id, code, message)); err != nil {
		log.Printf("Connection %s failed to send error response: %v", c.id, err)
	}
}

// forwardToolCall sends a tool.call request to the browser and blocks
// until the matching response arrives or the connection dies. An
// unresolved return here would stall the backend's agent loop, so the
// closed path fails immediately.
func (c *Conn) forwardToolCall(ctx context.Context, call agent.ToolCall) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, model.ErrConnectionClosed
	}
	c.nextID++
	key := strconv.FormatInt(c.nextID, 10)
	ch := make(chan *jsonrpc.Message, 1)
	c.pending[key] = ch
	c.mu.Unlock()

	req, err := jsonrpc.NewRequest(json.RawMessage(key), MethodToolCall, ToolCallParams{
		SessionID:  call.SessionID,
		ToolCallID: call.CallID,
		ToolName:   call.Name,
		Arguments:  call.Arguments,
	})
	if err == nil {
		err = c.sendMessage(req)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, model.ErrConnectionClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// requestPermission notifies the browser of a pending permission
// prompt and waits for permission.respond, the timeout, or teardown.
// Every path that does not explicitly approve resolves to denied: an
// unanswered prompt must never grant access.
func (c *Conn) requestPermission(ctx context.Context, req agent.PermissionRequest) agent.PermissionDecision {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return agent.PermissionDenied
	}
	id := uuid.New().String()
	entry := &pendingPermission{
		sessionID: req.SessionID,
		decision:  make(chan agent.PermissionDecision, 1),
	}
	entry.timer = time.AfterFunc(c.service.config.PermissionTimeout, func() {
		c.expirePermission(id)
	})
	c.perms[id] = entry
	c.mu.Unlock()

	note, err := jsonrpc.NewNotification(MethodPermissionRequest, PermissionRequestParams{
		SessionID: req.SessionID,
		RequestID: id,
		Request:   req.Payload,
	})
	if err == nil {
		err = c.sendMessage(note)
	}
	if err != nil {
		c.takePermission(id)
		return agent.PermissionDenied
	}

	select {
	case decision := <-entry.decision:
		return decision
	case <-ctx.Done():
		c.takePermission(id)
		return agent.PermissionDenied
	}
}

// expirePermission resolves a timed-out permission prompt to denied.
func (c *Conn) expirePermission(id string) {
	if entry := c.takePermission(id); entry != nil {
		log.Printf("Connection %s permission request %s timed out, denying", c.id, id)
		entry.decision <- agent.PermissionDenied
	}
}

// takePermission removes and returns a pending permission entry,
// stopping its timeout guard. Returns nil if already resolved.
func (c *Conn) takePermission(id string) *pendingPermission {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.perms[id]
	if !ok {
		return nil
	}
	delete(c.perms, id)
	entry.timer.Stop()
	return entry
}

// forwardEvent relays one backend session event to the browser and
// the transcript log, tagged with its session id.
func (c *Conn) forwardEvent(sessionID string, event agent.Event) {
	note, err := jsonrpc.NewNotification(MethodSessionEvent, SessionEventParams{
		SessionID: sessionID,
		Event:     event,
	})
	if err != nil {
		log.Printf("Connection %s failed to encode event for session %s: %v", c.id, sessionID, err)
		return
	}
	if err := c.sendMessage(note); err != nil {
		return
	}

	if c.service.transcripts != nil {
		raw, err := json.Marshal(event)
		if err == nil {
			err = c.service.transcripts.Append(sessionID, raw)
		}
		if err != nil {
			log.Printf("Failed to append transcript for session %s: %v", sessionID, err)
		}
	}
}

// cleanup releases everything scoped to this connection. Idempotent
// against being reached from both the read pump and an explicit
// Close. Each step is guarded independently; a failure in one never
// prevents the rest from running.
func (c *Conn) cleanup() {
	c.cleanupOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := c.pending
		sessions := c.sessions
		unsubs := c.unsubs
		perms := c.perms
		tempDirs := c.tempDirs
		sendQueues := c.sendQueues
		c.pending = make(map[string]chan *jsonrpc.Message)
		c.sessions = make(map[string]agent.Session)
		c.unsubs = make(map[string]func())
		c.perms = make(map[string]*pendingPermission)
		c.tempDirs = make(map[string]string)
		c.sendQueues = make(map[string]chan *jsonrpc.Message)
		c.mu.Unlock()

		c.cancel()
		c.service.removeConn(c)

		// Stop event forwarding before the sessions go away.
		for _, unsub := range unsubs {
			unsub()
		}

		// Closed channel reads as nil, which forwardToolCall maps
		// to a disconnected error.
		for _, ch := range pending {
			close(ch)
		}

		// Workers drain what is queued and exit; their sessions are
		// already gone, so queued prompts resolve to not-found.
		for _, queue := range sendQueues {
			close(queue)
		}

		// Unanswered prompts fail closed.
		for id, entry := range perms {
			entry.timer.Stop()
			entry.decision <- agent.PermissionDenied
			log.Printf("Connection %s permission request %s denied by disconnect", c.id, id)
		}

		// Best-effort: the backend side may already be gone.
		for sid, sess := range sessions {
			ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
			if err := sess.Destroy(ctx); err != nil {
				log.Printf("Failed to destroy session %s during cleanup: %v", sid, err)
			}
			cancel()
			c.service.noteSessionDestroyed(sid)
		}

		// Temp skill directories go last, regardless of how the
		// destroys went.
		for _, dir := range tempDirs {
			skills.Remove(dir)
		}

		close(c.send)
		log.Printf("Connection %s closed", c.id)
	})
}

// idKey normalizes a raw JSON-RPC id for use as a map key. Numeric
// and string ids that print the same correlate to the same entry.
func idKey(raw json.RawMessage) string {
	if len(raw) >= 2 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}
