package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/propio/fieldsync/internal/transport"
)

// Config holds server configuration.
type Config struct {
	// Addr to listen on, e.g. ":8080". An empty addr picks a random port.
	Addr string

	// HeartbeatWindow is how long a push connection may stay silent
	// before the sweeper evicts it. Clients heartbeat well inside this.
	HeartbeatWindow time.Duration

	// MaxPayloadBytes bounds one record's encoded payload. Larger
	// payloads are rejected, not stored.
	MaxPayloadBytes int

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:            ":8080",
		HeartbeatWindow: time.Minute,
		MaxPayloadBytes: 1 << 20,
		Logger:          log.Default(),
	}
}

// session is one live push connection and its liveness bookkeeping.
type session struct {
	id      string
	ownerID string
	conn    *websocket.Conn
	started time.Time

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Server accepts replica connections, merges their records, and fans
// merged state back out.
type Server struct {
	cfg *Config
	db  *DB

	listener net.Listener
	server   *http.Server

	sessionsMu sync.RWMutex
	sessions   map[string]map[*session]bool // ownerID -> live sessions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a server over db. Use Start to begin listening.
func NewServer(db *DB, cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.HeartbeatWindow == 0 {
		cfg.HeartbeatWindow = time.Minute
	}
	if cfg.MaxPayloadBytes == 0 {
		cfg.MaxPayloadBytes = 1 << 20
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:      cfg,
		db:       db,
		sessions: make(map[string]map[*session]bool),
		ctx:      ctx,
		cancel:   cancel,
		logger:   cfg.Logger,
	}
}

// Start begins serving. It returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{owner}", s.handleWebSocket)
	mux.HandleFunc("POST /sync/{owner}", s.handlePull)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}

	s.wg.Add(1)
	go s.sweepLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("sync server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down, closing all push sessions.
func (s *Server) Stop() error {
	s.logger.Println("stopping sync server")
	s.cancel()

	s.sessionsMu.Lock()
	for _, owned := range s.sessions {
		for sess := range owned {
			_ = sess.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
	}
	s.sessions = make(map[string]map[*session]bool)
	s.sessionsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// SessionCount returns the number of live push sessions across owners.
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	n := 0
	for _, owned := range s.sessions {
		n += len(owned)
	}
	return n
}

// handleWebSocket runs one push session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ownerID := r.PathValue("owner")
	if ownerID == "" {
		http.Error(w, "owner required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	sess := &session{
		id:       uuid.New().String(),
		ownerID:  ownerID,
		conn:     conn,
		started:  time.Now(),
		lastSeen: time.Now(),
	}
	s.addSession(sess)
	s.logger.Printf("push session %s opened for %s (total: %d)", sess.id, ownerID, s.SessionCount())

	defer s.removeSession(sess, websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		sess.touch()

		var env transport.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Printf("session %s: discarding malformed message: %v", sess.id, err)
			continue
		}
		s.handleEnvelope(sess, &env)
	}
}

// handleEnvelope processes one inbound push message.
func (s *Server) handleEnvelope(sess *session, env *transport.Envelope) {
	switch env.Kind {
	case transport.KindPing:
		s.write(sess, &transport.Envelope{Kind: transport.KindPong})

	case transport.KindPong:
		// Traffic already counted by touch.

	case transport.KindRecord:
		ack, applied := s.mergeFrame(sess.ownerID, env.Record)
		s.write(sess, &transport.Envelope{Kind: transport.KindAck, Ack: ack})
		if applied {
			s.broadcast(sess, env.Record)
		}

	case transport.KindSyncRequest:
		since := int64(0)
		if env.Sync != nil {
			since = env.Sync.Since
		}
		frames, high, err := s.db.ListSince(sess.ownerID, since)
		if err != nil {
			s.logger.Printf("session %s: state request failed: %v", sess.id, err)
			return
		}
		s.write(sess, &transport.Envelope{Kind: transport.KindBatch, Batch: &transport.Batch{
			OwnerID:    sess.ownerID,
			Records:    frames,
			ServerTime: high,
		}})

	default:
		s.logger.Printf("session %s: ignoring %s envelope", sess.id, env.Kind)
	}
}

// handlePull serves the pull strategy: one request/response exchange that
// merges the folded-in records and returns everything newer than Since.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	ownerID := r.PathValue("owner")

	var req transport.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := transport.PullResponse{}
	for _, f := range req.Records {
		ack, applied := s.mergeFrame(ownerID, f)
		resp.Acks = append(resp.Acks, ack)
		if applied {
			s.broadcast(nil, f)
		}
	}

	frames, high, err := s.db.ListSince(ownerID, req.Since)
	if err != nil {
		s.logger.Printf("pull for %s failed: %v", ownerID, err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	resp.Records = frames
	resp.ServerTime = high

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(&resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.SessionCount(),
	})
}

// mergeFrame validates and merges one frame, producing its ack.
func (s *Server) mergeFrame(ownerID string, f *transport.Frame) (*transport.Ack, bool) {
	if f == nil {
		return &transport.Ack{Accepted: false, Error: "empty record"}, false
	}
	if err := s.validateFrame(ownerID, f); err != nil {
		s.logger.Printf("rejected record %s for %s: %v", f.RecordID, ownerID, err)
		return &transport.Ack{RecordID: f.RecordID, Accepted: false, Error: err.Error()}, false
	}

	applied, err := s.db.MergeRecord(f)
	if err != nil {
		s.logger.Printf("merge failed for %s: %v", f.RecordID, err)
		return &transport.Ack{RecordID: f.RecordID, Accepted: false, Error: "storage failure"}, false
	}
	return &transport.Ack{RecordID: f.RecordID, Accepted: true}, applied
}

// validateFrame enforces the wire contract for inbound records.
func (s *Server) validateFrame(ownerID string, f *transport.Frame) error {
	if f.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	if f.OwnerID != ownerID {
		return fmt.Errorf("owner mismatch: frame says %q, endpoint is %q", f.OwnerID, ownerID)
	}
	if f.UpdatedAt <= 0 {
		return fmt.Errorf("updated_at is required")
	}
	if size := payloadSize(f); size > s.cfg.MaxPayloadBytes {
		return fmt.Errorf("payload too large: %d bytes (limit %d)", size, s.cfg.MaxPayloadBytes)
	}
	return nil
}

func payloadSize(f *transport.Frame) int {
	n := 0
	for k, v := range f.Payload {
		n += len(k) + len(v)
	}
	return n
}

// broadcast fans one merged frame out to the owner's other live push
// sessions. from is nil when the frame arrived over pull.
func (s *Server) broadcast(from *session, f *transport.Frame) {
	s.sessionsMu.RLock()
	targets := make([]*session, 0, len(s.sessions[f.OwnerID]))
	for sess := range s.sessions[f.OwnerID] {
		if sess != from {
			targets = append(targets, sess)
		}
	}
	s.sessionsMu.RUnlock()

	env := &transport.Envelope{Kind: transport.KindRecord, Record: f}
	for _, sess := range targets {
		s.write(sess, env)
	}
}

// write sends one envelope to a session, evicting it on failure.
func (s *Server) write(sess *session, env *transport.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Printf("failed to encode %s envelope: %v", env.Kind, err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := sess.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Printf("session %s: write failed, evicting: %v", sess.id, err)
		s.removeSession(sess, websocket.StatusAbnormalClosure, "write failed")
	}
}

func (s *Server) addSession(sess *session) {
	s.sessionsMu.Lock()
	owned := s.sessions[sess.ownerID]
	if owned == nil {
		owned = make(map[*session]bool)
		s.sessions[sess.ownerID] = owned
	}
	owned[sess] = true
	s.sessionsMu.Unlock()
}

func (s *Server) removeSession(sess *session, code websocket.StatusCode, reason string) {
	s.sessionsMu.Lock()
	owned, ok := s.sessions[sess.ownerID]
	if ok {
		if _, live := owned[sess]; !live {
			ok = false
		}
		delete(owned, sess)
		if len(owned) == 0 {
			delete(s.sessions, sess.ownerID)
		}
	}
	s.sessionsMu.Unlock()

	if ok {
		_ = sess.conn.Close(code, reason)
		s.logger.Printf("push session %s closed (total: %d)", sess.id, s.SessionCount())
	}
}

// sweepLoop evicts push sessions that have gone silent past the
// heartbeat window, so dead connections cannot pile up.
func (s *Server) sweepLoop() {
	defer s.wg.Done()

	interval := s.cfg.HeartbeatWindow / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.HeartbeatWindow)

			s.sessionsMu.RLock()
			var stale []*session
			for _, owned := range s.sessions {
				for sess := range owned {
					if sess.idleSince().Before(cutoff) {
						stale = append(stale, sess)
					}
				}
			}
			s.sessionsMu.RUnlock()

			for _, sess := range stale {
				s.logger.Printf("evicting silent session %s for %s", sess.id, sess.ownerID)
				s.removeSession(sess, websocket.StatusGoingAway, "liveness timeout")
			}
		}
	}
}
