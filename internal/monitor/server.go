// Package monitor serves a small web page showing live panel traffic, the
// session state and the running configuration.
package monitor

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/panelbridge/internal/bridge"
	"github.com/shaunagostinho/panelbridge/internal/panel"
	"github.com/shaunagostinho/panelbridge/internal/protocol"
)

// ConfigStore is the editable configuration.
type ConfigStore interface {
	ToJSON() ([]byte, error)
	UpdateFromJSON(data []byte) error
	Save() error
}

// StatusSource reports the live session.
type StatusSource interface {
	Status() bridge.Status
}

// TrafficSwitch turns the traffic recorder on and off at runtime.
type TrafficSwitch interface {
	SetEnabled(on bool)
	IsEnabled() bool
}

// Server broadcasts traffic to WebSocket clients.
type Server struct {
	addr    string
	cfg     ConfigStore
	status  StatusSource
	traffic TrafficSwitch
	webFS   fs.FS
	every   time.Duration

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Message is the JSON structure sent to all WebSocket clients. Type is one
// of "frame", "event", "status" or "config".
type Message struct {
	Type      string          `json:"type"`
	Direction string          `json:"direction,omitempty"`
	Frame     *FrameView      `json:"frame,omitempty"`
	Event     *EventView      `json:"event,omitempty"`
	Status    *bridge.Status  `json:"status,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	Stamp     int64           `json:"stamp"` // Unix ms
}

type FrameView struct {
	Command int    `json:"command"`
	Value   int32  `json:"value"`
	Tag     string `json:"tag,omitempty"`
	Text    string `json:"text,omitempty"`
}

type EventView struct {
	Switch  int    `json:"switch"`
	Enabled bool   `json:"enabled"`
	Error   string `json:"error,omitempty"`
}

// New creates a new Server. status may be nil until a session exists.
func New(addr string, cfg ConfigStore, status StatusSource, webFS fs.FS) *Server {
	return &Server{
		addr:    addr,
		cfg:     cfg,
		status:  status,
		webFS:   webFS,
		every:   time.Second,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetTraffic exposes t on /api/traffic.
func (s *Server) SetTraffic(t TrafficSwitch) {
	s.traffic = t
}

// Handler builds the routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/api/config", s.handleGetConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/config", s.handlePostConfig).Methods(http.MethodPost)
	r.HandleFunc("/api/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/api/traffic", s.handleTraffic).Methods(http.MethodGet, http.MethodPost)
	if s.webFS != nil {
		r.PathPrefix("/").Handler(http.FileServer(http.FS(s.webFS)))
	}
	return r
}

// Run serves until ctx is done, pushing a status message every second.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go s.statusLoop(ctx)
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[monitor] listening on %s", s.addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.status == nil || s.clientCount() == 0 {
				continue
			}
			st := s.status.Status()
			s.broadcast(Message{Type: "status", Status: &st, Stamp: time.Now().UnixMilli()})
		}
	}
}

// ObserveFrame forwards link traffic to clients.
func (s *Server) ObserveFrame(dir protocol.Direction, f protocol.Frame) {
	if s.clientCount() == 0 {
		return
	}
	fv := &FrameView{Command: int(f.Command), Value: f.Value, Text: f.Text}
	if f.Tag != 0 {
		fv.Tag = string(rune(f.Tag))
	}
	s.broadcast(Message{Type: "frame", Direction: string(dir), Frame: fv, Stamp: time.Now().UnixMilli()})
}

// ObserveEvent forwards switch edges to clients.
func (s *Server) ObserveEvent(ev panel.Event, err error) {
	if s.clientCount() == 0 {
		return
	}
	evv := &EventView{Switch: ev.Switch, Enabled: ev.Enabled}
	if err != nil {
		evv.Error = err.Error()
	}
	s.broadcast(Message{Type: "event", Event: evv, Stamp: time.Now().UnixMilli()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Send initial status before joining the broadcast set
	if s.status != nil {
		st := s.status.Status()
		if data, err := json.Marshal(Message{Type: "status", Status: &st, Stamp: time.Now().UnixMilli()}); err == nil {
			client.send <- data
		}
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			close(client.send)
			n := len(s.clients)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	data, err := s.cfg.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.cfg.UpdateFromJSON(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.cfg.Save(); err != nil {
		log.Printf("[config] save failed: %v", err)
	}
	if data, err := s.cfg.ToJSON(); err == nil {
		s.broadcast(Message{Type: "config", Config: data, Stamp: time.Now().UnixMilli()})
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok","restart_required":true}`))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		http.Error(w, "no session", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.status.Status())
}

type trafficState struct {
	Enabled bool `json:"enabled"`
}

// handleTraffic reports the recorder state; a POST of {"enabled": bool}
// switches it without a restart.
func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	if s.traffic == nil {
		http.Error(w, "no traffic recorder", http.StatusServiceUnavailable)
		return
	}
	if r.Method == http.MethodPost {
		var req trafficState
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		s.traffic.SetEnabled(req.Enabled)
		log.Printf("[monitor] traffic log enabled=%v", req.Enabled)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trafficState{Enabled: s.traffic.IsEnabled()})
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
