package vehicle

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// RemoteConfig points at a simulation-host bridge that speaks JSON over a
// WebSocket.
type RemoteConfig struct {
	Address string // host:port
	Path    string // defaults to /vessel
	Timeout time.Duration
	Logger  *log.Logger
}

// Remote is a Vessel whose streams and actions live behind a WebSocket.
//
// Requests carry an id and get exactly one reply with the same id.
// Stream samples arrive unsolicited as {"stream": name, "value": {...}}.
type Remote struct {
	cfg    RemoteConfig
	logger *log.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	idx     int
	pending map[string]chan reply
	subs    map[string]map[int]func(Value)
	nextSub int
	closing chan struct{}
	wg      sync.WaitGroup

	writeMu sync.Mutex
}

type request struct {
	ID     string `json:"id"`
	Op     string `json:"op"`
	Stream string `json:"stream,omitempty"`
	Name   string `json:"name,omitempty"`
	Target string `json:"target,omitempty"`
	Stage  *int   `json:"stage,omitempty"`
	On     *bool  `json:"on,omitempty"`
}

type message struct {
	ID     string          `json:"id,omitempty"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Stream string          `json:"stream,omitempty"`
	Value  *Value          `json:"value,omitempty"`
}

type reply struct {
	result json.RawMessage
	err    error
}

// NewRemote builds an unconnected client.
func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.Path == "" {
		cfg.Path = "/vessel"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", log.LstdFlags)
	}
	return &Remote{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string]map[int]func(Value)),
	}
}

func (r *Remote) Name() string { return "Remote (" + r.cfg.Address + ")" }

// Connect dials the bridge and starts the read loop. Existing subscriptions
// are re-announced so a reconnect keeps streams flowing.
func (r *Remote) Connect() error {
	u := url.URL{Scheme: "ws", Host: r.cfg.Address, Path: r.cfg.Path}
	dialer := websocket.Dialer{HandshakeTimeout: r.cfg.Timeout}
	conn, _, err := dialer.Dial(u.String(), http.Header{})
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s", u.String())
	}

	r.mu.Lock()
	if r.conn != nil {
		r.mu.Unlock()
		conn.Close()
		return errors.New("vehicle: remote already connected")
	}
	r.conn = conn
	r.pending = make(map[string]chan reply)
	r.closing = make(chan struct{})
	streams := make([]string, 0, len(r.subs))
	for s, fns := range r.subs {
		if len(fns) > 0 {
			streams = append(streams, s)
		}
	}
	closing := r.closing
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.readLoop(conn, closing)
	}()

	for _, s := range streams {
		if _, err := r.call(context.Background(), request{Op: "subscribe", Stream: s}); err != nil {
			return errors.Wrapf(err, "resubscribe %s", s)
		}
	}
	r.logger.Printf("[remote] connected to %s", u.String())
	return nil
}

func (r *Remote) Close() error {
	r.mu.Lock()
	conn := r.conn
	closing := r.closing
	r.conn = nil
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	close(closing)
	r.wg.Wait()
	return err
}

func (r *Remote) readLoop(conn *websocket.Conn, closing chan struct{}) {
	for {
		var m message
		if err := conn.ReadJSON(&m); err != nil {
			select {
			case <-closing:
			default:
				r.logger.Println("[remote] read failed:", err)
			}
			conn.Close()
			r.failPending(conn, err)
			return
		}

		if m.ID != "" {
			r.mu.Lock()
			rc, ok := r.pending[m.ID]
			delete(r.pending, m.ID)
			r.mu.Unlock()
			if !ok {
				continue
			}
			var rep reply
			rep.result = m.Result
			if m.Error != "" {
				rep.err = errors.New(m.Error)
			}
			rc <- rep
			continue
		}

		if m.Stream != "" && m.Value != nil {
			r.mu.Lock()
			fns := make([]func(Value), 0, len(r.subs[m.Stream]))
			for _, fn := range r.subs[m.Stream] {
				fns = append(fns, fn)
			}
			r.mu.Unlock()
			for _, fn := range fns {
				fn(*m.Value)
			}
		}
	}
}

func (r *Remote) failPending(conn *websocket.Conn, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rc := range r.pending {
		rc <- reply{err: errors.Wrap(err, "connection lost")}
		delete(r.pending, id)
	}
	if r.conn == conn {
		r.conn = nil
	}
}

func (r *Remote) call(ctx context.Context, req request) (json.RawMessage, error) {
	r.mu.Lock()
	if r.conn == nil {
		r.mu.Unlock()
		return nil, ErrNotConnected
	}
	r.idx++
	req.ID = strconv.Itoa(r.idx)
	rc := make(chan reply, 1)
	r.pending[req.ID] = rc
	conn := r.conn
	closing := r.closing
	r.mu.Unlock()

	r.writeMu.Lock()
	err := conn.WriteJSON(req)
	r.writeMu.Unlock()
	if err != nil {
		r.forget(req.ID)
		return nil, errors.Wrapf(err, "write %s request", req.Op)
	}

	timer := time.NewTimer(r.cfg.Timeout)
	defer timer.Stop()
	select {
	case rep := <-rc:
		if rep.err != nil {
			return nil, errors.Wrapf(rep.err, "%s", req.Op)
		}
		return rep.result, nil
	case <-ctx.Done():
		r.forget(req.ID)
		return nil, ctx.Err()
	case <-closing:
		return nil, ErrNotConnected
	case <-timer.C:
		r.forget(req.ID)
		return nil, errors.Errorf("%s: no reply within %s", req.Op, r.cfg.Timeout)
	}
}

func (r *Remote) forget(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Remote) callInto(ctx context.Context, req request, v interface{}) error {
	raw, err := r.call(ctx, req)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(raw, v), "decode %s result", req.Op)
}

func (r *Remote) Read(ctx context.Context, stream string) (Value, error) {
	var v Value
	err := r.callInto(ctx, request{Op: "read", Stream: stream}, &v)
	return v, err
}

// Subscribe only asks the bridge for a stream when its first local
// subscriber arrives.
func (r *Remote) Subscribe(stream string, fn func(Value)) (func(), error) {
	r.mu.Lock()
	first := len(r.subs[stream]) == 0
	id := r.nextSub
	r.nextSub++
	if r.subs[stream] == nil {
		r.subs[stream] = make(map[int]func(Value))
	}
	r.subs[stream][id] = fn
	r.mu.Unlock()

	if first {
		if _, err := r.call(context.Background(), request{Op: "subscribe", Stream: stream}); err != nil {
			r.mu.Lock()
			delete(r.subs[stream], id)
			r.mu.Unlock()
			return nil, err
		}
	}

	return func() {
		r.mu.Lock()
		delete(r.subs[stream], id)
		last := len(r.subs[stream]) == 0
		r.mu.Unlock()
		if last {
			if _, err := r.call(context.Background(), request{Op: "unsubscribe", Stream: stream}); err != nil {
				r.logger.Printf("[remote] unsubscribe %s: %v", stream, err)
			}
		}
	}, nil
}

func (r *Remote) Control(ctx context.Context, name string) (bool, error) {
	var on bool
	err := r.callInto(ctx, request{Op: "control", Name: name}, &on)
	return on, err
}

func (r *Remote) SetControl(ctx context.Context, name string, on bool) error {
	return r.callInto(ctx, request{Op: "set_control", Name: name, On: &on}, nil)
}

func (r *Remote) ActivateNextStage(ctx context.Context) error {
	return r.callInto(ctx, request{Op: "next_stage"}, nil)
}

func (r *Remote) CurrentStage(ctx context.Context) (int, error) {
	var stage int
	err := r.callInto(ctx, request{Op: "current_stage"}, &stage)
	return stage, err
}

func (r *Remote) Engines(ctx context.Context, stage int) ([]Engine, error) {
	var out []Engine
	err := r.callInto(ctx, request{Op: "engines", Stage: &stage}, &out)
	return out, err
}

func (r *Remote) SetEngineActive(ctx context.Context, id string, on bool) error {
	return r.callInto(ctx, request{Op: "set_engine", Target: id, On: &on}, nil)
}

func (r *Remote) DockingPorts(ctx context.Context) ([]DockingPort, error) {
	var out []DockingPort
	err := r.callInto(ctx, request{Op: "docking_ports"}, &out)
	return out, err
}

func (r *Remote) Undock(ctx context.Context, id string) error {
	return r.callInto(ctx, request{Op: "undock", Target: id}, nil)
}

func (r *Remote) ResourceIn(ctx context.Context, stage int, name string) (Resource, error) {
	var res Resource
	err := r.callInto(ctx, request{Op: "resource", Stage: &stage, Name: name}, &res)
	return res, err
}
