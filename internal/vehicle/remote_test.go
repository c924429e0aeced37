package vehicle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeBridge answers the remote protocol from a Sim.
type fakeBridge struct {
	t   *testing.T
	sim *Sim

	mu   sync.Mutex
	conn *websocket.Conn
	ops  []string
}

func (b *fakeBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		b.t.Errorf("upgrade: %v", err)
		return
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	defer conn.Close()

	var cancels []func()
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	ctx := context.Background()
	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		b.mu.Lock()
		b.ops = append(b.ops, req.Op)
		b.mu.Unlock()

		var result interface{}
		var opErr error
		switch req.Op {
		case "read":
			result, opErr = b.sim.Read(ctx, req.Stream)
		case "subscribe":
			stream := req.Stream
			var cancel func()
			cancel, opErr = b.sim.Subscribe(stream, func(v Value) {
				b.write(message{Stream: stream, Value: &v})
			})
			if cancel != nil {
				cancels = append(cancels, cancel)
			}
		case "unsubscribe":
		case "control":
			result, opErr = b.sim.Control(ctx, req.Name)
		case "set_control":
			opErr = b.sim.SetControl(ctx, req.Name, *req.On)
		case "current_stage":
			result, opErr = b.sim.CurrentStage(ctx)
		case "engines":
			result, opErr = b.sim.Engines(ctx, *req.Stage)
		case "docking_ports":
			result, opErr = b.sim.DockingPorts(ctx)
		case "undock":
			opErr = b.sim.Undock(ctx, req.Target)
		case "resource":
			result, opErr = b.sim.ResourceIn(ctx, *req.Stage, req.Name)
		default:
			opErr = errors.New("unsupported op " + req.Op)
		}

		m := message{ID: req.ID}
		if opErr != nil {
			m.Error = opErr.Error()
		} else if result != nil {
			raw, _ := json.Marshal(result)
			m.Result = raw
		}
		b.write(m)
	}
}

func (b *fakeBridge) write(m message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.WriteJSON(m)
	}
}

func startRemote(t *testing.T) (*Remote, *Sim, func()) {
	t.Helper()
	sim := NewSim()
	srv := httptest.NewServer(&fakeBridge{t: t, sim: sim})
	r := NewRemote(RemoteConfig{
		Address: strings.TrimPrefix(srv.URL, "http://"),
		Timeout: 2 * time.Second,
	})
	if err := r.Connect(); err != nil {
		srv.Close()
		t.Fatalf("Connect: %v", err)
	}
	return r, sim, func() {
		r.Close()
		srv.Close()
	}
}

func TestRemote_ReadAndControl(t *testing.T) {
	r, sim, done := startRemote(t)
	defer done()
	ctx := context.Background()

	sim.Set(StreamApoapsis, Number(81234))
	v, err := r.Read(ctx, StreamApoapsis)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if v.Num != 81234 {
		t.Fatalf("Read = %v", v)
	}

	if err := r.SetControl(ctx, "sas", true); err != nil {
		t.Fatalf("SetControl: %v", err)
	}
	on, err := r.Control(ctx, "sas")
	if err != nil || !on {
		t.Fatalf("Control = %v, %v", on, err)
	}

	stage, err := r.CurrentStage(ctx)
	if err != nil || stage != 2 {
		t.Fatalf("CurrentStage = %d, %v", stage, err)
	}
	res, err := r.ResourceIn(ctx, 1, "LiquidFuel")
	if err != nil || res.Capacity != 360 {
		t.Fatalf("ResourceIn = %+v, %v", res, err)
	}
}

func TestRemote_ErrorReply(t *testing.T) {
	r, _, done := startRemote(t)
	defer done()

	_, err := r.Read(context.Background(), "no.such.stream")
	if err == nil || !strings.Contains(err.Error(), "unknown stream") {
		t.Fatalf("expected remote error, got %v", err)
	}
}

func TestRemote_Subscribe(t *testing.T) {
	r, sim, done := startRemote(t)
	defer done()

	got := make(chan Value, 4)
	cancel, err := r.Subscribe(StreamPitch, func(v Value) { got <- v })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	// first sample is the current value
	select {
	case v := <-got:
		if v.Num != 90 {
			t.Fatalf("initial sample %v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no initial sample")
	}

	sim.Set(StreamPitch, Number(45))
	select {
	case v := <-got:
		if v.Num != 45 {
			t.Fatalf("pushed sample %v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pushed sample")
	}
}

func TestRemote_NotConnected(t *testing.T) {
	r := NewRemote(RemoteConfig{Address: "127.0.0.1:1"})
	if _, err := r.Read(context.Background(), StreamMass); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close on unconnected: %v", err)
	}
}
