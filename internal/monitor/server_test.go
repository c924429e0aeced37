package monitor

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/panelbridge/internal/bridge"
	"github.com/shaunagostinho/panelbridge/internal/dispatch"
	"github.com/shaunagostinho/panelbridge/internal/panel"
	"github.com/shaunagostinho/panelbridge/internal/protocol"
)

type fakeConfig struct {
	mu      sync.Mutex
	body    string
	saves   int
	reject  error
	patches []string
}

func (c *fakeConfig) ToJSON() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return []byte(c.body), nil
}

func (c *fakeConfig) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reject != nil {
		return c.reject
	}
	c.patches = append(c.patches, string(data))
	return nil
}

func (c *fakeConfig) counts() (patches, saves int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.patches), c.saves
}

func (c *fakeConfig) Save() error {
	c.mu.Lock()
	c.saves++
	c.mu.Unlock()
	return nil
}

type fakeStatus struct{}

func (fakeStatus) Status() bridge.Status {
	return bridge.Status{
		Baseline: "0A000000",
		Switches: []dispatch.SwitchBinding{{Switch: 18, Binding: "toggle:sas"}},
	}
}

func newTestServer(t *testing.T, cfg *fakeConfig) (*Server, *httptest.Server) {
	t.Helper()
	web := fstest.MapFS{"index.html": {Data: []byte("<html>panel</html>")}}
	s := New(":0", cfg, fakeStatus{}, web)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m Message
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func TestWebSocket_StatusThenTraffic(t *testing.T) {
	s, ts := newTestServer(t, &fakeConfig{body: "{}"})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	first := readMessage(t, conn)
	if first.Type != "status" || first.Status == nil || first.Status.Baseline != "0A000000" {
		t.Fatalf("first message = %+v", first)
	}

	s.ObserveFrame(protocol.Outbound, protocol.Frame{Tag: 'A', Text: "75"})
	m := readMessage(t, conn)
	if m.Type != "frame" || m.Direction != "out" || m.Frame.Tag != "A" || m.Frame.Text != "75" {
		t.Fatalf("frame message = %+v %+v", m, m.Frame)
	}

	s.ObserveEvent(panel.Event{Switch: 3, Enabled: true}, dispatch.ErrUnhandledSwitch)
	m = readMessage(t, conn)
	if m.Type != "event" || m.Event.Switch != 3 || !m.Event.Enabled || m.Event.Error == "" {
		t.Fatalf("event message = %+v %+v", m, m.Event)
	}
}

func TestObserve_NoClientsIsCheap(t *testing.T) {
	s := New(":0", &fakeConfig{}, nil, nil)
	s.ObserveFrame(protocol.Inbound, protocol.Frame{Command: 32, Value: 5})
	s.ObserveEvent(panel.Event{Switch: 1}, nil)
	if s.clientCount() != 0 {
		t.Fatal("phantom client")
	}
}

func TestAPI_State(t *testing.T) {
	_, ts := newTestServer(t, &fakeConfig{})
	resp, err := http.Get(ts.URL + "/api/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st bridge.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Baseline != "0A000000" || len(st.Switches) != 1 || st.Switches[0].Switch != 18 {
		t.Fatalf("state = %+v", st)
	}
}

func TestAPI_StateWithoutSession(t *testing.T) {
	s := New(":0", &fakeConfig{}, nil, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAPI_Config(t *testing.T) {
	cfg := &fakeConfig{body: `{"serial":{"portPath":"/dev/ttyACM0"}}`}
	_, ts := newTestServer(t, cfg)

	resp, err := http.Get(ts.URL + "/api/config")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != cfg.body {
		t.Fatalf("GET /api/config = %s", body)
	}

	resp, err = http.Post(ts.URL+"/api/config", "application/json", strings.NewReader(`{"serial":{"baudRate":9600}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if patches, saves := cfg.counts(); resp.StatusCode != http.StatusOK || patches != 1 || saves != 1 {
		t.Fatalf("POST: code %d patches %d saves %d", resp.StatusCode, patches, saves)
	}

	cfg.mu.Lock()
	cfg.reject = errors.New("config: unknown profile")
	cfg.mu.Unlock()
	resp, err = http.Post(ts.URL+"/api/config", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if _, saves := cfg.counts(); resp.StatusCode != http.StatusBadRequest || saves != 1 {
		t.Fatalf("rejected POST: code %d saves %d", resp.StatusCode, saves)
	}
}

func TestStaticAssets(t *testing.T) {
	_, ts := newTestServer(t, &fakeConfig{})
	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "panel") {
		t.Fatalf("index = %q", body)
	}
}

type fakeTraffic struct {
	mu sync.Mutex
	on bool
}

func (f *fakeTraffic) SetEnabled(on bool) {
	f.mu.Lock()
	f.on = on
	f.mu.Unlock()
}

func (f *fakeTraffic) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on
}

func TestAPI_TrafficToggle(t *testing.T) {
	s, ts := newTestServer(t, &fakeConfig{})
	tr := &fakeTraffic{}
	s.SetTraffic(tr)

	resp, err := http.Post(ts.URL+"/api/traffic", "application/json", strings.NewReader(`{"enabled":true}`))
	if err != nil {
		t.Fatal(err)
	}
	var got trafficState
	json.NewDecoder(resp.Body).Decode(&got)
	resp.Body.Close()
	if !got.Enabled || !tr.IsEnabled() {
		t.Fatalf("recorder not enabled: reply %+v", got)
	}

	resp, err = http.Get(ts.URL + "/api/traffic")
	if err != nil {
		t.Fatal(err)
	}
	json.NewDecoder(resp.Body).Decode(&got)
	resp.Body.Close()
	if !got.Enabled {
		t.Fatal("GET lost the state")
	}

	resp, err = http.Post(ts.URL+"/api/traffic", "application/json", strings.NewReader(`{oops`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || !tr.IsEnabled() {
		t.Fatalf("bad body: code %d enabled %v", resp.StatusCode, tr.IsEnabled())
	}
}

func TestAPI_TrafficWithoutRecorder(t *testing.T) {
	s := New(":0", &fakeConfig{}, nil, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/traffic", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}
