// Package telemetry samples the vessel and sends indicator words, gauge levels
// and scalar readouts to the panel on a fixed cadence.
//
// Each tick runs the same steps in the same order, so a given sequence of
// vessel states always produces the same sequence of frames:
//
//  1. session-fed and periodically polled indicator flags
//  2. dirty flag words, in register order
//  3. resource gauges, every ResourceInterval or right after a mode change
//  4. scalar fields, in field order
//
// Streamed fields only record their latest sample from the subscription
// callback. The tick decides whether to send it: the formatted value must
// differ from the last one sent and RateLimit must have passed since then. A
// sample held back by the rate limit is sent by a later tick once the window
// opens, unless the value has returned to what the panel already shows.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/panelbridge/internal/flags"
	"github.com/shaunagostinho/panelbridge/internal/protocol"
	"github.com/shaunagostinho/panelbridge/internal/session"
	"github.com/shaunagostinho/panelbridge/internal/vehicle"
)

// Sender is the outbound half of the serial link.
type Sender interface {
	// Encode renders f without sending it. Two frames that encode to the
	// same bytes look the same to the panel.
	Encode(f protocol.Frame) ([]byte, error)
	Send(f protocol.Frame) error
}

type Config struct {
	Interval         time.Duration
	RateLimit        time.Duration
	ResourceInterval time.Duration
	Commands         protocol.CommandSet
	Fields           []Field
	Flags            []FlagBinding
}

// DefaultConfig uses the stock layout for cs.
func DefaultConfig(cs protocol.CommandSet) Config {
	return Config{
		Interval:         100 * time.Millisecond,
		RateLimit:        time.Second,
		ResourceInterval: time.Second,
		Commands:         cs,
		Fields:           DefaultFields(cs),
		Flags:            DefaultFlagBindings(time.Second),
	}
}

type fieldState struct {
	Field
	gen     uint64 // bumped by the subscription callback, guarded by Scheduler.mu
	seen    uint64
	lastKey string
	lastAt  time.Time
}

type flagState struct {
	FlagBinding
	word     *flags.Word
	lastPoll time.Time
}

// Scheduler is the outbound activity group.
type Scheduler struct {
	cfg    Config
	vessel vehicle.Vessel
	reg    *flags.Register
	state  *session.State
	out    Sender
	now    func() time.Time

	fields   []*fieldState
	flagSubs []*flagState
	polls    []*flagState
	byStream map[string][]*fieldState

	mu       sync.Mutex
	latest   map[string]vehicle.Value
	shown    map[string]string
	cancels  []func()
	sent     uint64
	lastSend time.Time

	resKey string
	resAt  time.Time
	resGen uint64
}

// New validates the layout against reg.
func New(cfg Config, v vehicle.Vessel, reg *flags.Register, st *session.State, out Sender) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("telemetry: interval must be positive")
	}
	s := &Scheduler{
		cfg:      cfg,
		vessel:   v,
		reg:      reg,
		state:    st,
		out:      out,
		now:      time.Now,
		byStream: make(map[string][]*fieldState),
		latest:   make(map[string]vehicle.Value),
		shown:    make(map[string]string),
	}
	names := make(map[string]bool, len(cfg.Fields))
	for _, f := range cfg.Fields {
		if err := f.validate(); err != nil {
			return nil, err
		}
		if names[f.Name] {
			return nil, fmt.Errorf("telemetry: duplicate field %s", f.Name)
		}
		names[f.Name] = true
		fs := &fieldState{Field: f}
		s.fields = append(s.fields, fs)
		if f.Polled {
			continue
		}
		for _, stream := range f.streams() {
			s.byStream[stream] = append(s.byStream[stream], fs)
		}
	}
	for _, b := range cfg.Flags {
		w, ok := reg.Word(b.Word)
		if !ok {
			return nil, fmt.Errorf("telemetry: flag binding %s.%s: no such word", b.Word, b.Field)
		}
		if _, err := w.Field(b.Field); err != nil {
			return nil, fmt.Errorf("telemetry: flag binding: %w", err)
		}
		fs := &flagState{FlagBinding: b, word: w}
		if b.Stream == SourceStagingArmed || b.Every > 0 {
			s.polls = append(s.polls, fs)
		} else {
			s.flagSubs = append(s.flagSubs, fs)
		}
	}
	return s, nil
}

// SetClock replaces time.Now.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Reset forgets what the panel was sent so everything goes out again.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.fields {
		f.lastKey = ""
		f.lastAt = time.Time{}
		f.seen = f.gen
	}
	for _, p := range s.polls {
		p.lastPoll = time.Time{}
	}
	s.shown = make(map[string]string)
	s.resKey = ""
	s.resAt = time.Time{}
	s.resGen = s.state.ModeGeneration()
}

// Start subscribes to every streamed flag and field. Subscriptions deliver
// their current value right away.
func (s *Scheduler) Start() error {
	for _, fs := range s.flagSubs {
		fs := fs
		cancel, err := s.vessel.Subscribe(fs.Stream, func(v vehicle.Value) {
			if _, err := fs.word.SetField(fs.Field, v); err != nil {
				log.Printf("[telemetry] %v", err)
			}
		})
		if err != nil {
			s.Stop()
			return fmt.Errorf("telemetry: subscribe %s: %w", fs.Stream, err)
		}
		s.addCancel(cancel)
	}
	for stream := range s.byStream {
		stream := stream
		cancel, err := s.vessel.Subscribe(stream, func(v vehicle.Value) {
			s.mu.Lock()
			s.latest[stream] = v
			for _, f := range s.byStream[stream] {
				f.gen++
			}
			s.mu.Unlock()
		})
		if err != nil {
			s.Stop()
			return fmt.Errorf("telemetry: subscribe %s: %w", stream, err)
		}
		s.addCancel(cancel)
	}
	log.Printf("[telemetry] Subscribed to %d flag and %d field streams", len(s.flagSubs), len(s.byStream))
	return nil
}

func (s *Scheduler) addCancel(c func()) {
	s.mu.Lock()
	s.cancels = append(s.cancels, c)
	s.mu.Unlock()
}

// Stop drops every subscription.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Run subscribes and ticks until ctx is done or a send fails.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Reset()
	if err := s.Start(); err != nil {
		return err
	}
	defer s.Stop()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one pass of the schedule.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()

	for _, p := range s.polls {
		if err := s.pollFlag(ctx, p, now); err != nil {
			return err
		}
	}
	if _, err := s.reg.EmitDirty(s.send); err != nil {
		return err
	}
	if err := s.checkResources(ctx, now); err != nil {
		return err
	}
	for _, f := range s.fields {
		if err := s.checkField(ctx, f, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) pollFlag(ctx context.Context, p *flagState, now time.Time) error {
	if p.Stream == SourceStagingArmed {
		_, err := p.word.SetField(p.Field, vehicle.Bool(s.state.StagingArmed()))
		return err
	}
	if !p.lastPoll.IsZero() && now.Sub(p.lastPoll) < p.Every {
		return nil
	}
	v, err := s.vessel.Read(ctx, p.Stream)
	if err != nil {
		return fmt.Errorf("telemetry: read %s: %w", p.Stream, err)
	}
	p.lastPoll = now
	_, err = p.word.SetField(p.Field, v)
	return err
}

func (s *Scheduler) checkResources(ctx context.Context, now time.Time) error {
	gen := s.state.ModeGeneration()
	modeChanged := gen != s.resGen
	if !modeChanged && !s.resAt.IsZero() && now.Sub(s.resAt) < s.cfg.ResourceInterval {
		return nil
	}
	mode := s.state.ResourceMode()
	levels, err := SampleLevels(ctx, s.vessel, mode)
	if err != nil {
		return err
	}
	s.resAt = now
	s.resGen = gen

	f := levels.Frame(s.cfg.Commands, mode)
	key, err := s.out.Encode(f)
	if err != nil {
		return fmt.Errorf("telemetry: encode resources: %w", err)
	}
	if !modeChanged && string(key) == s.resKey {
		return nil
	}
	if err := s.send(f); err != nil {
		return err
	}
	s.resKey = string(key)
	return nil
}

func (s *Scheduler) checkField(ctx context.Context, f *fieldState, now time.Time) error {
	var (
		v   float64
		gen uint64
	)
	if f.Polled {
		vals := make(map[string]vehicle.Value, 1+len(f.Divisors))
		for _, stream := range f.streams() {
			val, err := s.vessel.Read(ctx, stream)
			if err != nil {
				return fmt.Errorf("telemetry: read %s: %w", stream, err)
			}
			vals[stream] = val
		}
		v = sampleOf(f.Field, vals)
	} else {
		s.mu.Lock()
		if f.gen == f.seen {
			s.mu.Unlock()
			return nil
		}
		gen = f.gen
		v = sampleOf(f.Field, s.latest)
		s.mu.Unlock()
	}

	r := f.Format.Apply(v)
	frame := protocol.Frame{Command: f.Command, Value: r.Value, Tag: f.Tag, Text: r.Text}
	key, err := s.out.Encode(frame)
	if err != nil {
		return fmt.Errorf("telemetry: encode %s: %w", f.Name, err)
	}

	if string(key) == f.lastKey {
		f.seen = gen
		return nil
	}
	if !f.Polled && !f.lastAt.IsZero() && now.Sub(f.lastAt) < s.cfg.RateLimit {
		// held back; retried next tick
		return nil
	}
	if err := s.send(frame); err != nil {
		return err
	}
	f.lastKey = string(key)
	f.lastAt = now
	f.seen = gen

	s.mu.Lock()
	s.shown[f.Name] = r.Text
	s.mu.Unlock()
	return nil
}

func sampleOf(f Field, vals map[string]vehicle.Value) float64 {
	v := vals[f.Stream].Float()
	if len(f.Divisors) == 0 {
		return v
	}
	den := 1.0
	for _, d := range f.Divisors {
		den *= vals[d].Float()
	}
	return Ratio(v, den)
}

func (s *Scheduler) send(f protocol.Frame) error {
	if err := s.out.Send(f); err != nil {
		return fmt.Errorf("telemetry: send %s: %w", f, err)
	}
	s.mu.Lock()
	s.sent++
	s.lastSend = s.now()
	s.mu.Unlock()
	return nil
}

// Status is a point-in-time view for the monitor.
type Status struct {
	FramesSent   uint64            `json:"frames_sent"`
	LastSend     time.Time         `json:"last_send"`
	Readouts     map[string]string `json:"readouts"`
	ResourceMode string            `json:"resource_mode"`
	StagingArmed bool              `json:"staging_armed"`
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	shown := make(map[string]string, len(s.shown))
	for k, v := range s.shown {
		shown[k] = v
	}
	return Status{
		FramesSent:   s.sent,
		LastSend:     s.lastSend,
		Readouts:     shown,
		ResourceMode: s.state.ResourceMode().String(),
		StagingArmed: s.state.StagingArmed(),
	}
}
