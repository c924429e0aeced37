package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shaunagostinho/panelbridge/internal/bridge"
	"github.com/shaunagostinho/panelbridge/internal/config"
	"github.com/shaunagostinho/panelbridge/internal/dispatch"
	"github.com/shaunagostinho/panelbridge/internal/link"
	"github.com/shaunagostinho/panelbridge/internal/logger"
	"github.com/shaunagostinho/panelbridge/internal/monitor"
	"github.com/shaunagostinho/panelbridge/internal/protocol"
	"github.com/shaunagostinho/panelbridge/internal/session"
	"github.com/shaunagostinho/panelbridge/internal/telemetry"
	"github.com/shaunagostinho/panelbridge/internal/vehicle"
	"github.com/shaunagostinho/panelbridge/web"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to config file (.yaml or .toml)")
	demo := flag.Bool("demo", false, "Drive the panel from the built-in simulated vessel")
	portPath := flag.String("port", "", "Override panel serial port (e.g. /dev/ttyACM0)")
	listenAddr := flag.String("listen", "", "Override monitor listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] panelbridge starting")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	if *demo {
		cfg.Vehicle.Type = "sim"
	}
	if *portPath != "" {
		cfg.Serial.PortPath = *portPath
	}
	if *listenAddr != "" {
		cfg.Monitor.ListenAddr = *listenAddr
	}

	if cfg.Logging.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
			Compress:   true,
		}
		defer lj.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, lj))
		log.Printf("[main] logging to %s", cfg.Logging.File)
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	var vessel vehicle.Vessel
	switch cfg.Vehicle.Type {
	case "remote":
		rc := cfg.RemoteConfig()
		rc.Logger = log.Default()
		vessel = vehicle.NewRemote(rc)
	default:
		sim := vehicle.NewSim()
		if cfg.Vehicle.Step > 0 {
			go stepSim(ctx, sim, cfg.Vehicle.Step)
		}
		vessel = sim
	}
	defer vessel.Close()

	cs := protocol.CommandsFor(cfg.Version())
	profile, err := cfg.ProtocolProfile()
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	mode, _ := cfg.ResourceMode()
	switches, _ := cfg.SwitchTable()
	commands, _ := cfg.CommandTable()

	reg, err := telemetry.DefaultRegister(cs)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	state := session.New(mode)
	disp, err := dispatch.New(vessel, state, switches, commands)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	b := bridge.New(bridge.Options{
		Vessel:     vessel,
		Register:   reg,
		Dispatcher: disp,
		State:      state,
		Telemetry:  cfg.TelemetryConfig(cs),
	})

	traffic := logger.New(cfg.TrafficLog())
	defer traffic.Close()
	b.AddObserver(traffic)
	observers := []link.Observer{traffic}

	// Monitor works immediately even while the panel or vessel is still connecting
	if cfg.Monitor.Enabled {
		mon := monitor.New(cfg.Monitor.ListenAddr, cfg, b, web.FS)
		mon.SetTraffic(traffic)
		b.AddObserver(mon)
		observers = append(observers, mon)
		go func() {
			if err := mon.Run(ctx); err != nil {
				log.Printf("[main] monitor exited: %v", err)
			}
		}()
	}

	if !connectWithRetry(ctx, "vehicle", vessel, 10) {
		return
	}

	lc, _ := cfg.LinkConfig()
	runPanel(ctx, panelSetup{
		link:      lc,
		profile:   profile,
		commands:  cs,
		observers: observers,
	}, b, vessel)
	log.Println("[main] stopped")
}

func stepSim(ctx context.Context, sim *vehicle.Sim, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sim.Step(every.Seconds())
		}
	}
}

type panelSetup struct {
	link      link.Config
	profile   protocol.Profile
	commands  protocol.CommandSet
	observers []link.Observer
}

// runPanel opens, handshakes and serves the panel until ctx ends. A failed
// session is retried with the same backoff as connectWithRetry; a session
// that got past the handshake resets the delay.
func runPanel(ctx context.Context, ps panelSetup, b *bridge.Bridge, vessel vehicle.Vessel) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		handshook, err := serveOnce(ctx, ps, b)
		if ctx.Err() != nil {
			return
		}
		if handshook {
			delay = time.Second
			attempt = 0
		}
		attempt++
		log.Printf("[panel] session %d ended: %v (retry in %v)", attempt, err, delay)

		if errors.Is(err, vehicle.ErrNotConnected) {
			if !connectWithRetry(ctx, "vehicle", vessel, 10) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func serveOnce(ctx context.Context, ps panelSetup, b *bridge.Bridge) (bool, error) {
	l, err := link.Open(ps.link, ps.profile, ps.commands, nil)
	if err != nil {
		return false, err
	}
	for _, o := range ps.observers {
		l.AddObserver(o)
	}
	if err := l.Handshake(ctx); err != nil {
		l.Close()
		return false, err
	}
	err = b.Run(ctx, l)
	if err == nil {
		err = errors.New("session closed")
	}
	return true, err
}

type connectable interface {
	Connect() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely. It reports false only when
// ctx ends first.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) bool {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		err := c.Connect()
		if err == nil {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return true
		}

		attempt++
		if attempt <= maxAttempts {
			log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
				name, attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
				name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
