// Command hbutton-bridge connects to an H-Button over BLE and maps its
// encoder to the system volume and its button to microphone mute.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/chaz8081/hbutton-bridge/internal/audio"
	"github.com/chaz8081/hbutton-bridge/internal/ble"
	"github.com/chaz8081/hbutton-bridge/internal/config"
	"github.com/chaz8081/hbutton-bridge/internal/controller"
	"github.com/chaz8081/hbutton-bridge/internal/hotkey"
	"github.com/chaz8081/hbutton-bridge/internal/monitor"
	"github.com/chaz8081/hbutton-bridge/internal/status"
	"github.com/chaz8081/hbutton-bridge/internal/tray"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/hbutton-bridge/config.yaml)")
	writeConfig := flag.Bool("write-config", false, "write the default config file and exit")
	listDevices := flag.Bool("list-devices", false, "list audio capture devices and exit")
	flag.Parse()

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("write config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	if *listDevices {
		devices, err := audio.CaptureDevices()
		if err != nil {
			log.Fatalf("list devices: %v", err)
		}
		for _, d := range devices {
			marker := " "
			if d.Default {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, d.Name)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logFile, err := setupLogging(cfg)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}

	if !cfg.UI.Monitor {
		printBanner(cfg)
	}

	code := run(cfg)
	if logFile != nil {
		logFile.Close()
	}
	// Exit directly to avoid gohook's C cleanup crash.
	// The OS reclaims the event hook on process exit.
	os.Exit(code)
}

func run(cfg *config.Config) int {
	mixer, err := audio.NewMixer(audio.MixerOptions{
		Backend:         cfg.Audio.Backend,
		Card:            cfg.Audio.Card,
		PlaybackControl: cfg.Audio.PlaybackControl,
		CaptureControl:  cfg.Audio.CaptureControl,
	})
	if err != nil {
		slog.Error("mixer", "error", err)
		return 1
	}

	// mon is assigned before any goroutine that can notify is started.
	var mon *monitor.Monitor
	notifiers := tray.Multi{tray.LogNotifier{}}
	if cfg.Tray.DesktopNotifications {
		desktop, err := tray.NewDesktopNotifier("hbutton-bridge")
		if err != nil {
			slog.Warn("[TRAY] desktop notifications unavailable", "error", err)
		} else {
			defer desktop.Close()
			notifiers = append(notifiers, desktop)
		}
	}
	notifiers = append(notifiers, tray.NotifierFunc(func(s audio.MicStatus) {
		if mon != nil {
			mon.MicStatusChanged(s)
		}
	}))

	ctrl := controller.New(mixer, notifiers)

	manager := ble.NewManager(ble.NewTinyGoAdapter(), ble.ManagerOptions{
		NameFilter:     cfg.Device.NameFilter,
		ConnectTimeout: cfg.Device.ConnectTimeout,
		RetryBase:      time.Second,
		RetryMax:       cfg.Device.RetryMax,
		Pump: ble.PumpOptions{
			ReadAttempts:   cfg.Device.ReadAttempts,
			ReadRetryDelay: cfg.Device.ReadRetryDelay,
			Heartbeat:      cfg.Device.Heartbeat,
		},
		OnSessionChange: func(st ble.SessionState) {
			notifySystemd(sessionStatus(st))
			if mon != nil {
				mon.SessionChanged(st)
			}
		},
	})

	if cfg.UI.Monitor {
		mon = monitor.New(monitor.NewModel(monitor.Source{
			Snapshot: ctrl.Snapshot,
			Session:  manager.State,
			Toggle: func() {
				ctrl.ToggleMute()
				refreshIndicator(manager)
			},
		}, cfg.Audio.PollInterval), tea.WithAltScreen())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		wg       sync.WaitGroup
		exitCode int
		exitMu   sync.Mutex
	)
	fail := func() {
		exitMu.Lock()
		exitCode = 1
		exitMu.Unlock()
		stop()
	}
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	spawn(func() {
		cb := ble.Callbacks{
			OnConnect:      ctrl.OnConnect,
			OnNotification: ctrl.OnNotification,
			Indicator:      ctrl.Indicator,
		}
		if err := manager.Run(ctx, cb); err != nil && ctx.Err() == nil {
			slog.Error("[BLE] session manager stopped", "error", err)
			fail()
		}
	})

	poller := controller.NewPoller(ctrl, manager, cfg.Audio.PollInterval)
	spawn(func() { poller.Run(ctx) })

	if cfg.Hotkey.Enabled {
		listener := hotkey.NewListener(cfg.Hotkey.Keys, cfg.Hotkey.Mode)
		go listener.Start()
		spawn(func() { handleHotkey(ctx, listener, ctrl, manager) })
		slog.Info("Hotkey listener ready", "keys", strings.Join(cfg.Hotkey.Keys, "+"), "mode", cfg.Hotkey.Mode)
	}

	if cfg.Status.Listen != "" {
		srv := status.NewServer(cfg.Status.Listen, status.Source{
			Snapshot: ctrl.Snapshot,
			Session:  manager.State,
		})
		spawn(func() {
			if err := srv.Run(ctx); err != nil {
				slog.Error("status endpoint", "error", err)
				fail()
			}
		})
	}

	notifySystemd(daemon.SdNotifyReady)
	notifySystemd(sessionStatus(ble.SessionState{}))

	if mon != nil {
		go func() {
			<-ctx.Done()
			mon.Quit()
		}()
		if err := mon.Run(); err != nil {
			slog.Error("monitor", "error", err)
			fail()
		}
		stop()
	} else {
		slog.Info("Ready! Waiting for an H-Button. Ctrl+C to quit.", "filter", cfg.Device.NameFilter)
		<-ctx.Done()
	}

	slog.Info("Shutting down...")
	notifySystemd(daemon.SdNotifyStopping)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		slog.Warn("shutdown timed out")
	}

	exitMu.Lock()
	defer exitMu.Unlock()
	return exitCode
}

// handleHotkey applies hotkey actions and refreshes the device indicator.
// A hold-mode listener opens with a release, which mutes at startup.
func handleHotkey(ctx context.Context, l *hotkey.Listener, ctrl *controller.Controller, manager *ble.Manager) {
	events := l.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Action {
			case hotkey.ActionToggle:
				ctrl.ToggleMute()
			case hotkey.ActionTalk:
				ctrl.SetMuted(false)
			case hotkey.ActionRelease:
				ctrl.SetMuted(true)
			}
			refreshIndicator(manager)
		}
	}
}

// refreshIndicator queues an LED update. The pump reads the controller's
// state when it writes, so a later change is never overwritten by this one.
func refreshIndicator(manager *ble.Manager) {
	if err := manager.SendIndicator(); err != nil {
		slog.Debug("[BLE] indicator not sent", "error", err)
	}
}

func sessionStatus(st ble.SessionState) string {
	if !st.Connected {
		return "STATUS=Scanning for H-Button"
	}
	name := st.Name
	if name == "" {
		name = st.ID
	}
	return "STATUS=Connected to " + name
}

func notifySystemd(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		slog.Debug("sd_notify failed", "state", state, "error", err)
	}
}

// setupLogging installs the default slog logger. When the monitor owns the
// terminal, logs go to log_file or are discarded.
func setupLogging(cfg *config.Config) (*os.File, error) {
	var w io.Writer = os.Stderr
	var f *os.File
	if cfg.LogFile != "" {
		var err error
		f, err = os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		w = f
	} else if cfg.UI.Monitor {
		w = io.Discard
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == ble.LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	})
	slog.SetDefault(slog.New(handler))
	return f, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== hbutton-bridge ===")
	fmt.Printf("  Device:  %q (connect timeout %s)\n", cfg.Device.NameFilter, cfg.Device.ConnectTimeout)
	if cfg.Audio.Backend == "alsa" {
		fmt.Printf("  Mixer:   alsa card %d (%s / %s)\n", cfg.Audio.Card, cfg.Audio.PlaybackControl, cfg.Audio.CaptureControl)
	} else {
		fmt.Printf("  Mixer:   %s\n", cfg.Audio.Backend)
	}
	if cfg.Hotkey.Enabled {
		fmt.Printf("  Hotkey:  %s (%s mode)\n", strings.Join(cfg.Hotkey.Keys, "+"), cfg.Hotkey.Mode)
	}
	if cfg.Status.Listen != "" {
		fmt.Printf("  Status:  http://%s/status\n", cfg.Status.Listen)
	}
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("======================")
}
