// Command audiohost runs the plugin host engine with the built-in plugins
// for a fixed duration and reports the resulting routing.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shaban/audiohost"
	"github.com/shaban/audiohost/config"
	"github.com/shaban/audiohost/devices"
	"github.com/shaban/audiohost/driver"
	"github.com/shaban/audiohost/graph"
	"github.com/shaban/audiohost/plugins"
)

func main() {
	var (
		configPath  = flag.String("config", "", "YAML engine config (defaults are used when empty)")
		mode        = flag.String("mode", "", "process mode override: rack or patchbay")
		driverName  = flag.String("driver", "", "audio driver override ("+strings.Join(driver.Names(), ", ")+")")
		duration    = flag.Duration("duration", 3*time.Second, "how long to run; 0 runs until interrupted")
		statePath   = flag.String("state", "", "load engine state from this JSON file instead of the demo setup")
		savePath    = flag.String("save", "", "write the final engine state to this JSON file")
		listDevices = flag.Bool("list-devices", false, "list MIDI devices and exit")
		listPlugins = flag.Bool("list-plugins", false, "list built-in plugins and exit")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if *verbose {
		cfg.Level.SetLevel(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	switch {
	case *listPlugins:
		for _, info := range plugins.List() {
			fmt.Printf("%-12s %-10s %s\n", info.Name, info.Category, info.Description)
		}
		return
	case *listDevices:
		if err := printDevices(); err != nil {
			logger.Error("device enumeration failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	opts, err := loadOptions(*configPath, *mode, *driverName)
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		os.Exit(2)
	}

	if err := run(logger, opts, *duration, *statePath, *savePath); err != nil {
		logger.Error("audiohost failed", zap.Error(err))
		os.Exit(1)
	}
}

func loadOptions(path, mode, driverName string) (config.EngineOptions, error) {
	opts := config.Default()
	if path != "" {
		var err error
		if opts, err = config.Load(path); err != nil {
			return opts, err
		}
	}
	if mode != "" {
		if err := opts.ProcessMode.UnmarshalText([]byte(mode)); err != nil {
			return opts, err
		}
	}
	if driverName != "" {
		opts.Driver = driverName
	}
	return opts, nil
}

func printDevices() error {
	midi, err := devices.Default().MIDI()
	if err != nil && !errors.Is(err, devices.ErrNoProviders) {
		return err
	}
	if len(midi) == 0 {
		fmt.Println("no MIDI devices")
	}
	for _, d := range midi {
		dir := ""
		if d.IsInput {
			dir += "in "
		}
		if d.IsOutput {
			dir += "out"
		}
		fmt.Printf("%-30s %-8s %-4s %s\n", d.Name, d.Provider, dir, d.UID)
	}
	return nil
}

func run(logger *zap.Logger, opts config.EngineOptions, duration time.Duration, statePath, savePath string) error {
	notifier := graph.NotifierFunc(func(n graph.Notification) {
		logger.Debug("graph", zap.Stringer("action", n.Action), zap.Uint("group", n.GroupID),
			zap.Uint("port", n.PortID), zap.String("name", n.Name))
	})
	e, err := audiohost.NewEngine(opts, audiohost.WithLogger(logger), audiohost.WithNotifier(notifier))
	if err != nil {
		return err
	}
	defer e.Destroy()

	if statePath != "" {
		f, err := os.Open(statePath)
		if err != nil {
			return err
		}
		err = e.GetSerializer().LoadFromReader(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
	} else if err := setup(e, logger); err != nil {
		return err
	}

	if err := e.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}
	<-ctx.Done()

	if err := e.Stop(); err != nil {
		return err
	}
	report(e)

	if savePath != "" {
		f, err := os.Create(savePath)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := e.GetSerializer().SaveToWriter(f); err != nil {
			return err
		}
		logger.Info("state saved", zap.String("path", savePath))
	}
	return nil
}

// setup inserts the demo plugins and wires them to the first two hardware
// channels.
func setup(e *audiohost.Engine, logger *zap.Logger) error {
	osc := plugins.NewOscillator("osc", 220, e.SampleRate())
	osc.SetGate(true)
	if _, _, err := e.AddPlugin(osc); err != nil {
		return err
	}
	if _, _, err := e.AddPlugin(plugins.NewGain("amp", 0.25)); err != nil {
		return err
	}

	ports := e.ExternalPorts()
	var conns [][2]string
	switch e.Options().ProcessMode {
	case config.ProcessModeRack:
		hostIns := []string{"Carla:AudioIn1", "Carla:AudioIn2"}
		hostOuts := []string{"Carla:AudioOut1", "Carla:AudioOut2"}
		for i := range min(2, len(ports.AudioIns)) {
			conns = append(conns, [2]string{"AudioIn:" + ports.AudioIns[i], hostIns[i]})
		}
		for i := range min(2, len(ports.AudioOuts)) {
			conns = append(conns, [2]string{hostOuts[i], "AudioOut:" + ports.AudioOuts[i]})
		}
	case config.ProcessModePatchbay:
		conns = append(conns,
			[2]string{"MIDI Input:events-out", "osc:events-in"},
			[2]string{"osc:audio-out1", "amp:audio-in1"},
			[2]string{"osc:audio-out2", "amp:audio-in2"},
			[2]string{"amp:audio-out1", "Audio Output:Left"},
			[2]string{"amp:audio-out2", "Audio Output:Right"},
		)
	}
	external := e.Options().ProcessMode == config.ProcessModeRack
	for _, c := range conns {
		if err := e.RestorePatchbayConnection(external, c[0], c[1]); err != nil {
			return fmt.Errorf("connect %s -> %s: %w", c[0], c[1], err)
		}
	}
	if len(ports.MIDIIns) > 0 {
		// MIDI input is optional; a busy port only gets logged.
		if err := e.RestorePatchbayConnection(true, "MidiIn:"+ports.MIDIIns[0], "Carla:MidiIn"); err != nil {
			logger.Warn("MIDI input not connected", zap.String("port", ports.MIDIIns[0]), zap.Error(err))
		}
	}
	return nil
}

func report(e *audiohost.Engine) {
	fmt.Printf("engine %s (%s, %s driver)\n", e.ID(), e.Options().ProcessMode, e.Driver().Name())
	for _, p := range e.PluginEntries() {
		peaks, _ := e.PluginPeaks(p.ID)
		fmt.Printf("  plugin %d %-6s out peaks %.3f %.3f\n", p.ID, p.Name, peaks[2], peaks[3])
	}
	printPairs("external", e.PatchbayConnections(true))
	if e.Options().ProcessMode == config.ProcessModePatchbay {
		printPairs("internal", e.PatchbayConnections(false))
	}
	fmt.Printf("overruns: %d\n", e.OverrunCount())
	if msg := e.LastError(); msg != "" {
		fmt.Printf("last error: %s\n", msg)
	}
}

func printPairs(label string, names []string) {
	fmt.Printf("%s connections:\n", label)
	for i := 0; i+1 < len(names); i += 2 {
		fmt.Printf("  %s -> %s\n", names[i], names[i+1])
	}
}
