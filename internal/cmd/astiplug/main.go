package main

import (
	"context"
	"fmt"
	"os"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astilog"
	"github.com/asticode/go-astiplug/pkg/astiplugin"
	"github.com/asticode/go-astiplug/pkg/plugins"
	flag "github.com/spf13/pflag"
)

var (
	addr        = flag.String("addr", "", "remote server address, e.g. 127.0.0.1:4000")
	audioOutput = flag.StringP("audio-output", "o", "", "audio output plugin name")
	compression = flag.String("compression", "", "packet compression, either empty or snappy")
	configPath  = flag.StringP("config", "c", "", "path to the yaml configuration")
	duration    = flag.Float64("duration", 0, "tone duration in seconds, 0 means infinite")
	frequency   = flag.Float64("frequency", 0, "tone frequency in Hz")
	logLevel    = flag.String("log-level", "", "log level: debug, info, warn or error")
	mqttBroker  = flag.String("mqtt-broker", "", "mqtt broker url, e.g. tcp://127.0.0.1:1883")
	replayPath  = flag.String("replay", "", "path of the file the session is recorded in")
	track       = flag.Int("track", 0, "track selected when the plug is multi track")
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: astiplug [flags] <command> <args>

Commands:
  play <location>          plays a plug location, or "tone"
  read <location>          reads a plug location and logs its packets
  relay <src> <dst>        relays packets from a plug location to another
  write <location>         writes a tone to a plug location

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	// Parse flags
	flag.Usage = usage
	flag.Parse()

	// Usage
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	// Get configuration
	c, err := configuration()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Create logger
	l := astilog.New(astilog.Configuration{
		AppName: "astiplug",
		Level:   level(c.Log.Level),
	})

	// Create worker
	w := astikit.NewWorker(astikit.WorkerOptions{Logger: l})
	w.HandleSignals(astikit.TermSignalHandler(w.Stop))

	// Create registry
	r, err := plugins.NewRegistry(astiplugin.RegistryOptions{Logger: l})
	if err != nil {
		l.Fatal(fmt.Errorf("main: creating registry failed: %w", err))
	}

	// Run
	a := &app{
		c: c,
		l: astikit.AdaptStdLogger(l),
		r: r,
		w: w,
	}
	ctx := astilog.ContextWithFields(w.Context(), map[string]interface{}{
		"command": args[0],
	})
	if err = a.run(ctx, args[0], args[1:]); err != nil {
		a.l.ErrorC(ctx, err)
		w.Stop()
		os.Exit(1)
	}
	w.Stop()
}

func configuration() (c *Configuration, err error) {
	// Load
	if *configPath != "" {
		if c, err = loadConfiguration(*configPath); err != nil {
			return
		}
	} else {
		c = newConfiguration()
	}

	// Override with flags
	if *addr != "" {
		c.Remote.Server.Addr = *addr
	}
	if *audioOutput != "" {
		c.Player.AudioOutput = PluginConfiguration{Name: *audioOutput}
	}
	if flag.CommandLine.Changed("compression") {
		c.Writer.Compression = *compression
	}
	if flag.CommandLine.Changed("duration") {
		c.Tone.Duration = *duration
	}
	if *frequency > 0 {
		c.Tone.Frequency = *frequency
	}
	if *logLevel != "" {
		c.Log.Level = *logLevel
	}
	if *mqttBroker != "" {
		c.Remote.MQTT.Broker = *mqttBroker
	}
	if *replayPath != "" {
		c.Remote.Replay.Path = *replayPath
	}

	// Validate
	if err = c.validate(); err != nil {
		err = fmt.Errorf("main: validating configuration failed: %w", err)
		return
	}
	return
}

func level(s string) astilog.Level {
	switch s {
	case "debug":
		return astilog.LevelDebug
	case "warn":
		return astilog.LevelWarn
	case "error":
		return astilog.LevelError
	default:
		return astilog.LevelInfo
	}
}

type app struct {
	c *Configuration
	l astikit.CompleteLogger
	r *astiplugin.Registry
	w *astikit.Worker
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	// Check args
	n := 1
	if cmd == "relay" {
		n = 2
	}
	if len(args) != n {
		usage()
		return fmt.Errorf("main: %s expects %d argument(s), got %d", cmd, n, len(args))
	}

	// Switch on command
	switch cmd {
	case "play":
		return a.play(ctx, args[0])
	case "read":
		return a.read(ctx, args[0])
	case "relay":
		return a.relay(ctx, args[0], args[1])
	case "write":
		return a.write(ctx, args[0])
	default:
		usage()
		return fmt.Errorf("main: unknown command %s", cmd)
	}
}
