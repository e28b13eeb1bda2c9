// Command clusterd is the cluster daemon binary. It loads the directory-watch
// configuration, opens the embedded catalogue, starts the command server and
// the watcher→queue→db-client pipeline, and shuts down on SIGTERM, SIGINT, or
// SIGHUP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wazuh/clusterd/internal/catalogue"
	"github.com/wazuh/clusterd/internal/config"
	"github.com/wazuh/clusterd/internal/dbclient"
	"github.com/wazuh/clusterd/internal/queue"
	"github.com/wazuh/clusterd/internal/server"
	"github.com/wazuh/clusterd/internal/watcher"
	"github.com/wazuh/clusterd/internal/watchplan"
)

// version is the daemon's release version, reported by -V.
const version = "4.0.0"

// queueCapacity bounds the in-memory dedup queue (spec.md §4, "bounded
// de-duplicating work queue"). There is no configuration knob for it in the
// original; it is sized generously for a single node's event volume.
const queueCapacity = 4096

type flags struct {
	foreground bool
	debug      int
	showVer    bool
	help       bool
	role       string
	usage      func()
}

func parseFlags(args []string) flags {
	fs := flag.NewFlagSet("clusterd", flag.ExitOnError)
	var f flags
	fs.BoolVar(&f.foreground, "f", false, "run in the foreground")
	fs.BoolVar(&f.showVer, "V", false, "print version and exit")
	fs.BoolVar(&f.help, "h", false, "print usage and exit")
	fs.StringVar(&f.role, "t", "", "node role filter (default matches only \"all\" directories)")
	fs.BoolFunc("d", "increase debug level (may repeat)", func(string) error {
		f.debug++
		return nil
	})
	fs.Parse(args) //nolint:errcheck // ExitOnError already handles failures
	f.usage = fs.PrintDefaults
	return f
}

func main() {
	f := parseFlags(os.Args[1:])

	if f.showVer {
		fmt.Println("clusterd", version)
		return
	}
	if f.help {
		fmt.Fprintln(os.Stderr, "Usage of clusterd:")
		f.usage()
		return
	}

	logger := newLogger(f.debug)
	slog.SetDefault(logger)

	installPrefix := envOr("CLUSTERD_INSTALL_PREFIX", "/var/ossec")
	configPath := envOr("CLUSTERD_CONFIG", installPrefix+"/framework/wazuh/cluster.json")
	dbPath := envOr("CLUSTERD_DB_PATH", installPrefix+"/var/db/cluster.db")
	socketPath := envOr("CLUSTERD_SOCKET", installPrefix+"/queue/ossec/cluster_db")

	if err := run(configPath, dbPath, socketPath, installPrefix, f.role, logger); err != nil {
		logger.Error("clusterd: fatal", slog.Any("error", err))
		os.Exit(1)
	}
}

// run wires together configuration, the catalogue, the command server, and
// the watcher→queue→db-client pipeline, and blocks until a termination
// signal arrives or the db client fails. A db client failure is returned
// as an error, since the catalogue would otherwise diverge from the
// filesystem. Any other error returned here is a fatal-startup error per
// spec.md §7 ("cannot create socket, bind, listen, open database, create
// DDL, read config, compute watch set").
func run(configPath, dbPath, socketPath, installPrefix, role string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	entries, err := watchplan.Expand(cfg, installPrefix, role)
	if err != nil {
		return fmt.Errorf("expand watch plan: %w", err)
	}
	logger.Info("watch plan computed", slog.Int("entries", len(entries)), slog.String("role", role))

	store, err := catalogue.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open catalogue: %w", err)
	}
	defer store.Close()

	q := queue.New(queueCapacity, logger)
	defer q.Close()

	// The watcher gets its own copy of the exclusion list rather than a
	// reference to the loaded Config.
	excludes := &config.Config{ExcludedFiles: append([]string(nil), cfg.ExcludedFiles...)}
	rdr, err := watcher.New(entries, excludes.Excludes, q, logger)
	if err != nil {
		return fmt.Errorf("build watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rdr.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer rdr.Stop()

	srv := server.New(socketPath, store, logger)
	ln, err := srv.Listen()
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	defer ln.Close()

	go func() {
		if err := srv.Serve(ln); err != nil {
			logger.Debug("command server stopped", slog.Any("error", err))
		}
	}()

	client := dbclient.New(socketPath, q, logger)
	clientErr := make(chan error, 1)
	go func() {
		clientErr <- client.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-clientErr:
		return fmt.Errorf("db client stopped: %w", err)
	}

	// No PID file is created by this process (PID file management is an
	// external collaborator's responsibility per spec.md §1), so there is
	// nothing to remove here; cancelling ctx and closing the listener is
	// the full shutdown sequence.
	cancel()
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newLogger builds a JSON slog logger at Info level, or at Debug level when
// -d was given at least once; repeating -d beyond the first has no further
// effect on the level.
func newLogger(debugCount int) *slog.Logger {
	level := slog.LevelInfo
	if debugCount > 0 {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
