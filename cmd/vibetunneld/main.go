// Command vibetunneld is the composition root for the terminal-sharing
// server (spec §4.M): it wires the session manager, stream watchers,
// terminal materializers, the control socket, the buffer aggregator, and
// (optionally) HQ/remote federation, in the startup order spec §4.M
// mandates, and tears them down in the mirrored shutdown order on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vibetunnel/server/internal/activity"
	"github.com/vibetunnel/server/internal/config"
	"github.com/vibetunnel/server/internal/control"
	"github.com/vibetunnel/server/internal/dedup"
	"github.com/vibetunnel/server/internal/gitops"
	"github.com/vibetunnel/server/internal/remote"
	"github.com/vibetunnel/server/internal/sessionmgr"
	"github.com/vibetunnel/server/internal/streamwatcher"
	"github.com/vibetunnel/server/internal/vterrors"
)

type flags struct {
	port        int
	controlDir  string
	titleMode   string
	hq          bool
	hqBasicUser string
	hqBasicPass string
	registerHQ  string
	selfURL     string
	remoteName  string
}

func main() {
	f := &flags{}
	root := &cobra.Command{
		Use:   "vibetunneld",
		Short: "VibeTunnel terminal-sharing server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f)
		},
	}

	pf := root.Flags()
	pf.IntVar(&f.port, "port", defaultPort(), "HTTP port to listen on (env PORT)")
	pf.StringVar(&f.controlDir, "control-dir", defaultControlDir(), "control directory (env VIBETUNNEL_CONTROL_DIR)")
	pf.StringVar(&f.titleMode, "title-mode", os.Getenv("VIBETUNNEL_TITLE_MODE"), "title mode (none|filter|static|dynamic); logged at startup, not applied to sessions")
	pf.BoolVar(&f.hq, "hq", false, "run as an HQ instance, aggregating remote peers")
	pf.StringVar(&f.hqBasicUser, "hq-basic-user", "", "HQ mode: basic auth username remotes must present to register")
	pf.StringVar(&f.hqBasicPass, "hq-basic-pass", "", "HQ mode: basic auth password remotes must present to register")
	pf.StringVar(&f.registerHQ, "register-hq", "", "remote mode: HQ base URL to register with on startup")
	pf.StringVar(&f.selfURL, "self-url", "", "remote mode: URL this instance is reachable at from the HQ")
	pf.StringVar(&f.remoteName, "name", "", "remote mode: display name to register under")

	if err := root.Execute(); err != nil {
		var fatal *vterrors.Fatal
		if ok := asFatal(err, &fatal); ok {
			fmt.Fprintln(os.Stderr, fatal.Reason)
			os.Exit(fatal.ExitCode)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func asFatal(err error, target **vterrors.Fatal) bool {
	for err != nil {
		if f, ok := err.(*vterrors.Fatal); ok {
			*target = f
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func defaultPort() int {
	if v := os.Getenv("PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil {
			return p
		}
	}
	return 4020
}

func defaultControlDir() string {
	if v := os.Getenv("VIBETUNNEL_CONTROL_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".vibetunnel")
}

func newLogger() *zap.Logger {
	if os.Getenv("VIBETUNNEL_DEBUG") != "" {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}

func run(f *flags) error {
	logger := newLogger()
	defer logger.Sync()

	ensureSingleInstance(logger)

	if err := os.MkdirAll(f.controlDir, 0o700); err != nil {
		return &vterrors.Fatal{Reason: fmt.Sprintf("create control directory %s: %v", f.controlDir, err), ExitCode: 1}
	}

	// Startup order per spec §4.M: config -> session manager -> control
	// socket -> materializer -> aggregator -> (optionally) HQ registration.
	home, _ := os.UserHomeDir()
	cfgStore, err := config.Load(config.DefaultPath(home), logger)
	if err != nil {
		return &vterrors.Fatal{Reason: fmt.Sprintf("load config: %v", err), ExitCode: 1}
	}
	defer cfgStore.Close()

	if f.titleMode != "" {
		mode := activity.ParseTitleMode(f.titleMode)
		logger.Info("default title mode overridden", zap.String("mode", string(mode)))
	}

	sessions := sessionmgr.NewManager(f.controlDir, logger)

	git := gitops.New()
	status := &serverStatus{port: f.port}
	dedupSink := dedup.NewSink(logger, dedup.DefaultSummaryPeriod)

	controlSrv := control.NewServer(filepath.Join(f.controlDir, "api.sock"), git, status, nil, logger)
	if err := controlSrv.Start(); err != nil {
		return &vterrors.Fatal{Reason: fmt.Sprintf("start control socket: %v", err), ExitCode: 1}
	}

	streams := streamwatcher.NewRegistry(logger)
	localSource := control.NewMaterializerSource(sessions, streams, dedupSink, logger)

	var remoteRegistry *remote.Registry
	var remoteSource control.RemoteSource
	router := mux.NewRouter()

	if f.hq {
		remoteRegistry, err = remote.LoadFrom(filepath.Join(f.controlDir, "remotes.yaml"))
		if err != nil {
			remoteRegistry = remote.NewRegistry()
		}
		validate := func(user, pass string) bool {
			return f.hqBasicUser == "" || (user == f.hqBasicUser && pass == f.hqBasicPass)
		}
		remote.NewHandlers(remoteRegistry, validate, logger).Register(router)
		hqUpstream := control.NewHQUpstreamSource(remoteRegistry, logger)
		remoteSource = hqUpstream
	}

	aggregator := control.NewAggregator(localSource, remoteSource, logger)
	router.Handle("/ws/buffers", aggregator)

	addr := fmt.Sprintf(":%d", f.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if isAddrInUse(err) {
			return &vterrors.Fatal{Reason: fmt.Sprintf("port %d already in use", f.port), ExitCode: 9}
		}
		return &vterrors.Fatal{Reason: fmt.Sprintf("listen on %s: %v", addr, err), ExitCode: 1}
	}

	httpSrv := &http.Server{Addr: addr, Handler: router}
	status.running = true

	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited", zap.Error(err))
		}
	}()

	var hqClient *remote.Client
	if f.registerHQ != "" {
		hqClient = remote.NewClient(remote.ClientConfig{
			HQURL:       f.registerHQ,
			ID:          uuid.NewString(),
			DisplayName: f.remoteName,
			SelfURL:     f.selfURL,
			Token:       uuid.NewString(),
			BasicUser:   f.hqBasicUser,
			BasicPass:   f.hqBasicPass,
		}, logger)

		registerCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		go func() {
			defer cancel()
			if err := hqClient.Register(registerCtx); err != nil {
				logger.Warn("HQ registration did not complete before deadline", zap.Error(err))
			}
		}()
	}

	waitForShutdownSignal()

	return shutdown(shutdownDeps{
		logger:         logger,
		httpSrv:        httpSrv,
		controlSrv:     controlSrv,
		sessions:       sessions,
		hqClient:       hqClient,
		remoteRegistry: remoteRegistry,
		controlDir:     f.controlDir,
	})
}

// serverStatus implements control.StatusProvider.
type serverStatus struct {
	running bool
	port    int
}

func (s *serverStatus) Running() bool { return s.running }
func (s *serverStatus) Port() int     { return s.port }
func (s *serverStatus) URL() string   { return fmt.Sprintf("http://localhost:%d", s.port) }

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
