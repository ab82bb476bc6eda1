package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/c360studio/swarmrun/agent"
	"github.com/c360studio/swarmrun/config"
	"github.com/c360studio/swarmrun/engine"
	"github.com/c360studio/swarmrun/governance"
)

// runtime holds the persistent flags and builds the engine per invocation.
// Flag values overlay the layered file configuration.
type runtime struct {
	natsURL     string
	policyDir   string
	workDir     string
	agentURL    string
	logLevel    string
	metricsAddr string
}

// resolve loads the layered configuration and overlays the flags.
func (rt *runtime) resolve() (*config.Config, error) {
	cfg, err := config.NewLoader(slog.Default()).Load()
	if err != nil {
		return nil, err
	}
	cfg.Merge(&config.Config{
		NATS:   config.NATSConfig{URL: rt.natsURL},
		Agent:  config.AgentConfig{Endpoint: rt.agentURL},
		Policy: config.PolicyConfig{Dir: rt.policyDir},
		Work:   config.WorkConfig{Dir: rt.workDir},
		Log:    config.LogConfig{Level: rt.logLevel},
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app is one connected engine instance plus the transport underneath it.
type app struct {
	server     *server.Server
	conn       *nats.Conn
	engine     *engine.Engine
	policies   *governance.Loader
	registry   *prometheus.Registry
	metricsSrv *http.Server
}

func newLogger(level string) *slog.Logger {
	l := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// open connects to NATS (starting an embedded server when no URL is set)
// and constructs the engine.
func (rt *runtime) open(ctx context.Context) (*app, error) {
	cfg, err := rt.resolve()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	a := &app{}
	url := cfg.NATS.URL
	if url == "" {
		ns, err := server.NewServer(&server.Options{
			Port:      -1,
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("create embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start")
		}
		a.server = ns
		url = ns.ClientURL()
		logger.Info("embedded NATS server started", "url", url)
	}

	conn, err := nats.Connect(url)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	a.conn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	if rt.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		a.metricsSrv = &http.Server{Addr: rt.metricsAddr, Handler: mux}
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithWorkRoot(cfg.Work.Dir),
		engine.WithAgentTimeout(cfg.Agent.Timeout),
		engine.WithRegisterer(a.registry),
	}
	if cfg.Policy.Dir != "" {
		policies := governance.NewLoader(cfg.Policy.Dir, logger)
		if err := policies.Watch(); err != nil {
			logger.Warn("policy watch unavailable, edits need a restart", "error", err)
		}
		a.policies = policies
		opts = append(opts, engine.WithPolicyLoader(policies))
	}

	eng, err := engine.New(ctx, js, newCaller(cfg), opts...)
	if err != nil {
		a.close()
		return nil, err
	}
	a.engine = eng

	// Runs interrupted mid-phase are reset to idle so Next can re-run the
	// phase from its PRE checkpoint.
	if _, err := eng.Rehydrate(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("rehydrate runs: %w", err)
	}
	return a, nil
}

// newCaller selects the agent surface: an HTTP endpoint when configured,
// otherwise the deterministic stub.
func newCaller(cfg *config.Config) agent.Caller {
	if cfg.Agent.Endpoint != "" {
		return agent.NewHTTPCaller(cfg.Agent.Endpoint, cfg.Agent.Timeout)
	}
	return agent.StubCaller{}
}

func (a *app) close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.policies != nil {
		_ = a.policies.Close()
	}
	if a.metricsSrv != nil {
		_ = a.metricsSrv.Close()
	}
	if a.conn != nil {
		_ = a.conn.Drain()
		a.conn.Close()
	}
	if a.server != nil {
		a.server.Shutdown()
		a.server.WaitForShutdown()
	}
}

// withEngine runs fn against a freshly opened engine, closing it after.
func (rt *runtime) withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine.Engine) error) error {
	ctx := cmd.Context()
	a, err := rt.open(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a.engine)
}

// ExitError carries a run status whose driver exit code differs from the
// plain success/failure pair: failed and aborted runs exit 1, operator
// holds (consensus, blocked gate) exit 3.
type ExitError struct {
	Status engine.Status
}

func (e *ExitError) Error() string {
	return "run " + string(e.Status)
}

// Code returns the process exit code for the status.
func (e *ExitError) Code() int {
	switch e.Status {
	case engine.StatusFailed, engine.StatusAborted:
		return 1
	case engine.StatusAwaitingConsensus, engine.StatusAwaitingPostGate:
		return 3
	}
	return 0
}

// exitFor converts a run status into the command's terminal error.
func exitFor(status engine.Status) error {
	switch status {
	case engine.StatusFailed, engine.StatusAborted,
		engine.StatusAwaitingConsensus, engine.StatusAwaitingPostGate:
		return &ExitError{Status: status}
	}
	return nil
}
