// ABOUTME: Gateway wires storage, exchanges, executor, conversations, transport and supervisor
// ABOUTME: Owns the lifecycle steps plus the operational HTTP and gRPC listeners

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/reciprocity-gateway/internal/auth"
	"github.com/2389/reciprocity-gateway/internal/automation"
	"github.com/2389/reciprocity-gateway/internal/config"
	"github.com/2389/reciprocity-gateway/internal/conversation"
	"github.com/2389/reciprocity-gateway/internal/events"
	"github.com/2389/reciprocity-gateway/internal/exchange"
	"github.com/2389/reciprocity-gateway/internal/executor"
	"github.com/2389/reciprocity-gateway/internal/lifecycle"
	"github.com/2389/reciprocity-gateway/internal/store"
	"github.com/2389/reciprocity-gateway/internal/supervisor"
	"github.com/2389/reciprocity-gateway/internal/transport"
)

// Lifecycle step names.
const (
	stepStorage      = "storage"
	stepEvents       = "events"
	stepAPI          = "api"
	stepExecutor     = "executor"
	stepExchanges    = "exchanges"
	stepConversation = "conversation"
	stepTransport    = "transport"
	stepSupervisor   = "supervisor"
)

// stepBudget bounds steps that should stop quickly.
const stepBudget = 5 * time.Second

// Gateway orchestrates the reciprocity-gateway components.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	store      store.Gateway
	bus        *events.Bus
	kafka      *events.KafkaSink
	exchanges  *exchange.Coordinator
	executor   *executor.Executor
	engine     *conversation.Engine
	transport  transport.Transport
	supervisor *supervisor.Supervisor
	lifecycle  *lifecycle.Coordinator
	verifier   auth.TokenVerifier

	health      *health.Server
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	errCh       chan error
	httpAddr    net.Addr
}

// Option overrides a component New would otherwise build from config.
type Option func(*options)

type options struct {
	store     store.Gateway
	backend   automation.Backend
	transport transport.Transport
}

// WithStore uses s instead of opening the configured database.
func WithStore(s store.Gateway) Option { return func(o *options) { o.store = s } }

// WithBackend uses b instead of the configured automation backend.
func WithBackend(b automation.Backend) Option { return func(o *options) { o.backend = b } }

// WithTransport uses t instead of the configured chat transport.
func WithTransport(t transport.Transport) Option { return func(o *options) { o.transport = t } }

// New builds every component and registers the lifecycle steps. Nothing is
// started until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := o.store
	if s == nil {
		var err error
		if s, err = initStore(ctx, cfg); err != nil {
			return nil, err
		}
	}

	g, err := build(cfg, s, o, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return g, nil
}

func build(cfg *config.Config, s store.Gateway, o options, logger *slog.Logger) (*Gateway, error) {
	backend := o.backend
	if backend == nil {
		backend = initBackend(cfg, logger)
	}

	tr := o.transport
	if tr == nil {
		var err error
		if tr, err = initTransport(cfg, logger); err != nil {
			return nil, err
		}
	}

	bus := events.NewBus(logger)
	publishers := events.Fanout{bus}
	var kafka *events.KafkaSink
	if cfg.Kafka.Enabled {
		var err error
		kafka, err = events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, fmt.Errorf("creating kafka sink: %w", err)
		}
		publishers = append(publishers, kafka)
		logger.Info("mirroring exchange events to kafka", "topic", cfg.Kafka.Topic)
	}

	exchanges := exchange.New(s, publishers, exchange.Config{
		TTL:           cfg.Exchange.TTL.Std(),
		PendingTTL:    cfg.Exchange.PendingTTL.Std(),
		MaxAttempts:   cfg.Automation.MaxAttempts,
		ActionType:    cfg.Exchange.ActionType,
		SweepInterval: cfg.Exchange.SweepInterval.Std(),
	}, logger)

	exec := executor.New(s, backend, exchanges, executor.Config{
		Workers:     cfg.Automation.Workers,
		CallTimeout: cfg.Automation.CallTimeout.Std(),
		MinInterval: cfg.Automation.MinInterval.Std(),
		BackoffBase: cfg.Automation.BackoffBase.Std(),
		BackoffMax:  cfg.Automation.BackoffMax.Std(),
	}, logger)
	exchanges.SetTaskQueue(exec)

	engine := conversation.New(s, exchanges, tr, conversation.Config{
		ReconcileInterval: cfg.Conversation.ReconcileInterval.Std(),
		OfferListLimit:    cfg.Conversation.OfferListLimit,
	}, logger)

	sup := supervisor.New(s, supervisor.Sources{
		Storage:   s,
		Transport: tr,
		Queue:     exec,
		Exchanges: exchanges,
	}, nil, supervisor.Config{
		Interval:      cfg.Supervisor.Interval.Std(),
		CheckTimeout:  cfg.Supervisor.CheckTimeout.Std(),
		AlertCooldown: cfg.Supervisor.AlertCooldown.Std(),
	}, logger)

	g := &Gateway{
		config:     cfg,
		logger:     logger.With("component", "gateway"),
		store:      s,
		bus:        bus,
		kafka:      kafka,
		exchanges:  exchanges,
		executor:   exec,
		engine:     engine,
		transport:  tr,
		supervisor: sup,
		lifecycle:  lifecycle.New(cfg.Shutdown.Grace.Std(), logger),
		health:     health.NewServer(),
		errCh:      make(chan error, 2),
	}
	if cfg.Auth.JWTSecret != "" {
		g.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		g.logger.Warn("auth.jwt_secret not configured, /api routes will reject every request")
	}

	g.grpcServer = newGRPCServer(g.health)
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sup.OnStatus(g.onHealthStatus)
	g.lifecycle.OnState(g.onLifecycleState)
	if err := g.registerSteps(); err != nil {
		return nil, err
	}
	return g, nil
}

func newGRPCServer(hs *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	registerHealth(server, hs)
	return server
}

// registerSteps declares startup order and the separate shutdown order.
func (g *Gateway) registerSteps() error {
	g.lifecycle.Add(lifecycle.Step{
		Name: stepStorage,
		Start: func(ctx context.Context) error {
			if err := g.store.Ping(ctx); err != nil {
				return fmt.Errorf("storage unreachable: %w", err)
			}
			return nil
		},
		Stop: func(context.Context) error { return g.store.Close() },
	})
	g.lifecycle.Add(lifecycle.Step{
		Name: stepEvents,
		Stop: func(context.Context) error {
			g.bus.Close()
			if g.kafka != nil {
				return g.kafka.Close()
			}
			return nil
		},
	})
	g.lifecycle.Add(lifecycle.Step{
		Name:  stepAPI,
		Start: g.startServers,
		Stop:  g.stopServers,
	})
	g.lifecycle.Add(lifecycle.Step{
		Name:  stepExecutor,
		Start: g.executor.Start,
		Stop:  g.executor.Drain,
	})
	g.lifecycle.Add(lifecycle.Step{
		Name:   stepExchanges,
		Start:  g.exchanges.Start,
		Stop:   g.exchanges.Stop,
		Budget: stepBudget,
	})
	g.lifecycle.Add(lifecycle.Step{
		Name:  stepConversation,
		Start: func(ctx context.Context) error { return g.engine.Start(ctx, g.bus) },
		Stop:  g.engine.Stop,
	})
	g.lifecycle.Add(lifecycle.Step{
		Name:   stepTransport,
		Start:  func(ctx context.Context) error { return g.transport.Start(ctx, g.handleInbound) },
		Stop:   g.transport.Stop,
		Budget: stepBudget,
	})
	g.lifecycle.Add(lifecycle.Step{
		Name:   stepSupervisor,
		Start:  g.supervisor.Start,
		Stop:   g.supervisor.Stop,
		Budget: stepBudget,
	})

	return g.lifecycle.SetShutdownOrder(
		stepTransport,
		stepSupervisor,
		stepExchanges,
		stepExecutor,
		stepConversation,
		stepAPI,
		stepEvents,
		stepStorage,
	)
}

// handleInbound hands a chat message to the conversation engine.
func (g *Gateway) handleInbound(ctx context.Context, msg transport.Message) error {
	err := g.engine.OnMessage(ctx, msg.ChatID, msg.ParticipantID, msg.MessageID, msg.Text)
	if errors.Is(err, conversation.ErrClosed) {
		g.logger.Debug("message dropped during shutdown", "chat_id", msg.ChatID, "message_id", msg.MessageID)
		return nil
	}
	return err
}

// Run starts every component, waits for ctx to end or a server to fail,
// then shuts down within the configured grace period.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.lifecycle.Start(ctx); err != nil {
		return err
	}

	serverErr := g.waitForShutdownSignal(ctx)
	shutdownErr := g.lifecycle.Shutdown(context.WithoutCancel(ctx))

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (g *Gateway) waitForShutdownSignal(ctx context.Context) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-g.errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors()
		return err
	}
}

func (g *Gateway) drainErrors() {
	select {
	case additionalErr := <-g.errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// State reports the lifecycle phase.
func (g *Gateway) State() lifecycle.State { return g.lifecycle.State() }

// HTTPAddr returns the bound HTTP address once the api step has started.
func (g *Gateway) HTTPAddr() net.Addr { return g.httpAddr }

func (g *Gateway) startServers(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}
	g.httpAddr = httpLn.Addr()

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			g.errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return nil
}

func (g *Gateway) stopServers(ctx context.Context) error {
	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.health.Shutdown()
	g.shutdownGRPCServer(ctx)
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	return errors.Join(errs...)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	grpcAddr := g.config.Server.GRPCAddr
	if grpcAddr == "" {
		grpcAddr = "127.0.0.1:0"
	}
	grpcLn, err = net.Listen("tcp", grpcAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// resolveTailscaleStateDir returns the configured state dir or a default under ~/.local/share.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "reciprocity-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the configured key or TS_AUTHKEY.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}
