// ABOUTME: Gateway wires the store, gating flow and Matrix bot behind gRPC and HTTP servers
// ABOUTME: Manages listeners (TCP or tailscale), the bot lifecycle and graceful shutdown

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
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/autofilter-gateway/internal/config"
	"github.com/2389/autofilter-gateway/internal/dedupe"
	"github.com/2389/autofilter-gateway/internal/delivery"
	"github.com/2389/autofilter-gateway/internal/gating"
	"github.com/2389/autofilter-gateway/internal/matrix"
	"github.com/2389/autofilter-gateway/internal/search"
	"github.com/2389/autofilter-gateway/internal/shortlink"
	"github.com/2389/autofilter-gateway/internal/store"
)

// dedupeSize caps the number of remembered Matrix event ids.
const dedupeSize = 100_000

// readyPollInterval is how often the gRPC health status follows the bot.
const readyPollInterval = time.Second

// Gateway owns every long-lived component of the service.
type Gateway struct {
	config      *config.Config
	store       store.Store
	matrix      *mautrix.Client
	transport   *matrix.Transport
	deliverer   *delivery.Deliverer
	settings    *gating.Settings
	orch        *gating.Orchestrator
	bot         *matrix.Bot
	crypto      *matrix.Crypto
	dedupe      *dedupe.Cache
	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// publicURL is where the landing page is reachable; updated from tailscale
	publicURL string
}

// initStore opens the SQLite store, letting AUTOFILTER_DB_PATH override the config.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("AUTOFILTER_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// groupDefaults turns the config into the defaults every group falls back to.
// The membership channel is a Matrix room id and is mapped to its numeric id.
func groupDefaults(ctx context.Context, cfg *config.Config, ids store.IdentityStore) (store.GroupDefaults, error) {
	d := store.GroupDefaults{
		VerificationOn:  cfg.Verification.Enabled,
		ShortlinkHost:   cfg.Verification.ShortlinkHost,
		ShortlinkAPIKey: cfg.Verification.ShortlinkAPIKey,
		TutorialURL:     cfg.Verification.TutorialURL,
		Caption:         cfg.Delivery.Caption,
		ProtectContent:  cfg.Delivery.ProtectContent,
		LinkMode:        cfg.Delivery.LinkMode,
		AutoDelete:      cfg.Delivery.AutoDelete,
	}
	if room := cfg.Verification.MembershipChannel; room != "" {
		channel, err := ids.ResolveIdentity(ctx, store.IdentityRoom, room)
		if err != nil {
			return d, fmt.Errorf("resolving membership channel %s: %w", room, err)
		}
		d.MembershipChannel = channel
	}
	return d, nil
}

// New creates a Gateway from cfg. Nothing touches the network until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	defaults, err := groupDefaults(context.Background(), cfg, s)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	client, err := mautrix.NewClient(cfg.Matrix.Homeserver, id.UserID(cfg.Matrix.UserID), cfg.Matrix.AccessToken)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	transport := matrix.NewTransport(client, s, cfg.Matrix.Homeserver, logger)
	settings := gating.NewSettings(s, defaults)
	searcher := search.New(s, search.Options{SpellCheck: cfg.Delivery.SpellCheck}, logger)
	deliverer := delivery.New(transport, searcher, settings, s, delivery.Config{
		MaxResults:       cfg.Delivery.MaxResults,
		RateLimitBackoff: cfg.Delivery.RateLimitBackoff,
		SendTimeout:      cfg.Delivery.SendTimeout,
	}, logger)

	orch := gating.New(gating.Deps{
		Users:    s,
		Groups:   s,
		Defaults: defaults,
		Links:    shortlink.New(),
		Members:  transport,
		Invites:  transport,
		Delivery: deliverer,
		Verification: gating.VerificationConfig{
			Duration:       cfg.Verification.Duration,
			BotLink:        cfg.BotLink(),
			ShortenTimeout: cfg.Verification.ShortenTimeout,
		},
		Logger: logger,
	})

	seen := dedupe.New(cfg.Matrix.DedupeTTL, dedupeSize)
	bot := matrix.NewBot(client, transport, orch, s, seen, matrix.Config{
		UserID:        id.UserID(cfg.Matrix.UserID),
		CommandPrefix: cfg.Matrix.CommandPrefix,
		IndexRooms:    cfg.Matrix.IndexRooms,
		Admins:        cfg.Matrix.Admins,
		PMSearch:      cfg.Matrix.PMSearch,
	}, logger)

	gw := &Gateway{
		config:     cfg,
		store:      s,
		matrix:     client,
		transport:  transport,
		deliverer:  deliverer,
		settings:   settings,
		orch:       orch,
		bot:        bot,
		dedupe:     seen,
		grpcServer: newGRPCServer(logger),
		health:     health.NewServer(),
		logger:     logger.With("component", "gateway"),
		publicURL:  strings.TrimSuffix(cfg.Server.PublicURL, "/"),
	}
	registerGRPCServices(gw.grpcServer, gw.health)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	mux.HandleFunc("/start", gw.handleStart)
	if err := gw.registerHTTPAPIRoutes(mux); err != nil {
		bot.Close()
		seen.Close()
		_ = s.Close()
		return nil, err
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server addresses are ignored when tailscale is enabled",
				"grpc_addr", g.config.Server.GRPCAddr,
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 3)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startBot sets up encryption when configured and runs the sync loop.
// A sync failure is reported on errCh.
func (g *Gateway) startBot(ctx context.Context, errCh chan error) {
	go func() {
		if err := g.setupCrypto(ctx); err != nil {
			errCh <- err
			return
		}
		if err := g.bot.Run(ctx); err != nil {
			errCh <- err
		}
	}()
	go g.trackReadiness(ctx)
}

func (g *Gateway) setupCrypto(ctx context.Context) error {
	if g.config.Matrix.DataDir == "" {
		return nil
	}
	whoami, err := g.matrix.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("looking up device id: %w", err)
	}
	g.matrix.DeviceID = whoami.DeviceID

	c, err := matrix.SetupCrypto(ctx, g.matrix, g.config.Matrix.RecoveryKey, g.config.Matrix.DataDir, g.logger)
	if err != nil {
		return fmt.Errorf("setting up encryption: %w", err)
	}
	g.crypto = c
	return nil
}

// trackReadiness mirrors the bot's sync state into the gRPC health service.
func (g *Gateway) trackReadiness(ctx context.Context) {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	g.health.SetServingStatus("", healthStatus(false))
	ready := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if now := g.bot.Ready(); now != ready {
				ready = now
				g.health.SetServingStatus("", healthStatus(ready))
				g.logger.Info("readiness changed", "ready", ready)
			}
		}
	}
}

// waitForShutdownSignal waits for context cancellation or a component error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and the Matrix bot and blocks until ctx is
// cancelled or a component fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := g.startServers(grpcListener, httpListener)
	g.startBot(runCtx, errCh)
	serverErr := g.waitForShutdownSignal(ctx, errCh)
	cancel()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "autofilter-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for
// gRPC and HTTP. With funnel on, HTTP is public on :443 so shortlinks can
// land on the start page.
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
	g.updatePublicURLFromStatus(status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		httpLn, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	} else {
		httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
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

// updatePublicURLFromStatus points the public URL at the tailnet DNS name
// when none was configured.
func (g *Gateway) updatePublicURLFromStatus(status *ipnstate.Status) {
	if g.publicURL != "" || status.Self == nil || status.Self.DNSName == "" {
		return
	}
	g.publicURL = "https://" + strings.TrimSuffix(status.Self.DNSName, ".")
	g.logger.Info("public URL set from tailscale", "public_url", g.publicURL)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.health.Shutdown()

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

// Shutdown stops the servers, drains the bot, runs pending auto-deletes and
// releases the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	g.bot.Close()
	g.deliverer.Flush()

	errs = appendCloseError(errs, "crypto close", g.crypto.Close())
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.dedupe.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the bot completed its first sync.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.bot.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("matrix sync not started"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
