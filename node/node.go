// Package node is the main service which launches the questline engine and
// manages the lifecycle of all its associated services at runtime, such as
// storage, the event bus, the gamification modules and the HTTP surface,
// gracefully closing them if the process ends.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/questline/questline/auditlog"
	"github.com/questline/questline/cmd"
	"github.com/questline/questline/cmd/questline/flags"
	"github.com/questline/questline/config/params"
	"github.com/questline/questline/crypto/secrets"
	"github.com/questline/questline/events"
	"github.com/questline/questline/modules"
	"github.com/questline/questline/modules/badges"
	"github.com/questline/questline/modules/leaderboards"
	"github.com/questline/questline/modules/levels"
	"github.com/questline/questline/modules/points"
	"github.com/questline/questline/modules/quests"
	"github.com/questline/questline/modules/streaks"
	"github.com/questline/questline/monitoring/backup"
	"github.com/questline/questline/monitoring/health"
	"github.com/questline/questline/monitoring/prometheus"
	"github.com/questline/questline/ratelimit"
	"github.com/questline/questline/rules"
	"github.com/questline/questline/runtime"
	"github.com/questline/questline/runtime/prereqs"
	"github.com/questline/questline/runtime/version"
	"github.com/questline/questline/server"
	"github.com/questline/questline/storage"
	"github.com/questline/questline/storage/memorystore"
	"github.com/questline/questline/storage/mongostore"
	"github.com/questline/questline/storage/postgresstore"
	"github.com/questline/questline/storage/redisstore"
	"github.com/questline/questline/webhooks"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "node")

// Lifecycle events announced on the bus so that webhooks and WebSocket
// subscribers can observe engine restarts.
const (
	EventStarted  = "engine.started"
	EventStopping = "engine.stopping"
)

const secretFileName = "secret.key"

// QuestlineNode defines a struct that handles the engine as a whole. It
// handles the lifecycle of the entire system and registers services to a
// service registry.
type QuestlineNode struct {
	cliCtx   *cli.Context
	ctx      context.Context
	cancel   context.CancelFunc
	services *runtime.ServiceRegistry
	lock     sync.RWMutex
	stop     chan struct{} // Channel to wait for termination notifications.

	store      storage.Store
	bus        *events.Bus
	ruleEngine *rules.Engine
	registry   *modules.Registry
	points     *points.Module
	boards     *leaderboards.Module
	keys       *secrets.Store
	audit      *auditlog.Store
	checker    *health.Checker
}

// New creates a new node instance, sets up configuration options, and
// registers every required service to the node.
func New(cliCtx *cli.Context) (*QuestlineNode, error) {
	// Warn if user's platform is not supported
	prereqs.WarnIfHostUnsupported(cliCtx.Context)

	if err := cmd.ConfigureQuestline(cliCtx); err != nil {
		return nil, err
	}
	if cliCtx.IsSet(cmd.EngineConfigFileFlag.Name) {
		configFile := cliCtx.String(cmd.EngineConfigFileFlag.Name)
		if err := params.LoadConfigFile(configFile); err != nil {
			return nil, errors.Wrapf(err, "could not load engine config file %s", configFile)
		}
		log.WithField("path", configFile).Info("Loaded engine configuration")
	}

	registry := runtime.NewServiceRegistry()

	ctx, cancel := context.WithCancel(cliCtx.Context)
	node := &QuestlineNode{
		cliCtx:   cliCtx,
		ctx:      ctx,
		cancel:   cancel,
		services: registry,
		stop:     make(chan struct{}),
	}

	if err := node.startStorage(cliCtx); err != nil {
		return nil, err
	}

	if err := node.startSecrets(cliCtx); err != nil {
		return nil, err
	}

	if err := node.startAudit(cliCtx); err != nil {
		return nil, err
	}

	node.bus = events.NewBus()
	node.ruleEngine = rules.NewEngine()

	if err := node.startModules(); err != nil {
		return nil, err
	}

	if err := node.registerRateLimiter(cliCtx); err != nil {
		return nil, err
	}

	if err := node.registerHealthChecker(); err != nil {
		return nil, err
	}

	if err := node.registerModuleLifecycle(); err != nil {
		return nil, err
	}

	if err := node.registerWebhookDispatcher(cliCtx); err != nil {
		return nil, err
	}

	if err := node.registerServer(cliCtx); err != nil {
		return nil, err
	}

	if !cliCtx.Bool(cmd.DisableMonitoringFlag.Name) {
		if err := node.registerPrometheusService(cliCtx); err != nil {
			return nil, err
		}
	}

	return node, nil
}

// Track validates and publishes one gamification event for userID. It is the
// single entry point through which application actions reach the modules,
// whether the caller sits in this process or behind the HTTP surface.
func (n *QuestlineNode) Track(ctx context.Context, userID, name string, data map[string]interface{}) (*events.EmitResult, error) {
	if err := modules.CheckUserID(userID); err != nil {
		return nil, err
	}
	if !events.ValidName(name) {
		return nil, errors.Wrapf(events.ErrInvalidName, "%q", name)
	}
	if max := params.Config().EventMaxPayloadSize; max > 0 && len(data) > 0 {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Wrap(err, "could not encode event payload")
		}
		if len(encoded) > max {
			return nil, errors.Errorf("event payload exceeds %d bytes", max)
		}
	}
	payload := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["userId"] = userID
	return n.bus.Emit(ctx, name, payload)
}

// Start the QuestlineNode and kicks off every registered service.
func (n *QuestlineNode) Start() {
	n.lock.Lock()

	log.WithFields(logrus.Fields{
		"version": version.GetVersion(),
	}).Info("Starting questline engine")

	n.services.StartAll()

	stop := n.stop
	n.lock.Unlock()

	if _, err := n.bus.Emit(n.ctx, EventStarted, map[string]interface{}{
		"version": version.GetVersion(),
	}); err != nil {
		log.WithError(err).Error("Could not announce engine start")
	}

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go n.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic")
			}
		}
		panic("Panic closing the questline engine")
	}()

	// Wait for stop channel to be closed.
	<-stop
}

// Close handles graceful shutdown of the system: the HTTP surface stops
// accepting work, WebSockets close, the webhook queue flushes, module
// schedulers cancel, the health checker stops, storage disconnects, the bus
// is destroyed and key material is wiped.
func (n *QuestlineNode) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()

	log.Info("Stopping questline engine")

	// The whole sequence shares one budget; a component that hangs past it
	// takes the process down instead of wedging shutdown forever.
	watchdog := time.AfterFunc(params.Config().ShutdownTimeout(), func() {
		log.Fatal("Shutdown deadline exceeded, forcing exit")
	})
	defer watchdog.Stop()

	if _, err := n.bus.Emit(n.ctx, EventStopping, map[string]interface{}{
		"version": version.GetVersion(),
	}); err != nil {
		log.WithError(err).Debug("Could not announce engine stop")
	}

	n.services.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), params.Config().ShutdownTimeout())
	defer cancel()
	if err := n.store.Disconnect(ctx); err != nil {
		log.Errorf("Failed to disconnect storage: %v", err)
	}
	n.bus.Destroy()
	n.keys.Wipe()
	if err := n.audit.Close(); err != nil {
		log.Errorf("Failed to close audit database: %v", err)
	}
	n.cancel()
	close(n.stop)
}

func (n *QuestlineNode) startStorage(cliCtx *cli.Context) error {
	backend := cliCtx.String(flags.StorageBackendFlag.Name)
	var st storage.Store
	var err error
	switch backend {
	case "memory":
		st = memorystore.New()
	case "redis":
		st, err = redisstore.New(cliCtx.String(flags.RedisURLFlag.Name))
		if err != nil {
			return errors.Wrap(err, "could not configure redis storage")
		}
	case "postgres":
		st = postgresstore.New(cliCtx.String(flags.PostgresDSNFlag.Name))
	case "mongo":
		st = mongostore.New(cliCtx.String(flags.MongoURIFlag.Name), cliCtx.String(flags.MongoDatabaseFlag.Name))
	default:
		return errors.Errorf("unknown storage backend %q", backend)
	}
	log.WithField("backend", backend).Info("Connecting to storage")
	if err := st.Connect(n.ctx); err != nil {
		return errors.Wrapf(err, "could not connect to %s storage", backend)
	}
	n.store = st
	return nil
}

func (n *QuestlineNode) startSecrets(cliCtx *cli.Context) error {
	if encoded := cliCtx.String(flags.EncryptionKeyFlag.Name); encoded != "" {
		keys, err := secrets.NewFromHex(encoded)
		if err != nil {
			return errors.Wrap(err, "could not parse encryption key")
		}
		n.keys = keys
		return nil
	}
	secretFile := cliCtx.String(flags.SecretFileFlag.Name)
	if secretFile == "" {
		secretFile = filepath.Join(cliCtx.String(cmd.DataDirFlag.Name), secretFileName)
	}
	keys, err := secrets.New(secretFile)
	if err != nil {
		return errors.Wrap(err, "could not load signing secret")
	}
	go keys.WatchChanges(n.ctx)
	n.keys = keys
	return nil
}

func (n *QuestlineNode) startAudit(cliCtx *cli.Context) error {
	auditDir := filepath.Join(cliCtx.String(cmd.DataDirFlag.Name), "audit")
	audit, err := auditlog.NewStore(auditDir, cliCtx.Int(flags.AuditRetentionFlag.Name))
	if err != nil {
		return errors.Wrap(err, "could not open audit database")
	}
	if cliCtx.Bool(cmd.ClearDB.Name) {
		log.Warn("Clearing audit database")
		if err := audit.Close(); err != nil {
			return err
		}
		if err := audit.ClearDB(); err != nil {
			return errors.Wrap(err, "could not clear audit database")
		}
		audit, err = auditlog.NewStore(auditDir, cliCtx.Int(flags.AuditRetentionFlag.Name))
		if err != nil {
			return errors.Wrap(err, "could not reopen audit database")
		}
	}
	n.audit = audit
	return nil
}

func (n *QuestlineNode) startModules() error {
	registry := modules.NewRegistry()
	pts := points.New(points.DefaultConfig())
	boards := leaderboards.New(leaderboards.DefaultConfig())
	all := []modules.Module{
		pts,
		levels.New(levels.DefaultConfig()),
		badges.New(),
		streaks.New(streaks.DefaultConfig()),
		quests.New(quests.DefaultConfig()),
		boards,
	}
	for _, m := range all {
		if err := registry.Register(m); err != nil {
			return err
		}
	}
	mctx := &modules.Context{Storage: n.store, Bus: n.bus, Rules: n.ruleEngine}
	if err := registry.InitAll(n.ctx, mctx); err != nil {
		return errors.Wrap(err, "could not initialize modules")
	}
	n.registry = registry
	n.points = pts
	n.boards = boards
	return nil
}

func (n *QuestlineNode) registerRateLimiter(cliCtx *cli.Context) error {
	if cliCtx.Bool(flags.DisableRateLimitFlag.Name) {
		log.Warn("Rate limiting disabled")
		return nil
	}
	cfg := ratelimit.DefaultConfig()
	if alg := cliCtx.String(flags.RateLimitAlgorithmFlag.Name); alg != "" {
		cfg.Algorithm = ratelimit.Algorithm(alg)
	}
	if cliCtx.IsSet(flags.RateLimitMaxFlag.Name) {
		cfg.MaxRequests = int64(cliCtx.Int(flags.RateLimitMaxFlag.Name))
	}
	if cliCtx.IsSet(flags.RateLimitWindowFlag.Name) {
		cfg.Window = cliCtx.Duration(flags.RateLimitWindowFlag.Name)
	}
	cfg.Whitelist = cliCtx.StringSlice(flags.RateLimitWhitelistFlag.Name)
	cfg.Blacklist = cliCtx.StringSlice(flags.RateLimitBlacklistFlag.Name)

	// Shared storage keeps several engine replicas on one budget; the local
	// flag opts out for single-instance deployments.
	st := n.store
	if cliCtx.Bool(flags.RateLimitLocalFlag.Name) {
		st = nil
	}
	return n.services.RegisterService(ratelimit.New(cfg, st))
}

func (n *QuestlineNode) registerHealthChecker() error {
	checker := health.New(health.DefaultConfig(), n.services)
	checker.AddProbe("storage", n.store.Ping)
	checker.AddProbe("bus", func(_ context.Context) error {
		if !n.bus.Alive() {
			return errors.New("event bus destroyed")
		}
		return nil
	})
	n.checker = checker
	return n.services.RegisterService(checker)
}

func (n *QuestlineNode) registerModuleLifecycle() error {
	return n.services.RegisterService(&moduleLifecycle{ctx: n.ctx, registry: n.registry})
}

func (n *QuestlineNode) registerWebhookDispatcher(cliCtx *cli.Context) error {
	cfg := webhooks.DefaultConfig()
	cfg.DefaultSecret = cliCtx.String(flags.WebhookSecretFlag.Name)
	dispatcher := webhooks.New(n.bus, n.store, n.keys, cfg)
	n.checker.AddSignal("webhook_queue", dispatcher.Degraded)
	return n.services.RegisterService(dispatcher)
}

func (n *QuestlineNode) registerServer(cliCtx *cli.Context) error {
	var dispatcher *webhooks.Dispatcher
	if err := n.services.FetchService(&dispatcher); err != nil {
		return err
	}
	var limiter *ratelimit.Limiter
	if !cliCtx.Bool(flags.DisableRateLimitFlag.Name) {
		if err := n.services.FetchService(&limiter); err != nil {
			return err
		}
	}

	var origins []string
	if domains := cliCtx.String(flags.HTTPCorsDomain.Name); domains != "" {
		origins = strings.Split(domains, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
	}

	opts := []server.Option{
		server.WithAddress(cliCtx.String(flags.HTTPHost.Name), cliCtx.Int(flags.HTTPPort.Name)),
		server.WithMount(cliCtx.String(flags.HTTPMountFlag.Name)),
		server.WithAllowedOrigins(origins),
		server.WithAPIKeys(cliCtx.StringSlice(flags.APIKeysFlag.Name)),
		server.WithAdminKeys(cliCtx.StringSlice(flags.AdminKeysFlag.Name)),
		server.WithPublicEndpoints(cliCtx.Bool(flags.PublicEndpointsFlag.Name)),
		server.WithTrackFunc(n.Track),
		server.WithModules(server.Modules{Registry: n.registry, Points: n.points, Leaderboards: n.boards}),
		server.WithBus(n.bus),
		server.WithWebhooks(dispatcher),
		server.WithHealthChecker(n.checker),
		server.WithAuditLog(n.audit),
		server.WithSecrets(n.keys),
	}
	if limiter != nil {
		opts = append(opts, server.WithLimiter(limiter))
	}

	srv, err := server.New(n.ctx, opts...)
	if err != nil {
		return err
	}
	return n.services.RegisterService(srv)
}

func (n *QuestlineNode) registerPrometheusService(cliCtx *cli.Context) error {
	var additionalHandlers []prometheus.Handler
	additionalHandlers = append(additionalHandlers, prometheus.Handler{
		Path:    "/db/backup",
		Handler: backup.Handler(n.audit, ""),
	})

	service := prometheus.NewService(
		fmt.Sprintf("%s:%d", cliCtx.String(cmd.MonitoringHostFlag.Name), cliCtx.Int(flags.MonitoringPortFlag.Name)),
		n.services,
		additionalHandlers...,
	)
	hook := prometheus.NewLogrusCollector()
	logrus.AddHook(hook)
	return n.services.RegisterService(service)
}

// moduleLifecycle slots the module registry into the service registry so
// that module schedulers cancel at the right point of the shutdown sequence,
// after the webhook queue has flushed and before the health checker stops.
type moduleLifecycle struct {
	ctx      context.Context
	registry *modules.Registry
}

// Start is a no-op: modules are initialized synchronously while the node is
// built, so their subscriptions exist before the HTTP surface comes up.
func (m *moduleLifecycle) Start() {}

// Stop cancels every module scheduler in reverse registration order.
func (m *moduleLifecycle) Stop() error {
	return m.registry.ShutdownAll(m.ctx)
}

// Status is always healthy; individual module failures surface through the
// health checker probes instead.
func (m *moduleLifecycle) Status() error {
	return nil
}
