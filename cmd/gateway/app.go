package main

import (
	"context"
	"hash/fnv"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"PPGateway/config"
	"PPGateway/logger"
	"PPGateway/middleware"
	"PPGateway/service/auth"
	"PPGateway/service/chat"
	"PPGateway/service/chat/handlers"
	"PPGateway/service/directory"
	"PPGateway/service/dispatcher"
	"PPGateway/service/health"
	"PPGateway/service/metrics"
	"PPGateway/service/registry"
	"PPGateway/service/room"
	"PPGateway/service/storage"
	gwredis "PPGateway/service/storage/redis"
	"PPGateway/tools/errs"
	"PPGateway/tools/ids"
	"PPGateway/tools/security"
)

const shutdownTimeout = 15 * time.Second

type app struct {
	cfg   *config.Config
	log   *zap.Logger
	level zap.AtomicLevel

	metrics  *metrics.Metrics
	broker   *gwredis.Broker
	cache    *storage.Cache
	dir      directory.Directory
	closeDir func()
	router   *room.Router
	server   *chat.Server
	health   *health.Introspector
	ingress  *dispatcher.Ingress
	registry *registry.Registry

	http       *http.Server
	grpc       *grpc.Server
	grpcHealth *grpchealth.Server
	sources    []source
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, loader, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, level := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Encoding:    cfg.Log.Encoding,
		ServiceName: "event-gateway",
		NodeID:      cfg.NodeID,
	})
	a := &app{cfg: cfg, log: log, level: level, metrics: metrics.New()}

	if cfg.Nacos.Enabled {
		if err := a.watchRemoteConfig(loader); err != nil {
			log.Warn("remote config disabled", zap.Error(err))
		}
	}

	a.broker = gwredis.NewBroker(gwredis.Options{
		Addr:             cfg.Redis.Addr,
		Password:         cfg.Redis.Password,
		DB:               cfg.Redis.DB,
		PoolSize:         cfg.Redis.PoolSize,
		RetryStep:        cfg.Redis.RetryStep,
		RetryCap:         cfg.Redis.RetryCap,
		MaxRetries:       cfg.Redis.MaxRetries,
		LivenessInterval: cfg.Redis.LivenessInterval,
		OnStateChange: func(link gwredis.LinkName, state gwredis.State) {
			a.metrics.LinkState(string(link), string(state))
		},
	}, logger.Module(log, "broker"))
	if err := a.broker.Connect(ctx); err != nil {
		return nil, errors.Wrap(err, "connect broker")
	}
	a.cache = storage.NewCache(a.broker, logger.Module(log, "cache"))

	if err := a.openDirectory(ctx); err != nil {
		a.broker.Disconnect()
		return nil, err
	}

	a.router = room.NewRouter(room.Config{
		NodeID:         cfg.NodeID,
		RelayChannel:   cfg.Redis.RelayChannel,
		ControlChannel: cfg.Redis.ControlChannel,
	}, a.dir, a.cache, logger.Module(log, "room"), a.metrics)
	if _, err := a.cache.Subscribe(ctx, a.router.RelayChannel(), a.router.HandleRelay); err != nil {
		a.close()
		return nil, errors.Wrap(err, "subscribe relay channel")
	}
	if _, err := a.cache.Subscribe(ctx, a.router.ControlChannel(), a.router.HandleControl); err != nil {
		a.close()
		return nil, errors.Wrap(err, "subscribe control channel")
	}

	presence := storage.NewPresence(a.cache, cfg.NodeID, cfg.Redis.PresenceTTL, logger.Module(log, "presence"))
	authn := auth.New(security.Options{
		Secret: []byte(cfg.Auth.JWTSecret),
		Alg:    cfg.Auth.JWTAlg,
		Leeway: cfg.Auth.Leeway,
	}, a.dir, logger.Module(log, "auth"), a.metrics)

	a.server = chat.NewServer(chat.Options{
		NodeID:          cfg.NodeID,
		SendQueue:       cfg.Gateway.SendQueue,
		MaxConnsPerUser: cfg.Gateway.MaxConnsPerUser,
		WriteWait:       cfg.Gateway.WriteWait,
		PongWait:        cfg.Gateway.PongWait,
		MaxMessageSize:  cfg.Gateway.MaxMessageSize,
		AuthTimeout:     cfg.Auth.Timeout,
		AllowedOrigins:  cfg.Gateway.AllowedOrigins,
	}, a.router, authn, presence, ids.NewGenerator(workerID(cfg)), logger.Module(log, "gateway"), a.metrics)
	handlers.RegisterAll(a.server.Disp())

	a.health = health.New(a.broker, a.server, a.router, presence, logger.Module(log, "health"), a.metrics)
	a.ingress = dispatcher.New(a.router, logger.Module(log, "ingress"), a.metrics)
	if cfg.Nacos.Enabled && cfg.Nacos.Register {
		if a.registry, err = a.newRegistry(); err != nil {
			log.Warn("service registration disabled", zap.Error(err))
		}
	}

	a.http = &http.Server{Addr: cfg.HTTPAddr, Handler: a.routes()}
	a.grpc = grpc.NewServer()
	a.grpcHealth = grpchealth.NewServer()
	healthpb.RegisterHealthServer(a.grpc, a.grpcHealth)
	return a, nil
}

func (a *app) watchRemoteConfig(loader *config.Loader) error {
	src, err := config.NewNacosSource(a.cfg.Nacos)
	if err != nil {
		return err
	}
	w := config.NewWatcher(loader, src, a.cfg.Nacos, logger.Module(a.log, "config"), func(c *config.Config) {
		// 只有日志级别支持热更新
		a.level.SetLevel(logger.ParseLevel(c.Log.Level))
	})
	return w.Start()
}

func (a *app) newRegistry() (*registry.Registry, error) {
	nc := a.cfg.Nacos
	client, err := registry.NewNamingClient(registry.ServerConfig{
		Host:      nc.Host,
		Port:      nc.Port,
		Namespace: nc.Namespace,
		Username:  nc.Username,
		Password:  nc.Password,
	})
	if err != nil {
		return nil, err
	}
	return registry.New(client, nc.ServiceName, nc.Group, nc.AdvertiseAddr, map[string]string{
		"node_id":   a.cfg.NodeID,
		"ws_path":   a.cfg.Gateway.Path,
		"grpc_addr": a.cfg.GRPCAddr,
	}, logger.Module(a.log, "registry"))
}

func (a *app) handleNodes(c *gin.Context) {
	list, err := a.registry.Instances()
	if err != nil {
		middleware.AbortWithError(c, errs.Wrap(errs.ErrBrokerUnavailable.WithMessage("Registry unavailable"), err, "list nodes"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"self": a.cfg.NodeID, "nodes": list})
}

func (a *app) openDirectory(ctx context.Context) error {
	var (
		dir directory.Directory
		err error
	)
	dc := a.cfg.Directory
	switch dc.Backend {
	case "postgres":
		pg, e := directory.NewPostgres(ctx, dc.DSN)
		if e != nil {
			return errors.Wrap(e, "open postgres directory")
		}
		dir, a.closeDir = pg, pg.Close
	case "mongo":
		mg, e := directory.NewMongo(ctx, dc.DSN, dc.Database)
		if e != nil {
			return errors.Wrap(e, "open mongo directory")
		}
		dir = mg
		a.closeDir = func() {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mg.Close(cctx)
		}
	default:
		mem := directory.NewMemory()
		if dc.SeedFile != "" {
			if mem, err = directory.LoadSeedFile(dc.SeedFile); err != nil {
				return err
			}
		}
		dir = mem
	}
	a.dir = directory.NewCached(dir, a.cache, dc.CacheTTL, dc.AuthzCacheTTL, logger.Module(a.log, "directory"))
	a.log.Info("directory ready", zap.String("backend", dc.Backend))
	return nil
}

func (a *app) routes() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.NewManager(middleware.Recovery(a.log), middleware.Logger(a.log)).Use())

	r.GET(a.cfg.Gateway.Path, a.server.HandleWS)
	r.GET("/metrics", gin.WrapH(a.metrics.Handler()))

	internal := middleware.RouteOpt{IsAuth: true, Token: a.cfg.Internal.ServiceToken}
	a.health.Register(r, internal)
	a.ingress.Register(r, internal)
	if a.registry != nil {
		middleware.GET(r, "/internal/nodes", a.handleNodes, internal)
	}
	return r
}

// workerID 未配置时由 NodeID 哈希得到
func workerID(cfg *config.Config) int64 {
	if cfg.WorkerID > 0 {
		return cfg.WorkerID
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(cfg.NodeID))
	return int64(h.Sum32() % 1024)
}

// Run serves until ctx is cancelled, then shuts everything down.
func (a *app) Run(ctx context.Context) error {
	defer a.close()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("http listening", zap.String("addr", a.cfg.HTTPAddr), zap.String("ws_path", a.cfg.Gateway.Path))
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", a.cfg.GRPCAddr)
		if err != nil {
			return errors.Wrap(err, "grpc listen")
		}
		a.log.Info("grpc listening", zap.String("addr", a.cfg.GRPCAddr))
		return a.grpc.Serve(lis)
	})
	g.Go(func() error {
		a.health.Watch(gctx, a.grpcHealth, 5*time.Second)
		return nil
	})
	g.Go(func() error {
		a.server.KeepPresence(gctx, a.cfg.Redis.PresenceTTL/2)
		return nil
	})
	for _, s := range a.startSources(gctx) {
		s := s
		g.Go(func() error { return s.run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})
	if a.registry != nil {
		if err := a.registry.Register(); err != nil {
			a.log.Warn("register instance failed", zap.Error(err))
		}
	}
	a.log.Info("gateway started", zap.String("node_id", a.cfg.NodeID))
	return g.Wait()
}

func (a *app) shutdown() {
	a.log.Info("shutting down")
	if a.registry != nil {
		if err := a.registry.Deregister(); err != nil {
			a.log.Warn("deregister instance failed", zap.Error(err))
		}
	}
	a.grpcHealth.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.log.Warn("gateway shutdown", zap.Error(err))
	}
	if err := a.http.Shutdown(ctx); err != nil {
		a.log.Warn("http shutdown", zap.Error(err))
	}
	a.grpc.GracefulStop()
	for _, s := range a.sources {
		if err := s.close(); err != nil {
			a.log.Warn("close ingress source", zap.String("source", s.name), zap.Error(err))
		}
	}
}

func (a *app) close() {
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.broker != nil {
		_ = a.broker.Disconnect()
	}
	if a.closeDir != nil {
		a.closeDir()
	}
	_ = a.log.Sync()
}
