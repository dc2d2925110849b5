package health

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"PPGateway/middleware"
	"PPGateway/service/metrics"
	"PPGateway/service/room"
	"PPGateway/service/storage"
	gwredis "PPGateway/service/storage/redis"
	"PPGateway/tools/errs"
	"PPGateway/tools/safe"
)

// Broker is the part of the broker connection the probe needs.
type Broker interface {
	Ping(ctx context.Context) (time.Duration, error)
	Status() []gwredis.LinkStatus
}

type Connections interface {
	Connections() int
}

type Rooms interface {
	Stats() room.Stats
	RoomInfo(name string) room.Info
}

type PresenceReader interface {
	Sessions(ctx context.Context, userID string) ([]storage.Session, error)
}

type Memory struct {
	RSS               uint64  `json:"rss"`
	HeapAlloc         uint64  `json:"heapAlloc"`
	Goroutines        int     `json:"goroutines"`
	SystemUsedPercent float64 `json:"systemUsedPercent"`
}

type Details struct {
	Connected   bool                 `json:"connected"`
	LatencyMs   float64              `json:"latencyMs"`
	Memory      Memory               `json:"memory"`
	Connections int                  `json:"connections"`
	Rooms       int                  `json:"rooms"`
	Links       []gwredis.LinkStatus `json:"links,omitempty"`
}

type Report struct {
	Healthy bool    `json:"healthy"`
	Details Details `json:"details"`
	Error   string  `json:"error,omitempty"`
}

// Introspector answers health and occupancy questions. HealthCheck never
// panics and never returns an error; failures are reported in the Report.
type Introspector struct {
	broker   Broker
	conns    Connections
	rooms    Rooms
	presence PresenceReader
	log      *zap.Logger
	metrics  *metrics.Metrics
	timeout  time.Duration
	proc     *process.Process
}

// New builds an introspector. conns, rooms and presence may be nil.
func New(broker Broker, conns Connections, rooms Rooms, presence PresenceReader, log *zap.Logger, m *metrics.Metrics) *Introspector {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Introspector{
		broker:   broker,
		conns:    conns,
		rooms:    rooms,
		presence: presence,
		log:      log,
		metrics:  m,
		timeout:  2 * time.Second,
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		h.proc = p
	} else {
		log.Warn("process stats unavailable", zap.Error(err))
	}
	return h
}

func (h *Introspector) HealthCheck(ctx context.Context) (rep Report) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("health check panicked", zap.Error(errs.ErrPanic(r)))
			rep = Report{Healthy: false, Error: "health check failed"}
		}
	}()

	rep.Details.Memory = h.memory()
	if h.conns != nil {
		rep.Details.Connections = h.conns.Connections()
	}
	if h.rooms != nil {
		rep.Details.Rooms = h.rooms.Stats().Rooms
	}
	if h.broker == nil {
		rep.Error = errs.ErrBrokerUnavailable.Msg
		return rep
	}
	rep.Details.Links = h.broker.Status()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	rtt, err := h.broker.Ping(ctx)
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	h.metrics.BrokerPing(rtt.Seconds())
	rep.Details.Connected = true
	rep.Details.LatencyMs = float64(rtt.Microseconds()) / 1000
	rep.Healthy = true
	for _, l := range rep.Details.Links {
		if l.State != gwredis.StateReady {
			rep.Healthy = false
			rep.Error = "broker link " + string(l.Name) + " is " + string(l.State)
			break
		}
	}
	return rep
}

func (h *Introspector) memory() Memory {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	out := Memory{HeapAlloc: ms.HeapAlloc, Goroutines: runtime.NumGoroutine()}
	if h.proc != nil {
		if mi, err := h.proc.MemoryInfo(); err == nil {
			out.RSS = mi.RSS
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out.SystemUsedPercent = vm.UsedPercent
	}
	return out
}

// Register mounts the operational endpoints.
func (h *Introspector) Register(r gin.IRoutes, opt middleware.RouteOpt) {
	middleware.GET(r, "/health", h.handleHealth, middleware.RouteOpt{})
	middleware.GET(r, "/rooms/:name", h.handleRoom, opt)
	middleware.GET(r, "/presence/:userId", h.handlePresence, opt)
}

func (h *Introspector) handleHealth(c *gin.Context) {
	rep := h.HealthCheck(c.Request.Context())
	status := http.StatusOK
	if !rep.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, rep)
}

func (h *Introspector) handleRoom(c *gin.Context) {
	if h.rooms == nil {
		middleware.AbortWithError(c, errs.ErrNotFound)
		return
	}
	name := strings.TrimSpace(c.Param("name"))
	if _, err := room.ParseRoom(name); err != nil {
		middleware.AbortWithError(c, errs.ErrInvalidArgument.WithMessage("Invalid room name"))
		return
	}
	c.JSON(http.StatusOK, h.rooms.RoomInfo(name))
}

func (h *Introspector) handlePresence(c *gin.Context) {
	if h.presence == nil {
		middleware.AbortWithError(c, errs.ErrNotFound)
		return
	}
	userID := c.Param("userId")
	sessions, err := h.presence.Sessions(c.Request.Context(), userID)
	if err != nil {
		h.log.Warn("presence lookup failed", zap.String("user_id", userID), zap.Error(err))
		middleware.AbortWithError(c, err)
		return
	}
	if sessions == nil {
		sessions = []storage.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "online": len(sessions) > 0, "sessions": sessions})
}

// Watch mirrors HealthCheck into the gRPC health service until ctx ends.
func (h *Introspector) Watch(ctx context.Context, srv *grpchealth.Server, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		safe.Run(h.log, "grpc-health", func() {
			status := healthpb.HealthCheckResponse_NOT_SERVING
			if h.HealthCheck(ctx).Healthy {
				status = healthpb.HealthCheckResponse_SERVING
			}
			if status != last {
				h.log.Info("serving status changed", zap.String("status", status.String()))
				last = status
			}
			srv.SetServingStatus("", status)
		})
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
