package dispatcher

import (
	"context"

	"go.uber.org/zap"

	"PPGateway/service/metrics"
	"PPGateway/service/room"
	"PPGateway/tools/errs"
)

// Sources reported in logs and metrics.
const (
	SourceHTTP  = "http"
	SourceKafka = "kafka"
	SourceNATS  = "nats"
)

// Router is what the ingress needs from the room router.
type Router interface {
	BroadcastToProject(ctx context.Context, projectID string, ev room.Event) int
	BroadcastToStatusPage(ctx context.Context, slug string, ev room.Event) int
	SendToUser(ctx context.Context, userID string, ev room.Event) int
	BroadcastGlobal(ctx context.Context, ev room.Event) int
	DisconnectUserEverywhere(ctx context.Context, userID string) int
}

// Ingress turns producer commands into router broadcasts. Every source
// (HTTP, Kafka, NATS) ends up in Apply.
type Ingress struct {
	router  Router
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(router Router, log *zap.Logger, m *metrics.Metrics) *Ingress {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingress{router: router, log: log, metrics: m}
}

// Apply validates cmd and hands it to the router. It returns the number of
// local sockets the event was queued to.
func (in *Ingress) Apply(ctx context.Context, cmd Command) (int, error) {
	if err := cmd.Validate(); err != nil {
		return 0, err
	}
	switch cmd.Scope {
	case ScopeProject:
		return in.router.BroadcastToProject(ctx, cmd.Target, cmd.Event), nil
	case ScopeStatus:
		return in.router.BroadcastToStatusPage(ctx, cmd.Target, cmd.Event), nil
	case ScopeUser:
		return in.router.SendToUser(ctx, cmd.Target, cmd.Event), nil
	case ScopeGlobal:
		return in.router.BroadcastGlobal(ctx, cmd.Event), nil
	}
	return 0, ErrUnknownScope
}

// HandleRaw decodes and applies one message from source.
func (in *Ingress) HandleRaw(ctx context.Context, source string, data []byte) (int, error) {
	cmd, err := ParseCommand(data)
	if err != nil {
		in.metrics.Ingress(source, "rejected")
		in.log.Warn("bad event command", zap.String("source", source), zap.Int("size", len(data)), zap.Error(err))
		return 0, err
	}
	n, err := in.Apply(ctx, cmd)
	if err != nil {
		in.metrics.Ingress(source, "rejected")
		return 0, err
	}
	in.metrics.Ingress(source, "accepted")
	in.log.Debug("event applied",
		zap.String("source", source),
		zap.String("scope", string(cmd.Scope)),
		zap.String("target", cmd.Target),
		zap.String("type", cmd.Event.Type),
		zap.Int("delivered", n))
	return n, nil
}

// Disconnect forces userID off every gateway instance.
func (in *Ingress) Disconnect(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, errs.ErrInvalidArgument.WithMessage("User id is required")
	}
	n := in.router.DisconnectUserEverywhere(ctx, userID)
	in.log.Info("user disconnected by operator", zap.String("user_id", userID), zap.Int("local", n))
	return n, nil
}
