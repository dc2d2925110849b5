package registry

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/model"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NamingClient is the subset of the nacos naming client the registry uses.
type NamingClient interface {
	RegisterInstance(param vo.RegisterInstanceParam) (bool, error)
	DeregisterInstance(param vo.DeregisterInstanceParam) (bool, error)
	SelectAllInstances(param vo.SelectAllInstancesParam) ([]model.Instance, error)
}

type ServerConfig struct {
	Host      string
	Port      uint64
	Namespace string
	Username  string
	Password  string
}

// NewNamingClient 创建 nacos 服务发现客户端
func NewNamingClient(c ServerConfig) (NamingClient, error) {
	cc := constant.NewClientConfig(
		constant.WithNamespaceId(c.Namespace),
		constant.WithTimeoutMs(5000),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel("warn"),
		constant.WithCacheDir("nacos/cache"),
		constant.WithLogDir("nacos/log"),
		constant.WithUsername(c.Username),
		constant.WithPassword(c.Password),
	)
	client, err := clients.NewNamingClient(vo.NacosClientParam{
		ClientConfig:  cc,
		ServerConfigs: []constant.ServerConfig{*constant.NewServerConfig(c.Host, c.Port)},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create nacos naming client")
	}
	return client, nil
}

// Instance is one gateway node as seen by its peers.
type Instance struct {
	NodeID   string            `json:"nodeId"`
	Addr     string            `json:"addr"`
	Healthy  bool              `json:"healthy"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Registry keeps this node registered as an ephemeral nacos instance.
type Registry struct {
	client  NamingClient
	service string
	group   string
	ip      string
	port    uint64
	log     *zap.Logger

	mu         sync.Mutex
	meta       map[string]string
	registered bool
}

// New builds a registry for the node reachable at addr (host:port).
func New(client NamingClient, service, group, addr string, meta map[string]string, log *zap.Logger) (*Registry, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "advertise addr %q", addr)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, errors.Wrapf(err, "advertise port %q", portStr)
	}
	if host == "" {
		return nil, errors.Errorf("advertise addr %q has no host", addr)
	}
	if group == "" {
		group = "DEFAULT_GROUP"
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		m[k] = v
	}
	m["protocol"] = "ws"
	return &Registry{client: client, service: service, group: group, ip: host, port: port, meta: m, log: log}, nil
}

func (r *Registry) Register() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok, err := r.client.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          r.ip,
		Port:        r.port,
		ServiceName: r.service,
		GroupName:   r.group,
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    r.meta,
	})
	if err != nil {
		return errors.Wrap(err, "register instance")
	}
	if !ok {
		return errors.New("register instance: nacos returned false")
	}
	r.registered = true
	r.log.Info("instance registered", zap.String("service", r.service), zap.String("ip", r.ip), zap.Uint64("port", r.port))
	return nil
}

// SetMeta 更新元数据并重新注册
func (r *Registry) SetMeta(key, value string) error {
	r.mu.Lock()
	if r.meta[key] == value {
		r.mu.Unlock()
		return nil
	}
	r.meta[key] = value
	registered := r.registered
	r.mu.Unlock()
	if !registered {
		return nil
	}
	return r.Register()
}

// Deregister removes the instance; a no-op if it was never registered.
func (r *Registry) Deregister() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.registered {
		return nil
	}
	_, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          r.ip,
		Port:        r.port,
		ServiceName: r.service,
		GroupName:   r.group,
		Ephemeral:   true,
	})
	if err != nil {
		return errors.Wrap(err, "deregister instance")
	}
	r.registered = false
	r.log.Info("instance deregistered", zap.String("service", r.service))
	return nil
}

// Instances lists the gateway nodes currently registered, sorted by address.
func (r *Registry) Instances() ([]Instance, error) {
	list, err := r.client.SelectAllInstances(vo.SelectAllInstancesParam{
		ServiceName: r.service,
		GroupName:   r.group,
	})
	if err != nil {
		return nil, errors.Wrap(err, "select instances")
	}
	out := make([]Instance, 0, len(list))
	for _, in := range list {
		out = append(out, Instance{
			NodeID:   in.Metadata["node_id"],
			Addr:     net.JoinHostPort(in.Ip, fmt.Sprint(in.Port)),
			Healthy:  in.Healthy,
			Metadata: in.Metadata,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out, nil
}
