package config

import (
	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RemoteSource is the subset of the nacos config client the watcher needs.
type RemoteSource interface {
	GetConfig(param vo.ConfigParam) (string, error)
	ListenConfig(param vo.ConfigParam) error
}

// NewNacosSource 创建 nacos 配置客户端
func NewNacosSource(c NacosConfig) (RemoteSource, error) {
	serverConfigs := []constant.ServerConfig{
		*constant.NewServerConfig(c.Host, c.Port),
	}
	clientConfig := constant.NewClientConfig(
		constant.WithNamespaceId(c.Namespace),
		constant.WithTimeoutMs(5000),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel("warn"),
		constant.WithCacheDir("nacos/cache"),
		constant.WithLogDir("nacos/log"),
		constant.WithUsername(c.Username),
		constant.WithPassword(c.Password),
	)
	client, err := clients.NewConfigClient(vo.NacosClientParam{
		ClientConfig:  clientConfig,
		ServerConfigs: serverConfigs,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create nacos config client")
	}
	return client, nil
}

// Watcher merges remote documents into the loader and hands every decoded
// result to onChange.
type Watcher struct {
	loader   *Loader
	src      RemoteSource
	dataID   string
	group    string
	log      *zap.Logger
	onChange func(*Config)
}

func NewWatcher(loader *Loader, src RemoteSource, c NacosConfig, log *zap.Logger, onChange func(*Config)) *Watcher {
	return &Watcher{loader: loader, src: src, dataID: c.DataID, group: c.Group, log: log, onChange: onChange}
}

// Start 第一次读取后开始监听；监听回调由 nacos 客户端的 goroutine 触发
func (w *Watcher) Start() error {
	content, err := w.src.GetConfig(vo.ConfigParam{DataId: w.dataID, Group: w.group})
	if err != nil {
		return errors.Wrapf(err, "get nacos config %s/%s", w.group, w.dataID)
	}
	if content != "" {
		w.apply(content)
	}
	err = w.src.ListenConfig(vo.ConfigParam{
		DataId: w.dataID,
		Group:  w.group,
		OnChange: func(namespace, group, dataId, data string) {
			w.log.Info("nacos config changed", zap.String("group", group), zap.String("data_id", dataId))
			w.apply(data)
		},
	})
	return errors.Wrap(err, "listen nacos config")
}

func (w *Watcher) apply(data string) {
	cfg, err := w.loader.Merge(data)
	if err != nil {
		w.log.Warn("ignore invalid remote config", zap.Error(err))
		return
	}
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
