package config

import (
	"bytes"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"PPGateway/tools/decode"
)

const envPrefix = "GATEWAY"

// Config is the full gateway configuration.
type Config struct {
	NodeID   string `mapstructure:"node_id"`
	WorkerID int64  `mapstructure:"worker_id"` // snowflake 节点号 0~1023，0 表示按 NodeID 推导
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`

	Log       LogConfig       `mapstructure:"log"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Nats      NatsConfig      `mapstructure:"nats"`
	Nacos     NacosConfig     `mapstructure:"nacos"`
	Internal  InternalConfig  `mapstructure:"internal"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

// RedisConfig 连接与重连参数
type RedisConfig struct {
	Addr             string        `mapstructure:"addr"`
	Password         string        `mapstructure:"password"`
	DB               int           `mapstructure:"db"`
	PoolSize         int           `mapstructure:"pool_size"`
	RetryStep        time.Duration `mapstructure:"retry_step"`
	RetryCap         time.Duration `mapstructure:"retry_cap"`
	MaxRetries       int           `mapstructure:"max_retries"`
	LivenessInterval time.Duration `mapstructure:"liveness_interval"`
	RelayChannel     string        `mapstructure:"relay_channel"`
	ControlChannel   string        `mapstructure:"control_channel"`
	PresenceTTL      time.Duration `mapstructure:"presence_ttl"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTAlg    string        `mapstructure:"jwt_alg"`
	Leeway    time.Duration `mapstructure:"leeway"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type GatewayConfig struct {
	Path            string        `mapstructure:"path"`
	SendQueue       int           `mapstructure:"send_queue"`
	MaxConnsPerUser int           `mapstructure:"max_conns_per_user"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DirectoryConfig struct {
	Backend  string        `mapstructure:"backend"` // memory/postgres/mongo
	DSN      string        `mapstructure:"dsn"`
	Database string        `mapstructure:"database"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	SeedFile string        `mapstructure:"seed_file"`

	// 项目/状态页的隐私与归属缓存更短
	AuthzCacheTTL time.Duration `mapstructure:"authz_cache_ttl"`
}

type KafkaConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	Brokers           []string `mapstructure:"brokers"`
	GroupID           string   `mapstructure:"group_id"`
	Topics            []string `mapstructure:"topics"`
	Version           string   `mapstructure:"version"`
	InitialOffset     string   `mapstructure:"initial_offset"` // newest/oldest
	AutoCreateTopics  bool     `mapstructure:"auto_create_topics"`
	Partitions        int32    `mapstructure:"partitions"`
	ReplicationFactor int16    `mapstructure:"replication_factor"`
}

type NatsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Servers  []string      `mapstructure:"servers"`
	Subject  string        `mapstructure:"subject"`
	Queue    string        `mapstructure:"queue"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	Token    string        `mapstructure:"token"`
	IdemTTL  time.Duration `mapstructure:"idem_ttl"`
}

type NacosConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Host      string `mapstructure:"host"`
	Port      uint64 `mapstructure:"port"`
	Namespace string `mapstructure:"namespace"`
	DataID    string `mapstructure:"data_id"`
	Group     string `mapstructure:"group"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`

	// 服务注册
	Register      bool   `mapstructure:"register"`
	ServiceName   string `mapstructure:"service_name"`
	AdvertiseAddr string `mapstructure:"advertise_addr"`
}

type InternalConfig struct {
	ServiceToken string `mapstructure:"service_token"`
}

// setDefaults registers every key; viper only resolves env overrides for known keys.
func setDefaults(v *viper.Viper) {
	v.SetDefault("node_id", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("gateway.allowed_origins", []string{})
	v.SetDefault("directory.dsn", "")
	v.SetDefault("directory.seed_file", "")
	v.SetDefault("worker_id", 0)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topics", []string{})
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.queue", "event-gateway")
	v.SetDefault("nats.user", "")
	v.SetDefault("nats.password", "")
	v.SetDefault("nats.token", "")
	v.SetDefault("nats.idem_ttl", "2m")
	v.SetDefault("nacos.enabled", false)
	v.SetDefault("nacos.namespace", "")
	v.SetDefault("nacos.username", "")
	v.SetDefault("nacos.password", "")
	v.SetDefault("internal.service_token", "")

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_addr", ":9090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.retry_step", "50ms")
	v.SetDefault("redis.retry_cap", "1s")
	v.SetDefault("redis.max_retries", 10)
	v.SetDefault("redis.liveness_interval", "5s")
	v.SetDefault("redis.relay_channel", "gateway:relay")
	v.SetDefault("redis.control_channel", "gateway:control")
	v.SetDefault("redis.presence_ttl", "2m")

	v.SetDefault("auth.jwt_alg", "HS256")
	v.SetDefault("auth.leeway", "5s")
	v.SetDefault("auth.timeout", "10s")

	v.SetDefault("gateway.path", "/ws")
	v.SetDefault("gateway.send_queue", 256)
	v.SetDefault("gateway.max_conns_per_user", 0)
	v.SetDefault("gateway.write_wait", "10s")
	v.SetDefault("gateway.pong_wait", "60s")
	v.SetDefault("gateway.max_message_size", 64*1024)

	v.SetDefault("directory.backend", "memory")
	v.SetDefault("directory.database", "app")
	v.SetDefault("directory.cache_ttl", "30s")
	v.SetDefault("directory.authz_cache_ttl", "5s")

	v.SetDefault("kafka.group_id", "event-gateway")
	v.SetDefault("kafka.version", "2.8.0")
	v.SetDefault("kafka.initial_offset", "newest")
	v.SetDefault("kafka.auto_create_topics", false)
	v.SetDefault("kafka.partitions", 3)
	v.SetDefault("kafka.replication_factor", 1)

	v.SetDefault("nats.servers", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.subject", "gateway.events")

	v.SetDefault("nacos.host", "127.0.0.1")
	v.SetDefault("nacos.port", 8848)
	v.SetDefault("nacos.group", "DEFAULT_GROUP")
	v.SetDefault("nacos.data_id", "event-gateway.yaml")
	v.SetDefault("nacos.register", false)
	v.SetDefault("nacos.service_name", "event-gateway")
	v.SetDefault("nacos.advertise_addr", "")
}

// Loader owns the viper instance so remote sources can merge into it later.
type Loader struct {
	v *viper.Viper
}

func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return &Loader{v: v}
}

// Load reads path (optional) then environment overrides.
func Load(path string) (*Config, *Loader, error) {
	l := NewLoader()
	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	cfg, err := l.Config()
	if err != nil {
		return nil, nil, err
	}
	return cfg, l, nil
}

// Merge overlays a YAML document (e.g. pushed by nacos) and returns the new config.
func (l *Loader) Merge(data string) (*Config, error) {
	if err := l.v.MergeConfig(bytes.NewBufferString(data)); err != nil {
		return nil, errors.Wrap(err, "merge config")
	}
	return l.Config()
}

// Config decodes the current state of the loader.
func (l *Loader) Config() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg, viper.DecodeHook(decode.ConfigHooks())); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	if c.NodeID == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			c.NodeID = h + "-" + uuid.NewString()[:8]
		} else {
			c.NodeID = uuid.NewString()
		}
	}
	if c.Gateway.SendQueue <= 0 {
		c.Gateway.SendQueue = 256
	}
	if c.Redis.MaxRetries <= 0 {
		c.Redis.MaxRetries = 10
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("auth.jwt_secret is required")
	}
	switch c.Directory.Backend {
	case "memory":
	case "postgres", "mongo":
		if c.Directory.DSN == "" {
			return errors.Errorf("directory.dsn is required for backend %s", c.Directory.Backend)
		}
	default:
		return errors.Errorf("unknown directory.backend %q", c.Directory.Backend)
	}
	if c.Nacos.Register && c.Nacos.AdvertiseAddr == "" {
		return errors.New("nacos.advertise_addr is required when nacos.register is set")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || len(c.Kafka.Topics) == 0) {
		return errors.New("kafka.brokers and kafka.topics are required when kafka is enabled")
	}
	return nil
}
