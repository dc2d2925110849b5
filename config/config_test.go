package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaultsAndFile(t *testing.T) {
	p := writeFile(t, `
node_id: gw-1
auth:
  jwt_secret: s3cret
redis:
  addr: redis:6379
  retry_step: 20ms
gateway:
  max_conns_per_user: 3
`)
	cfg, _, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "gw-1", cfg.NodeID)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 20*time.Millisecond, cfg.Redis.RetryStep)
	assert.Equal(t, time.Second, cfg.Redis.RetryCap)
	assert.Equal(t, 10, cfg.Redis.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Redis.LivenessInterval)
	assert.Equal(t, 3, cfg.Gateway.MaxConnsPerUser)
	assert.Equal(t, "memory", cfg.Directory.Backend)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_AUTH_JWT_SECRET", "from-env")
	t.Setenv("GATEWAY_KAFKA_ENABLED", "true")
	t.Setenv("GATEWAY_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("GATEWAY_KAFKA_TOPICS", "events")

	cfg, _, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.NotEmpty(t, cfg.NodeID, "node id is generated when unset")
}

func TestValidate(t *testing.T) {
	_, _, err := Load("")
	assert.Error(t, err, "missing secret")

	p := writeFile(t, "auth:\n  jwt_secret: x\ndirectory:\n  backend: postgres\n")
	_, _, err = Load(p)
	assert.ErrorContains(t, err, "directory.dsn")

	p = writeFile(t, "auth:\n  jwt_secret: x\ndirectory:\n  backend: sqlite\n")
	_, _, err = Load(p)
	assert.ErrorContains(t, err, "unknown directory.backend")
}

type fakeSource struct {
	content  string
	listener func(namespace, group, dataId, data string)
}

func (f *fakeSource) GetConfig(vo.ConfigParam) (string, error) { return f.content, nil }
func (f *fakeSource) ListenConfig(p vo.ConfigParam) error {
	f.listener = p.OnChange
	return nil
}

func TestWatcherMergesRemoteConfig(t *testing.T) {
	t.Setenv("GATEWAY_AUTH_JWT_SECRET", "x")
	_, loader, err := Load("")
	require.NoError(t, err)

	src := &fakeSource{content: "log:\n  level: debug\n"}
	var got []*Config
	w := NewWatcher(loader, src, NacosConfig{DataID: "gw.yaml", Group: "G"}, zap.NewNop(), func(c *Config) {
		got = append(got, c)
	})
	require.NoError(t, w.Start())
	require.Len(t, got, 1)
	assert.Equal(t, "debug", got[0].Log.Level)

	src.listener("", "G", "gw.yaml", "log:\n  level: error\n")
	require.Len(t, got, 2)
	assert.Equal(t, "error", got[1].Log.Level)

	src.listener("", "G", "gw.yaml", "directory:\n  backend: nope\n")
	assert.Len(t, got, 2, "invalid documents are ignored")
}
