package realtime

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func writeConfigFile(t *testing.T, name string, content string) string {
	path := filepath.Join(t.TempDir(), name)
	err := os.WriteFile(path, []byte(content), 0600)
	assert.Equal(t, err, nil)
	return path
}

func clearConfigEnv(t *testing.T) {
	for _, key := range []string{"BOARDHUB_JWT_SECRET", "BOARDHUB_API_SECRET", "BOARDHUB_PORT", "BOARDHUB_STORE_KIND", "BOARDHUB_STORE_URL"} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigToml(t *testing.T) {
	clearConfigEnv(t)
	path := writeConfigFile(t, "boardhub.toml", `
[server]
listen_address = ":9000"
allowed_origins = ["https://app.example.com"]
send_buffer_size = 128

[auth]
jwt_secret = "toml-secret"
api_secret = "toml-api-secret"

[heartbeat]
interval = "15s"
ping_timeout = "5s"
liveness_timeout = "45s"

[presence]
viewer_timeout = "10m"

[store]
kind = "sqlite"
url = "file::memory:"
`)

	config, err := LoadConfig(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, config.Server.ListenAddress, ":9000")
	assert.Equal(t, config.Auth.JwtSecret, "toml-secret")
	assert.Equal(t, config.Auth.ApiSecret, "toml-api-secret")
	assert.NotEqual(t, config.ApiVerifier(), nil)
	assert.Equal(t, config.Heartbeat.Interval, 15*time.Second)
	assert.Equal(t, config.Heartbeat.LivenessTimeout, 45*time.Second)
	assert.Equal(t, config.Presence.ViewerTimeout, 10*time.Minute)
	// unset values keep their defaults
	assert.Equal(t, config.Presence.EditorTimeout, 2*time.Minute)
	assert.Equal(t, config.Store.Kind, CellStoreKindSqlite)

	serverSettings := config.ServerSettings()
	assert.Equal(t, serverSettings.AllowedOrigins, []string{"https://app.example.com"})
	assert.Equal(t, serverSettings.WsTransportSettings.SendBufferSize, 128)
	assert.Equal(t, serverSettings.WsTransportSettings.WriteTimeout, 5*time.Second)
	assert.Equal(t, config.HeartbeatSettings().PingTimeout, 5*time.Second)
	assert.Equal(t, config.PresenceSettings().ViewerTimeout, 10*time.Minute)
	assert.Equal(t, config.CellStoreSettings().Url, "file::memory:")
}

func TestLoadConfigYaml(t *testing.T) {
	clearConfigEnv(t)
	path := writeConfigFile(t, "boardhub.yaml", `
server:
  listen_address: ":9001"
auth:
  jwt_secret: yaml-secret
presence:
  editor_timeout: 90s
store:
  kind: redis
  url: redis://localhost:6379/2
`)

	config, err := LoadConfig(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, config.Server.ListenAddress, ":9001")
	assert.Equal(t, config.Auth.JwtSecret, "yaml-secret")
	// no api secret, no call-in api
	assert.Equal(t, config.ApiVerifier() == nil, true)
	assert.Equal(t, config.Presence.EditorTimeout, 90*time.Second)
	assert.Equal(t, config.Heartbeat.Interval, 30*time.Second)
	assert.Equal(t, config.Store.Kind, CellStoreKindRedis)
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("BOARDHUB_JWT_SECRET", "env-secret")
	t.Setenv("BOARDHUB_API_SECRET", "env-api-secret")
	t.Setenv("BOARDHUB_PORT", "7000")
	t.Setenv("BOARDHUB_STORE_KIND", "postgres")
	t.Setenv("BOARDHUB_STORE_URL", "postgres://localhost/boardhub")

	config, err := LoadConfig("")
	assert.Equal(t, err, nil)
	assert.Equal(t, config.Auth.JwtSecret, "env-secret")
	assert.Equal(t, config.Auth.ApiSecret, "env-api-secret")
	assert.Equal(t, config.Server.ListenAddress, ":7000")
	assert.Equal(t, config.Store.Kind, CellStoreKindPostgres)
	assert.Equal(t, config.Store.Url, "postgres://localhost/boardhub")
}

func TestLoadConfigInvalid(t *testing.T) {
	clearConfigEnv(t)

	// no secret
	_, err := LoadConfig("")
	assert.NotEqual(t, err, nil)

	path := writeConfigFile(t, "boardhub.toml", `
[auth]
jwt_secret = "s"

[store]
kind = "etcd"
`)
	_, err = LoadConfig(path)
	assert.NotEqual(t, err, nil)

	// a shared secret would let end user tokens into the call-in api
	path = writeConfigFile(t, "boardhub.toml", `
[auth]
jwt_secret = "s"
api_secret = "s"
`)
	_, err = LoadConfig(path)
	assert.NotEqual(t, err, nil)

	path = writeConfigFile(t, "boardhub.ini", "jwt_secret=s\n")
	_, err = LoadConfig(path)
	assert.NotEqual(t, err, nil)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.NotEqual(t, err, nil)
}
