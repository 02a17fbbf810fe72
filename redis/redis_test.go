package redis

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigFromJSON(t *testing.T) {
	var config struct {
		Redis    RedisConfig         `json:"redis_config"`
		Sentinel RedisSentinelConfig `json:"redis_sentinel_config"`
	}
	err := json.Unmarshal([]byte(`{
		"redis_config": {"host": "localhost", "port": 6379, "password": "secret", "namespace": "verifier"},
		"redis_sentinel_config": {"sentinel_host": "sentinel", "sentinel_port": 26379, "sentinel_username": "user", "master_name": "mymaster", "namespace": "verifier"}
	}`), &config)
	require.NoError(t, err)

	require.Equal(t, RedisConfig{Host: "localhost", Port: 6379, Password: "secret", Namespace: "verifier"}, config.Redis)
	require.Equal(t, "mymaster", config.Sentinel.MasterName)
	require.Equal(t, "user", config.Sentinel.SentinelUsername)
	require.Equal(t, 26379, config.Sentinel.SentinelPort)
}

func TestNewRedisClientErrors(t *testing.T) {
	tests := []struct {
		name    string
		config  RedisConfig
		wantErr string
	}{
		{"empty config", RedisConfig{}, "host and port are required"},
		{"negative port", RedisConfig{Host: "localhost", Port: -1}, "host and port are required"},
		{"unknown host", RedisConfig{Host: "invalid-redis-host-that-does-not-exist", Port: 6379}, "failed to connect to Redis"},
		{"port out of range", RedisConfig{Host: "localhost", Port: 99999}, "failed to connect to Redis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewRedisClient(&tt.config)
			require.ErrorContains(t, err, tt.wantErr)
			require.Nil(t, client)
		})
	}
}

func TestNewRedisSentinelClientErrors(t *testing.T) {
	tests := []struct {
		name    string
		config  RedisSentinelConfig
		wantErr string
	}{
		{"no master name", RedisSentinelConfig{SentinelHost: "localhost", SentinelPort: 26379}, "master name is required"},
		{"unknown host", RedisSentinelConfig{SentinelHost: "invalid-sentinel-host-that-does-not-exist", SentinelPort: 26379, MasterName: "mymaster"}, "failed to connect to Redis through Sentinel"},
		{"port out of range", RedisSentinelConfig{SentinelHost: "localhost", SentinelPort: 99999, MasterName: "mymaster"}, "failed to connect to Redis through Sentinel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewRedisSentinelClient(&tt.config)
			require.ErrorContains(t, err, tt.wantErr)
			require.Nil(t, client)
		})
	}
}
