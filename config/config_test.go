package config

import (
	"testing"
	"time"

	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/stretchr/testify/require"

	"github.com/moonbeam-foundation/lazyfork/common"
)

func TestLazyLoadingConfigYAML(t *testing.T) {
	// Example config in yaml format.
	exampleYAML := `
lazy_loading:
  rpc: https://rpc.api.moonbeam.network
  from_block: "0x3a1d2e0a05c3c7a3f43d8c6b5f4ecf7d1e0c4a2b8e2d98a55bd1a5f0ad91c0e7"
  state_overrides: ./overrides.json
  delay_between_requests: 250ms
  max_retries_per_request: 3
  request_timeout: 30s
  max_requests_per_second: 20
  cache:
    cache_dir: /tmp/lazyfork-cache
server:
  endpoint: localhost:9944
log:
  format: json
  level: debug
metrics:
  pull_endpoint: localhost:8009
`

	cfg, err := initConfig(rawbytes.Provider([]byte(exampleYAML)))
	require.NoError(t, err)

	expected := &LazyLoadingConfig{
		RPC:                  "https://rpc.api.moonbeam.network",
		FromBlock:            "0x3a1d2e0a05c3c7a3f43d8c6b5f4ecf7d1e0c4a2b8e2d98a55bd1a5f0ad91c0e7",
		StateOverrides:       "./overrides.json",
		DelayBetweenRequests: 250 * time.Millisecond,
		MaxRetriesPerRequest: common.Ptr(3),
		RequestTimeout:       30 * time.Second,
		MaxRequestsPerSecond: 20,
		Cache:                &CacheConfig{CacheDir: "/tmp/lazyfork-cache"},
	}
	require.Equal(t, expected, cfg.LazyLoading)
	require.Equal(t, "localhost:9944", cfg.Server.Endpoint)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "localhost:8009", cfg.Metrics.PullEndpoint)

	require.Equal(t, 250*time.Millisecond, cfg.LazyLoading.Delay())
	require.Equal(t, 3, cfg.LazyLoading.MaxRetries())
	require.Equal(t, 30*time.Second, cfg.LazyLoading.Timeout())
}

func TestLazyLoadingConfigDefaults(t *testing.T) {
	cfg, err := initConfig(rawbytes.Provider([]byte(`
lazy_loading:
  rpc: http://localhost:9944
`)))
	require.NoError(t, err)

	require.Equal(t, DefaultDelayBetweenRequests, cfg.LazyLoading.Delay())
	require.Equal(t, 100*time.Millisecond, cfg.LazyLoading.Delay())
	require.Equal(t, 10, cfg.LazyLoading.MaxRetries())
	require.Equal(t, 10*time.Second, cfg.LazyLoading.Timeout())
	require.Nil(t, cfg.LazyLoading.Cache)

	// An explicit zero disables retries rather than falling back to the default.
	cfg.LazyLoading.MaxRetriesPerRequest = common.Ptr(0)
	require.Equal(t, 0, cfg.LazyLoading.MaxRetries())
}

func TestInvalidConfigs(t *testing.T) {
	for name, yml := range map[string]string{
		"missing rpc": `
lazy_loading:
  from_block: "100"
`,
		"websocket rpc": `
lazy_loading:
  rpc: wss://wss.api.moonbeam.network
`,
		"negative retries": `
lazy_loading:
  rpc: http://localhost:9944
  max_retries_per_request: -1
`,
		"empty cache dir": `
lazy_loading:
  rpc: http://localhost:9944
  cache:
    cache_dir: ""
`,
		"bad log level": `
log:
  format: json
  level: verbose
`,
		"empty server endpoint": `
server:
  endpoint: ""
`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := initConfig(rawbytes.Provider([]byte(yml)))
			require.Error(t, err)
		})
	}
}
