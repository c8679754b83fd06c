package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
Debug = true
PollInterval = "2s"
Timeout = "10m"
MaxRetries = 5
RetentionPeriod = "24h"
ChainIDFilter = 137

MetricsAddr = ":9100"

[Store]
Backend = "leveldb"
Path = "/var/lib/chainqueue"
Namespace = "prod"

[[Nodes]]
Name = "mainnet"
ChainID = 1
URL = "https://eth.example/rpc"

[[Nodes]]
Name = "polygon"
ChainID = 137
URL = "https://polygon.example/rpc"
`

func TestParse(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(sampleConfig)
	require.NoError(t, err)

	require.True(t, *cfg.Debug)
	require.Equal(t, 2*time.Second, cfg.PollInterval.Duration())
	require.Equal(t, 10*time.Minute, cfg.Timeout.Duration())
	require.Equal(t, uint32(5), *cfg.MaxRetries)
	require.Equal(t, 24*time.Hour, cfg.RetentionPeriod.Duration())
	require.Equal(t, uint64(137), *cfg.ChainIDFilter)
	require.Equal(t, ":9100", *cfg.MetricsAddr)
	require.Equal(t, "leveldb", *cfg.Store.Backend)
	require.Equal(t, "/var/lib/chainqueue", *cfg.Store.Path)
	require.Equal(t, "prod", *cfg.Store.Namespace)

	// ReapInterval was not set, the default survives the overlay.
	require.Equal(t, time.Minute, cfg.ReapInterval.Duration())

	require.Equal(t, map[uint64]string{
		1:   "https://eth.example/rpc",
		137: "https://polygon.example/rpc",
	}, cfg.NodeURLs())
}

func TestParseMinimal(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(`
[[Nodes]]
Name = "mainnet"
ChainID = 1
URL = "https://eth.example/rpc"
`)
	require.NoError(t, err)

	require.False(t, *cfg.Debug)
	require.Equal(t, 5*time.Second, cfg.PollInterval.Duration())
	require.Equal(t, 5*time.Minute, cfg.Timeout.Duration())
	require.Equal(t, "file", *cfg.Store.Backend)
	require.Equal(t, ".chainqueue", *cfg.Store.Path)
	require.Equal(t, "default", *cfg.Store.Namespace)
	require.Nil(t, cfg.MaxRetries)
	require.Nil(t, cfg.RetentionPeriod)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Parse(`
PollIntervall = "2s"

[[Nodes]]
Name = "mainnet"
ChainID = 1
URL = "https://eth.example/rpc"
`)
	require.ErrorContains(t, err, "failed to decode config")
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name   string
		raw    string
		errMsg string
	}{
		{
			name:   "no nodes",
			raw:    ``,
			errMsg: "Nodes: at least one node is required",
		},
		{
			name: "unknown backend",
			raw: `
[Store]
Backend = "postgres"

[[Nodes]]
Name = "mainnet"
ChainID = 1
URL = "https://eth.example/rpc"
`,
			errMsg: `Store.Backend: unknown backend "postgres"`,
		},
		{
			name: "node missing fields",
			raw: `
[[Nodes]]
Name = "mainnet"
`,
			errMsg: "ChainID: required for all nodes",
		},
		{
			name: "duplicate chain id",
			raw: `
[[Nodes]]
Name = "primary"
ChainID = 1
URL = "https://a.example/rpc"

[[Nodes]]
Name = "secondary"
ChainID = 1
URL = "https://b.example/rpc"
`,
			errMsg: `chain id 1 configured by both "primary" and "secondary"`,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			require.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestDurationText(t *testing.T) {
	t.Parallel()

	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1h30m")))
	require.Equal(t, 90*time.Minute, d.Duration())

	b, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1h30m0s", string(b))

	require.Error(t, d.UnmarshalText([]byte("soon")))

	var nilD *Duration
	require.Equal(t, time.Duration(0), nilD.Duration())
}

func TestQueueConfig(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(sampleConfig)
	require.NoError(t, err)

	qc := cfg.QueueConfig()
	require.True(t, qc.Debug)
	require.Equal(t, 2*time.Second, qc.PollInterval)
	require.Equal(t, 10*time.Minute, qc.Timeout)
	require.Equal(t, uint32(5), qc.MaxRetries)
	require.Equal(t, 24*time.Hour, qc.RetentionPeriod)
	require.Equal(t, time.Minute, qc.ReapInterval)
	require.Equal(t, uint64(137), qc.ChainIDFilter)
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chainqueue.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "prod", *cfg.Store.Namespace)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorContains(t, err, "failed to read config")
}
