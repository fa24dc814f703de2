package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "cs.yaml", "scheduling_algorithm: bf\nban_ttl: 2h\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmBalancedFit, cfg.SchedulingAlgorithm)
	assert.Equal(t, 2*time.Hour, cfg.BanTTL)
	assert.Equal(t, 10, cfg.PollingErrorThreshold)
	assert.Equal(t, 180*time.Second, cfg.CLITimeout)
	assert.Equal(t, 1.0, cfg.BanFailrateThreshold)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", "not_a_key: 1\n"},
		{"bad algorithm", "scheduling_algorithm: random\n"},
		{"bad threshold", "ban_failrate_threshold: 1.5\n"},
		{"zero interval", "scheduler_interval: 0s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "cs.yaml", tt.content)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestParseClusters(t *testing.T) {
	t.Setenv("TEST_SECRET", "s3cr3t")

	data := []byte(`
clusters:
  - name: alpha
    cloud_type: AmazonEC2
    vm_slots: 4
    memory: [2048, 4096]
    networks: [public]
    enabled: false
    options:
      secret_access_key: ${TEST_SECRET}
  - name: beta
    cloud_type: Nimbus
    vm_slots: 2
    memory: [1024]
`)

	clusters, err := ParseClusters(data)
	require.NoError(t, err)
	require.Len(t, clusters, 2)

	assert.Equal(t, "alpha", clusters[0].Name)
	assert.Equal(t, []int{2048, 4096}, clusters[0].Memory)
	assert.False(t, clusters[0].IsEnabled())
	assert.True(t, clusters[1].IsEnabled())

	var opts struct {
		SecretAccessKey string `yaml:"secret_access_key"`
	}
	require.NoError(t, DecodeOptions(clusters[0], &opts))
	assert.Equal(t, "s3cr3t", opts.SecretAccessKey)
}

func TestParseClustersErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"duplicate", "clusters:\n  - {name: a, cloud_type: x, memory: [1]}\n  - {name: a, cloud_type: x, memory: [1]}\n"},
		{"no memory", "clusters:\n  - {name: a, cloud_type: x}\n"},
		{"no type", "clusters:\n  - {name: a, memory: [1]}\n"},
		{"negative slots", "clusters:\n  - {name: a, cloud_type: x, memory: [1], vm_slots: -1}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseClusters([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestDecodeOptionsUnknownKey(t *testing.T) {
	c := Cluster{Name: "a", Options: map[string]interface{}{"nope": 1}}
	var opts struct {
		Region string `yaml:"region"`
	}
	assert.Error(t, DecodeOptions(c, &opts))
}

func TestClusterEqual(t *testing.T) {
	a := Cluster{Name: "a", Memory: []int{1024}}
	b := Cluster{Name: "a", Memory: []int{1024}}
	assert.True(t, a.Equal(&b))

	b.Memory = []int{512}
	assert.False(t, a.Equal(&b))
}

func TestLoadEnv(t *testing.T) {
	path := writeFile(t, t.TempDir(), "creds.env", "CS_TEST_ENV_VALUE=from-file\n")
	t.Setenv("CS_TEST_ENV_VALUE", "")
	require.NoError(t, os.Unsetenv("CS_TEST_ENV_VALUE"))

	require.NoError(t, LoadEnv(path))
	assert.Equal(t, "from-file", os.Getenv("CS_TEST_ENV_VALUE"))

	assert.NoError(t, LoadEnv(""))
	assert.Error(t, LoadEnv(filepath.Join(t.TempDir(), "missing.env")))
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bans.json", "{}")

	w, err := NewWatcher(zerolog.Nop(), 100*time.Millisecond)
	require.NoError(t, err)

	var calls int32
	require.NoError(t, w.Watch(path, func() { atomic.AddInt32(&calls, 1) }))
	w.Start()
	defer w.Stop()

	// Several quick writes collapse into one callback
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`{"img": ["a"]}`), 0644))
	}
	writeFile(t, dir, "other.json", "{}")

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, 2*time.Second, 10*time.Millisecond)
}
