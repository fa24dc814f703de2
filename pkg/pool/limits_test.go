package pool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/cloudscheduler/pkg/cluster/clustertest"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadTargetAliases(t *testing.T) {
	p, _ := newTestPool(t, Options{}, clustertest.Simple("a", 1))
	path := writeFile(t, "aliases.json", `{"west": ["a", "b"], "east": ["c"]}`)

	require.NoError(t, p.LoadTargetAliases(path))
	assert.Equal(t, map[string][]string{"west": {"a", "b"}, "east": {"c"}}, p.TargetAliases())

	tests := []struct {
		name    string
		targets []string
		want    []string
	}{
		{"plain", []string{"x"}, []string{"x"}},
		{"alias", []string{"west"}, []string{"a", "b"}},
		{"dedupe", []string{"a", "west", "east", "c"}, []string{"a", "b", "c"}},
		{"empty", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.ResolveTargets(tt.targets))
		})
	}

	require.NoError(t, p.LoadTargetAliases(filepath.Join(t.TempDir(), "missing.json")))
	assert.Empty(t, p.TargetAliases())
}

func TestLoadTargetAliasesInvalid(t *testing.T) {
	p, _ := newTestPool(t, Options{}, clustertest.Simple("a", 1))
	assert.Error(t, p.LoadTargetAliases(writeFile(t, "aliases.json", `["a"]`)))
}

func TestUserLimits(t *testing.T) {
	p, factory := newTestPool(t, Options{}, clustertest.Simple("a", 5))
	require.NoError(t, p.LoadUserLimits(writeFile(t, "limits.json", `{"alice": 2}`)))
	assert.Equal(t, map[string]int{"alice": 2}, p.UserLimits())

	boot(t, factory.Get("a"), "vm-1", "alice", 512)
	assert.False(t, p.UserAtLimit("alice"))
	boot(t, factory.Get("a"), "vm-2", "alice", 512)
	assert.True(t, p.UserAtLimit("alice"))

	boot(t, factory.Get("a"), "vm-3", "bob", 512)
	assert.False(t, p.UserAtLimit("bob"), "users without a limit are unlimited")
}

func TestUserVMTypeAtLimit(t *testing.T) {
	p, factory := newTestPool(t, Options{}, clustertest.Simple("a", 5))
	boot(t, factory.Get("a"), "vm-1", "alice", 512)
	boot(t, factory.Get("a"), "vm-2", "alice", 512)

	assert.True(t, p.UserVMTypeAtLimit("alice:worker", 2))
	assert.False(t, p.UserVMTypeAtLimit("alice:worker", 3))
	assert.False(t, p.UserVMTypeAtLimit("alice:worker", -1))
	assert.False(t, p.UserVMTypeAtLimit("bob:worker", 0))

	job := &types.Job{User: "alice", VMType: "worker", UserTypeLimit: 2}
	assert.True(t, p.UserVMTypeAtJobLimit(job))
	job.UserTypeLimit = 0
	assert.False(t, p.UserVMTypeAtJobLimit(job))
}
