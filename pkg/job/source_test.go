package job

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJobs(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{"empty", "  \n", nil, false},
		{"array", `[{"id": "1", "user": "alice"}, {"id": "2", "user": "bob"}]`, []string{"1", "2"}, false},
		{"stream", "{\"id\": \"1\"}\n{\"id\": \"2\"}\n", []string{"1", "2"}, false},
		{"missing id", `[{"user": "alice"}]`, nil, true},
		{"garbage", `{"id": `, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, err := DecodeJobs([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, jobs)
				return
			}
			assert.Equal(t, tt.want, ids(jobs))
		})
	}
}

func TestDefaultsApply(t *testing.T) {
	d := DefaultRequirements
	d.AMI = map[string]string{"west": "ami-1"}

	j := &types.Job{ID: "1", Memory: 2048}
	d.Apply(j)
	assert.Equal(t, "default", j.VMType)
	assert.Equal(t, "x86", j.CPUArch)
	assert.Equal(t, 2048, j.Memory)
	assert.Equal(t, 1, j.CPUCores)
	assert.Equal(t, types.JobStatusIdle, j.Status)
	assert.Equal(t, map[string]string{"west": "ami-1"}, j.AMI)

	j.AMI["west"] = "changed"
	assert.Equal(t, "ami-1", d.AMI["west"])
}

func TestCommandSource(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "jobs.json")
	require.NoError(t, os.WriteFile(data, []byte(`[{"id": "1", "user": "alice", "status": 2}]`), 0644))

	src, err := NewCommandSource(config.JobSourceConfig{Command: "cat " + data, Timeout: 5 * time.Second}, DefaultRequirements)
	require.NoError(t, err)

	jobs, err := src.Query(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "alice", jobs[0].User)
	assert.Equal(t, types.JobStatusRunning, jobs[0].Status)
	assert.Equal(t, 512, jobs[0].Memory)
}

func TestCommandSourceFailure(t *testing.T) {
	src, err := NewCommandSource(config.JobSourceConfig{Command: "false"}, DefaultRequirements)
	require.NoError(t, err)
	_, err = src.Query(context.Background())
	assert.Error(t, err)

	_, err = NewCommandSource(config.JobSourceConfig{Command: ""}, DefaultRequirements)
	assert.Error(t, err)
}
