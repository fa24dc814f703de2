package job

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/types"
)

// Source lists the jobs currently queued in the batch system
type Source interface {
	Query(ctx context.Context) ([]*types.Job, error)
}

// Defaults fill in requirements a job record leaves out
type Defaults struct {
	VMType   string
	Network  string
	CPUArch  string
	Memory   int
	CPUCores int
	Storage  int
	AMI      map[string]string
}

// DefaultRequirements are used when the configuration sets none
var DefaultRequirements = Defaults{
	VMType:   "default",
	CPUArch:  "x86",
	Memory:   512,
	CPUCores: 1,
	Storage:  1,
}

// Apply fills j's empty requirement fields
func (d Defaults) Apply(j *types.Job) {
	if j.VMType == "" {
		j.VMType = d.VMType
	}
	if j.Network == "" {
		j.Network = d.Network
	}
	if j.CPUArch == "" {
		j.CPUArch = d.CPUArch
	}
	if j.Memory == 0 {
		j.Memory = d.Memory
	}
	if j.CPUCores == 0 {
		j.CPUCores = d.CPUCores
	}
	if j.Storage == 0 {
		j.Storage = d.Storage
	}
	if len(j.AMI) == 0 && len(d.AMI) > 0 {
		j.AMI = make(map[string]string, len(d.AMI))
		for k, v := range d.AMI {
			j.AMI[k] = v
		}
	}
	if j.Status == 0 {
		j.Status = types.JobStatusIdle
	}
}

// CommandSource runs the configured query command and decodes its output.
// The command prints either a JSON array of job records or one JSON record
// per line.
type CommandSource struct {
	argv     []string
	runner   *cluster.Runner
	defaults Defaults
}

// NewCommandSource parses the job_source command line
func NewCommandSource(cfg config.JobSourceConfig, defaults Defaults) (*CommandSource, error) {
	argv, err := cluster.SplitCommand(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("invalid job_source command: %w", err)
	}
	return &CommandSource{
		argv:     argv,
		runner:   cluster.NewRunner(cfg.Timeout),
		defaults: defaults,
	}, nil
}

// Query runs the command once
func (s *CommandSource) Query(ctx context.Context) ([]*types.Job, error) {
	res, err := s.runner.Run(ctx, s.argv, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w: %s", err, res.Stderr)
	}
	jobs, err := DecodeJobs([]byte(res.Stdout))
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		s.defaults.Apply(j)
	}
	return jobs, nil
}

// DecodeJobs parses a JSON array or a stream of JSON job records. Records
// without an id are rejected.
func DecodeJobs(data []byte) ([]*types.Job, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	var jobs []*types.Job
	if data[0] == '[' {
		if err := json.Unmarshal(data, &jobs); err != nil {
			return nil, fmt.Errorf("failed to decode jobs: %w", err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		for {
			var j types.Job
			err := dec.Decode(&j)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("failed to decode job %d: %w", len(jobs)+1, err)
			}
			jobs = append(jobs, &j)
		}
	}

	for i, j := range jobs {
		if j == nil || j.ID == "" {
			return nil, fmt.Errorf("job record %d has no id", i+1)
		}
	}
	return jobs, nil
}
