package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cuemby/cloudscheduler/pkg/types"
)

func readJSONFile(path string, out interface{}) (bool, error) {
	if path == "" {
		return false, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return true, nil
}

// LoadTargetAliases replaces the target cloud aliases with the JSON object
// in path, mapping an alias to cluster names. A missing file clears them.
func (p *Pool) LoadTargetAliases(path string) error {
	aliases := map[string][]string{}
	if _, err := readJSONFile(path, &aliases); err != nil {
		return err
	}
	p.limitsMu.Lock()
	p.aliases = aliases
	p.limitsMu.Unlock()
	p.logger.Info().Int("aliases", len(aliases)).Msg("Loaded target cloud aliases")
	return nil
}

// TargetAliases returns a copy of the alias table
func (p *Pool) TargetAliases() map[string][]string {
	p.limitsMu.RLock()
	defer p.limitsMu.RUnlock()
	out := make(map[string][]string, len(p.aliases))
	for k, v := range p.aliases {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// LoadUserLimits replaces the per user VM limits with the JSON object in
// path. A missing file removes every limit.
func (p *Pool) LoadUserLimits(path string) error {
	limits := map[string]int{}
	if _, err := readJSONFile(path, &limits); err != nil {
		return err
	}
	p.limitsMu.Lock()
	p.userLimits = limits
	p.limitsMu.Unlock()
	p.logger.Info().Int("users", len(limits)).Msg("Loaded user VM limits")
	return nil
}

// UserLimits returns a copy of the per user VM limits
func (p *Pool) UserLimits() map[string]int {
	p.limitsMu.RLock()
	defer p.limitsMu.RUnlock()
	out := make(map[string]int, len(p.userLimits))
	for k, v := range p.userLimits {
		out[k] = v
	}
	return out
}

// ResolveTargets expands aliases in a job's target cloud list and removes
// duplicates
func (p *Pool) ResolveTargets(targets []string) []string {
	if len(targets) == 0 {
		return nil
	}
	p.limitsMu.RLock()
	defer p.limitsMu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, t := range targets {
		if expanded, ok := p.aliases[t]; ok {
			for _, name := range expanded {
				add(name)
			}
			continue
		}
		add(t)
	}
	return out
}

// ResolveCloudMap expands alias keys of a per cloud map such as a job's AMI
// map. Keys are lowercased.
func (p *Pool) ResolveCloudMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	p.limitsMu.RLock()
	defer p.limitsMu.RUnlock()

	out := make(map[string]string, len(m))
	for k, v := range m {
		if expanded, ok := p.aliases[k]; ok {
			for _, name := range expanded {
				out[strings.ToLower(name)] = v
			}
			continue
		}
		out[strings.ToLower(k)] = v
	}
	return out
}

// UserAtLimit reports whether user already runs as many VMs as their
// configured limit allows. Users without a limit are never at it.
func (p *Pool) UserAtLimit(user string) bool {
	p.limitsMu.RLock()
	limit, ok := p.userLimits[user]
	p.limitsMu.RUnlock()
	if !ok {
		return false
	}
	return p.VMCountUser(user) >= limit
}

// UserVMTypeAtLimit reports whether a user and VM type pair already has
// limit VMs. A limit of -1 means unlimited.
func (p *Pool) UserVMTypeAtLimit(uservmtype string, limit int) bool {
	if limit == -1 {
		return false
	}
	count, ok := p.VMTypesCount()[uservmtype]
	return ok && count >= limit
}

// UserVMTypeAtJobLimit applies UserVMTypeAtLimit with the limit carried by
// a job. Jobs without a limit (zero or negative) are unlimited.
func (p *Pool) UserVMTypeAtJobLimit(j *types.Job) bool {
	if j.UserTypeLimit <= 0 {
		return false
	}
	return p.UserVMTypeAtLimit(j.UserVMType(), j.UserTypeLimit)
}
