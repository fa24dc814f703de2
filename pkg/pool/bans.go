package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/events"
	"github.com/cuemby/cloudscheduler/pkg/metrics"
)

// FailureQueue remembers the outcome of the most recent boot attempts of an
// image on a cluster
type FailureQueue struct {
	size    int
	results []bool
	next    int
}

// NewFailureQueue creates a queue holding size outcomes
func NewFailureQueue(size int) *FailureQueue {
	if size < 1 {
		size = 1
	}
	return &FailureQueue{size: size, results: make([]bool, 0, size)}
}

// Append records an outcome, dropping the oldest once the queue is full
func (q *FailureQueue) Append(ok bool) {
	if len(q.results) < q.size {
		q.results = append(q.results, ok)
		return
	}
	q.results[q.next] = ok
	q.next = (q.next + 1) % q.size
}

// Full reports whether enough outcomes are known to judge the pair
func (q *FailureQueue) Full() bool {
	return len(q.results) == q.size
}

// Len returns the number of outcomes held
func (q *FailureQueue) Len() int {
	return len(q.results)
}

// FailureRate is the fraction of held outcomes that were failures
func (q *FailureQueue) FailureRate() float64 {
	if len(q.results) == 0 {
		return 0
	}
	failed := 0
	for _, ok := range q.results {
		if !ok {
			failed++
		}
	}
	return float64(failed) / float64(len(q.results))
}

// Clear forgets every outcome
func (q *FailureQueue) Clear() {
	q.results = q.results[:0]
	q.next = 0
}

type banKey struct {
	image   string
	cluster string
}

// RecordBoot adds a boot outcome for image on cluster
func (p *Pool) RecordBoot(image, clusterName string, ok bool) {
	p.banMu.Lock()
	defer p.banMu.Unlock()

	key := banKey{image: image, cluster: clusterName}
	q, found := p.failures[key]
	if !found {
		q = NewFailureQueue(p.opts.BanMinTrack)
		p.failures[key] = q
	}
	q.Append(ok)
}

// FailureRate returns the tracked failure rate for a pair and whether
// enough outcomes are known
func (p *Pool) FailureRate(image, clusterName string) (float64, bool) {
	p.banMu.Lock()
	defer p.banMu.Unlock()
	q, ok := p.failures[banKey{image: image, cluster: clusterName}]
	if !ok {
		return 0, false
	}
	return q.FailureRate(), q.Full()
}

// CheckFailures bans every pair whose queue is full and whose failure rate
// reached the threshold. The ban file is rewritten when anything was banned.
// It returns the pairs banned by this call.
func (p *Pool) CheckFailures() map[string][]string {
	p.banMu.Lock()
	issued := make(map[string][]string)
	now := p.now()
	for key, q := range p.failures {
		if !q.Full() || q.FailureRate() < p.opts.BanFailrate {
			continue
		}
		if _, already := p.bans[key.image][key.cluster]; already {
			continue
		}
		if p.bans[key.image] == nil {
			p.bans[key.image] = make(map[string]time.Time)
		}
		p.bans[key.image][key.cluster] = now
		issued[key.image] = append(issued[key.image], key.cluster)
	}
	p.banMu.Unlock()

	if len(issued) == 0 {
		return issued
	}
	for image, clusters := range issued {
		sort.Strings(clusters)
		for _, name := range clusters {
			p.logger.Warn().Str("image", image).Str("cluster", name).Msg("Banning image on cluster after repeated boot failures")
			metrics.BansIssued.WithLabelValues(name).Inc()
			ev := events.ClusterEvent(events.EventClusterBanned, name, "image banned after repeated boot failures")
			ev.Metadata["image"] = image
			p.broker.Publish(ev)
		}
	}
	if err := p.SaveBans(); err != nil {
		p.logger.Error().Err(err).Msg("Failed to save ban file")
	}
	return issued
}

// Banned reports whether image is banned on the cluster
func (p *Pool) Banned(image, clusterName string) bool {
	p.banMu.Lock()
	defer p.banMu.Unlock()
	_, ok := p.bans[image][clusterName]
	return ok
}

// BannedClusters lists the clusters image is banned on
func (p *Pool) BannedClusters(image string) []string {
	p.banMu.Lock()
	defer p.banMu.Unlock()
	out := make([]string, 0, len(p.bans[image]))
	for name := range p.bans[image] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Bans returns the full ban table as image to cluster names
func (p *Pool) Bans() map[string][]string {
	p.banMu.Lock()
	defer p.banMu.Unlock()
	return p.banTableLocked()
}

func (p *Pool) banTableLocked() map[string][]string {
	out := make(map[string][]string, len(p.bans))
	for image, clusters := range p.bans {
		if len(clusters) == 0 {
			continue
		}
		names := make([]string, 0, len(clusters))
		for name := range clusters {
			names = append(names, name)
		}
		sort.Strings(names)
		out[image] = names
	}
	return out
}

// banTimes copies the ban table with the time each ban started
func (p *Pool) banTimes() map[string]banEntries {
	p.banMu.Lock()
	defer p.banMu.Unlock()
	out := make(map[string]banEntries, len(p.bans))
	for image, clusters := range p.bans {
		if len(clusters) == 0 {
			continue
		}
		entries := make(banEntries, len(clusters))
		for name, at := range clusters {
			entries[name] = at
		}
		out[image] = entries
	}
	return out
}

// BanCount returns the number of banned pairs
func (p *Pool) BanCount() int {
	p.banMu.Lock()
	defer p.banMu.Unlock()
	n := 0
	for _, clusters := range p.bans {
		n += len(clusters)
	}
	return n
}

// Unban lifts a ban and forgets the pair's history. It reports whether the
// pair was banned.
func (p *Pool) Unban(image, clusterName string) bool {
	p.banMu.Lock()
	_, ok := p.bans[image][clusterName]
	if ok {
		delete(p.bans[image], clusterName)
		if len(p.bans[image]) == 0 {
			delete(p.bans, image)
		}
	}
	if q, tracked := p.failures[banKey{image, clusterName}]; tracked {
		q.Clear()
	}
	p.banMu.Unlock()

	if ok {
		ev := events.ClusterEvent(events.EventClusterUnbanned, clusterName, "ban lifted")
		ev.Metadata["image"] = image
		p.broker.Publish(ev)
		if err := p.SaveBans(); err != nil {
			p.logger.Error().Err(err).Msg("Failed to save ban file")
		}
	}
	return ok
}

// banEntries is one image's entry in the ban file: cluster names mapped to
// the time each ban started. A plain list of cluster names is also read;
// those bans start when they are loaded.
type banEntries map[string]time.Time

func (e *banEntries) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err == nil {
		out := make(banEntries, len(names))
		for _, name := range names {
			out[name] = time.Time{}
		}
		*e = out
		return nil
	}
	var since map[string]time.Time
	if err := json.Unmarshal(data, &since); err != nil {
		return err
	}
	*e = since
	return nil
}

// LoadBans replaces the ban table with the contents of the ban file. Pairs
// the file no longer lists get their failure history cleared. A missing
// file clears every ban.
func (p *Pool) LoadBans() error {
	loaded := map[string]banEntries{}
	if p.opts.BanFile != "" {
		data, err := os.ReadFile(p.opts.BanFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return fmt.Errorf("failed to read ban file: %w", err)
		case len(data) > 0:
			if err := json.Unmarshal(data, &loaded); err != nil {
				return fmt.Errorf("failed to parse ban file %s: %w", p.opts.BanFile, err)
			}
		}
	}

	p.banMu.Lock()
	defer p.banMu.Unlock()

	now := p.now()
	next := make(map[string]map[string]time.Time, len(loaded))
	for image, clusters := range loaded {
		for name, since := range clusters {
			if next[image] == nil {
				next[image] = make(map[string]time.Time)
			}
			switch at, ok := p.bans[image][name]; {
			case ok:
				next[image][name] = at
			case !since.IsZero():
				next[image][name] = since
			default:
				next[image][name] = now
			}
		}
	}
	for image, clusters := range p.bans {
		for name := range clusters {
			if _, kept := next[image][name]; kept {
				continue
			}
			if q, ok := p.failures[banKey{image, name}]; ok {
				q.Clear()
			}
		}
	}
	p.bans = next
	p.logger.Info().Int("bans", len(p.banTableLocked())).Msg("Loaded ban file")
	return nil
}

// SaveBans writes the ban table to the ban file through a temp file and a
// rename. Without a configured file it does nothing.
func (p *Pool) SaveBans() error {
	if p.opts.BanFile == "" {
		return nil
	}
	data, err := json.MarshalIndent(p.banTimes(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode bans: %w", err)
	}

	dir := filepath.Dir(p.opts.BanFile)
	tmp, err := os.CreateTemp(dir, ".bans-*")
	if err != nil {
		return fmt.Errorf("failed to create temp ban file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write ban file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write ban file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.opts.BanFile); err != nil {
		return fmt.Errorf("failed to replace ban file: %w", err)
	}
	return nil
}

// ExpireBans lifts bans older than the configured TTL and clears their
// history. A zero TTL keeps bans until the file is reloaded. It returns the
// number of bans lifted.
func (p *Pool) ExpireBans(now time.Time) int {
	if p.opts.BanTTL <= 0 {
		return 0
	}

	p.banMu.Lock()
	var expired []banKey
	for image, clusters := range p.bans {
		for name, at := range clusters {
			if now.Sub(at) < p.opts.BanTTL {
				continue
			}
			expired = append(expired, banKey{image, name})
			delete(clusters, name)
			if q, ok := p.failures[banKey{image, name}]; ok {
				q.Clear()
			}
		}
		if len(clusters) == 0 {
			delete(p.bans, image)
		}
	}
	p.banMu.Unlock()

	if len(expired) == 0 {
		return 0
	}
	for _, key := range expired {
		p.logger.Info().Str("image", key.image).Str("cluster", key.cluster).Msg("Ban expired")
		ev := events.ClusterEvent(events.EventClusterUnbanned, key.cluster, "ban expired")
		ev.Metadata["image"] = key.image
		p.broker.Publish(ev)
	}
	if err := p.SaveBans(); err != nil {
		p.logger.Error().Err(err).Msg("Failed to save ban file")
	}
	return len(expired)
}
