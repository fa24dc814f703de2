package health

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/config"
)

// CheckType represents the type of endpoint check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result represents the outcome of one probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one endpoint
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
	Target() string
}

// Config contains the probe settings shared by every cluster
type Config struct {
	// Interval is the time between probe rounds
	Interval time.Duration

	// Timeout bounds a single probe
	Timeout time.Duration

	// Retries is the number of consecutive failures before a cluster is
	// reported unreachable
	Retries int
}

// DefaultConfig returns the probe settings used for zero fields
func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
		Timeout:  10 * time.Second,
		Retries:  3,
	}
}

// Status tracks the reachability of one cluster
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result

	// Healthy is true until Retries probes in a row have failed
	Healthy bool
}

// NewStatus creates a Status that assumes the endpoint is reachable
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update folds a new result into the status and reports whether Healthy
// changed
func (s *Status) Update(result Result, cfg Config) bool {
	was := s.Healthy
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		if s.ConsecutiveFailures >= cfg.Retries {
			s.Healthy = false
		}
	}
	return was != s.Healthy
}

// ForCluster picks the probe for a cluster's endpoint. A host given as an
// http or https URL is probed with a request, any other host with a TCP
// connect to host:port. Clusters with neither a URL nor a port, such as
// local hypervisors, get no probe and ForCluster returns nil.
func ForCluster(cfg config.Cluster, timeout time.Duration) Checker {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil
	}
	if u, err := url.Parse(host); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		if cfg.Port > 0 && u.Port() == "" {
			u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(cfg.Port))
		}
		return NewHTTPChecker(u.String()).WithTimeout(timeout)
	}
	if cfg.Port <= 0 {
		return nil
	}
	return NewTCPChecker(net.JoinHostPort(host, strconv.Itoa(cfg.Port))).WithTimeout(timeout)
}
