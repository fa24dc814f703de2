package cluster

import (
	"errors"
	"fmt"
	"time"
)

// Resource names carried by NoResourcesError
const (
	ResourceVMSlots  = "vm_slots"
	ResourceStorage  = "storage"
	ResourceMemory   = "memory"
	ResourceCPUCores = "cpu_cores"
	ResourceNetSlots = "net_slots"
)

var (
	// ErrVMNotFound is returned when an operation names a VM the cluster does
	// not hold
	ErrVMNotFound = errors.New("vm not found")

	// ErrClusterNotFound is returned when no configured cluster has the name
	ErrClusterNotFound = errors.New("cluster not found")

	// ErrInstanceGone is what drivers wrap when the provider no longer knows
	// an instance
	ErrInstanceGone = errors.New("instance no longer exists on provider")
)

// NoResourcesError means a checkout could not be satisfied. Counters are
// left untouched when it is returned.
type NoResourcesError struct {
	Cluster  string
	Resource string
}

func (e *NoResourcesError) Error() string {
	return fmt.Sprintf("cluster %s has insufficient %s", e.Cluster, e.Resource)
}

// IsNoResources reports whether err is (or wraps) a NoResourcesError
func IsNoResources(err error) bool {
	var nr *NoResourcesError
	return errors.As(err, &nr)
}

// AccountingError means returning resources would take a counter above the
// cluster's configured capacity, which only happens on a double return.
type AccountingError struct {
	Cluster  string
	Resource string
	VM       string
}

func (e *AccountingError) Error() string {
	return fmt.Sprintf("cluster %s: returning %s for vm %s exceeds capacity", e.Cluster, e.Resource, e.VM)
}

// CreateCode classifies a failed create
type CreateCode int

const (
	// CreateFailed is a generic provider failure. The scheduler may try
	// another cluster and counts it against the image.
	CreateFailed CreateCode = 1
	// CreateCredential means the user's credential is missing or expired
	CreateCredential CreateCode = -1
	// CreateShortage means the provider has less capacity than configured
	CreateShortage CreateCode = -2
	// CreateRefused means the provider refused the user (quota or not
	// authorized)
	CreateRefused CreateCode = -3
)

func (c CreateCode) String() string {
	switch c {
	case CreateFailed:
		return "failed"
	case CreateCredential:
		return "credential"
	case CreateShortage:
		return "shortage"
	case CreateRefused:
		return "refused"
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// CreateError is returned by Create for every failure
type CreateError struct {
	Cluster string
	Code    CreateCode
	Err     error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create on %s failed (%s): %v", e.Cluster, e.Code, e.Err)
}

func (e *CreateError) Unwrap() error {
	return e.Err
}

// NewCreateError wraps err with a create code
func NewCreateError(cluster string, code CreateCode, err error) *CreateError {
	return &CreateError{Cluster: cluster, Code: code, Err: err}
}

// CodeOf extracts the create code of err, CreateFailed when err is not a
// CreateError
func CodeOf(err error) CreateCode {
	var ce *CreateError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CreateFailed
}

// RateLimitError is returned by drivers when the provider asked us to slow
// down
type RateLimitError struct {
	Err           error
	EarliestRetry time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited until %s: %v", e.EarliestRetry.Format(time.RFC3339), e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// QuotaError is returned by drivers when the provider reports an account
// quota has been reached
type QuotaError struct {
	Err error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %v", e.Err)
}

func (e *QuotaError) Unwrap() error {
	return e.Err
}
