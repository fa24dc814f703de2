package types

import (
	"time"
)

// VMStatus is the canonical lifecycle state of a VM. Every driver maps its
// provider-specific states onto this set.
type VMStatus string

const (
	VMStatusStarting  VMStatus = "Starting"
	VMStatusRunning   VMStatus = "Running"
	VMStatusError     VMStatus = "Error"
	VMStatusShutdown  VMStatus = "Shutdown"
	VMStatusRetiring  VMStatus = "Retiring"
	VMStatusDestroyed VMStatus = "Destroyed"
	VMStatusPaused    VMStatus = "Paused"
	VMStatusSuspended VMStatus = "Suspended"
	VMStatusStopped   VMStatus = "Stopped"
)

// Terminal reports whether the VM should be cleaned up rather than polled
// again.
func (s VMStatus) Terminal() bool {
	switch s {
	case VMStatusShutdown, VMStatusDestroyed, VMStatusStopped:
		return true
	}
	return false
}

// Override is a transient display state kept alongside the VM status. It
// never replaces Status.
type Override string

const (
	OverrideNone              Override = ""
	OverrideRetiring          Override = "Retiring"
	OverrideTempBanned        Override = "TempBanned"
	OverrideHeldBadReqs       Override = "HeldBadReqs"
	OverrideHTTPFail          Override = "HTTPFail"
	OverrideBrokenPipe        Override = "BrokenPipe"
	OverrideConnectionRefused Override = "ConnectionRefused"
	OverrideNotAuthorized     Override = "NotAuthorized"
	OverrideNoProxy           Override = "NoProxy"
	OverrideExpiredProxy      Override = "ExpiredProxy"
	OverrideStopping          Override = "Stopping"
)

// Special overrides survive a normal poll result and are only cleared
// explicitly.
func (o Override) Special() bool {
	switch o {
	case OverrideRetiring, OverrideTempBanned, OverrideHeldBadReqs, OverrideHTTPFail, OverrideBrokenPipe:
		return true
	}
	return false
}

// Credential overrides mean the provider rejected our credentials, not the
// image. They are excluded from boot failure tracking.
func (o Override) Credential() bool {
	switch o {
	case OverrideNoProxy, OverrideExpiredProxy, OverrideNotAuthorized:
		return true
	}
	return false
}

// MaxJobRunTimes is the number of completed job run times remembered per VM
const MaxJobRunTimes = 10

// VM is one cloud instance reserved against a specific cluster
type VM struct {
	Name        string `json:"name"`
	ID          string `json:"id"`
	VMType      string `json:"vmtype"`
	User        string `json:"user"`
	UserVMType  string `json:"uservmtype"`
	Hostname    string `json:"hostname,omitempty"`
	AltHostname string `json:"alt_hostname,omitempty"`
	IPAddress   string `json:"ipaddress,omitempty"`

	// ClusterName and ClusterAddr point back at the owning cluster. They are
	// used for lookup only.
	ClusterName string `json:"cluster"`
	ClusterAddr string `json:"clusteraddr"`
	ClusterPort int    `json:"clusterport,omitempty"`
	CloudType   string `json:"cloudtype"`

	Network  string `json:"network"`
	CPUArch  string `json:"cpuarch"`
	Image    string `json:"image"`
	Memory   int    `json:"memory"`
	Mementry int    `json:"mementry"`
	CPUCores int    `json:"cpucores"`
	Storage  int    `json:"storage"`

	Status     VMStatus `json:"status"`
	Override   Override `json:"override_status,omitempty"`
	ErrorCount int      `json:"errorcount"`

	LastPoll        time.Time     `json:"lastpoll"`
	LastStateChange time.Time     `json:"last_state_change"`
	InitializeTime  time.Time     `json:"initialize_time"`
	StartupTime     time.Time     `json:"startup_time,omitempty"`
	IdleStart       time.Time     `json:"idle_start,omitempty"`
	KeepAlive       time.Duration `json:"keep_alive"`

	JobPerCore  bool            `json:"job_per_core"`
	ForceRetire bool            `json:"force_retire"`
	SpotID      string          `json:"spot_id,omitempty"`
	ProxyFile   string          `json:"proxy_file,omitempty"`
	JobRunTimes []time.Duration `json:"job_run_times,omitempty"`
}

// SetStatus updates the status and stamps LastStateChange when it differs.
// It reports whether the status changed.
func (vm *VM) SetStatus(status VMStatus, now time.Time) bool {
	vm.LastPoll = now
	if vm.Status == status {
		return false
	}
	vm.Status = status
	vm.LastStateChange = now
	if status == VMStatusRunning && vm.StartupTime.IsZero() {
		vm.StartupTime = now
	}
	return true
}

// ApplyOverride sets a new override unless a special one is already in place.
// Passing OverrideNone clears ordinary overrides.
func (vm *VM) ApplyOverride(o Override) {
	if vm.Override.Special() {
		return
	}
	vm.Override = o
}

// DisplayStatus is what status listings show
func (vm *VM) DisplayStatus() string {
	if vm.Override != OverrideNone {
		return string(vm.Override)
	}
	return string(vm.Status)
}

// RecordJobRunTime remembers the run time of a job that finished on this VM
func (vm *VM) RecordJobRunTime(d time.Duration) {
	vm.JobRunTimes = append(vm.JobRunTimes, d)
	if len(vm.JobRunTimes) > MaxJobRunTimes {
		vm.JobRunTimes = vm.JobRunTimes[len(vm.JobRunTimes)-MaxJobRunTimes:]
	}
}

// AverageJobRunTime returns the mean of the remembered job run times
func (vm *VM) AverageJobRunTime() time.Duration {
	if len(vm.JobRunTimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range vm.JobRunTimes {
		total += d
	}
	return total / time.Duration(len(vm.JobRunTimes))
}

// Age is how long ago the VM was created
func (vm *VM) Age(now time.Time) time.Duration {
	return now.Sub(vm.InitializeTime)
}

// Env returns environment variables for commands acting on behalf of the
// VM's owner.
func (vm *VM) Env() map[string]string {
	env := map[string]string{}
	if vm.ProxyFile != "" {
		env["X509_USER_PROXY"] = vm.ProxyFile
	}
	return env
}

// Clone returns a deep copy safe to hand to readers
func (vm *VM) Clone() *VM {
	c := *vm
	if vm.JobRunTimes != nil {
		c.JobRunTimes = append([]time.Duration(nil), vm.JobRunTimes...)
	}
	return &c
}

// JobStatus mirrors the batch system's numeric job states
type JobStatus int

const (
	JobStatusIdle      JobStatus = 1
	JobStatusRunning   JobStatus = 2
	JobStatusRemoved   JobStatus = 3
	JobStatusCompleted JobStatus = 4
	JobStatusHeld      JobStatus = 5
)

// Gone reports whether the job left the queue
func (s JobStatus) Gone() bool {
	return s == JobStatusRemoved || s == JobStatusCompleted
}

// Active reports whether the job still wants a VM
func (s JobStatus) Active() bool {
	return s == JobStatusIdle || s == JobStatusRunning
}

func (s JobStatus) String() string {
	switch s {
	case JobStatusIdle:
		return "Idle"
	case JobStatusRunning:
		return "Running"
	case JobStatusRemoved:
		return "Removed"
	case JobStatusCompleted:
		return "Completed"
	case JobStatusHeld:
		return "Held"
	}
	return "Unknown"
}

// Job is a job's resource requirement record as read from the job source
type Job struct {
	ID           string    `json:"id"`
	User         string    `json:"user"`
	Priority     int       `json:"priority"`
	Status       JobStatus `json:"status"`
	HighPriority bool      `json:"high_priority,omitempty"`

	VMType   string `json:"req_vmtype"`
	Network  string `json:"req_network"`
	CPUArch  string `json:"req_cpuarch"`
	Image    string `json:"req_image"`
	ImageLoc string `json:"req_imageloc,omitempty"`
	Memory   int    `json:"req_memory"`
	CPUCores int    `json:"req_cpucores"`
	Storage  int    `json:"req_storage"`

	// AMI and InstanceType are keyed by cluster name or cluster host
	AMI          map[string]string `json:"req_ami,omitempty"`
	InstanceType map[string]string `json:"instance_type,omitempty"`
	MaxPrice     float64           `json:"maximum_price,omitempty"`

	KeepAlive     time.Duration `json:"keep_alive,omitempty"`
	JobPerCore    bool          `json:"job_per_core,omitempty"`
	TargetClouds  []string      `json:"target_clouds,omitempty"`
	BlockedClouds []string      `json:"blocked_clouds,omitempty"`
	UserTypeLimit int           `json:"usertype_limit"`
	ProxyFile     string        `json:"proxy_file,omitempty"`
	Customization string        `json:"customization,omitempty"`

	// SubmitTime, StartTime and ServerTime come from the batch system.
	// RemoteHost is the VM hostname the job is running on.
	SubmitTime time.Time `json:"submit_time,omitempty"`
	StartTime  time.Time `json:"start_time,omitempty"`
	ServerTime time.Time `json:"server_time,omitempty"`
	RemoteHost string    `json:"remote_host,omitempty"`

	// Scheduling bookkeeping owned by the scheduler
	Scheduled  bool      `json:"scheduled"`
	Banned     bool      `json:"banned,omitempty"`
	BanTime    time.Time `json:"ban_time,omitempty"`
	FailedBoot int       `json:"failed_boot,omitempty"`
	BlockTime  time.Time `json:"block_time,omitempty"`
	RunningVM  string    `json:"running_vm,omitempty"`
}

// UserVMType is the key used for per user, per type accounting
func (j *Job) UserVMType() string {
	return j.User + ":" + j.VMType
}

// Clone returns a deep copy safe to hand to readers
func (j *Job) Clone() *Job {
	c := *j
	c.AMI = cloneMap(j.AMI)
	c.InstanceType = cloneMap(j.InstanceType)
	if j.TargetClouds != nil {
		c.TargetClouds = append([]string(nil), j.TargetClouds...)
	}
	if j.BlockedClouds != nil {
		c.BlockedClouds = append([]string(nil), j.BlockedClouds...)
	}
	return &c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SameRequirements reports whether two jobs would be served by the same VM
func (j *Job) SameRequirements(o *Job) bool {
	return j.VMType == o.VMType && j.Network == o.Network && j.CPUArch == o.CPUArch &&
		j.Image == o.Image && j.Memory == o.Memory && j.CPUCores == o.CPUCores && j.Storage == o.Storage
}
