package nimbus

import (
	"errors"
	"regexp"
	"strings"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/types"
)

var states = cluster.StateTable{
	"Unstaged":       types.VMStatusStarting,
	"Unpropagated":   types.VMStatusStarting,
	"Propagated":     types.VMStatusStarting,
	"Running":        types.VMStatusRunning,
	"Paused":         types.VMStatusRunning,
	"TransportReady": types.VMStatusRunning,
	"StagedOut":      types.VMStatusRunning,
	"Corrupted":      types.VMStatusError,
	"Cancelled":      types.VMStatusError,
}

var (
	reState    = regexp.MustCompile(`State:\s(\w*)`)
	reID       = regexp.MustCompile(`Workspace created: id (\d+)`)
	reIP       = regexp.MustCompile(`IP address: (\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)
	reHostname = regexp.MustCompile(`Hostname:\s([^\s.]+)`)

	reNoProxy      = regexp.MustCompile(`Defective credential detected.*not found`)
	reNoSlots      = regexp.MustCompile(`Resource request denied: Error creating workspace.s..+network`)
	reNoMemory     = regexp.MustCompile(`Resource request denied: Error creating workspace.s..+based on memory`)
	reMaxWorkspace = regexp.MustCompile(`Denied: Request for 1 workspaces, together with number of currently..concurrently running workspaces.`)
)

// pollResult is what a workspace --rpquery answer says about a VM
type pollResult struct {
	// known is set when the output named a state
	known    bool
	status   types.VMStatus
	override types.Override
	// gone means the service no longer knows the workspace
	gone bool
}

// parsePoll reads the output of a poll or destroy command
func parsePoll(output string) pollResult {
	if m := reState.FindStringSubmatch(output); m != nil {
		status, ok := states[m[1]]
		if !ok {
			return pollResult{known: true, status: types.VMStatusError}
		}
		r := pollResult{known: true, status: status}
		if m[1] == "Corrupted" {
			switch {
			case strings.Contains(output, "Problem: TRANSFER FAILED Problem propagating :UnexpectedError :HTTP error Not Found"):
				r.override = types.OverrideHTTPFail
			case strings.Contains(output, "Problem with connection to the VMM: cannot send data: Broken pipe"):
				r.override = types.OverrideBrokenPipe
			}
		}
		return r
	}

	switch {
	case strings.Contains(output, "This workspace is unknown to the service"):
		return pollResult{gone: true}
	case reNoProxy.MatchString(output):
		return pollResult{override: types.OverrideNoProxy}
	case strings.Contains(output, "Expired credentials detected"):
		return pollResult{override: types.OverrideExpiredProxy}
	case strings.Contains(output, "Connection refused"):
		return pollResult{override: types.OverrideConnectionRefused}
	case strings.Contains(output, "not authorized to use operation"):
		return pollResult{override: types.OverrideNotAuthorized}
	}
	return pollResult{}
}

// createOutput is what a successful deploy prints
type createOutput struct {
	id       string
	ip       string
	hostname string
}

func parseCreate(output string) (createOutput, error) {
	var out createOutput
	m := reID.FindStringSubmatch(output)
	if m == nil {
		return out, errors.New("no workspace id in create output")
	}
	out.id = m[1]
	m = reIP.FindStringSubmatch(output)
	if m == nil {
		return out, errors.New("no ip address in create output")
	}
	out.ip = m[1]
	if m = reHostname.FindStringSubmatch(output); m != nil {
		out.hostname = m[1]
	}
	return out, nil
}

// createFailure classifies the error output of a failed deploy
type createFailure int

const (
	failOther createFailure = iota
	failNoProxy
	failExpiredProxy
	failNoNetworkSlots
	failNoMemory
	failMaxWorkspaces
	failNotAuthorized
)

func parseCreateError(output string) createFailure {
	switch {
	case strings.Contains(output, "Defective credential detected"):
		return failNoProxy
	case strings.Contains(output, "Expired credentials detected"):
		return failExpiredProxy
	case reNoMemory.MatchString(output):
		return failNoMemory
	case reNoSlots.MatchString(output):
		return failNoNetworkSlots
	case reMaxWorkspace.MatchString(output):
		return failMaxWorkspaces
	case strings.Contains(output, "not authorized to use operation"):
		return failNotAuthorized
	}
	return failOther
}
