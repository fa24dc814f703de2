package cluster

import (
	"strings"

	"github.com/cuemby/cloudscheduler/pkg/types"
)

// StateTable maps a provider's state strings onto canonical statuses
type StateTable map[string]types.VMStatus

// Map looks up state, ignoring case, and returns fallback for states the
// table does not know.
func (t StateTable) Map(state string, fallback types.VMStatus) types.VMStatus {
	if s, ok := t[state]; ok {
		return s
	}
	for k, s := range t {
		if strings.EqualFold(k, state) {
			return s
		}
	}
	return fallback
}
