// Package poller keeps the scheduler's view of VMs and jobs current.
//
// VMPoller asks every driver for the state of each of its VMs, a bounded
// number at a time. A VM the provider no longer knows is removed and its
// resources returned without another provider call. Polls that fail
// polling_error_threshold times in a row destroy the VM. The first poll
// that sees a VM leave Starting records a boot outcome for its image on
// that cluster, and a VM still Starting after the cluster's boot_timeout
// is destroyed as a failed boot.
//
// JobPoller runs the job source query and hands the result to the job
// pool.
package poller
