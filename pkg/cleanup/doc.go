/*
Package cleanup removes VMs the pool no longer wants.

Every pass looks at each VM once, retired clusters included:

	Destroyed                 forgotten, resources returned, no provider call
	Error, Shutdown           destroyed
	ExpiredProxy override     destroyed
	Starting                  left to the poller's boot timeout
	Retiring, drained         destroyed
	older than vm_lifetime    destroyed when idle, retired when busy
	job per core, idle        destroyed after vm_idle_threshold
	type without jobs         retired once idle for its keep alive

A VM is busy while a queued job is assigned to it or a running job reports
it as its remote host. Retired VMs are destroyed on a later pass once they
are no longer busy. Idle jobs that were waiting on a destroyed VM go back
to the scheduler.
*/
package cleanup
