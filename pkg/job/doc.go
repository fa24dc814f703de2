/*
Package job keeps the scheduler's copy of the batch queue.

A Container indexes jobs by id, by user and by scheduling state. The Pool
wraps it with the reconciliation the job poller runs each cycle:

	jobs, err := source.Query(ctx)
	if err == nil {
		jobPool.UpdateJobs(jobs)
	}

UpdateJobs removes jobs missing from the query, drops removed and completed
records, adds new jobs unscheduled and refreshes the batch status of known
ones. Run times of jobs that left while running are handed to a
RunTimeRecorder, normally the resource pool, which keeps them per VM.

TypeDistribution and UserTypeDistribution give the share of VMs each type
should have. Every user with unscheduled work gets one vote for the type of
their highest priority schedulable job; high priority users' votes are
scaled by the configured weight.
*/
package job
