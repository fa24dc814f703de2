/*
Package scheduler starts VMs for queued jobs.

Each pass expires old image bans, applies new ones, then walks the users
with unscheduled work, high priority users first. A user gets at most one
new VM per pass, for the first job whose type has fewer VM slots than
jobs. Candidate clusters come from the resource pool:

	ff   every fitting cluster in configuration order
	bf   the least loaded fitting cluster, then one fallback

A create that fails because the cluster is short of resources or refused
it moves on to the next candidate. Generic failures count against the
image on that cluster and may lead to a ban. Credential problems ban the
job itself.
*/
package scheduler
