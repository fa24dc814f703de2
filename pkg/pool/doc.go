/*
Package pool owns the set of configured clusters and every decision that
spans more than one of them.

# Fit finding

	FF                 first cluster in configuration order with room now
	FittingResources   every cluster with room, honouring targets, blocked
	                   clouds, per cloud images and bans
	BF                 least loaded fitting cluster plus a fallback
	PotentialFit       could the pool ever host the VM, ignoring usage

BF orders candidates by VM count, then priority (lower first), then name,
so equal clusters are always picked the same way.

# Bans

Every boot attempt of an image on a cluster is recorded with RecordBoot in
a fixed size queue. CheckFailures bans the pair once the queue is full and
its failure rate reaches ban_failrate_threshold. Bans are written to the
ban file, reloaded with LoadBans and lifted by ExpireBans after ban_ttl.
Lifting a ban clears the pair's history so the cluster starts afresh.

# Reloads

Setup diffs a new cluster list against the current one:

	unchanged   kept as is
	updated     rebuilt; VMs checked out again, misfits destroyed
	added       built
	removed     retired; VMs destroyed without returning resources

Replaced cluster objects are sealed first so a create racing the reload
cannot check resources out of an object that is being discarded. The new
list is swapped in under one lock. Concurrent reloads queue behind the one
running.

# Persistence

Save and Restore move a snapshot through a storage.Store. Capacity always
comes from configuration; the snapshot carries enable flags, slot
allocations changed at runtime and the VM records.
*/
package pool
