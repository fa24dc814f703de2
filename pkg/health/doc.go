/*
Package health probes the API endpoints of the configured clouds.

A cluster whose host is an http or https URL is probed with a GET request;
any answer below 500 counts as reachable since most cloud APIs reject
anonymous requests with 401 or 403. A plain host with a port is probed with
a TCP connect. Local hypervisors without either are skipped.

The Monitor runs a probe round every Interval and only reports a cluster
unreachable after Retries failed probes in a row. Results are exported as
the cloudscheduler_cluster_reachable gauge and logged on every transition.
Probing is advisory: the scheduler keeps placing VMs on unreachable clouds
and relies on the cluster's own error handling.

	m := health.NewMonitor(p, health.Config{Interval: time.Minute}, logger)
	m.Start()
	defer m.Stop()
*/
package health
