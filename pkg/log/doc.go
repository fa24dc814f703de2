/*
Package log provides structured logging for the cloud scheduler using zerolog.

The package owns one process-wide zerolog.Logger, configured once at startup
with Init. Everything else receives a child logger through its constructor,
so tests can pass zerolog.Nop() or a buffer-backed logger and long-running
components never reach for the global directly.

# Architecture

	┌──────────────────── LOGGING ─────────────────────────┐
	│                                                       │
	│   log.Init(Config)  ──▶  log.Logger (zerolog)         │
	│                              │                        │
	│            ┌─────────────────┼──────────────────┐     │
	│            ▼                 ▼                  ▼     │
	│   WithComponent("pool") WithComponent("poller") ...   │
	│            │                                          │
	│            ▼                                          │
	│   WithCluster(l, "cc-west")  ──▶ ec2 driver logger     │
	│   WithVM(l, name, id)        ──▶ per-VM log lines      │
	│   WithJob(l, id)             ──▶ scheduler decisions   │
	└───────────────────────────────────────────────────────┘

# Log Levels

Debug: per-poll state transitions, fit decisions, CLI command lines.
Info: VM created or destroyed, cluster reloads, bans.
Warn: recoverable driver failures, accounting anomalies that were handled.
Error: failed provider calls and invariant violations.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	poolLog := log.WithComponent("pool")
	poolLog.Info().Str("cluster", "cc-west").Int("vms", 3).Msg("Cluster reloaded")

	vmLog := log.WithVM(log.WithCluster(poolLog, "cc-west"), vm.Name, vm.ID)
	vmLog.Debug().Str("status", string(vm.Status)).Msg("VM polled")

Writing to a file:

	f, err := log.OpenFile("/var/log/cloudscheduler.log")
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: true, Output: f})

Until Init runs, Logger discards everything.
*/
package log
