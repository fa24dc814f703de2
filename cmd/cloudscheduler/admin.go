package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/api"
	"github.com/cuemby/cloudscheduler/pkg/client"
	"github.com/spf13/cobra"
)

// connect dials the admin API named by the --addr flag
func connect(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	c, err := client.NewClient(addr)
	if err != nil {
		return nil, err
	}
	c.SetTimeout(timeout)
	return c, nil
}

// withClient runs fn with a connected client and closes it afterwards
func withClient(fn func(cmd *cobra.Command, c *client.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(cmd, c, args)
	}
}

// Cluster commands
func newClusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Inspect and manage clusters",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List clusters",
		Args:  cobra.NoArgs,
		RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			clusters, err := c.ListClusters()
			if err != nil {
				return err
			}
			return api.WriteClusters(cmd.OutOrStdout(), clusters)
		}),
	}

	show := &cobra.Command{
		Use:   "show NAME",
		Short: "Show a cluster and its VMs",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			cl, err := c.GetCluster(args[0])
			if err != nil {
				return err
			}
			return api.WriteCluster(cmd.OutOrStdout(), *cl)
		}),
	}

	enable := &cobra.Command{
		Use:   "enable NAME",
		Short: "Let the scheduler start VMs on a cluster",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			if err := c.EnableCluster(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Cluster %s enabled\n", args[0])
			return nil
		}),
	}

	disable := &cobra.Command{
		Use:   "disable NAME",
		Short: "Stop the scheduler from starting VMs on a cluster",
		Long: `Stop the scheduler from starting VMs on a cluster.

VMs already running on the cluster are left alone.`,
		Args: cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			if err := c.DisableCluster(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Cluster %s disabled\n", args[0])
			return nil
		}),
	}

	shutdown := &cobra.Command{
		Use:   "shutdown NAME",
		Short: "Destroy the VMs of a cluster",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			res, err := c.ShutdownCluster(args[0], count)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Destroyed %d VMs on %s\n", len(res.Destroyed), args[0])
			names := make([]string, 0, len(res.Failed))
			for name := range res.Failed {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "✗ %s: %s\n", name, res.Failed[name])
			}
			if len(res.Failed) > 0 {
				return fmt.Errorf("%d VMs could not be destroyed", len(res.Failed))
			}
			return nil
		}),
	}
	shutdown.Flags().Int("count", -1, "Number of VMs to destroy (default all)")

	cmd.AddCommand(list, show, enable, disable, shutdown)
	return cmd
}

// VM commands
func newVMCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vm",
		Short: "Inspect and manage VMs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List VMs",
		Args:  cobra.NoArgs,
		RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			name, _ := cmd.Flags().GetString("cluster")
			vms, err := c.ListVMs(name)
			if err != nil {
				return err
			}
			return api.WriteVMs(cmd.OutOrStdout(), vms)
		}),
	}
	list.Flags().String("cluster", "", "Only list the VMs of this cluster")

	action := func(use, short, done string, call func(c *client.Client, cluster, vm string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " CLUSTER VM",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
				if err := call(c, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ VM %s %s\n", args[1], done)
				return nil
			}),
		}
	}

	cmd.AddCommand(
		list,
		action("retire", "Retire a VM once its jobs finish", "retiring", (*client.Client).ForceRetireVM),
		action("shutdown", "Destroy a VM now", "destroyed", (*client.Client).ShutdownVM),
		action("reset", "Clear a VM's override status", "reset", (*client.Client).ResetOverride),
	)
	return cmd
}

// Reload commands
func newBanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ban",
		Short: "Manage image bans",
	}

	reload := &cobra.Command{
		Use:   "reload",
		Short: "Reread the ban file",
		Args:  cobra.NoArgs,
		RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			n, err := c.ReloadBans()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Bans reloaded (%d active)\n", n)
			return nil
		}),
	}

	aliases := &cobra.Command{
		Use:   "reload-aliases",
		Short: "Reread the target cloud alias file",
		Args:  cobra.NoArgs,
		RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			if err := c.ReloadAliases(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Target cloud aliases reloaded")
			return nil
		}),
	}

	limits := &cobra.Command{
		Use:   "reload-limits",
		Short: "Reread the user limit file",
		Args:  cobra.NoArgs,
		RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			if err := c.ReloadUserLimits(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ User limits reloaded")
			return nil
		}),
	}

	cmd.AddCommand(reload, aliases, limits)
	return cmd
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize clusters, VMs and jobs",
		Args:  cobra.NoArgs,
		RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			clusters, err := c.ListClusters()
			if err != nil {
				return err
			}
			counts, err := c.GetJobCounts()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := api.WriteStatus(out, clusters, counts, time.Now()); err != nil {
				return err
			}

			if dist, _ := cmd.Flags().GetBool("distribution"); !dist {
				return nil
			}
			weight, _ := cmd.Flags().GetString("weight")
			d, err := c.GetDistribution(weight)
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			return api.WriteDistribution(out, *d)
		}),
	}
	cmd.Flags().Bool("distribution", false, "Also print desired against actual VM type shares")
	cmd.Flags().String("weight", "slot", "Distribution weight: slot, memory or memcpu")
	return cmd
}
