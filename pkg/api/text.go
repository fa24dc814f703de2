package api

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

const mib = 1024 * 1024

// megabytes renders a size held in MB
func megabytes(mb int) string {
	if mb <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(mb) * mib)
}

// gigabytes renders a size held in GB
func gigabytes(gb int) string {
	if gb <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(gb) * 1024 * mib)
}

func sumInts(v []int) int {
	n := 0
	for _, x := range v {
		n += x
	}
	return n
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
}

// WriteClusters prints one line per cluster
func WriteClusters(w io.Writer, clusters []ClusterView) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "NAME\tTYPE\tENABLED\tVMS\tSLOTS\tMEMORY\tSTORAGE")
	for _, c := range clusters {
		name := c.Name
		if c.Retired {
			name += " (retired)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%d/%d\t%s/%s\t%s/%s\n",
			name, c.CloudType, c.Enabled, c.VMs,
			c.SlotsAvailable, c.SlotsTotal,
			megabytes(sumInts(c.Memory)), megabytes(sumInts(c.MaxMemory)),
			gigabytes(c.Storage), gigabytes(c.MaxStorage))
	}
	return tw.Flush()
}

// WriteCluster prints a cluster's details followed by its VMs
func WriteCluster(w io.Writer, c ClusterView) error {
	fmt.Fprintf(w, "Name:       %s\n", c.Name)
	fmt.Fprintf(w, "Type:       %s\n", c.CloudType)
	fmt.Fprintf(w, "Host:       %s\n", c.Host)
	fmt.Fprintf(w, "Enabled:    %t\n", c.Enabled)
	fmt.Fprintf(w, "Priority:   %d\n", c.Priority)
	fmt.Fprintf(w, "VM slots:   %d available of %d\n", c.SlotsAvailable, c.SlotsTotal)
	fmt.Fprintf(w, "Memory:     %s free of %s\n", megabytes(sumInts(c.Memory)), megabytes(sumInts(c.MaxMemory)))
	fmt.Fprintf(w, "Storage:    %s free of %s\n", gigabytes(c.Storage), gigabytes(c.MaxStorage))
	if len(c.Networks) > 0 {
		fmt.Fprintf(w, "Networks:   %s\n", strings.Join(c.Networks, ", "))
	}
	if len(c.CPUArchs) > 0 {
		fmt.Fprintf(w, "CPU archs:  %s\n", strings.Join(c.CPUArchs, ", "))
	}
	if len(c.VMList) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	return WriteVMs(w, c.VMList)
}

// WriteVMs prints one line per VM
func WriteVMs(w io.Writer, vms []VMView) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "NAME\tCLUSTER\tUSER\tTYPE\tSTATUS\tHOSTNAME\tMEMORY\tCORES\tCREATED")
	for _, vm := range vms {
		st := vm.Status
		if vm.Override != "" {
			st += " (" + vm.Override + ")"
		}
		created := "-"
		if !vm.Created.IsZero() {
			created = humanize.Time(vm.Created)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			vm.Name, vm.Cluster, vm.User, vm.VMType, st, orDash(vm.Hostname),
			megabytes(vm.Memory), vm.CPUCores, created)
	}
	return tw.Flush()
}

// WriteJobCounts prints the number of jobs per state
func WriteJobCounts(w io.Writer, counts map[string]int) error {
	states := make([]string, 0, len(counts))
	for s := range counts {
		states = append(states, s)
	}
	sort.Strings(states)

	tw := newTable(w)
	fmt.Fprintln(tw, "STATE\tJOBS")
	for _, s := range states {
		fmt.Fprintf(tw, "%s\t%s\n", s, humanize.Comma(int64(counts[s])))
	}
	return tw.Flush()
}

// WriteDistribution prints desired against actual shares
func WriteDistribution(w io.Writer, d Distribution) error {
	tw := newTable(w)
	fmt.Fprintf(tw, "TYPE\tDESIRED\tACTUAL\tDIFF\t(weight %s)\n", d.Weight)
	for _, k := range d.SortedKeys() {
		s := d.Types[k]
		fmt.Fprintf(tw, "%s\t%.3f\t%.3f\t%+.3f\t\n", k, s.Desired, s.Actual, s.Diff)
	}
	return tw.Flush()
}

// WriteStatus prints a one screen summary
func WriteStatus(w io.Writer, clusters []ClusterView, counts map[string]int, now time.Time) error {
	vms, slots, free := 0, 0, 0
	enabled := 0
	for _, c := range clusters {
		vms += c.VMs
		slots += c.SlotsTotal
		free += c.SlotsAvailable
		if c.Enabled && !c.Retired {
			enabled++
		}
	}
	jobs := counts["scheduled"] + counts["unscheduled"]
	fmt.Fprintf(w, "Clusters:  %d (%d enabled)\n", len(clusters), enabled)
	fmt.Fprintf(w, "VMs:       %s\n", humanize.Comma(int64(vms)))
	fmt.Fprintf(w, "VM slots:  %s free of %s\n", humanize.Comma(int64(free)), humanize.Comma(int64(slots)))
	fmt.Fprintf(w, "Jobs:      %s\n", humanize.Comma(int64(jobs)))
	fmt.Fprintf(w, "As of:     %s\n", now.Format(time.RFC3339))
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
