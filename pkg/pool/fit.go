package pool

import (
	"sort"
	"strings"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/types"
)

// imageRequired lists cloud types that cannot boot without an image id
// resolved for the cluster
var imageRequired = map[string]bool{
	"amazonec2":           true,
	"eucalyptus":          true,
	"openstack":           true,
	"openstacknative":     true,
	"azure":               true,
	"gce":                 true,
	"googlecomputeengine": true,
	"proxmox":             true,
}

// Request is what fit finding needs to know about a job
type Request struct {
	Network  string
	CPUArch  string
	Memory   int
	CPUCores int
	Storage  int

	Image        string
	ImageByCloud map[string]string

	Targets []string
	Blocked []string
}

// RequestFor builds the fit request for j, with target and image aliases
// expanded
func (p *Pool) RequestFor(j *types.Job) Request {
	image := j.Image
	if image == "" {
		image = j.ImageLoc
	}
	return Request{
		Network:      j.Network,
		CPUArch:      j.CPUArch,
		Memory:       j.Memory,
		CPUCores:     j.CPUCores,
		Storage:      j.Storage,
		Image:        image,
		ImageByCloud: p.ResolveCloudMap(j.AMI),
		Targets:      p.ResolveTargets(j.TargetClouds),
		Blocked:      j.BlockedClouds,
	}
}

// ImageFor resolves the image req would boot on cl: the per cloud entry by
// name or host, then the configured defaults, then the plain image.
func (p *Pool) ImageFor(req Request, cl cluster.Cluster) string {
	cr := cluster.CreateRequest{Image: req.Image, ImageByCloud: req.ImageByCloud}
	return cr.ImageFor(cl.Accounting(), p.opts.DefaultImage)
}

// FF returns the first cluster in pool order that can take the VM now, or
// nil. It only checks capacity and capabilities.
func (p *Pool) FF(network, arch string, memory, cores, storage int) cluster.Cluster {
	for _, cl := range p.Clusters() {
		if cl.Accounting().Fits(network, arch, memory, cores, storage) {
			return cl
		}
	}
	return nil
}

// FirstFit is FF over the full job request: targets, blocked clouds, image
// resolution and bans are honoured.
func (p *Pool) FirstFit(req Request) cluster.Cluster {
	fitting := p.FittingResources(req)
	if len(fitting) == 0 {
		return nil
	}
	return fitting[0]
}

// FittingResources returns, in pool order, every cluster that can take the
// request now
func (p *Pool) FittingResources(req Request) []cluster.Cluster {
	candidates := p.Clusters()
	if len(req.Targets) > 0 {
		candidates = filterByNames(candidates, req.Targets)
	}

	var fitting []cluster.Cluster
	for _, cl := range candidates {
		if containsFold(req.Blocked, cl.Name()) {
			continue
		}
		b := cl.Accounting()
		if !b.Fits(req.Network, req.CPUArch, req.Memory, req.CPUCores, req.Storage) {
			continue
		}
		img := p.ImageFor(req, cl)
		if img == "" && imageRequired[strings.ToLower(cl.CloudType())] {
			continue
		}
		if p.Banned(img, cl.Name()) {
			continue
		}
		fitting = append(fitting, cl)
	}
	return fitting
}

// BF returns the most balanced fitting cluster and an alternative. The
// most balanced cluster has the fewest VMs; ties go to the lower priority
// number, then to the name.
func (p *Pool) BF(req Request) (primary, secondary cluster.Cluster) {
	fitting := p.FittingResources(req)
	if len(fitting) == 0 {
		return nil, nil
	}

	type ranked struct {
		cl    cluster.Cluster
		count int
	}
	rs := make([]ranked, len(fitting))
	for i, cl := range fitting {
		rs[i] = ranked{cl: cl, count: cl.Accounting().NumVMs()}
	}
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].count != rs[j].count {
			return rs[i].count < rs[j].count
		}
		pi, pj := rs[i].cl.Accounting().Priority(), rs[j].cl.Accounting().Priority()
		if pi != pj {
			return pi < pj
		}
		return rs[i].cl.Name() < rs[j].cl.Name()
	})

	primary = rs[0].cl
	if len(rs) > 1 {
		secondary = rs[1].cl
	}
	return primary, secondary
}

// PotentialFit reports whether any enabled cluster could ever host the VM,
// ignoring current usage
func (p *Pool) PotentialFit(network, arch string, memory, cores, storage int) bool {
	for _, cl := range p.Clusters() {
		b := cl.Accounting()
		if b.Enabled() && b.CouldFit(network, arch, memory, cores, storage) {
			return true
		}
	}
	return false
}

// PotentialFittingResources lists the enabled, non blocked clusters that
// could ever host the request
func (p *Pool) PotentialFittingResources(req Request) []cluster.Cluster {
	candidates := p.Clusters()
	if len(req.Targets) > 0 {
		candidates = filterByNames(candidates, req.Targets)
	}
	var out []cluster.Cluster
	for _, cl := range candidates {
		b := cl.Accounting()
		if !b.Enabled() || containsFold(req.Blocked, cl.Name()) {
			continue
		}
		if b.CouldFit(req.Network, req.CPUArch, req.Memory, req.CPUCores, req.Storage) {
			out = append(out, cl)
		}
	}
	return out
}

func filterByNames(list []cluster.Cluster, names []string) []cluster.Cluster {
	var out []cluster.Cluster
	for _, cl := range list {
		if containsFold(names, cl.Name()) {
			out = append(out, cl)
		}
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
