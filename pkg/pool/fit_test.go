package pool

import (
	"testing"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/cluster/clustertest"
	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFFReturnsFirstQualifying(t *testing.T) {
	p, _ := newTestPool(t, Options{},
		clustertest.Simple("A", 0),
		clustertest.Simple("B", 2),
		clustertest.Simple("C", 5),
	)

	cl := p.FF("public", "x86_64", 1024, 1, 10)
	require.NotNil(t, cl)
	assert.Equal(t, "B", cl.Name())

	assert.Nil(t, p.FF("private", "x86_64", 1024, 1, 10))
	assert.Nil(t, p.FF("public", "x86_64", 1024, 64, 10))
}

func TestBFPrefersLeastLoaded(t *testing.T) {
	p, factory := newTestPool(t, Options{},
		clustertest.Simple("busy", 10),
		clustertest.Simple("quiet", 10),
	)
	for i := 0; i < 3; i++ {
		boot(t, factory.Get("busy"), "busy-vm", "alice", 100)
	}
	boot(t, factory.Get("quiet"), "quiet-vm", "alice", 100)

	primary, secondary := p.BF(Request{Network: "public", Memory: 100, CPUCores: 1})
	require.NotNil(t, primary)
	require.NotNil(t, secondary)
	assert.Equal(t, "quiet", primary.Name())
	assert.Equal(t, "busy", secondary.Name())
}

func TestBFTieBreak(t *testing.T) {
	low := clustertest.Simple("zeta", 4)
	low.Priority = 1
	high := clustertest.Simple("alpha", 4)
	high.Priority = 2

	tests := []struct {
		name string
		cfgs []config.Cluster
		want string
	}{
		{"priority before name", []config.Cluster{high, low}, "zeta"},
		{"name when priority ties", []config.Cluster{clustertest.Simple("b", 4), clustertest.Simple("a", 4)}, "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPool(t, Options{}, tt.cfgs...)
			primary, _ := p.BF(Request{Network: "public", Memory: 100})
			require.NotNil(t, primary)
			assert.Equal(t, tt.want, primary.Name())
		})
	}
}

func TestBFSingleAndNoFit(t *testing.T) {
	p, _ := newTestPool(t, Options{}, clustertest.Simple("only", 1))

	primary, secondary := p.BF(Request{Network: "public", Memory: 100})
	assert.NotNil(t, primary)
	assert.Nil(t, secondary)

	primary, secondary = p.BF(Request{Network: "public", Memory: 1 << 20})
	assert.Nil(t, primary)
	assert.Nil(t, secondary)
}

func TestFittingResourcesFilters(t *testing.T) {
	ec2 := clustertest.Simple("Cloud-EC2", 2)
	ec2.CloudType = "amazonec2"

	p, _ := newTestPool(t, Options{},
		clustertest.Simple("a", 2),
		clustertest.Simple("b", 2),
		ec2,
	)

	names := func(req Request) []string {
		var out []string
		for _, cl := range p.FittingResources(req) {
			out = append(out, cl.Name())
		}
		return out
	}

	base := Request{Network: "public", Memory: 512}
	assert.Equal(t, []string{"a", "b"}, names(base), "amazonec2 needs an image")

	withTargets := base
	withTargets.Targets = []string{"B"}
	assert.Equal(t, []string{"b"}, names(withTargets))

	withBlocked := base
	withBlocked.Blocked = []string{"a"}
	assert.Equal(t, []string{"b"}, names(withBlocked))

	withAMI := base
	withAMI.ImageByCloud = map[string]string{"cloud-ec2": "ami-123"}
	assert.Equal(t, []string{"a", "b", "Cloud-EC2"}, names(withAMI))

	p.bans["ami-123"] = map[string]time.Time{"Cloud-EC2": time.Now()}
	assert.Equal(t, []string{"a", "b"}, names(withAMI))
}

func TestFirstFitHonoursDisabled(t *testing.T) {
	p, _ := newTestPool(t, Options{}, clustertest.Simple("a", 2), clustertest.Simple("b", 2))
	require.NoError(t, p.DisableCluster("a"))

	cl := p.FirstFit(Request{Network: "public", Memory: 512})
	require.NotNil(t, cl)
	assert.Equal(t, "b", cl.Name())
}

func TestPotentialFit(t *testing.T) {
	p, factory := newTestPool(t, Options{}, clustertest.Simple("a", 1, 2048))
	boot(t, factory.Get("a"), "vm-1", "alice", 2048)

	assert.Nil(t, p.FF("public", "", 1024, 1, 10))
	assert.True(t, p.PotentialFit("public", "", 1024, 1, 10))
	assert.False(t, p.PotentialFit("public", "", 4096, 1, 10))
	assert.Len(t, p.PotentialFittingResources(Request{Network: "public", Memory: 1024}), 1)

	require.NoError(t, p.DisableCluster("a"))
	assert.False(t, p.PotentialFit("public", "", 1024, 1, 10))
}

func TestRequestFor(t *testing.T) {
	p, _ := newTestPool(t, Options{}, clustertest.Simple("a", 1))
	p.aliases = map[string][]string{"group": {"x", "y"}}

	req := p.RequestFor(&types.Job{
		ImageLoc:     "http://repo/image.img",
		Network:      "public",
		Memory:       1024,
		AMI:          map[string]string{"group": "ami-1", "Other": "ami-2"},
		TargetClouds: []string{"group", "x", "z"},
	})
	assert.Equal(t, "http://repo/image.img", req.Image)
	assert.Equal(t, map[string]string{"x": "ami-1", "y": "ami-1", "other": "ami-2"}, req.ImageByCloud)
	assert.Equal(t, []string{"x", "y", "z"}, req.Targets)
}
