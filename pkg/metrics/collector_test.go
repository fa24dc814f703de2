package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakePool struct {
	samples []ClusterSample
	bans    int
}

func (f *fakePool) SampleClusters() []ClusterSample { return f.samples }
func (f *fakePool) BanCount() int                   { return f.bans }

type fakeJobs map[string]int

func (f fakeJobs) CountsByState() map[string]int { return f }

func TestCollect(t *testing.T) {
	pool := &fakePool{
		samples: []ClusterSample{
			{Name: "alpha", Enabled: true, SlotsTotal: 10, SlotsAvailable: 7, VMsByStatus: map[string]int{"Running": 2, "Starting": 1}},
			{Name: "beta", Enabled: false, SlotsTotal: 4, SlotsAvailable: 4},
		},
		bans: 3,
	}
	c := NewCollector(pool, fakeJobs{"idle": 5, "running": 2}, 0)
	c.Collect()

	assert.Equal(t, 7.0, testutil.ToFloat64(ClusterVMSlots.WithLabelValues("alpha", "available")))
	assert.Equal(t, 10.0, testutil.ToFloat64(ClusterVMSlots.WithLabelValues("alpha", "total")))
	assert.Equal(t, 0.0, testutil.ToFloat64(ClusterEnabled.WithLabelValues("beta")))
	assert.Equal(t, 2.0, testutil.ToFloat64(VMsTotal.WithLabelValues("alpha", "Running")))
	assert.Equal(t, 3.0, testutil.ToFloat64(BansActive))
	assert.Equal(t, 5.0, testutil.ToFloat64(JobsTotal.WithLabelValues("idle")))

	// A removed cluster disappears on the next sample
	pool.samples = pool.samples[:1]
	c.Collect()
	assert.Equal(t, 2, testutil.CollectAndCount(ClusterVMSlots))
	assert.Equal(t, 1, testutil.CollectAndCount(ClusterEnabled))
}
