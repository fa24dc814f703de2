package pool

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/cluster/clustertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailureQueue(t *testing.T) {
	q := NewFailureQueue(3)
	assert.False(t, q.Full())
	assert.Zero(t, q.FailureRate())

	q.Append(false)
	q.Append(false)
	q.Append(true)
	assert.True(t, q.Full())
	assert.InDelta(t, 2.0/3.0, q.FailureRate(), 1e-9)

	// The oldest outcome is dropped
	q.Append(false)
	assert.Equal(t, 3, q.Len())
	assert.InDelta(t, 2.0/3.0, q.FailureRate(), 1e-9)
	q.Append(false)
	assert.InDelta(t, 2.0/3.0, q.FailureRate(), 1e-9)
	q.Append(false)
	assert.Equal(t, 1.0, q.FailureRate())

	q.Clear()
	assert.Equal(t, 0, q.Len())
	assert.False(t, q.Full())
}

func TestBanCircuitBreaker(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []bool
		banned   bool
	}{
		{"five failures", []bool{false, false, false, false, false}, true},
		{"one success in between", []bool{false, false, true, false, false}, false},
		{"not enough attempts", []bool{false, false, false, false}, false},
		{"success pushed out", []bool{true, false, false, false, false, false}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPool(t, Options{BanMinTrack: 5}, clustertest.Simple("Y", 2))
			for _, ok := range tt.outcomes {
				p.RecordBoot("image_X", "Y", ok)
			}
			issued := p.CheckFailures()
			assert.Equal(t, tt.banned, p.Banned("image_X", "Y"))
			if tt.banned {
				assert.Equal(t, map[string][]string{"image_X": {"Y"}}, issued)
				assert.Equal(t, map[string][]string{"image_X": {"Y"}}, p.Bans())
				assert.Equal(t, 1, p.BanCount())
			} else {
				assert.Empty(t, issued)
				assert.Zero(t, p.BanCount())
			}
		})
	}
}

func TestBanThreshold(t *testing.T) {
	p, _ := newTestPool(t, Options{BanMinTrack: 4, BanFailrate: 0.75}, clustertest.Simple("Y", 2))
	for _, ok := range []bool{false, true, false, false} {
		p.RecordBoot("img", "Y", ok)
	}
	p.CheckFailures()
	assert.True(t, p.Banned("img", "Y"))
	assert.Equal(t, []string{"Y"}, p.BannedClusters("img"))
}

func TestBanFileRoundTrip(t *testing.T) {
	banFile := filepath.Join(t.TempDir(), "bans.json")
	p, _ := newTestPool(t, Options{BanMinTrack: 2, BanFile: banFile}, clustertest.Simple("Y", 2))

	p.RecordBoot("img", "Y", false)
	p.RecordBoot("img", "Y", false)
	p.CheckFailures()

	data, err := os.ReadFile(banFile)
	require.NoError(t, err)
	var onDisk map[string]map[string]time.Time
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Contains(t, onDisk, "img")
	assert.Contains(t, onDisk["img"], "Y")

	other, _ := newTestPool(t, Options{BanMinTrack: 2, BanFile: banFile}, clustertest.Simple("Y", 2))
	require.NoError(t, other.LoadBans())
	assert.True(t, other.Banned("img", "Y"))
}

func TestLoadBansClearsOmittedHistory(t *testing.T) {
	banFile := filepath.Join(t.TempDir(), "bans.json")
	p, _ := newTestPool(t, Options{BanMinTrack: 2, BanFile: banFile}, clustertest.Simple("Y", 2), clustertest.Simple("Z", 2))

	for _, name := range []string{"Y", "Z"} {
		p.RecordBoot("img", name, false)
		p.RecordBoot("img", name, false)
	}
	p.CheckFailures()
	require.Equal(t, 2, p.BanCount())

	require.NoError(t, os.WriteFile(banFile, []byte(`{"img": ["Z"]}`), 0644))
	require.NoError(t, p.LoadBans())

	assert.False(t, p.Banned("img", "Y"))
	assert.True(t, p.Banned("img", "Z"))

	_, full := p.FailureRate("img", "Y")
	assert.False(t, full, "history of a lifted ban is cleared")
	_, full = p.FailureRate("img", "Z")
	assert.True(t, full)

	// A single new failure is not enough to ban again
	p.RecordBoot("img", "Y", false)
	p.CheckFailures()
	assert.False(t, p.Banned("img", "Y"))
}

func TestBanTimesSurviveRestart(t *testing.T) {
	banFile := filepath.Join(t.TempDir(), "bans.json")
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p, _ := newTestPool(t, Options{BanMinTrack: 1, BanTTL: time.Hour, BanFile: banFile}, clustertest.Simple("Y", 2))
	p.now = fixedClock(start)
	p.RecordBoot("img", "Y", false)
	p.CheckFailures()
	require.True(t, p.Banned("img", "Y"))

	restarted, _ := newTestPool(t, Options{BanMinTrack: 1, BanTTL: time.Hour, BanFile: banFile}, clustertest.Simple("Y", 2))
	restarted.now = fixedClock(start.Add(50 * time.Minute))
	require.NoError(t, restarted.LoadBans())
	require.True(t, restarted.Banned("img", "Y"))

	assert.Equal(t, 1, restarted.ExpireBans(start.Add(time.Hour)))
	assert.False(t, restarted.Banned("img", "Y"))
}

func TestLoadBansFormats(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	since := now.Add(-2 * time.Hour)

	tests := []struct {
		name string
		data string
		want time.Time
	}{
		{"cluster list", `{"img": ["Y"]}`, now},
		{"ban times", `{"img": {"Y": "` + since.Format(time.RFC3339) + `"}}`, since},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			banFile := filepath.Join(t.TempDir(), "bans.json")
			require.NoError(t, os.WriteFile(banFile, []byte(tt.data), 0644))
			p, _ := newTestPool(t, Options{BanFile: banFile}, clustertest.Simple("Y", 2))
			p.now = fixedClock(now)

			require.NoError(t, p.LoadBans())
			require.True(t, p.Banned("img", "Y"))
			assert.True(t, tt.want.Equal(p.bans["img"]["Y"]))
		})
	}
}

func TestLoadBansMissingFile(t *testing.T) {
	banFile := filepath.Join(t.TempDir(), "missing.json")
	p, _ := newTestPool(t, Options{BanMinTrack: 1, BanFile: banFile}, clustertest.Simple("Y", 2))
	p.bans["img"] = map[string]time.Time{"Y": time.Now()}

	require.NoError(t, p.LoadBans())
	assert.Zero(t, p.BanCount())
}

func TestLoadBansRejectsGarbage(t *testing.T) {
	banFile := filepath.Join(t.TempDir(), "bans.json")
	require.NoError(t, os.WriteFile(banFile, []byte("not json"), 0644))
	p, _ := newTestPool(t, Options{BanFile: banFile}, clustertest.Simple("Y", 2))
	assert.Error(t, p.LoadBans())
}

func TestExpireBans(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p, _ := newTestPool(t, Options{BanMinTrack: 2, BanTTL: time.Hour}, clustertest.Simple("Y", 2))
	p.now = fixedClock(start)

	p.RecordBoot("img", "Y", false)
	p.RecordBoot("img", "Y", false)
	p.CheckFailures()
	require.True(t, p.Banned("img", "Y"))

	assert.Zero(t, p.ExpireBans(start.Add(30*time.Minute)))
	assert.True(t, p.Banned("img", "Y"))

	assert.Equal(t, 1, p.ExpireBans(start.Add(time.Hour)))
	assert.False(t, p.Banned("img", "Y"))
	_, full := p.FailureRate("img", "Y")
	assert.False(t, full)
}

func TestExpireBansWithoutTTL(t *testing.T) {
	p, _ := newTestPool(t, Options{BanMinTrack: 1}, clustertest.Simple("Y", 2))
	p.RecordBoot("img", "Y", false)
	p.CheckFailures()
	assert.Zero(t, p.ExpireBans(time.Now().Add(24*365*time.Hour)))
	assert.True(t, p.Banned("img", "Y"))
}

func TestUnban(t *testing.T) {
	p, _ := newTestPool(t, Options{BanMinTrack: 1}, clustertest.Simple("Y", 2))
	p.RecordBoot("img", "Y", false)
	p.CheckFailures()

	assert.True(t, p.Unban("img", "Y"))
	assert.False(t, p.Banned("img", "Y"))
	assert.False(t, p.Unban("img", "Y"))
}

func TestBannedImageSkipsCluster(t *testing.T) {
	p, _ := newTestPool(t, Options{BanMinTrack: 1}, clustertest.Simple("a", 2), clustertest.Simple("b", 2))
	p.RecordBoot("img", "a", false)
	p.CheckFailures()

	cl := p.FirstFit(Request{Network: "public", Memory: 512, Image: "img"})
	require.NotNil(t, cl)
	assert.Equal(t, "b", cl.Name())

	// Other images still go to a
	cl = p.FirstFit(Request{Network: "public", Memory: 512, Image: "other"})
	require.NotNil(t, cl)
	assert.Equal(t, "a", cl.Name())
}
