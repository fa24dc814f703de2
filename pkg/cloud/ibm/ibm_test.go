package ibm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/cluster/clustertest"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a minimal SmartCloud instance endpoint
type fakeAPI struct {
	mu        sync.Mutex
	instances map[string]*instance
	lastForm  map[string]string
	createErr int
	deleted   []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	user, pass, ok := r.BasicAuth()
	if !ok || user != "alice" || pass != "secret" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/instances/")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/instances":
		if f.createErr != 0 {
			http.Error(w, "request failed", f.createErr)
			return
		}
		_ = r.ParseForm()
		f.lastForm = map[string]string{}
		for k := range r.PostForm {
			f.lastForm[k] = r.PostForm.Get(k)
		}
		inst := &instance{ID: "inst-1", Name: r.PostForm.Get("name"), Status: statusNew}
		inst.PrimaryIP.IP = "170.224.1.1"
		f.instances[inst.ID] = inst
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"instances": []*instance{inst}})
	case r.Method == http.MethodGet:
		inst, ok := f.instances[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(inst)
	case r.Method == http.MethodDelete:
		if _, ok := f.instances[id]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(f.instances, id)
		f.deleted = append(f.deleted, id)
	default:
		http.Error(w, "bad request", http.StatusBadRequest)
	}
}

func (f *fakeAPI) setStatus(id string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[id].Status = code
}

func (f *fakeAPI) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, id)
}

func newTestCluster(t *testing.T, opts Options) (*Cluster, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{instances: map[string]*instance{}}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	cfg := clustertest.Simple("ibm", 2)
	cfg.CloudType = "IBMCloud"
	if opts.Username == "" {
		opts.Username, opts.Password = "alice", "secret"
	}
	opts.Endpoint = srv.URL
	if opts.Location == "" {
		opts.Location = "markham"
	}
	return NewWithClient(cfg, opts, srv.Client(), cluster.Env{Logger: zerolog.Nop()}), api
}

func request() cluster.CreateRequest {
	return cluster.CreateRequest{
		Name:         "vm-1",
		User:         "alice",
		VMType:       "worker",
		Network:      "public",
		Memory:       2048,
		CPUCores:     1,
		Image:        "20035253",
		InstanceType: map[string]string{"ibm": "Bronze32"},
	}
}

func TestCreate(t *testing.T) {
	c, api := newTestCluster(t, Options{KeyName: "ops"})

	vm, err := c.Create(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "inst-1", vm.ID)
	assert.Equal(t, "170.224.1.1", vm.IPAddress)
	assert.Equal(t, 1, c.SlotsAvailable())

	assert.Equal(t, map[string]string{
		"name":         "vm-1",
		"imageID":      "20035253",
		"instanceType": "BRZ32.1/2048/60*175",
		"location":     "101",
		"publicKey":    "ops",
	}, api.lastForm)
}

func TestCreateRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		req  func(*cluster.CreateRequest)
	}{
		{"bad instance type", Options{}, func(r *cluster.CreateRequest) { r.InstanceType = map[string]string{"ibm": "huge"} }},
		{"bad location", Options{Location: "atlantis"}, nil},
		{"no image", Options{}, func(r *cluster.CreateRequest) { r.Image = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, api := newTestCluster(t, tt.opts)
			req := request()
			if tt.req != nil {
				tt.req(&req)
			}
			_, err := c.Create(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, cluster.CreateFailed, cluster.CodeOf(err))
			assert.Nil(t, api.lastForm)
			assert.Equal(t, 2, c.SlotsAvailable())
		})
	}
}

func TestCreateErrors(t *testing.T) {
	tests := []struct {
		name string
		code int
		opts Options
		want cluster.CreateCode
	}{
		{"unauthorized", 0, Options{Username: "alice", Password: "wrong"}, cluster.CreateRefused},
		{"throttled", http.StatusTooManyRequests, Options{}, cluster.CreateFailed},
		{"quota", http.StatusPreconditionFailed, Options{}, cluster.CreateShortage},
		{"server error", http.StatusInternalServerError, Options{}, cluster.CreateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, api := newTestCluster(t, tt.opts)
			api.createErr = tt.code

			_, err := c.Create(context.Background(), request())
			require.Error(t, err)
			assert.Equal(t, tt.want, cluster.CodeOf(err))
			assert.Equal(t, 2, c.SlotsAvailable())
		})
	}
}

func TestCreateRateLimitCarriesRetry(t *testing.T) {
	c, api := newTestCluster(t, Options{})
	api.createErr = http.StatusTooManyRequests

	_, err := c.Create(context.Background(), request())
	var rl *cluster.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.False(t, rl.EarliestRetry.IsZero())
}

func TestPoll(t *testing.T) {
	c, api := newTestCluster(t, Options{})
	vm, err := c.Create(context.Background(), request())
	require.NoError(t, err)

	status, err := c.Poll(context.Background(), vm)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusStarting, status)

	api.setStatus("inst-1", statusActive)
	status, err = c.Poll(context.Background(), vm)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusRunning, status)
	assert.Equal(t, types.OverrideNone, vm.Override)

	api.setStatus("inst-1", statusDeprovisioning)
	status, err = c.Poll(context.Background(), vm)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusRunning, status)
	assert.Equal(t, types.OverrideStopping, vm.Override)

	api.setStatus("inst-1", statusFailed)
	status, err = c.Poll(context.Background(), vm)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusError, status)
}

func TestPollVanished(t *testing.T) {
	c, api := newTestCluster(t, Options{})
	vm, err := c.Create(context.Background(), request())
	require.NoError(t, err)

	api.remove("inst-1")
	status, err := c.Poll(context.Background(), vm)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusError, status)
}

func TestDestroy(t *testing.T) {
	c, api := newTestCluster(t, Options{})
	vm, err := c.Create(context.Background(), request())
	require.NoError(t, err)

	require.NoError(t, c.Destroy(context.Background(), vm, true, "test"))
	assert.Equal(t, []string{"inst-1"}, api.deleted)
	assert.Equal(t, 2, c.SlotsAvailable())
	assert.Zero(t, c.NumVMs())

	// already gone
	vm2, err := c.Create(context.Background(), request())
	require.NoError(t, err)
	api.remove(vm2.ID)
	require.NoError(t, c.Destroy(context.Background(), vm2, true, "test"))
	assert.Zero(t, c.NumVMs())
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		code int
		want types.VMStatus
	}{
		{statusNew, types.VMStatusStarting},
		{statusProvisioning, types.VMStatusStarting},
		{statusActive, types.VMStatusRunning},
		{statusRestarting, types.VMStatusRunning},
		{statusStopped, types.VMStatusShutdown},
		{statusRemoved, types.VMStatusShutdown},
		{statusRejected, types.VMStatusError},
		{statusUnknown, types.VMStatusError},
		{42, types.VMStatusError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusOf(tt.code), "code %d", tt.code)
	}
}
