package Adhoc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInstanceClassFor(t *testing.T) {
	assert.Equal(t, DmlInstance, InstanceClassFor("DirectML"))
	assert.Equal(t, CudaInstance, InstanceClassFor("CUDA"))
	assert.Equal(t, CoreMLInstance, InstanceClassFor("CoreML-ANE"))
	assert.Equal(t, OpenVINOInstance, InstanceClassFor("OpenVINO"))
	assert.Equal(t, CpuInstance, InstanceClassFor("CPU"))
	assert.Equal(t, CpuInstance, InstanceClassFor(""))
}

func hub(t *testing.T, status int) (*httptest.Server, RegServerConfig, chan RegisterRequest) {
	t.Helper()
	got := make(chan RegisterRequest, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/register", r.URL.Path)
		var req RegisterRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		select {
		case got <- req:
		default:
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(RegisterResponse{Id: req.Id, Success: status == http.StatusOK})
	}))
	t.Cleanup(srv.Close)
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	var cfg RegServerConfig
	cfg.SetAddress(host, port)
	return srv, cfg, got
}

func TestHeartbeat_SendOnce(t *testing.T) {
	_, cfg, got := hub(t, http.StatusOK)
	h := NewHeartbeat(cfg, "10.0.0.5", 50051, zap.NewNop())
	h.Accelerator = func() string { return "CUDA" }
	h.Pipelines = func() map[string]string { return map[string]string{"face": "running"} }

	require.NoError(t, h.SendOnce(context.Background()))
	req := <-got
	assert.Equal(t, h.ID(), req.Id)
	assert.Equal(t, "10.0.0.5", req.IP)
	assert.Equal(t, 50051, req.Port)
	assert.Equal(t, CudaInstance, req.InstanceClass)
	assert.Equal(t, "running", req.Pipelines["face"])
	assert.Equal(t, 1, h.Sent())
}

func TestHeartbeat_ServerError(t *testing.T) {
	_, cfg, _ := hub(t, http.StatusInternalServerError)
	h := NewHeartbeat(cfg, "10.0.0.5", 50051, nil)
	assert.ErrorContains(t, h.SendOnce(context.Background()), "server returned error")
	assert.Zero(t, h.Sent())
}

func TestHeartbeat_LoopStopsOnCancel(t *testing.T) {
	_, cfg, got := hub(t, http.StatusOK)
	h := NewHeartbeat(cfg, "127.0.0.1", 1, zap.NewNop())
	h.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go h.SendAliveMessage(ctx, &wg)

	for i := 0; i < 2; i++ {
		select {
		case req := <-got:
			assert.Equal(t, CpuInstance, req.InstanceClass)
		case <-time.After(5 * time.Second):
			t.Fatal("no heartbeat received")
		}
	}
	cancel()
	wg.Wait()
}
