package proto

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"FaceTrackServer/dispatch"
	"FaceTrackServer/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeController struct {
	mu      sync.Mutex
	reinit  []pipeline.Kind
	reinErr error
	filters map[pipeline.Kind][]pipeline.FilterGroupSettings
}

func (c *fakeController) Status() []pipeline.Status {
	return []pipeline.Status{
		{Pipeline: pipeline.Face, State: "running", Accelerator: "CPU"},
		{Pipeline: pipeline.Eye, State: "faulted", LastError: "camera lost"},
	}
}

func (c *fakeController) Reinitialize(kind pipeline.Kind) <-chan error {
	c.mu.Lock()
	c.reinit = append(c.reinit, kind)
	c.mu.Unlock()
	done := make(chan error, 1)
	done <- c.reinErr
	return done
}

func (c *fakeController) UpdateFilterConfig(kind pipeline.Kind, groups []pipeline.FilterGroupSettings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filters == nil {
		c.filters = map[pipeline.Kind][]pipeline.FilterGroupSettings{}
	}
	c.filters[kind] = groups
	return nil
}

type rig struct {
	ctrl     *fakeController
	broker   *dispatch.Broker
	server   *Server
	client   *Client
	shutdown chan struct{}
	calls    chan string
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		ctrl:     &fakeController{},
		broker:   dispatch.NewBroker(4),
		shutdown: make(chan struct{}, 1),
		calls:    make(chan string, 64),
	}
	r.server = &Server{
		Ctrl:       r.ctrl,
		Broker:     r.broker,
		ModelsDir:  t.TempDir(),
		WaitReinit: true,
		OnShutdown: func() { r.shutdown <- struct{}{} },
		Log:        zap.NewNop(),
	}

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer(CountingInterceptors(func(m string) { r.calls <- m })...)
	RegisterExpressionServiceServer(s, r.server)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	r.client = NewClient(conn)
	return r
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestService_Status(t *testing.T) {
	r := newRig(t)
	st, err := r.client.Status(ctxT(t))
	require.NoError(t, err)
	list := st.AsMap()["pipelines"].([]any)
	require.Len(t, list, 2)
	eye := list[1].(map[string]any)
	assert.Equal(t, "eye", eye["pipeline"])
	assert.Equal(t, "faulted", eye["state"])
	assert.Equal(t, "camera lost", eye["lastError"])
	assert.Equal(t, "Status", <-r.calls)
}

func TestService_Reinitialize(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.client.Reinitialize(ctxT(t), "Face"))
	assert.Equal(t, []pipeline.Kind{pipeline.Face}, r.ctrl.reinit)

	err := r.client.Reinitialize(ctxT(t), "body")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	r.ctrl.reinErr = errors.New("model not found")
	err = r.client.Reinitialize(ctxT(t), "eye")
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestService_ApplyFilterConfig(t *testing.T) {
	r := newRig(t)
	req, err := structpb.NewStruct(map[string]any{
		"pipeline": "eye",
		"groups": []any{
			map[string]any{"name": "lid", "enabled": true, "minCutoff": 2.0, "speed": 0.1},
		},
	})
	require.NoError(t, err)
	require.NoError(t, r.client.ApplyFilterConfig(ctxT(t), req))
	assert.Equal(t, []pipeline.FilterGroupSettings{{Name: "lid", Enabled: true, MinCutoff: 2, Speed: 0.1}}, r.ctrl.filters[pipeline.Eye])

	empty, err := structpb.NewStruct(map[string]any{"pipeline": "eye"})
	require.NoError(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(r.client.ApplyFilterConfig(ctxT(t), empty)))
}

func TestService_LatestAndSubscribe(t *testing.T) {
	r := newRig(t)
	_, err := r.client.Latest(ctxT(t))
	assert.Equal(t, codes.NotFound, status.Code(err))

	recv, err := r.client.Subscribe(ctxT(t))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.broker.Subscribers() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, r.broker.Send(dispatch.Update{Seq: 3, Time: time.Unix(1, 0).UnixNano(), Params: map[string]float32{"JawOpen": 0.5}}))
	msg, err := recv()
	require.NoError(t, err)
	m := msg.AsMap()
	assert.Equal(t, 3.0, m["seq"])
	assert.Equal(t, "1970-01-01T00:00:01Z", m["ts"])
	assert.Equal(t, 0.5, m["params"].(map[string]any)["JawOpen"])

	latest, err := r.client.Latest(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 3.0, latest.AsMap()["seq"])
}

func TestService_UploadModel(t *testing.T) {
	r := newRig(t)
	payload := bytes.Repeat([]byte("onnx"), 40000)
	path, err := r.client.UploadModel(ctxT(t), "../faceModel.onnx", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.server.ModelsDir, "faceModel.onnx"), path)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = r.client.UploadModel(ctxT(t), "", bytes.NewReader(payload))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestService_Shutdown(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.client.Shutdown(ctxT(t)))
	select {
	case <-r.shutdown:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown hook not called")
	}
}
