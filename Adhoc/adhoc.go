package Adhoc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DmlInstance      = 0x2001
	CpuInstance      = 0x2002
	CudaInstance     = 0x2003
	RocmInstance     = 0x2004
	CoreMLInstance   = 0x2005
	OpenVINOInstance = 0x2006
	TimeOutSeconds   = 5
)

// InstanceClassFor maps an execution provider name to the class announced to the hub.
func InstanceClassFor(accelerator string) int {
	switch accelerator {
	case "DirectML":
		return DmlInstance
	case "CUDA":
		return CudaInstance
	case "ROCm":
		return RocmInstance
	case "CoreML", "CoreML-ANE":
		return CoreMLInstance
	case "OpenVINO":
		return OpenVINOInstance
	default:
		return CpuInstance
	}
}

type RegisterRequest struct {
	Id            string            `json:"id"`
	IP            string            `json:"ip"`
	Port          int               `json:"port"`
	InstanceClass int               `json:"instanceClass"`
	Pipelines     map[string]string `json:"pipelines,omitempty"`
	TimeStamp     int64             `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type RegServerConfig struct {
	Port int
	Addr string
}

func (reg *RegServerConfig) SetAddress(addr string, port int) {
	reg.Addr = addr
	reg.Port = port
}

func (reg RegServerConfig) URL() string {
	return fmt.Sprintf("http://%s:%d/api/register", reg.Addr, reg.Port)
}

// Heartbeat announces this tracker to a registration hub on a fixed interval.
type Heartbeat struct {
	Server   RegServerConfig
	IP       string
	Port     int
	Interval time.Duration
	// Pipelines reports pipeline name -> state at send time.
	Pipelines func() map[string]string
	// Accelerator reports the provider used for the instance class.
	Accelerator func() string

	id     string
	client *resty.Client
	log    *zap.Logger
	sent   int
	mu     sync.Mutex
}

func NewHeartbeat(server RegServerConfig, ip string, port int, log *zap.Logger) *Heartbeat {
	if log == nil {
		log = zap.NewNop()
	}
	return &Heartbeat{
		Server:   server,
		IP:       ip,
		Port:     port,
		Interval: TimeOutSeconds * time.Second,
		id:       uuid.NewString(),
		client:   resty.New().SetTimeout(TimeOutSeconds * time.Second),
		log:      log,
	}
}

func (h *Heartbeat) ID() string {
	return h.id
}

func (h *Heartbeat) Sent() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sent
}

func (h *Heartbeat) request() RegisterRequest {
	req := RegisterRequest{
		Id:            h.id,
		IP:            h.IP,
		Port:          h.Port,
		InstanceClass: CpuInstance,
		TimeStamp:     time.Now().Unix(),
	}
	if h.Accelerator != nil {
		req.InstanceClass = InstanceClassFor(h.Accelerator())
	}
	if h.Pipelines != nil {
		req.Pipelines = h.Pipelines()
	}
	return req
}

// SendOnce posts a single registration. Panics are recovered and reported as errors.
func (h *Heartbeat) SendOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("heartbeat panic recovered: %v", r)
		}
	}()
	var respBody RegisterResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(h.request()).
		SetResult(&respBody).
		Post(h.Server.URL())
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("server returned error: %s, body: %s", resp.Status(), resp.String())
	}
	h.mu.Lock()
	h.sent++
	h.mu.Unlock()
	if !respBody.Success {
		h.log.Warn("registration not accepted", zap.String("id", h.id))
	}
	return nil
}

// SendAliveMessage registers immediately, then on every interval until ctx is done.
func (h *Heartbeat) SendAliveMessage(ctx context.Context, wg *sync.WaitGroup) {
	if wg != nil {
		defer wg.Done()
	}
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	send := func() {
		if err := h.SendOnce(ctx); err != nil && ctx.Err() == nil {
			h.log.Error("heartbeat failed", zap.String("url", h.Server.URL()), zap.Error(err))
		}
	}
	send()
	for {
		select {
		case <-ctx.Done():
			h.log.Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			send()
		}
	}
}
