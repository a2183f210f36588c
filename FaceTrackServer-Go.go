package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	adhoc "FaceTrackServer/Adhoc"
	"FaceTrackServer/capture"
	"FaceTrackServer/dispatch"
	"FaceTrackServer/engine"
	backend "FaceTrackServer/gRPC"
	iface "FaceTrackServer/interface"
	"FaceTrackServer/logger"
	"FaceTrackServer/monitor"
	"FaceTrackServer/pipeline"
	"FaceTrackServer/recorder"
	"FaceTrackServer/settings"
	"FaceTrackServer/transform"
	"FaceTrackServer/web"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type configStruct struct {
	RPCPort       int    `yaml:"RPCPort"`
	HTTPPort      int    `yaml:"HTTPPort"`
	MonitorPort   int    `yaml:"MonitorPort"`
	LogMode       string `yaml:"LogMode"`
	LogLevel      string `yaml:"LogLevel"`
	TickMs        int    `yaml:"TickMs"`
	UseRegServer  bool   `yaml:"UseRegServer"`
	RegServerPort int    `yaml:"RegServerPort"`
	RegServerHost string `yaml:"RegServerHost"`
	ZMQEndpoint   string `yaml:"ZMQEndpoint"`
	ZMQTopic      string `yaml:"ZMQTopic"`
	RecordDir     string `yaml:"RecordDir"`
	SettingsFile  string `yaml:"SettingsFile"`
	OrtLibrary    string `yaml:"OrtLibrary"`
	ModelsDir     string `yaml:"ModelsDir"`
}

func defaultConfig() configStruct {
	return configStruct{
		RPCPort:      50051,
		HTTPPort:     8080,
		MonitorPort:  9100,
		LogMode:      "production",
		LogLevel:     "info",
		TickMs:       int(pipeline.DefaultTickInterval / time.Millisecond),
		ZMQTopic:     "expressions",
		SettingsFile: "settings.yaml",
		ModelsDir:    "models",
	}
}

func loadConfig(path string) (configStruct, error) {
	config := defaultConfig()
	configData, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configData, &config); err != nil {
		return config, fmt.Errorf("parse %s: %w", path, err)
	}
	return config, nil
}

func GetOutboundIP() (string, error) {
	// no packet is sent; dialing UDP only resolves the outbound route
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP.String(), nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	flag.Parse()

	config, err := loadConfig(*configPath)
	if err != nil {
		fmt.Println("Failed to read config file:", err)
		return
	}
	if err := logger.Init(config.LogMode, config.LogLevel); err != nil {
		fmt.Println("Failed to init logger:", err)
		return
	}
	defer logger.Sync()
	log := logger.Log()

	fmt.Println(strings.Repeat("#", 64))
	fmt.Printf("CPU Cores: %d\n", runtime.NumCPU())
	fmt.Println(" gRPC  Port:", config.RPCPort)
	fmt.Println(" HTTP  Port:", config.HTTPPort)
	fmt.Println(" Mon   Port:", config.MonitorPort)
	fmt.Println(strings.Repeat("#", 64))

	store, err := settings.OpenFileStore(config.SettingsFile)
	if err != nil {
		log.Fatal("open settings", zap.Error(err))
	}

	libPath, err := engine.FindRuntimeLibrary(config.OrtLibrary)
	if err != nil {
		log.Fatal("onnxruntime library not found", zap.Error(err))
	}
	if err := engine.InitRuntime(libPath); err != nil {
		log.Fatal("init onnxruntime", zap.Error(err))
	}
	defer engine.DestroyRuntime()
	opener := engine.ORTOpener{LibraryPath: libPath}

	mon, err := monitor.New(logger.Named("monitor"))
	if err != nil {
		log.Fatal("init monitor", zap.Error(err))
	}

	registry := capture.DefaultRegistry()
	captureLog := logger.Named("capture")
	orch := pipeline.New(pipeline.Deps{
		Store: store,
		NewRunner: func(kind pipeline.Kind) iface.Backend {
			return engine.NewRunner(engine.RunnerConfig{
				Name:         string(kind),
				BaseDir:      config.ModelsDir,
				DefaultModel: pipeline.DefaultModel(kind),
			}, opener, store, logger.Named("engine"))
		},
		OpenCapture: func(source string) (iface.Capture, error) {
			return registry.Open(source, captureLog)
		},
		NewPreprocessor: func(width, height int) pipeline.Preprocessor {
			return transform.New(width, height)
		},
		Metrics:  mon,
		Log:      logger.Named("pipeline"),
		Interval: time.Duration(config.TickMs) * time.Millisecond,
	})

	mapper := dispatch.NewMapper(store)
	dispatcher := dispatch.NewDispatcher(mapper, dispatch.DefaultQueueSize, logger.Named("dispatch"))
	broker := dispatch.NewBroker(16)
	dispatcher.AddSink(broker)
	if config.ZMQEndpoint != "" {
		sink, err := dispatch.NewZMQSink(config.ZMQEndpoint, config.ZMQTopic, logger.Named("zmq"))
		if err != nil {
			log.Fatal("bind zmq publisher", zap.String("endpoint", config.ZMQEndpoint), zap.Error(err))
		}
		dispatcher.AddSink(sink)
	}
	if config.RecordDir != "" {
		rec, err := recorder.Create(config.RecordDir, "expressions")
		if err != nil {
			log.Fatal("create recording", zap.Error(err))
		}
		log.Info("recording expressions", zap.String("path", rec.Path()))
		dispatcher.AddSink(rec)
	}
	orch.OnExpressions(dispatcher.Handle)
	orch.OnFault(func(kind pipeline.Kind, err error) {
		log.Error("pipeline faulted, waiting for reinitialize", zap.String("pipeline", string(kind)), zap.Error(err))
	})

	_ = mon.CounterFunc("dispatch_sent_total", "Updates delivered to every sink.", func() float64 {
		return float64(dispatcher.Stats().Sent)
	})
	_ = mon.CounterFunc("dispatch_dropped_total", "Updates dropped because the dispatch queue was full.", func() float64 {
		return float64(dispatcher.Stats().Dropped)
	})
	_ = mon.CounterFunc("broker_dropped_total", "Updates a slow subscriber missed.", func() float64 {
		return float64(broker.Dropped())
	})
	_ = mon.CounterFunc("frames_processed_total", "New frame sets taken from the capture sources.", func() float64 {
		var n uint64
		for _, st := range orch.Status() {
			n += st.Frames
		}
		return float64(n)
	})

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	closing := make(chan struct{})
	var closeOnce sync.Once
	requestShutdown := func() {
		closeOnce.Do(func() { close(closing) })
	}

	rpc := &backend.Server{
		Ctrl:       orch,
		Broker:     broker,
		ModelsDir:  config.ModelsDir,
		OnShutdown: requestShutdown,
		Log:        logger.Named("grpc"),
	}
	fmt.Println("Starting gRPC Server")
	grpcServer, err := backend.StartGRPCServer(config.RPCPort, rpc, backend.CountingInterceptors(func(method string) {
		mon.IncRequest("grpc", method)
	})...)
	if err != nil {
		log.Fatal("start gRPC server", zap.Error(err))
	}

	api := web.New(orch, broker, store, logger.Named("web"))
	api.Calibration = mapper.Calibration()
	api.ModelsDir = config.ModelsDir
	api.OnRequest = func(route string) {
		mon.IncRequest("http", route)
	}
	api.Start(config.HTTPPort)

	wg.Add(1)
	go func() {
		defer wg.Done()
		mon.StartMon(ctx, config.MonitorPort)
	}()

	if config.UseRegServer {
		ip, err := GetOutboundIP()
		if err != nil {
			log.Warn("failed to get outbound IP, skipping registration", zap.Error(err))
		} else {
			reg := adhoc.RegServerConfig{}
			reg.SetAddress(config.RegServerHost, config.RegServerPort)
			hb := adhoc.NewHeartbeat(reg, ip, config.RPCPort, logger.Named("adhoc"))
			hb.Pipelines = func() map[string]string {
				out := map[string]string{}
				for _, st := range orch.Status() {
					out[string(st.Pipeline)] = st.State
				}
				return out
			}
			hb.Accelerator = func() string {
				for _, st := range orch.Status() {
					if st.Accelerator != "" {
						return st.Accelerator
					}
				}
				return ""
			}
			wg.Add(1)
			go hb.SendAliveMessage(ctx, &wg)
		}
	} else {
		fmt.Println("UseRegServer is set to false, skipping registration")
	}

	for _, kind := range []pipeline.Kind{pipeline.Face, pipeline.Eye} {
		go func(kind pipeline.Kind) {
			if err := <-orch.Initialize(kind); err != nil {
				log.Error("pipeline initialization failed", zap.String("pipeline", string(kind)), zap.Error(err))
			}
		}(kind)
	}
	orch.Start(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info("signal received", zap.String("signal", s.String()))
	case <-closing:
	}

	orch.Shutdown()
	// closing the broker ends every subscriber stream, so GracefulStop can return
	if err := dispatcher.Close(); err != nil {
		log.Warn("closing sinks", zap.Error(err))
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	stop()
	grpcServer.GracefulStop()
	cancel()
	fmt.Println("Done")
	wg.Wait()
	fmt.Println("Safely exited")
}
