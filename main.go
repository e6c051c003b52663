package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	adhoc "DetStreamServer/Adhoc"
	"DetStreamServer/config"
	"DetStreamServer/engine"
	backend "DetStreamServer/gRPC"
	"DetStreamServer/imageprep"
	"DetStreamServer/logger"
	"DetStreamServer/monitor"
	"DetStreamServer/pipeline"
	"DetStreamServer/postprocess"
	"DetStreamServer/server"
)

func main() {
	app := &cli.App{
		Name:  "DetStreamServer",
		Usage: "stream frames over websocket and get object detections back",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				EnvVars: []string{config.EnvPrefix + "CONFIG"},
				Usage:   "Load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if err := config.Init(c.String("config")); err != nil {
		return errors.Wrap(err, "config")
	}
	cfg := config.Config

	logCfg := logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
	}
	if c.Bool("debug") {
		logCfg.Level = "debug"
		logCfg.Development = true
	}
	if err := logger.Init(logCfg); err != nil {
		return errors.Wrap(err, "logger")
	}
	defer logger.Sync()
	log := logger.Log()

	fmt.Println(strings.Repeat("#", 64))
	cpuNum := runtime.NumCPU()
	fmt.Printf("CPU Cores: %d\n", cpuNum)
	fmt.Println(" HTTP Port:", cfg.Server.HTTPPort)
	fmt.Println(" gRPC Port:", cfg.Server.RPCPort)
	fmt.Println(" Monitor Port:", cfg.Server.MonitorPort)
	fmt.Println("Configured Workers Num:", cfg.Engine.Workers)
	fmt.Println(strings.Repeat("#", 64))
	if cfg.Engine.Workers > cpuNum {
		log.Warn("engine.workers exceeds CPU cores, which may lead to performance degradation",
			zap.Int("workers", cfg.Engine.Workers), zap.Int("cpus", cpuNum))
	}

	labels := postprocess.Labels(postprocess.COCONames)
	if cfg.Pipeline.LabelsFile != "" {
		l, err := postprocess.LoadLabels(cfg.Pipeline.LabelsFile)
		if err != nil {
			log.Error("failed to load labels", zap.Error(err))
			return err
		}
		labels = l
	}
	if len(labels) != cfg.Engine.NumClasses {
		log.Warn("label count differs from model classes",
			zap.Int("labels", len(labels)), zap.Int("classes", cfg.Engine.NumClasses))
	}

	libPath, err := engine.ResolveSharedLibPath(cfg.Engine.SharedLibPath)
	if err != nil {
		log.Error("failed to locate onnxruntime", zap.Error(err))
		return err
	}
	log.Info("loading onnxruntime", zap.String("lib", libPath))
	if err := engine.InitEnvironment(libPath); err != nil {
		log.Error("failed to initialize onnxruntime", zap.Error(err))
		return err
	}
	defer func() {
		if err := engine.DestroyEnvironment(); err != nil {
			log.Warn("failed to destroy onnxruntime environment", zap.Error(err))
		}
	}()

	backends, err := engine.NewOnnxBackends(engine.OnnxOptions{
		ModelPath:      cfg.Engine.ModelPath,
		InputName:      cfg.Engine.InputName,
		OutputName:     cfg.Engine.OutputName,
		InputSize:      cfg.Engine.InputSize,
		NumCandidates:  cfg.Engine.NumCandidates,
		NumClasses:     cfg.Engine.NumClasses,
		IntraOpThreads: cfg.Engine.IntraOpThreads,
	}, cfg.Engine.Workers)
	if err != nil {
		log.Error("failed to load model", zap.String("model", cfg.Engine.ModelPath), zap.Error(err))
		return err
	}
	pool, err := engine.NewPool(backends, log.Named("engine"))
	if err != nil {
		return err
	}
	defer pool.Close()

	pipe := pipeline.New(
		imageprep.NewPreparer(cfg.Engine.InputSize, cfg.Engine.ChannelOrder).WithMaxPixels(cfg.Engine.MaxPixels),
		pool,
		pipeline.Options{
			ConfThreshold: cfg.Pipeline.ConfThreshold,
			IouThreshold:  cfg.Pipeline.IouThreshold,
			MaxDetections: cfg.Pipeline.MaxDetections,
			ClassAware:    cfg.Pipeline.ClassAware,
			Labels:        labels,
			Logger:        log.Named("pipeline"),
		},
	)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	httpServer := server.New(pipe, server.Options{
		Port:               cfg.Server.HTTPPort,
		GinMode:            cfg.Server.GinMode,
		ReadLimit:          cfg.Server.ReadLimit,
		IdleTimeout:        cfg.Server.IdleTimeout,
		NotifyDecodeErrors: cfg.Server.NotifyDecodeErrors,
		Logger:             log.Named("server"),
	})
	g.Go(func() error {
		return httpServer.ListenAndServe(gctx)
	})

	if cfg.Server.RPCPort > 0 {
		g.Go(func() error {
			return backend.StartGRPCServer(gctx, cfg.Server.RPCPort, backend.NewServer(pipe, log.Named("grpc")), log.Named("grpc"))
		})
	}
	if cfg.Server.MonitorPort > 0 {
		g.Go(func() error {
			return monitor.StartMon(gctx, cfg.Server.MonitorPort)
		})
	}

	if cfg.Registry.Enabled {
		ip := adhoc.GetOutboundIP()
		log.Info("registering with registry", zap.String("host", cfg.Registry.Host), zap.String("ip", ip))
		reg := adhoc.RegServerConfig{
			Interval:      cfg.Registry.Interval,
			InstanceClass: adhoc.InstanceClassOf(cfg.Registry.InstanceClass),
			AdvertiseIP:   ip,
			AdvertisePort: cfg.Server.HTTPPort,
		}
		reg.SetAddress(cfg.Registry.Host, cfg.Registry.Port)
		g.Go(func() error {
			adhoc.SendAliveMessage(gctx, reg, log.Named("registry"))
			return nil
		})
	} else {
		log.Info("registry disabled, skipping registration")
	}

	err = g.Wait()
	if err != nil {
		log.Error("server stopped", zap.Error(err))
		return err
	}
	log.Info("Safely exited")
	return nil
}
