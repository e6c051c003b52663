package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

// EnvPrefix marks environment overrides, e.g. DETSTREAM_ENGINE_WORKERS=2.
const EnvPrefix = "DETSTREAM_"

// ServerConfig defines the HTTP, gRPC and monitor listeners.
type ServerConfig struct {
	HTTPPort           int           `koanf:"httpport"`
	RPCPort            int           `koanf:"rpcport"`
	MonitorPort        int           `koanf:"monitorport"`
	GinMode            string        `koanf:"ginmode"`
	ReadLimit          int64         `koanf:"readlimit"`
	IdleTimeout        time.Duration `koanf:"idletimeout"`
	NotifyDecodeErrors bool          `koanf:"notifydecodeerrors"`
}

// EngineConfig describes the ONNX model and how many sessions serve it.
type EngineConfig struct {
	ModelPath      string `koanf:"modelpath"`
	SharedLibPath  string `koanf:"sharedlibpath"`
	InputSize      int    `koanf:"inputsize"`
	NumCandidates  int    `koanf:"numcandidates"`
	NumClasses     int    `koanf:"numclasses"`
	InputName      string `koanf:"inputname"`
	OutputName     string `koanf:"outputname"`
	Workers        int    `koanf:"workers"`
	IntraOpThreads int    `koanf:"intraopthreads"`
	ChannelOrder   string `koanf:"channelorder"`
	MaxPixels      int64  `koanf:"maxpixels"`
}

// PipelineConfig holds the post-processing knobs.
type PipelineConfig struct {
	ConfThreshold float32 `koanf:"confthreshold"`
	IouThreshold  float64 `koanf:"iouthreshold"`
	MaxDetections int     `koanf:"maxdetections"`
	ClassAware    bool    `koanf:"classaware"`
	LabelsFile    string  `koanf:"labelsfile"`
}

type LogConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
	File        string `koanf:"file"`
	MaxSizeMB   int    `koanf:"maxsizemb"`
	MaxBackups  int    `koanf:"maxbackups"`
}

// RegistryConfig points at the optional registration server.
type RegistryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Host          string        `koanf:"host"`
	Port          int           `koanf:"port"`
	Interval      time.Duration `koanf:"interval"`
	InstanceClass string        `koanf:"instanceclass"`
}

// AppConfig defines
type AppConfig struct {
	Server   ServerConfig   `koanf:"server"`
	Engine   EngineConfig   `koanf:"engine"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	Log      LogConfig      `koanf:"log"`
	Registry RegistryConfig `koanf:"registry"`
}

// Config - Global variable to export
var Config AppConfig

func defaults() map[string]any {
	return map[string]any{
		"server.httpport":           8000,
		"server.rpcport":            50051,
		"server.monitorport":        50053,
		"server.ginmode":            "release",
		"server.readlimit":          20 * 1024 * 1024,
		"server.idletimeout":        "0s",
		"server.notifydecodeerrors": false,
		"engine.modelpath":          "models/yolov5s.onnx",
		"engine.inputsize":          640,
		"engine.numcandidates":      25200,
		"engine.numclasses":         80,
		"engine.inputname":          "images",
		"engine.outputname":         "output0",
		"engine.workers":            1,
		"engine.intraopthreads":     0,
		"engine.channelorder":       "rgb",
		"engine.maxpixels":          1 << 26,
		"pipeline.confthreshold":    0.4,
		"pipeline.iouthreshold":     0.5,
		"pipeline.maxdetections":    50,
		"pipeline.classaware":       false,
		"log.level":                 "info",
		"log.maxsizemb":             100,
		"log.maxbackups":            3,
		"registry.enabled":          false,
		"registry.port":             8080,
		"registry.interval":         "5s",
		"registry.instanceclass":    "Cpu",
	}
}

// Load reads defaults, then the YAML file (if filePath is non-empty), then
// environment overrides.
func Load(filePath string) (AppConfig, error) {
	k := koanf.New(".")
	var cfg AppConfig

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return cfg, err
	}
	if filePath != "" {
		if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("load %s: %w", filePath, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", 1)
	}), nil); err != nil {
		return cfg, err
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	return cfg, ValidateConfig(&cfg)
}

// Init - Assign global config to decoded config struct
func Init(filePath string) error {
	cfg, err := Load(filePath)
	if err != nil {
		return err
	}
	Config = cfg
	return nil
}

// ValidateConfig rejects values the pipeline cannot run with.
func ValidateConfig(cfg *AppConfig) error {
	if cfg.Engine.InputSize <= 0 {
		return fmt.Errorf("engine.inputsize must be positive, got %d", cfg.Engine.InputSize)
	}
	if cfg.Engine.NumCandidates <= 0 || cfg.Engine.NumClasses <= 0 {
		return fmt.Errorf("engine.numcandidates and engine.numclasses must be positive")
	}
	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = 1
	}
	switch cfg.Engine.ChannelOrder {
	case "rgb", "bgr":
	default:
		return fmt.Errorf("engine.channelorder must be rgb or bgr, got %q", cfg.Engine.ChannelOrder)
	}
	if cfg.Engine.MaxPixels <= 0 {
		return fmt.Errorf("engine.maxpixels must be positive, got %d", cfg.Engine.MaxPixels)
	}
	if cfg.Pipeline.ConfThreshold < 0 || cfg.Pipeline.ConfThreshold > 1 {
		return fmt.Errorf("confidence must be between 0.0 and 1.0, got %f", cfg.Pipeline.ConfThreshold)
	}
	if cfg.Pipeline.IouThreshold < 0 || cfg.Pipeline.IouThreshold > 1 {
		return fmt.Errorf("IoU must be between 0.0 and 1.0, got %f", cfg.Pipeline.IouThreshold)
	}
	if cfg.Pipeline.MaxDetections <= 0 {
		return fmt.Errorf("pipeline.maxdetections must be positive, got %d", cfg.Pipeline.MaxDetections)
	}
	if cfg.Registry.Enabled && cfg.Registry.Host == "" {
		return fmt.Errorf("registry.host cannot be empty when registry is enabled")
	}
	return nil
}
