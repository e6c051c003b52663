package Adhoc

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DmlInstance    = 0x2001
	CpuInstance    = 0x2002
	CudaInstance   = 0x2003
	RocmInstance   = 0x2004
	TimeOutSeconds = 5
)

type RegisterRequest struct {
	Id            string `json:"id"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	InstanceClass int    `json:"instanceClass"`
	TimeStamp     int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

// RegServerConfig is where heartbeats go and what they announce.
type RegServerConfig struct {
	Addr          string
	Port          int
	Interval      time.Duration
	InstanceClass int
	// AdvertiseIP and AdvertisePort describe this instance.
	AdvertiseIP   string
	AdvertisePort int
}

func (reg *RegServerConfig) SetAddress(addr string, port int) {
	reg.Addr = addr
	reg.Port = port
}

func (reg *RegServerConfig) URL() string {
	return fmt.Sprintf("http://%s:%d/api/register", reg.Addr, reg.Port)
}

// InstanceClassOf maps a config name (cpu, cuda, dml, rocm) to its code.
// Unknown names fall back to CpuInstance.
func InstanceClassOf(name string) int {
	switch strings.ToLower(name) {
	case "dml":
		return DmlInstance
	case "cuda":
		return CudaInstance
	case "rocm":
		return RocmInstance
	default:
		return CpuInstance
	}
}

// GetOutboundIP returns the local address used to reach the internet.
// No packet is sent.
func GetOutboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// SendAliveMessage posts a registration right away and then on every
// interval until ctx is done. Failures are logged and retried on the next tick.
func SendAliveMessage(ctx context.Context, cfg RegServerConfig, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = TimeOutSeconds * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	client := resty.New().SetTimeout(TimeOutSeconds * time.Second) // 总超时
	id := uuid.NewString()
	url := cfg.URL()

	safeDoRequest := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("SendAliveMessage panic recovered", zap.Any("panic", r))
			}
		}()
		var respBody RegisterResponse
		reqBody := RegisterRequest{
			Id:            id,
			IP:            cfg.AdvertiseIP,
			Port:          cfg.AdvertisePort,
			InstanceClass: cfg.InstanceClass,
			TimeStamp:     time.Now().Unix(),
		}
		resp, err := client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(reqBody).     // resty 负责 JSON 编码
			SetResult(&respBody). // 2xx 自动反序列化到 respBody
			Post(url)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("register request failed", zap.String("url", url), zap.Error(err))
			}
			return
		}
		if resp.IsError() {
			log.Error("register server returned error",
				zap.String("status", resp.Status()), zap.String("body", resp.String()))
			return
		}
		log.Debug("registered", zap.String("id", id), zap.Bool("success", respBody.Success))
	}

	safeDoRequest()
	for {
		select {
		case <-ctx.Done():
			log.Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			safeDoRequest()
		}
	}
}
