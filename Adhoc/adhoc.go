package Adhoc

import (
	"TableDetServer/logger"
	"context"
	"fmt"
	"sync"
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

// Interval between heartbeats.
var Interval = TimeOutSeconds * time.Second

// InstanceClassOf maps the config names; unknown names are Cpu.
func InstanceClassOf(name string) int {
	switch name {
	case "Dml":
		return DmlInstance
	case "Cuda":
		return CudaInstance
	case "Rocm":
		return RocmInstance
	default:
		return CpuInstance
	}
}

type RegisterRequest struct {
	Id            string `json:"id"`
	Service       string `json:"service"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	HTTPPort      int    `json:"httpPort"`
	InstanceClass int    `json:"instanceClass"`
	Backend       string `json:"backend"`
	TimeStamp     int64  `json:"timestamp"`
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

func (reg RegServerConfig) url() string {
	return fmt.Sprintf("http://%s:%d/api/register", reg.Addr, reg.Port)
}

// Announcement is what this instance tells the registry about itself.
type Announcement struct {
	IP            string
	RPCPort       int
	HTTPPort      int
	InstanceClass int
	Backend       string
}

// SendAliveMessage posts the announcement right away and then every Interval until ctx is done.
func SendAliveMessage(ctx context.Context, reg RegServerConfig, ann Announcement, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	client := resty.New().SetTimeout(TimeOutSeconds * time.Second) // 总超时
	id := uuid.NewString()
	safeDoRequest := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Log().Error("SendAliveMessage panic recovered", zap.Any("panic", r))
			}
		}()
		var respBody RegisterResponse
		reqBody := RegisterRequest{
			Id:            id,
			Service:       "tabledet",
			IP:            ann.IP,
			Port:          ann.RPCPort,
			HTTPPort:      ann.HTTPPort,
			InstanceClass: ann.InstanceClass,
			Backend:       ann.Backend,
			TimeStamp:     time.Now().Unix(),
		}
		resp, err := client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(reqBody).     // 可以直接传 struct，resty 会 JSON 编码
			SetResult(&respBody). // 2xx 自动反序列化到 respBody
			Post(reg.url())
		if err != nil {
			if ctx.Err() == nil {
				logger.Log().Error("register request error", zap.Error(err))
			}
			return
		}
		// 检查 HTTP 状态码
		if resp.IsError() {
			logger.Log().Error(fmt.Sprintf("server returned error: %s, body: %s", resp.Status(), resp.String()))
			return
		}
		if !respBody.Success {
			logger.Log().Warn("registry rejected heartbeat", zap.String("id", id))
		}
	}
	safeDoRequest()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			safeDoRequest()
		}
	}
}
