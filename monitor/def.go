package monitor

import (
	"TableDetServer/logger"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

var (
	PID      process.Process
	Registry = prometheus.NewRegistry()

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})

	GRPCTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grpc_requests_total",
		Help: "Total number of gRPC requests processed",
	})
	HTTPTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests processed",
	}, []string{"route"})

	// PassTotal counts detection passes by outcome: ok, empty, error.
	PassTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detect_passes_total",
		Help: "Detection passes by outcome",
	}, []string{"result"})
	DetectSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "detect_duration_seconds",
		Help:    "Preprocess, inference and NMS time per pass",
		Buckets: prometheus.DefBuckets,
	})
	Detections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detections_retained_total",
		Help: "Boxes kept after NMS",
	})

	OCRRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ocr_requests_total",
		Help: "OCR provider calls issued",
	})
	OCRFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ocr_failures_total",
		Help: "OCR provider calls resolved as empty after an error",
	})
	StaleResults = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ocr_stale_results_total",
		Help: "OCR results dropped because their image was replaced",
	})
	Categories = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "label_categories_total",
		Help: "Classified boxes by category",
	}, []string{"category"})
)

var srv *http.Server

func init() {
	Registry.MustRegister(memUsage, cpuUsage, GRPCTotal, HTTPTotal,
		PassTotal, DetectSeconds, Detections,
		OCRRequests, OCRFailures, StaleResults, Categories)
}

func prom(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry}))
	srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("Prometheus server ListenAndServe error", zap.Error(err))
		}
	}()
}

func CheckProcessInfo() {
	MemInfo, err := PID.MemoryInfo()
	if err != nil {
		return
	}
	var MemMB = MemInfo.RSS / 1024 / 1024
	CPUPercent, _ := PID.CPUPercent()
	CPUPercentFloat := math.Round(CPUPercent*100) / 100
	memUsage.Set(float64(MemMB))
	cpuUsage.Set(CPUPercentFloat)
}

func GotPID() {
	pid := os.Getpid()
	i32Pid := int32(pid)
	PID.Pid = i32Pid
}

// StartMon 暴露 /metrics 并周期采样进程资源，ctx 取消后退出
func StartMon(port int, ctx context.Context) {
	PID = process.Process{}
	GotPID()
	prom(port)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("Prometheus server Shutdown error", zap.Error(err))
	}
}
