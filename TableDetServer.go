package main

import (
	adhoc "TableDetServer/Adhoc"
	"TableDetServer/config"
	"TableDetServer/engine"
	_ "TableDetServer/engine/ocvnet"
	_ "TableDetServer/engine/ortsession"
	backend "TableDetServer/gRPC"
	"TableDetServer/logger"
	"TableDetServer/monitor"
	"TableDetServer/ocr"
	_ "TableDetServer/ocr/remote"
	_ "TableDetServer/ocr/tesseract"
	_ "TableDetServer/ocr/textract"
	"TableDetServer/pipeline"
	"TableDetServer/web"
	"context"
	"errors"
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

	"github.com/anthonynsimon/bild/imgio"
	"go.uber.org/zap"
)

func GetOutboundIP() (string, error) {
	// 8.8.8.8 是 Google DNS，这里只是为了建立路由路径得到本地出口 IP
	// 实际并没有真正的物理连接，所以不需要联网也可以（只要有路由表）
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP.String(), nil
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage:\n")
	fmt.Fprintf(flag.CommandLine.Output(), "  %s [-config config.yaml]                      serve HTTP, websocket and gRPC\n", os.Args[0])
	fmt.Fprintf(flag.CommandLine.Output(), "  %s [-config config.yaml] annotate <in> <out>  annotate one image and exit\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Usage = usage
	flag.Parse()

	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Println("Failed to read env file:", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Failed to load config file:", err)
		os.Exit(1)
	}
	err = logger.Init(cfg.Log.Development, logger.FileSink{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		fmt.Println("Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, cfg)
	if err != nil {
		logger.Log().Error("Failed to build pipeline", zap.Error(err))
		os.Exit(1)
	}
	defer p.Detector().Destroy()

	args := flag.Args()
	switch {
	case len(args) == 0:
		serve(ctx, cfg, p)
	case args[0] == "annotate" && len(args) == 3:
		if err := annotate(ctx, p, args[1], args[2]); err != nil {
			logger.Log().Error("annotate failed", zap.Error(err))
			os.Exit(1)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func buildPipeline(ctx context.Context, cfg config.Config) (*pipeline.Pipeline, error) {
	vocab, err := cfg.LabelVocabulary()
	if err != nil {
		return nil, err
	}
	palette, err := cfg.Palette()
	if err != nil {
		return nil, err
	}
	provider, err := ocr.Open(cfg.OCR)
	if err != nil {
		return nil, err
	}
	detector := &engine.Detector{}
	if err := detector.New(cfg.Engine()); err != nil {
		return nil, err
	}
	if err := detector.LoadModel(ctx); err != nil {
		return nil, err
	}
	logger.Log().Info("pipeline ready",
		zap.String("backend", cfg.InferenceBackend),
		zap.String("ocr", cfg.OCR.Provider),
		zap.Int("vocabulary", len(vocab)))
	coord := ocr.NewCoordinator(provider, cfg.OCR.Concurrency, cfg.OCRTimeout())
	return pipeline.New(detector, coord, pipeline.Options{
		Frame:        cfg.Frame,
		WorkingScale: cfg.WorkingResolutionScale,
		Vocabulary:   vocab,
		Palette:      palette,
	}), nil
}

func annotate(ctx context.Context, p *pipeline.Pipeline, in, out string) error {
	img, err := imgio.Open(in)
	if err != nil {
		return err
	}
	res, err := p.Annotate(ctx, img)
	if err != nil {
		return err
	}
	for i, b := range res.Boxes {
		fmt.Printf("%d\t%s\tx=%d y=%d w=%d h=%d\t%s\n", i, b.Category,
			b.Display.TopLeftX, b.Display.TopLeftY, b.Display.RectWidth, b.Display.RectHeight,
			strings.Join(res.Lines[i], " | "))
	}
	return imgio.Save(out, res.Canvas, imgio.PNGEncoder())
}

func serve(ctx context.Context, cfg config.Config, p *pipeline.Pipeline) {
	var wg sync.WaitGroup
	fmt.Println(strings.Repeat("#", 64))
	fmt.Printf("CPU Cores: %d\n", runtime.NumCPU())
	fmt.Println(" gRPC    Port:", cfg.RPCPort)
	fmt.Println(" HTTP    Port:", cfg.HTTPPort)
	fmt.Println(" Metrics Port:", cfg.MetricsPort)
	fmt.Println(strings.Repeat("#", 64))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Adhoc server setup
	if cfg.UseRegServer {
		ip, err := GetOutboundIP()
		if err != nil {
			logger.Log().Warn("Failed to get outbound IP", zap.Error(err))
		}
		reg := adhoc.RegServerConfig{}
		reg.SetAddress(cfg.RegServerHost, cfg.RegServerPort)
		wg.Add(1)
		go adhoc.SendAliveMessage(ctx, reg, adhoc.Announcement{
			IP:            ip,
			RPCPort:       cfg.RPCPort,
			HTTPPort:      cfg.HTTPPort,
			InstanceClass: adhoc.InstanceClassOf(cfg.InstanceClass),
			Backend:       cfg.InferenceBackend,
		}, &wg)
	} else {
		fmt.Println("UseRegServer is set to false, skipping registration")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.StartMon(cfg.MetricsPort, ctx)
	}()

	webServer := web.New(p, 0)
	httpSrv := webServer.Start(cfg.HTTPPort)

	rpc := backend.NewServer(p)
	grpcSrv, err := backend.StartGRPCServer(cfg.RPCPort, rpc)
	if err != nil {
		logger.Log().Error("Failed to start gRPC server", zap.Error(err))
		cancel()
	}

	select {
	case <-ctx.Done():
	case <-rpc.CloseChannel:
	}
	cancel()
	logger.Log().Info("shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Log().Warn("HTTP shutdown", zap.Error(err))
	}
	webServer.Close()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	wg.Wait()
	fmt.Println("Safely exited")
}
