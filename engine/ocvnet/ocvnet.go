// Package ocvnet runs ONNX models through the OpenCV DNN module.
package ocvnet

import (
	"TableDetServer/engine"
	iface "TableDetServer/interface"
	"context"
	"fmt"
	"runtime"
	"unsafe"

	"gocv.io/x/gocv"
)

const Name = "opencv"

func init() {
	engine.RegisterBackend(Name, Open)
}

type Net struct {
	net        gocv.Net
	inputName  string
	outputName string
}

func Open(cfg iface.EngineConfig) (iface.Backend, error) {
	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("opencv could not read %s", cfg.ModelPath)
	}
	backend, target := gocv.NetBackendDefault, gocv.NetTargetCPU
	if cfg.UseGPU {
		backend, target = gocv.NetBackendCUDA, gocv.NetTargetCUDA
	}
	if err := net.SetPreferableBackend(backend); err != nil {
		net.Close()
		return nil, err
	}
	if err := net.SetPreferableTarget(target); err != nil {
		net.Close()
		return nil, err
	}
	return &Net{net: net, inputName: cfg.InputName, outputName: cfg.OutputName}, nil
}

// Run feeds an NCHW float tensor and returns the first output blob.
// OpenCV nets are not goroutine safe; engine.Detector serializes calls.
func (n *Net) Run(ctx context.Context, in iface.Tensor) (iface.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return iface.Tensor{}, err
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	blob, err := gocv.NewMatWithSizesFromBytes(in.Shape, gocv.MatTypeCV32F, float32Bytes(in.Data))
	if err != nil {
		return iface.Tensor{}, fmt.Errorf("input blob: %w", err)
	}
	defer blob.Close()

	n.net.SetInput(blob, n.inputName)
	out := n.net.Forward(n.outputName)
	defer out.Close()
	if out.Empty() {
		return iface.Tensor{}, fmt.Errorf("forward %q returned an empty blob", n.outputName)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return iface.Tensor{}, fmt.Errorf("output blob: %w", err)
	}
	// DataPtr 指向 Mat 内存，Close 之前必须拷贝出来
	return engine.OutputTensor(append([]float32(nil), data...), out.Size())
}

func (n *Net) Destroy() {
	_ = n.net.Close()
}

func float32Bytes(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*4)
}
