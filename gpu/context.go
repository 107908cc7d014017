// Package gpu provides the WebGPU execution substrate for the transducer
// loss: device/queue acquisition and the compute kernels that realize the
// lattice engine and gradient distributor with cell-level parallelism.
// The queue is caller-owned; the loss library only submits work to it.
package gpu

import (
	"fmt"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

// Context holds the process-wide WebGPU instance, device and queue.
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
}

var (
	ctx     Context
	ctxOnce sync.Once
	ctxErr  error
)

// getContext initializes the singleton WebGPU context on first use.
func getContext() (*Context, error) {
	ctxOnce.Do(func() {
		ctx.Instance = wgpu.CreateInstance(nil)
		if ctx.Instance == nil {
			ctxErr = fmt.Errorf("failed to create WebGPU instance")
			return
		}

		var err error
		ctx.Adapter, err = ctx.Instance.RequestAdapter(&wgpu.RequestAdapterOptions{
			PowerPreference: wgpu.PowerPreferenceHighPerformance,
		})
		if err != nil || ctx.Adapter == nil {
			// Fall back to whatever adapter the platform offers.
			ctx.Adapter, err = ctx.Instance.RequestAdapter(nil)
		}
		if err != nil {
			ctxErr = fmt.Errorf("no usable adapter: %w", err)
			return
		}
		if ctx.Adapter == nil {
			ctxErr = fmt.Errorf("no usable adapter")
			return
		}

		ctx.Device, err = ctx.Adapter.RequestDevice(nil)
		if err != nil {
			ctxErr = fmt.Errorf("request device: %w", err)
			return
		}
		ctx.Queue = ctx.Device.GetQueue()
	})

	if ctxErr != nil {
		return nil, ctxErr
	}
	if ctx.Device == nil || ctx.Queue == nil {
		return nil, fmt.Errorf("WebGPU device or queue not initialized")
	}
	return &ctx, nil
}

// Queue is the execution handle a caller passes into the loss options.
// It owns no inputs or outputs; jobs submitted through it complete before
// the submitting call returns.
type Queue struct {
	ctx *Context

	mu        sync.Mutex
	pipelines map[string]*lossPipelines
}

// AcquireQueue returns an execution queue bound to the process GPU
// context, initializing the device on first call.
func AcquireQueue() (*Queue, error) {
	c, err := getContext()
	if err != nil {
		return nil, err
	}
	return &Queue{
		ctx:       c,
		pipelines: make(map[string]*lossPipelines),
	}, nil
}

// AdapterName reports the selected adapter, for logs.
func (q *Queue) AdapterName() string {
	info := q.ctx.Adapter.GetInfo()
	return info.Name
}
