package rnnt

import (
	"fmt"

	"github.com/23skdu/longbow-transducer/gpu"
)

// Location selects the execution target for a loss computation.
type Location int

const (
	LocationCPU Location = iota
	LocationGPU
)

func (l Location) String() string {
	switch l {
	case LocationCPU:
		return "cpu"
	case LocationGPU:
		return "gpu"
	default:
		return fmt.Sprintf("location(%d)", int(l))
	}
}

// Options configures one loss computation. The execution target is a
// tagged choice: exactly one of Threads (CPU) or Queue (GPU) may carry a
// payload, selected by Location. Build Options through CPUOptions or
// GPUOptions; the zero value is not a valid configuration since MaxT and
// MaxU must be positive.
type Options struct {
	// Location selects the execution target.
	Location Location

	// Threads bounds the CPU worker pool. Only meaningful with
	// LocationCPU; 0 means one worker per logical CPU.
	Threads int

	// Queue is the caller-owned GPU execution queue. Only meaningful with
	// LocationGPU. The library never creates or destroys it.
	Queue *gpu.Queue

	// Blank is the alphabet index reserved for the blank symbol.
	Blank int

	// MaxT and MaxU are the activation tensor extents the workspace was
	// sized for. Every example's lengths must fit inside them.
	MaxT int
	MaxU int
}

// CPUOptions returns a CPU-target configuration. Threads defaults to one
// worker per logical CPU and can be set on the returned value.
func CPUOptions(blank, maxT, maxU int) Options {
	return Options{
		Location: LocationCPU,
		Blank:    blank,
		MaxT:     maxT,
		MaxU:     maxU,
	}
}

// GPUOptions returns a GPU-target configuration bound to the caller's
// execution queue.
func GPUOptions(blank, maxT, maxU int, q *gpu.Queue) Options {
	return Options{
		Location: LocationGPU,
		Queue:    q,
		Blank:    blank,
		MaxT:     maxT,
		MaxU:     maxU,
	}
}

// validate checks the option fields against the tagged-variant rules and
// the alphabet the batch declares.
func (o Options) validate(alphabet int) error {
	if o.MaxT <= 0 || o.MaxU <= 0 {
		return fmt.Errorf("%w: maxT and maxU must be positive (got %d, %d)", ErrInvalidValue, o.MaxT, o.MaxU)
	}
	if o.Blank < 0 || o.Blank >= alphabet {
		return fmt.Errorf("%w: blank index %d outside alphabet of size %d", ErrInvalidValue, o.Blank, alphabet)
	}
	switch o.Location {
	case LocationCPU:
		if o.Queue != nil {
			return fmt.Errorf("%w: queue handle supplied for CPU target", ErrInvalidValue)
		}
		if o.Threads < 0 {
			return fmt.Errorf("%w: negative thread count %d", ErrInvalidValue, o.Threads)
		}
	case LocationGPU:
		if o.Threads != 0 {
			return fmt.Errorf("%w: thread count supplied for GPU target", ErrInvalidValue)
		}
		if o.Queue == nil {
			return fmt.Errorf("%w: GPU target requires a queue handle", ErrInvalidValue)
		}
	default:
		return fmt.Errorf("%w: unknown execution target %d", ErrInvalidValue, int(o.Location))
	}
	return nil
}
