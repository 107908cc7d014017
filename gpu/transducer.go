package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// LossJob is one minibatch of transducer loss work submitted to a Queue.
// All slices are host memory owned by the caller; Costs (and the gradient
// slices when non-nil) are written before ComputeLoss returns.
type LossJob struct {
	TransActs []float32 // (maxT, B, V) row-major
	PredActs  []float32 // (maxU, B, V) row-major

	Labels       []int32
	LabelOffsets []int32 // prefix sums of LabelLengths
	LabelLengths []int32
	InputLengths []int32

	Alphabet  int
	Minibatch int
	MaxT      int
	MaxU      int
	Blank     int

	Costs     []float32
	TransGrad []float32 // nil skips the transcription gradient
	PredGrad  []float32 // nil skips the prediction gradient
}

// lossPipelines holds the compiled kernels for one (B, maxT, maxU, V,
// blank) configuration. Dimensions are baked into the WGSL as constants,
// so pipelines are cached per configuration on the Queue.
type lossPipelines struct {
	emission  *wgpu.ComputePipeline
	alpha     *wgpu.ComputePipeline
	beta      *wgpu.ComputePipeline
	cost      *wgpu.ComputePipeline
	gradTrans *wgpu.ComputePipeline
	gradPred  *wgpu.ComputePipeline
}

// shaderDims captures everything the kernels need at compile time.
type shaderDims struct {
	B, MaxT, MaxU, V, Blank int
}

func (d shaderDims) key() string {
	return fmt.Sprintf("%d/%d/%d/%d/%d", d.B, d.MaxT, d.MaxU, d.V, d.Blank)
}

// consts renders the shared WGSL constant block. CELLS is the per-example
// lattice size, NCELLS the whole-batch lattice size; the emission plane
// buffer holds [denom | lpBlank | lpLabel] sections of NCELLS each and the
// lattice buffer holds [alpha | beta].
func (d shaderDims) consts() string {
	cells := d.MaxT * d.MaxU
	return fmt.Sprintf(`
		const B: u32 = %du;
		const MAXT: u32 = %du;
		const MAXU: u32 = %du;
		const V: u32 = %du;
		const BLANK: u32 = %du;
		const CELLS: u32 = %du;
		const NCELLS: u32 = %du;
		const EPT: u32 = %du;
	`, d.B, d.MaxT, d.MaxU, d.V, d.Blank, cells, d.B*cells, (d.V+255)/256)
}

// wgslLSE is the numerically stable two-argument log-sum-exp. -3e38 acts
// as the log-domain zero so that inf - inf never produces a NaN inside a
// kernel.
const wgslLSE = `
	fn lse(x: f32, y: f32) -> f32 {
		let m = max(x, y);
		if (m < -1.0e37) {
			return -3.0e38;
		}
		return m + log(1.0 + exp(-abs(x - y)));
	}
`

// emissionShader fuses one transcription row and one prediction row per
// (t, u, b) cell and log-softmax-normalizes over the alphabet with a
// workgroup parallel reduction (max, then sum of exp). Inactive cells
// (outside the example's T x U grid) still execute the barriers so
// control flow stays workgroup-uniform.
func (d shaderDims) emissionShader() string {
	return d.consts() + `
		@group(0) @binding(0) var<storage, read> meta : array<i32>;
		@group(0) @binding(1) var<storage, read> trans : array<f32>;
		@group(0) @binding(2) var<storage, read> pred : array<f32>;
		@group(0) @binding(3) var<storage, read> labels : array<i32>;
		@group(0) @binding(4) var<storage, read_write> emis : array<f32>;

		var<workgroup> shared_val: array<f32, 256>;

		@compute @workgroup_size(256)
		fn main(
			@builtin(workgroup_id) wg: vec3<u32>,
			@builtin(local_invocation_id) lid: vec3<u32>
		) {
			let t = wg.x;
			let u = wg.y;
			let b = wg.z;
			let tid = lid.x;

			let tb = u32(meta[b]);
			let lb = u32(meta[B + b]);
			let ub = lb + 1u;
			let active = (tb > 0u) && (tb >= lb) && (t < tb) && (u < ub);

			let tbase = (t * B + b) * V;
			let pbase = (u * B + b) * V;

			var local_max: f32 = -3.0e38;
			if (active) {
				for (var i: u32 = 0u; i < EPT; i++) {
					let v = tid + i * 256u;
					if (v < V) {
						local_max = max(local_max, trans[tbase + v] + pred[pbase + v]);
					}
				}
			}
			shared_val[tid] = local_max;
			workgroupBarrier();
			for (var s: u32 = 128u; s > 0u; s = s >> 1u) {
				if (tid < s) {
					shared_val[tid] = max(shared_val[tid], shared_val[tid + s]);
				}
				workgroupBarrier();
			}
			let max_val = shared_val[0];
			workgroupBarrier();

			var local_sum: f32 = 0.0;
			if (active) {
				for (var i: u32 = 0u; i < EPT; i++) {
					let v = tid + i * 256u;
					if (v < V) {
						local_sum += exp(trans[tbase + v] + pred[pbase + v] - max_val);
					}
				}
			}
			shared_val[tid] = local_sum;
			workgroupBarrier();
			for (var s: u32 = 128u; s > 0u; s = s >> 1u) {
				if (tid < s) {
					shared_val[tid] = shared_val[tid] + shared_val[tid + s];
				}
				workgroupBarrier();
			}

			if (active && tid == 0u) {
				let denom = max_val + log(shared_val[0]);
				let cell = b * CELLS + t * MAXU + u;
				emis[cell] = denom;
				emis[NCELLS + cell] = trans[tbase + BLANK] + pred[pbase + BLANK] - denom;
				if (u + 1u < ub) {
					let lab = u32(labels[u32(meta[2u * B + b]) + u]);
					emis[2u * NCELLS + cell] = trans[tbase + lab] + pred[pbase + lab] - denom;
				}
			}
		}
	`
}

// alphaShader computes one anti-diagonal of the forward lattice. Cells
// with constant t+u are mutually independent; the host dispatches one
// pass per diagonal in increasing order, so every predecessor cell is
// already written.
func (d shaderDims) alphaShader() string {
	return d.consts() + wgslLSE + `
		@group(0) @binding(0) var<storage, read> meta : array<i32>;
		@group(0) @binding(1) var<storage, read> emis : array<f32>;
		@group(0) @binding(2) var<storage, read_write> ab : array<f32>;
		@group(0) @binding(3) var<storage, read> diag : array<u32>;

		@compute @workgroup_size(64)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let i = gid.x;
			if (i >= B * MAXU) {
				return;
			}
			let b = i / MAXU;
			let u = i % MAXU;
			let dg = diag[0];
			if (u > dg) {
				return;
			}
			let t = dg - u;

			let tb = u32(meta[b]);
			let lb = u32(meta[B + b]);
			let ub = lb + 1u;
			if (tb == 0u || tb < lb || t >= tb || u >= ub) {
				return;
			}

			let base = b * CELLS;
			let cell = base + t * MAXU + u;

			var val: f32;
			if (t == 0u && u == 0u) {
				val = 0.0;
			} else if (t == 0u) {
				let prev = cell - 1u;
				val = ab[prev] + emis[2u * NCELLS + prev];
			} else if (u == 0u) {
				let prev = cell - MAXU;
				val = ab[prev] + emis[NCELLS + prev];
			} else {
				let up = cell - MAXU;
				let left = cell - 1u;
				val = lse(ab[up] + emis[NCELLS + up], ab[left] + emis[2u * NCELLS + left]);
			}
			ab[cell] = val;
		}
	`
}

// betaShader computes one anti-diagonal of the backward lattice; the host
// dispatches diagonals in decreasing order.
func (d shaderDims) betaShader() string {
	return d.consts() + wgslLSE + `
		@group(0) @binding(0) var<storage, read> meta : array<i32>;
		@group(0) @binding(1) var<storage, read> emis : array<f32>;
		@group(0) @binding(2) var<storage, read_write> ab : array<f32>;
		@group(0) @binding(3) var<storage, read> diag : array<u32>;

		@compute @workgroup_size(64)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let i = gid.x;
			if (i >= B * MAXU) {
				return;
			}
			let b = i / MAXU;
			let u = i % MAXU;
			let dg = diag[0];
			if (u > dg) {
				return;
			}
			let t = dg - u;

			let tb = u32(meta[b]);
			let lb = u32(meta[B + b]);
			let ub = lb + 1u;
			if (tb == 0u || tb < lb || t >= tb || u >= ub) {
				return;
			}

			let base = b * CELLS;
			let cell = base + t * MAXU + u;
			let bcell = NCELLS + cell;

			var val: f32;
			if (t == tb - 1u && u == ub - 1u) {
				val = emis[NCELLS + cell];
			} else if (t == tb - 1u) {
				val = ab[bcell + 1u] + emis[2u * NCELLS + cell];
			} else if (u == ub - 1u) {
				val = ab[bcell + MAXU] + emis[NCELLS + cell];
			} else {
				val = lse(
					ab[bcell + MAXU] + emis[NCELLS + cell],
					ab[bcell + 1u] + emis[2u * NCELLS + cell],
				);
			}
			ab[bcell] = val;
		}
	`
}

// costShader writes one cost per example: -(alpha(T-1,U-1) + lpBlank) for
// alignable examples, +inf when the label sequence cannot fit the time
// budget.
func (d shaderDims) costShader() string {
	return d.consts() + `
		@group(0) @binding(0) var<storage, read> meta : array<i32>;
		@group(0) @binding(1) var<storage, read> emis : array<f32>;
		@group(0) @binding(2) var<storage, read> ab : array<f32>;
		@group(0) @binding(3) var<storage, read_write> costs : array<f32>;

		@compute @workgroup_size(64)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let b = gid.x;
			if (b >= B) {
				return;
			}
			let tb = u32(meta[b]);
			let lb = u32(meta[B + b]);
			if (tb == 0u || tb < lb) {
				costs[b] = bitcast<f32>(0x7f800000u);
				return;
			}
			let cell = b * CELLS + (tb - 1u) * MAXU + lb;
			costs[b] = -(ab[cell] + emis[NCELLS + cell]);
		}
	`
}

// gradShader emits the gradient kernel for one axis. Each invocation owns
// one (t, v) [or (u, v)] output element of one example and sums the cell
// gradients over the opposite axis, so no atomics are needed. transAxis
// selects which reduction is generated.
func (d shaderDims) gradShader(transAxis bool) string {
	var body string
	if transAxis {
		body = `
			let t = gid.y;
			if (t >= tb) {
				return;
			}
			let obase = (t * B + b) * V;
			var g: f32 = 0.0;
			for (var u: u32 = 0u; u < ub; u++) {
				let cell = base + t * MAXU + u;
				let a = ab[cell];
				let logit = trans[obase + v] + pred[(u * B + b) * V + v];
				g += exp(a + ab[NCELLS + cell] - ll + logit - emis[cell]);
				if (v == BLANK) {
					if (t == tb - 1u && u == ub - 1u) {
						g -= exp(a + emis[NCELLS + cell] - ll);
					} else if (t + 1u < tb) {
						g -= exp(a + emis[NCELLS + cell] + ab[NCELLS + cell + MAXU] - ll);
					}
				}
				if (u + 1u < ub && i32(v) == labels[loff + u]) {
					g -= exp(a + emis[2u * NCELLS + cell] + ab[NCELLS + cell + 1u] - ll);
				}
			}
			gout[obase + v] = g;
		`
	} else {
		body = `
			let u = gid.y;
			if (u >= ub) {
				return;
			}
			let obase = (u * B + b) * V;
			var g: f32 = 0.0;
			for (var t: u32 = 0u; t < tb; t++) {
				let cell = base + t * MAXU + u;
				let a = ab[cell];
				let logit = trans[(t * B + b) * V + v] + pred[obase + v];
				g += exp(a + ab[NCELLS + cell] - ll + logit - emis[cell]);
				if (v == BLANK) {
					if (t == tb - 1u && u == ub - 1u) {
						g -= exp(a + emis[NCELLS + cell] - ll);
					} else if (t + 1u < tb) {
						g -= exp(a + emis[NCELLS + cell] + ab[NCELLS + cell + MAXU] - ll);
					}
				}
				if (u + 1u < ub && i32(v) == labels[loff + u]) {
					g -= exp(a + emis[2u * NCELLS + cell] + ab[NCELLS + cell + 1u] - ll);
				}
			}
			gout[obase + v] = g;
		`
	}

	return d.consts() + `
		@group(0) @binding(0) var<storage, read> meta : array<i32>;
		@group(0) @binding(1) var<storage, read> trans : array<f32>;
		@group(0) @binding(2) var<storage, read> pred : array<f32>;
		@group(0) @binding(3) var<storage, read> labels : array<i32>;
		@group(0) @binding(4) var<storage, read> emis : array<f32>;
		@group(0) @binding(5) var<storage, read> ab : array<f32>;
		@group(0) @binding(6) var<storage, read> costs : array<f32>;
		@group(0) @binding(7) var<storage, read_write> gout : array<f32>;

		@compute @workgroup_size(64)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let v = gid.x;
			let b = gid.z;
			if (v >= V) {
				return;
			}
			let tb = u32(meta[b]);
			let lb = u32(meta[B + b]);
			let ub = lb + 1u;
			if (tb == 0u || tb < lb) {
				return;
			}
			let cost = costs[b];
			if (cost > 1.0e37) {
				return;
			}
			let ll = -cost;
			let base = b * CELLS;
			let loff = u32(meta[2u * B + b]);
	` + body + `
		}
	`
}

// compilePipelines builds (or fetches) the kernel set for one dimension
// configuration.
func (q *Queue) compilePipelines(d shaderDims) (*lossPipelines, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if p, ok := q.pipelines[d.key()]; ok {
		return p, nil
	}

	build := func(label, code string) (*wgpu.ComputePipeline, error) {
		mod, err := q.ctx.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
			Label:          label + "_Shader",
			WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: code},
		})
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", label, err)
		}
		pipe, err := q.ctx.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
			Label:   label + "_Pipe",
			Compute: wgpu.ProgrammableStageDescriptor{Module: mod, EntryPoint: "main"},
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", label, err)
		}
		return pipe, nil
	}

	p := &lossPipelines{}
	var err error
	if p.emission, err = build("TransducerEmission", d.emissionShader()); err != nil {
		return nil, err
	}
	if p.alpha, err = build("TransducerAlpha", d.alphaShader()); err != nil {
		return nil, err
	}
	if p.beta, err = build("TransducerBeta", d.betaShader()); err != nil {
		return nil, err
	}
	if p.cost, err = build("TransducerCost", d.costShader()); err != nil {
		return nil, err
	}
	if p.gradTrans, err = build("TransducerGradTrans", d.gradShader(true)); err != nil {
		return nil, err
	}
	if p.gradPred, err = build("TransducerGradPred", d.gradShader(false)); err != nil {
		return nil, err
	}

	q.pipelines[d.key()] = p
	return p, nil
}

// dispatch submits one compute pass on the queue.
func (q *Queue) dispatch(p *wgpu.ComputePipeline, bg *wgpu.BindGroup, x, y, z uint32) error {
	enc, err := q.ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(p)
	pass.SetBindGroup(0, bg, nil)
	pass.DispatchWorkgroups(x, y, z)
	pass.End()
	cmd, err := enc.Finish(nil)
	if err != nil {
		return fmt.Errorf("finish command encoder: %w", err)
	}
	q.ctx.Queue.Submit(cmd)
	return nil
}

// ComputeLoss runs one minibatch on the device: emission log-softmax over
// every cell, alpha and beta by anti-diagonal wavefront, per-example
// costs, and (when requested) the two axis gradients. The call blocks
// until the readbacks complete.
func (q *Queue) ComputeLoss(job *LossJob) error {
	B, V := job.Minibatch, job.Alphabet
	maxT, maxU := job.MaxT, job.MaxU
	if B <= 0 || V <= 0 || maxT <= 0 || maxU <= 0 {
		return fmt.Errorf("invalid job dimensions B=%d V=%d maxT=%d maxU=%d", B, V, maxT, maxU)
	}

	dims := shaderDims{B: B, MaxT: maxT, MaxU: maxU, V: V, Blank: job.Blank}
	pipes, err := q.compilePipelines(dims)
	if err != nil {
		return err
	}

	c := q.ctx
	cells := B * maxT * maxU

	// [inputLengths | labelLengths | labelOffsets], one i32 triple set.
	meta := make([]int32, 3*B)
	copy(meta[:B], job.InputLengths[:B])
	copy(meta[B:2*B], job.LabelLengths[:B])
	copy(meta[2*B:], job.LabelOffsets[:B])

	labels := job.Labels
	if len(labels) == 0 {
		labels = []int32{0}
	}

	var bufs []*wgpu.Buffer
	defer func() {
		for _, b := range bufs {
			b.Destroy()
		}
	}()
	track := func(b *wgpu.Buffer, err error) (*wgpu.Buffer, error) {
		if err != nil {
			return nil, err
		}
		bufs = append(bufs, b)
		return b, nil
	}

	metaBuf, err := track(newStorageInit(c, "Transducer_Meta", meta))
	if err != nil {
		return err
	}
	transBuf, err := track(newStorageInit(c, "Transducer_TransActs", job.TransActs[:maxT*B*V]))
	if err != nil {
		return err
	}
	predBuf, err := track(newStorageInit(c, "Transducer_PredActs", job.PredActs[:maxU*B*V]))
	if err != nil {
		return err
	}
	labelsBuf, err := track(newStorageInit(c, "Transducer_Labels", labels))
	if err != nil {
		return err
	}
	emisBuf, err := track(newStorage(c, "Transducer_Emissions", 3*cells))
	if err != nil {
		return err
	}
	abBuf, err := track(newStorage(c, "Transducer_Lattices", 2*cells))
	if err != nil {
		return err
	}
	costsBuf, err := track(newStorage(c, "Transducer_Costs", B))
	if err != nil {
		return err
	}
	diagBuf, err := track(newStorageInit(c, "Transducer_Diag", []uint32{0}))
	if err != nil {
		return err
	}

	bind := func(p *wgpu.ComputePipeline, label string, buffers ...*wgpu.Buffer) (*wgpu.BindGroup, error) {
		entries := make([]wgpu.BindGroupEntry, len(buffers))
		for i, b := range buffers {
			entries[i] = wgpu.BindGroupEntry{Binding: uint32(i), Buffer: b, Size: b.GetSize()}
		}
		bg, err := c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Label:   label,
			Layout:  p.GetBindGroupLayout(0),
			Entries: entries,
		})
		if err != nil {
			return nil, fmt.Errorf("bind group %s: %w", label, err)
		}
		return bg, nil
	}

	emisBind, err := bind(pipes.emission, "Transducer_EmisBind", metaBuf, transBuf, predBuf, labelsBuf, emisBuf)
	if err != nil {
		return err
	}
	alphaBind, err := bind(pipes.alpha, "Transducer_AlphaBind", metaBuf, emisBuf, abBuf, diagBuf)
	if err != nil {
		return err
	}
	betaBind, err := bind(pipes.beta, "Transducer_BetaBind", metaBuf, emisBuf, abBuf, diagBuf)
	if err != nil {
		return err
	}
	costBind, err := bind(pipes.cost, "Transducer_CostBind", metaBuf, emisBuf, abBuf, costsBuf)
	if err != nil {
		return err
	}

	// Emission cache: one workgroup per lattice cell.
	if err := q.dispatch(pipes.emission, emisBind, uint32(maxT), uint32(maxU), uint32(B)); err != nil {
		return err
	}

	// Wavefront sweeps. Cells on one anti-diagonal only read cells from
	// the neighboring diagonal, so one dispatch per diagonal is the full
	// dependency order.
	waveGroups := uint32((B*maxU + 63) / 64)
	lastDiag := maxT + maxU - 2
	for dg := 0; dg <= lastDiag; dg++ {
		c.Queue.WriteBuffer(diagBuf, 0, wgpu.ToBytes([]uint32{uint32(dg)}))
		if err := q.dispatch(pipes.alpha, alphaBind, waveGroups, 1, 1); err != nil {
			return err
		}
	}
	for dg := lastDiag; dg >= 0; dg-- {
		c.Queue.WriteBuffer(diagBuf, 0, wgpu.ToBytes([]uint32{uint32(dg)}))
		if err := q.dispatch(pipes.beta, betaBind, waveGroups, 1, 1); err != nil {
			return err
		}
	}

	if err := q.dispatch(pipes.cost, costBind, uint32((B+63)/64), 1, 1); err != nil {
		return err
	}

	gradGroups := uint32((V + 63) / 64)
	if job.TransGrad != nil {
		gradBuf, err := track(newStorage(c, "Transducer_TransGrad", maxT*B*V))
		if err != nil {
			return err
		}
		gb, err := bind(pipes.gradTrans, "Transducer_GradTransBind",
			metaBuf, transBuf, predBuf, labelsBuf, emisBuf, abBuf, costsBuf, gradBuf)
		if err != nil {
			return err
		}
		if err := q.dispatch(pipes.gradTrans, gb, gradGroups, uint32(maxT), uint32(B)); err != nil {
			return err
		}
		out, err := readBuffer(c, gradBuf, maxT*B*V)
		if err != nil {
			return err
		}
		copy(job.TransGrad, out)
	}
	if job.PredGrad != nil {
		gradBuf, err := track(newStorage(c, "Transducer_PredGrad", maxU*B*V))
		if err != nil {
			return err
		}
		gb, err := bind(pipes.gradPred, "Transducer_GradPredBind",
			metaBuf, transBuf, predBuf, labelsBuf, emisBuf, abBuf, costsBuf, gradBuf)
		if err != nil {
			return err
		}
		if err := q.dispatch(pipes.gradPred, gb, gradGroups, uint32(maxU), uint32(B)); err != nil {
			return err
		}
		out, err := readBuffer(c, gradBuf, maxU*B*V)
		if err != nil {
			return err
		}
		copy(job.PredGrad, out)
	}

	out, err := readBuffer(c, costsBuf, B)
	if err != nil {
		return err
	}
	copy(job.Costs[:B], out)

	return nil
}
