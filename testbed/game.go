package testbed

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/math"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
	"github.com/spaghettifunk/chronicle/engine/renderer/gpu"
)

// Asset names, relative to the engine's asset directory.
const (
	SpinShaderAsset = "shaders/spin.comp.spv"
	CheckerAsset    = "textures/checker.png"
)

const (
	instanceCount = 3
	traceWidth    = 320
	traceHeight   = 180
)

// pipelineFactory is implemented by devices that hand out pipelines
// without shader binaries.
type pipelineFactory interface {
	NewPipeline(bindPoint driver.PipelineBindPoint, layout driver.PipelineLayout) (driver.Pipeline, error)
}

// computeCompiler is implemented by devices that build compute pipelines
// from SPIR-V.
type computeCompiler interface {
	CreateComputePipeline(layout driver.PipelineLayout, spirv []byte) (driver.Pipeline, error)
}

type TestGame struct {
	*engine.Game
}

/**
 * @brief Per-frame uniform. Delta is the rotation applied to the mesh this
 * frame; the padding keeps the std140 size a multiple of 16.
 */
type sceneData struct {
	Delta math.Mat4
	Time  float32
	_     [3]float32
}

type gameState struct {
	ctx *gpu.Context

	elapsed float64
	delta   float64
	spin    math.Quaternion

	mesh       *gpu.Mesh
	texture    *gpu.Texture
	scene      *gpu.UniformBuffer[sceneData]
	transforms [instanceCount]*math.Transform

	computeSetLayout *gpu.DescriptorSetLayout
	computeLayout    *gpu.PipelineLayout
	compute          *gpu.Pipeline
	reloadCompute    atomic.Bool
	computeReloads   int

	tlas          *gpu.TopLevel
	rtSetLayout   *gpu.DescriptorSetLayout
	rtLayout      *gpu.PipelineLayout
	rayTracing    *gpu.Pipeline
	bindingTable  *gpu.ShaderBindingTable
	frameRebuilds int
}

func NewTestGame(cfg *engine.ApplicationConfig) *TestGame {
	tg := &TestGame{
		Game: &engine.Game{
			ApplicationConfig: cfg,
			State:             &gameState{},
		},
	}

	tg.FnBoot = tg.Boot
	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnRender = tg.Render
	tg.FnShutdown = tg.Shutdown

	return tg
}

func (g *TestGame) state() *gameState {
	return g.State.(*gameState)
}

func (g *TestGame) Boot() error {
	core.LogInfo("booting testbed...")
	state := g.state()
	for i := range state.transforms {
		state.transforms[i] = math.TransformFromPosition(math.NewVec3(float32(i)*3.0-3.0, 0, 0))
	}
	state.spin = math.NewQuatIdentity()
	return nil
}

func (g *TestGame) Initialize(ctx *gpu.Context) error {
	core.LogDebug("TestGame Initialize fn....")
	state := g.state()
	state.ctx = ctx

	vertices, indices := math.GenerateCube(2.0, 2.0, 2.0)
	mesh, err := gpu.NewMesh(ctx, "cube", vertices, indices)
	if err != nil {
		return err
	}
	state.mesh = mesh

	state.texture, err = g.loadTexture(ctx)
	if err != nil {
		return err
	}
	state.scene, err = gpu.NewUniformBuffer(ctx, "scene", sceneData{Delta: math.NewMat4Identity()})
	if err != nil {
		return err
	}

	if err := g.createCompute(ctx); err != nil {
		return err
	}

	if !ctx.Features.AccelerationStructure {
		core.LogWarn("%s device cannot build acceleration structures, ray tracing disabled", ctx.Driver.Name())
		return nil
	}
	if err := gpu.BuildMeshes(ctx, mesh); err != nil {
		return err
	}
	state.tlas, err = gpu.NewTopLevel(ctx, "scene-tlas", driver.BuildAccelerationStructurePreferFastTrace)
	if err != nil {
		return err
	}
	if err := state.tlas.Rebuild(g.instances()); err != nil {
		return err
	}
	if ctx.Features.RayTracingPipeline {
		return g.createRayTracing(ctx)
	}
	return nil
}

func (g *TestGame) loadTexture(ctx *gpu.Context) (*gpu.Texture, error) {
	if g.Assets != nil {
		img, err := g.Assets.LoadImage(CheckerAsset)
		if err == nil {
			return gpu.NewTexture(ctx, CheckerAsset, img.Width, img.Height, img.Pixels, true)
		}
		core.LogWarn("falling back to a generated texture: %v", err)
	}
	return gpu.NewTexture(ctx, "checkerboard", 64, 64, checkerboard(64, 64, 8), true)
}

func (g *TestGame) createCompute(ctx *gpu.Context) error {
	state := g.state()
	var err error
	state.computeSetLayout, err = gpu.NewDescriptorSetLayout(ctx, []driver.DescriptorSetLayoutBinding{
		{Binding: 0, Type: driver.DescriptorTypeUniformBuffer, Count: 1, Stages: driver.ShaderStageCompute},
		{Binding: 1, Type: driver.DescriptorTypeStorageBuffer, Count: 1, Stages: driver.ShaderStageCompute},
		{Binding: 2, Type: driver.DescriptorTypeCombinedImageSampler, Count: 1, Stages: driver.ShaderStageCompute},
	})
	if err != nil {
		return err
	}
	state.computeLayout, err = gpu.NewPipelineLayout(ctx, []*gpu.DescriptorSetLayout{state.computeSetLayout},
		[]driver.PushConstantRange{{Stages: driver.ShaderStageCompute, Offset: 0, Size: 4}})
	if err != nil {
		return err
	}
	if g.Assets != nil {
		g.Assets.Subscribe(func(name string) {
			if name == SpinShaderAsset {
				state.reloadCompute.Store(true)
			}
		})
	}
	return g.createSpinPipeline(ctx)
}

// createSpinPipeline leaves state.compute nil when the device has no way
// to build the spin shader.
func (g *TestGame) createSpinPipeline(ctx *gpu.Context) error {
	state := g.state()
	var handle driver.Pipeline
	var err error
	switch dev := ctx.Driver.(type) {
	case pipelineFactory:
		handle, err = dev.NewPipeline(driver.PipelineBindPointCompute, state.computeLayout.Handle)
	case computeCompiler:
		if g.Assets == nil {
			core.LogWarn("no asset directory, compute pass disabled")
			return nil
		}
		spirv, loadErr := g.Assets.LoadShader(SpinShaderAsset)
		if loadErr != nil {
			core.LogWarn("%v: run `mage build:shaders`; compute pass disabled", loadErr)
			return nil
		}
		handle, err = dev.CreateComputePipeline(state.computeLayout.Handle, spirv)
	default:
		core.LogWarn("%s device cannot create compute pipelines", ctx.Driver.Name())
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "creating spin pipeline")
	}
	state.compute = gpu.WrapPipeline(ctx, handle, driver.PipelineBindPointCompute, state.computeLayout)
	return nil
}

// reloadSpinPipeline swaps in a rebuilt spin shader. The old pipeline may
// still be referenced by frames in flight, so the queue is drained first.
func (g *TestGame) reloadSpinPipeline() error {
	state := g.state()
	if err := state.ctx.Graphics.WaitIdle(); err != nil {
		return err
	}
	if state.compute != nil {
		state.compute.Destroy()
		state.compute = nil
	}
	if err := g.createSpinPipeline(state.ctx); err != nil {
		return err
	}
	state.computeReloads++
	core.LogInfo("reloaded %s", SpinShaderAsset)
	return nil
}

func (g *TestGame) createRayTracing(ctx *gpu.Context) error {
	state := g.state()
	factory, ok := ctx.Driver.(pipelineFactory)
	if !ok {
		core.LogWarn("%s device cannot create ray tracing pipelines", ctx.Driver.Name())
		return nil
	}
	stages := driver.ShaderStageRaygen | driver.ShaderStageClosestHit
	var err error
	state.rtSetLayout, err = gpu.NewDescriptorSetLayout(ctx, []driver.DescriptorSetLayoutBinding{
		{Binding: 0, Type: driver.DescriptorTypeUniformBuffer, Count: 1, Stages: stages},
		{Binding: 1, Type: driver.DescriptorTypeAccelerationStructure, Count: 1, Stages: stages},
	})
	if err != nil {
		return err
	}
	state.rtLayout, err = gpu.NewPipelineLayout(ctx, []*gpu.DescriptorSetLayout{state.rtSetLayout}, nil)
	if err != nil {
		return err
	}
	handle, err := factory.NewPipeline(driver.PipelineBindPointRayTracing, state.rtLayout.Handle)
	if err != nil {
		return err
	}
	state.rayTracing = gpu.WrapPipeline(ctx, handle, driver.PipelineBindPointRayTracing, state.rtLayout)
	state.bindingTable, err = gpu.NewShaderBindingTable(ctx, state.rayTracing, 1, 1)
	return err
}

func (g *TestGame) instances() []gpu.BlasInstance {
	state := g.state()
	out := make([]gpu.BlasInstance, instanceCount)
	for i, t := range state.transforms {
		out[i] = gpu.BlasInstance{
			Transform:   t.GetWorld(),
			CustomIndex: uint32(i),
			Mask:        0xFF,
			Blas:        state.mesh.Blas,
		}
	}
	return out
}

func (g *TestGame) Update(deltaTime float64) error {
	state := g.state()
	state.elapsed += deltaTime
	state.delta = deltaTime

	if state.reloadCompute.Swap(false) {
		if err := g.reloadSpinPipeline(); err != nil {
			return err
		}
	}

	rotation := math.NewQuatFromAxisAngle(math.NewVec3(0, 1, 0), float32(0.5*deltaTime))
	state.spin = rotation
	for _, t := range state.transforms {
		t.Rotate(rotation)
	}
	return nil
}

func (g *TestGame) Render(cb *gpu.CommandBuffer, deltaTime float64) error {
	state := g.state()

	if err := state.scene.Set(sceneData{Delta: state.spin.ToMat4(), Time: float32(state.elapsed)}); err != nil {
		return err
	}

	if state.compute != nil {
		if err := g.recordSpin(cb); err != nil {
			return err
		}
	}

	if state.tlas != nil {
		if err := state.tlas.Rebuild(g.instances()); err != nil {
			return err
		}
		state.frameRebuilds++
	}
	if state.rayTracing != nil {
		return g.recordTrace(cb)
	}
	return nil
}

func (g *TestGame) recordSpin(cb *gpu.CommandBuffer) error {
	state := g.state()
	count := uint32(state.mesh.Vertices.Count)

	if err := cb.BindPipeline(state.compute); err != nil {
		return err
	}
	if err := cb.SetDescriptor(0, 0, state.scene.Binding()); err != nil {
		return err
	}
	if err := cb.SetDescriptor(0, 1, gpu.BufferBinding{Buffer: state.mesh.Vertices.Buffer, Storage: true}); err != nil {
		return err
	}
	if err := cb.SetDescriptor(0, 2, state.texture.Binding()); err != nil {
		return err
	}
	if err := cb.BindDescriptorSets(); err != nil {
		return err
	}
	if err := cb.PushConstants(driver.ShaderStageCompute, 0, binary.LittleEndian.AppendUint32(nil, count)); err != nil {
		return err
	}
	if err := cb.Dispatch((count+63)/64, 1, 1); err != nil {
		return err
	}
	return cb.Barrier(driver.PipelineStageComputeShader, driver.PipelineStageVertexInput|driver.PipelineStageAccelerationStructureBuild,
		driver.AccessShaderWrite, driver.AccessVertexAttributeRead|driver.AccessShaderRead)
}

func (g *TestGame) recordTrace(cb *gpu.CommandBuffer) error {
	state := g.state()
	if err := cb.BindPipeline(state.rayTracing); err != nil {
		return err
	}
	if err := cb.SetDescriptor(0, 0, state.scene.Binding()); err != nil {
		return err
	}
	if err := cb.SetDescriptor(0, 1, state.tlas.Binding()); err != nil {
		return err
	}
	if err := cb.BindDescriptorSets(); err != nil {
		return err
	}
	return cb.TraceRays(state.bindingTable, traceWidth, traceHeight, 1)
}

func (g *TestGame) Shutdown() error {
	core.LogInfo("shutting down testbed after %.2fs (%d top-level rebuilds)", g.state().elapsed, g.state().frameRebuilds)
	state := g.state()
	if state.ctx == nil {
		return nil
	}
	// pipelines and layouts are not reference counted
	if err := state.ctx.Graphics.WaitIdle(); err != nil {
		return err
	}

	if state.bindingTable != nil {
		state.bindingTable.Destroy()
	}
	if state.rayTracing != nil {
		state.rayTracing.Destroy()
	}
	if state.rtLayout != nil {
		state.rtLayout.Destroy()
	}
	if state.rtSetLayout != nil {
		state.rtSetLayout.Destroy()
	}
	if state.tlas != nil {
		state.tlas.Destroy()
	}
	if state.compute != nil {
		state.compute.Destroy()
	}
	if state.computeLayout != nil {
		state.computeLayout.Destroy()
	}
	if state.computeSetLayout != nil {
		state.computeSetLayout.Destroy()
	}
	if state.scene != nil {
		state.scene.Release()
	}
	if state.texture != nil {
		state.texture.Destroy()
	}
	if state.mesh != nil {
		state.mesh.Destroy()
	}
	return nil
}

// checkerboard returns RGBA8 pixels alternating between two greys every
// cell pixels.
func checkerboard(width, height, cell uint32) []byte {
	pixels := make([]byte, 0, width*height*4)
	for y := uint32(0); y < height; y++ {
		for x := uint32(0); x < width; x++ {
			c := byte(0x40)
			if (x/cell+y/cell)%2 == 0 {
				c = 0xC0
			}
			pixels = append(pixels, c, c, c, 0xFF)
		}
	}
	return pixels
}
