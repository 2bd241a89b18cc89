package dispatch

import (
	"context"

	"github.com/gogpu/doppler/gpucore"
)

// Recorder is the CommandRecorder collaborator: it batches
// multiple operators' compute passes into one submission instead of one
// submission per operator. It owns every uniform buffer created on its
// behalf and destroys them once Submit resolves.
//
// A Recorder is single-use: calling any Record* method after Submit
// panics.
type Recorder struct {
	engine  *Engine
	owned   []gpucore.BufferID
	done    bool
}

// NewRecorder returns a Recorder bound to engine.
func (e *Engine) NewRecorder() *Recorder {
	return &Recorder{engine: e}
}

func (r *Recorder) checkOpen() {
	if r.done {
		panic("dispatch: Recorder reused after Submit")
	}
}

// createUniformBuffer creates a uniform buffer and registers it for
// cleanup on Submit, rather than destroying it immediately as the
// immediate path does.
func (r *Recorder) createUniformBuffer(data []byte, label string) (gpucore.BufferID, error) {
	r.checkOpen()
	id, err := r.engine.createUniformBuffer(data, label)
	if err != nil {
		return gpucore.InvalidID, err
	}
	r.owned = append(r.owned, id)
	return id, nil
}

// own registers a buffer the recorder should destroy on Submit, for
// transient buffers other than uniforms (e.g. the RMSNorm dummy
// residual binding).
func (r *Recorder) own(id gpucore.BufferID) {
	r.checkOpen()
	r.owned = append(r.owned, id)
}

// recordDispatch mirrors Engine.dispatchOnce but does not submit and does
// not destroy the uniform buffer (the caller already registered it via
// createUniformBuffer above).
func (r *Recorder) recordDispatch(operation, variant string, entries []gpucore.BindGroupEntry, wgX, wgY uint32) error {
	r.checkOpen()
	adapter := r.engine.adapter()

	pipe, _, err := r.engine.Pipelines.CreatePipeline(context.Background(), operation, variant)
	if err != nil {
		return err
	}
	layout, err := adapter.BindGroupLayoutOf(pipe)
	if err != nil {
		return err
	}
	group, err := adapter.CreateBindGroup(layout, entries)
	if err != nil {
		return err
	}

	pass := adapter.BeginComputePass()
	pass.SetPipeline(pipe)
	pass.SetBindGroup(0, group)
	pass.Dispatch(wgX, wgY, 1)
	pass.End()
	return nil
}

// Submit submits all recorded passes in one command buffer and destroys
// every uniform buffer the recorder created. The Recorder must not be
// reused afterward.
func (r *Recorder) Submit() {
	r.checkOpen()
	adapter := r.engine.adapter()
	adapter.Submit()
	for _, id := range r.owned {
		adapter.DestroyBuffer(id)
	}
	r.owned = nil
	r.done = true
}
