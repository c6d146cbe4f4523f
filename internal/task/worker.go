package task

import (
	"context"

	"server/internal/apperr"
	"server/internal/gen"
)

// Worker adapts a *gen.Controller to the Runner interface the Scheduler
// drives, dispatching on task type to the matching Controller method.
type Worker struct {
	Controller *gen.Controller
}

// Run executes t's matching controller operation, forwarding progress and
// cancellation to the Smart Poller underneath.
func (w *Worker) Run(ctx context.Context, t *Task, onProgress func(pct int), cancel <-chan struct{}) ([]string, error) {
	opts := gen.Options{
		Ratio:            t.Params.Ratio,
		ResolutionTier:   t.Params.ResolutionTier,
		SampleStrength:   t.Params.SampleStrength,
		Seed:             t.Params.Seed,
		NegativePrompt:   t.Params.NegativePrompt,
		IntelligentRatio: t.Params.IntelligentRatio,
		Count:            t.Params.Count,
		Progress:         onProgress,
		Cancel:           cancel,
	}

	switch t.Type {
	case TypeImageGeneration:
		return w.Controller.GenerateImage(ctx, t.Params.Model, t.Params.Prompt, opts, t.Params.Credential)
	case TypeImageComposition:
		return w.Controller.GenerateImageComposition(ctx, t.Params.Model, t.Params.Prompt, t.Params.Images, opts, t.Params.Credential)
	case TypeVideoGeneration:
		return w.Controller.GenerateVideo(ctx, t.Params.Model, t.Params.Prompt, t.Params.Images, opts, t.Params.Credential)
	default:
		return nil, apperr.New(apperr.InvalidRequest, "unknown task type")
	}
}

var _ Runner = (*Worker)(nil)
