// Package gen implements the Generation Controller: it orchestrates the
// Quota Ledger, Upload Pipeline, Payload Builder, upstream submit, and
// Smart Poller into the three public generation operations.
package gen

import (
	"context"
	"time"

	"github.com/google/uuid"

	"server/internal/apperr"
	"server/internal/infra"
	"server/internal/payload"
	"server/internal/poll"
	"server/internal/quota"
	"server/internal/upload"
)

// ModelTable resolves a user-facing model name to availability/defaults
// per region.
type ModelTable struct {
	// Available[region][model] == true means model is offered in region.
	Available map[upload.Region]map[string]bool
	// Default is the fallback model substituted when the requested model
	// is unavailable in the resolved region but happens to equal another
	// region's default.
	Default map[upload.Region]string
}

// Options carries the per-request generation knobs the Payload Builder
// and Smart Poller need, plus the progress/cancel wiring a Task Worker
// supplies for async runs (both are optional for the sync path).
type Options struct {
	Ratio            string
	ResolutionTier   string
	SampleStrength   float64
	Seed             int64
	NegativePrompt   string
	IntelligentRatio bool
	Count            int

	Progress poll.ProgressFunc
	Cancel   <-chan struct{}
	Deadline time.Time
}

// Controller wires the pipeline components together.
type Controller struct {
	ledger     quota.Ledger
	uploader   *upload.Pipeline
	upstream   UpstreamClient
	models     ModelTable
	mwebBase   func(upload.Region) string
	logger     infra.Logger
	maxPollImg int
	maxPollVid int
}

// New builds a Controller.
func New(ledger quota.Ledger, uploader *upload.Pipeline, upstream UpstreamClient, models ModelTable, mwebBase func(upload.Region) string, logger infra.Logger) *Controller {
	return &Controller{
		ledger:     ledger,
		uploader:   uploader,
		upstream:   upstream,
		models:     models,
		mwebBase:   mwebBase,
		logger:     logger,
		maxPollImg: 900,
		maxPollVid: 240,
	}
}

// resolveModel implements step 1 of §4.5: substitute the requesting
// region's default when the named model is unavailable there but equals
// some other region's default; otherwise fail UnsupportedModel.
func (c *Controller) resolveModel(region upload.Region, model string) (string, error) {
	if avail, ok := c.models.Available[region]; ok && avail[model] {
		return model, nil
	}
	for _, def := range c.models.Default {
		if def == model {
			if fallback, ok := c.models.Default[region]; ok {
				return fallback, nil
			}
		}
	}
	return "", apperr.New(apperr.UnsupportedModel, "model unavailable in region")
}

func (c *Controller) checkQuota(credential Credential, service quota.ServiceType) error {
	res, err := c.ledger.Check(credential.SessionID, service)
	if err != nil {
		return apperr.Wrap(apperr.QuotaIO, "quota check failed", err)
	}
	if !res.Allowed {
		return apperr.New(apperr.QuotaExceeded, "daily limit reached")
	}
	return nil
}

func (c *Controller) incrementQuota(credential Credential, service quota.ServiceType) {
	if err := c.ledger.Increment(credential.SessionID, service); err != nil {
		c.logger.Warn().Err(err).Str("session", credential.SessionID).Msg("quota increment failed after successful generation")
	}
}

func (c *Controller) submitAndPoll(ctx context.Context, credential Credential, env payload.Envelope, expected int, taskType poll.TaskType, opts Options) ([]HistoryItem, error) {
	historyID, err := c.upstream.Submit(ctx, c.mwebBase(credential.Region), credential.Token, env)
	if err != nil {
		return nil, err
	}

	maxPoll := c.maxPollImg
	if taskType == poll.TaskVideo {
		maxPoll = c.maxPollVid
	}

	fetch := func(fetchCtx context.Context) (poll.FetchResult, error) {
		return c.upstream.FetchHistory(fetchCtx, c.mwebBase(credential.Region), credential.Token, historyID)
	}

	data, _, err := poll.Run(ctx, fetch, poll.Options{
		ExpectedItemCount: expected,
		MaxPollCount:      maxPoll,
		TaskType:          taskType,
		Deadline:          opts.Deadline,
		Cancel:            opts.Cancel,
		OnProgress:        opts.Progress,
	})
	if err != nil {
		return nil, err
	}

	items, ok := data.([]HistoryItem)
	if !ok {
		return nil, apperr.New(apperr.ResultExtractionFailed, "unexpected poll payload type")
	}
	return items, nil
}

func extractURLs(items []HistoryItem, wantVideo bool) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	var urls []string
	for _, it := range items {
		if wantVideo && it.VideoURL != "" {
			urls = append(urls, it.VideoURL)
		}
		if !wantVideo && it.ImageURL != "" {
			urls = append(urls, it.ImageURL)
		}
	}
	if len(urls) == 0 {
		return nil, apperr.New(apperr.ResultExtractionFailed, "item_list present but no extractable URLs")
	}
	return urls, nil
}

// GenerateImage runs the plain text-to-image pipeline. Expected item
// count is 4, matching a standard text-to-image batch; in multi-image
// mode it is opts.Count, or the prompt's "N张" count when opts.Count is
// unset.
func (c *Controller) GenerateImage(ctx context.Context, model, prompt string, opts Options, rawCredential string) ([]string, error) {
	credential := DeriveCredential(rawCredential)

	upstreamModel, err := c.resolveModel(credential.Region, model)
	if err != nil {
		return nil, err
	}
	if err := c.checkQuota(credential, quota.ServiceImage); err != nil {
		return nil, err
	}

	expected := 4
	mode := payload.ModeText2Img
	if payload.DetectMultiImage(prompt, opts.Count) {
		mode = payload.ModeMultiImg
		count := opts.Count
		if count <= 0 {
			count = payload.ExtractCountToken(prompt)
		}
		if count > 0 {
			expected = count
		}
	}

	env, err := payload.Build(payload.Input{
		Model: upstreamModel, Mode: mode, Prompt: prompt, NegativePrompt: opts.NegativePrompt,
		Region: credential.Region, Ratio: opts.Ratio, ResolutionTier: opts.ResolutionTier,
		SampleStrength: opts.SampleStrength, Seed: opts.Seed, Count: opts.Count,
		IntelligentRatio: opts.IntelligentRatio, SubmitID: uuid.NewString(), ComponentID: uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	items, err := c.submitAndPoll(ctx, credential, env, expected, poll.TaskImage, opts)
	if err != nil {
		return nil, err
	}
	urls, err := extractURLs(items, false)
	if err != nil {
		return nil, err
	}

	c.incrementQuota(credential, quota.ServiceImage)
	return urls, nil
}

// GenerateImageComposition runs image-to-image / multi-input composition.
// Expected item count is 1.
func (c *Controller) GenerateImageComposition(ctx context.Context, model, prompt string, images [][]byte, opts Options, rawCredential string) ([]string, error) {
	credential := DeriveCredential(rawCredential)

	upstreamModel, err := c.resolveModel(credential.Region, model)
	if err != nil {
		return nil, err
	}
	if err := c.checkQuota(credential, quota.ServiceImage); err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, apperr.New(apperr.InvalidRequest, "at least one input image is required")
	}

	assets, err := c.uploader.UploadMany(ctx, credential.Token, credential.Region, images)
	if err != nil {
		return nil, err
	}
	imageIDs := make([]string, len(assets))
	for i, a := range assets {
		imageIDs[i] = a.URI
	}

	env, err := payload.Build(payload.Input{
		Model: upstreamModel, Mode: payload.ModeImg2Img, Prompt: prompt, NegativePrompt: opts.NegativePrompt,
		Region: credential.Region, Ratio: opts.Ratio, ResolutionTier: opts.ResolutionTier,
		SampleStrength: opts.SampleStrength, Seed: opts.Seed, UploadedImageIDs: imageIDs,
		IntelligentRatio: opts.IntelligentRatio, SubmitID: uuid.NewString(), ComponentID: uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	items, err := c.submitAndPoll(ctx, credential, env, 1, poll.TaskImage, opts)
	if err != nil {
		return nil, err
	}
	urls, err := extractURLs(items, false)
	if err != nil {
		return nil, err
	}

	c.incrementQuota(credential, quota.ServiceImage)
	return urls, nil
}

// GenerateVideo runs image-to-video. Expected item count is 1.
func (c *Controller) GenerateVideo(ctx context.Context, model, prompt string, inputs [][]byte, opts Options, rawCredential string) ([]string, error) {
	credential := DeriveCredential(rawCredential)

	upstreamModel, err := c.resolveModel(credential.Region, model)
	if err != nil {
		return nil, err
	}
	if err := c.checkQuota(credential, quota.ServiceVideo); err != nil {
		return nil, err
	}

	var imageIDs []string
	if len(inputs) > 0 {
		assets, err := c.uploader.UploadMany(ctx, credential.Token, credential.Region, inputs)
		if err != nil {
			return nil, err
		}
		for _, a := range assets {
			imageIDs = append(imageIDs, a.URI)
		}
	}

	env, err := payload.Build(payload.Input{
		Model: upstreamModel, Mode: payload.ModeImg2Video, Prompt: prompt, NegativePrompt: opts.NegativePrompt,
		Region: credential.Region, Ratio: opts.Ratio, ResolutionTier: opts.ResolutionTier,
		SampleStrength: opts.SampleStrength, Seed: opts.Seed, UploadedImageIDs: imageIDs,
		IntelligentRatio: opts.IntelligentRatio, SubmitID: uuid.NewString(), ComponentID: uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	items, err := c.submitAndPoll(ctx, credential, env, 1, poll.TaskVideo, opts)
	if err != nil {
		return nil, err
	}
	urls, err := extractURLs(items, true)
	if err != nil {
		return nil, err
	}

	c.incrementQuota(credential, quota.ServiceVideo)
	return urls, nil
}
