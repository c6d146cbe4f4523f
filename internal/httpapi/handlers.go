package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"server/internal/apperr"
	"server/internal/gen"
	"server/internal/task"
)

// maxFetchedImageBytes caps how much of a source URL's body decodeImage
// will read, so a malicious or oversized URL cannot exhaust memory.
const maxFetchedImageBytes = 20 << 20

var imageFetchClient = &http.Client{Timeout: 15 * time.Second}

// toGenOptions maps a generateRequest's user-facing knobs onto the
// Controller's Options; sync handlers set no Progress/Cancel/Deadline
// since they run the full pipeline inline.
func toGenOptions(req generateRequest) gen.Options {
	return gen.Options{
		Ratio:            req.Ratio,
		ResolutionTier:   req.Resolution,
		SampleStrength:   req.SampleStrength,
		Seed:             req.Seed,
		NegativePrompt:   req.NegativePrompt,
		IntelligentRatio: req.IntelligentRatio,
		Count:            req.Count,
	}
}

type errorResponse struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind, ok := apperr.As(err)
	if !ok {
		kind = "InternalError"
	}
	status := apperr.HTTPStatus(kind)
	resp := errorResponse{}
	resp.Error.Kind = string(kind)
	resp.Error.Message = err.Error()
	writeJSON(w, status, resp)
}

func credentialFrom(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ")
}

// ownerFrom derives a task's owner from its raw credential the same way
// the Generation Controller derives a quota session id, so tasks created
// under the same credential list together regardless of which endpoint
// created them.
func ownerFrom(credential string) string {
	if credential == "" {
		return ""
	}
	return gen.DeriveCredential(credential).SessionID
}

// decodeImage accepts an inline "data:...;base64,..." URI, a raw base64
// string, or an http(s) source URL, per the Upload Pipeline's input
// contract ("bytes ... or a source URL / data URI from which bytes are
// fetched").
func decodeImage(ctx context.Context, s string) ([]byte, error) {
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return fetchImageURL(ctx, s)
	}
	if idx := strings.Index(s, ","); strings.HasPrefix(s, "data:") && idx != -1 {
		s = s[idx+1:]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidRequest, "invalid image payload", err)
	}
	return data, nil
}

// fetchImageURL retrieves the bytes at rawURL. It is a best-effort
// fetch: no redirect or private-network policy beyond the http/https
// scheme check above and a hard size cap, since operators are expected
// to run this behind their own egress controls.
func fetchImageURL(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidRequest, "invalid image url", err)
	}
	resp, err := imageFetchClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidRequest, "fetch image url", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.InvalidRequest, fmt.Sprintf("image url returned status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchedImageBytes+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidRequest, "read image url body", err)
	}
	if len(data) > maxFetchedImageBytes {
		return nil, apperr.New(apperr.InvalidRequest, "image url payload exceeds size limit")
	}
	return data, nil
}

type generateRequest struct {
	Model            string   `json:"model"`
	Prompt           string   `json:"prompt"`
	NegativePrompt   string   `json:"negative_prompt,omitempty"`
	Ratio            string   `json:"ratio,omitempty"`
	Resolution       string   `json:"resolution,omitempty"`
	SampleStrength   float64  `json:"sample_strength,omitempty"`
	Seed             int64    `json:"seed,omitempty"`
	IntelligentRatio bool     `json:"intelligent_ratio,omitempty"`
	Count            int      `json:"count,omitempty"`
	Images           []string `json:"images,omitempty"`
	FilePaths        []string `json:"file_paths,omitempty"`
	Priority         int      `json:"priority,omitempty"`
}

type generateResponse struct {
	URLs []string `json:"urls"`
}

func (req generateRequest) validate() error {
	if req.Model == "" {
		return apperr.New(apperr.InvalidRequest, "model is required")
	}
	return nil
}

// Ping is a trivial liveness probe.
func (a *App) Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListModels returns a fixed list of two model names. It does not read
// the controller's model table and reports no per-region availability.
func (a *App) ListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": []string{"jimeng-4.5", "jimeng-3.0"}})
}

// ImagesGenerate is the sync text-to-image endpoint.
func (a *App) ImagesGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.InvalidRequest, "invalid request body", err))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	a.Logger.Debug().Str("model", req.Model).Str("country", a.clientCountry(r.RemoteAddr)).Msg("images.generate")

	urls, err := a.Controller.GenerateImage(r.Context(), req.Model, req.Prompt, toGenOptions(req), credentialFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{URLs: urls})
}

// ImagesCompose is the sync image-to-image endpoint.
func (a *App) ImagesCompose(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.InvalidRequest, "invalid request body", err))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	images, err := a.decodeRequestImages(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	urls, err := a.Controller.GenerateImageComposition(r.Context(), req.Model, req.Prompt, images, toGenOptions(req), credentialFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{URLs: urls})
}

// VideosGenerate is the sync image-to-video endpoint.
func (a *App) VideosGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.InvalidRequest, "invalid request body", err))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	images, err := a.decodeRequestImages(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	urls, err := a.Controller.GenerateVideo(r.Context(), req.Model, req.Prompt, images, toGenOptions(req), credentialFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{URLs: urls})
}

type chatCompletionsRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// ChatCompletionsPassthrough maps a chat-style request onto text-to-image,
// using the last user message's content as the prompt.
func (a *App) ChatCompletionsPassthrough(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.InvalidRequest, "invalid request body", err))
		return
	}
	prompt := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			prompt = req.Messages[i].Content
			break
		}
	}
	if req.Model == "" || prompt == "" {
		writeError(w, apperr.New(apperr.InvalidRequest, "model and a user message are required"))
		return
	}

	urls, err := a.Controller.GenerateImage(r.Context(), req.Model, prompt, toGenOptions(generateRequest{}), credentialFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{URLs: urls})
}

type asyncTaskResponse struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *App) enqueue(w http.ResponseWriter, r *http.Request, taskType task.Type) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.InvalidRequest, "invalid request body", err))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	images, err := a.decodeRequestImages(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	credential := credentialFrom(r)
	params := task.Params{
		Model:            req.Model,
		Prompt:           req.Prompt,
		NegativePrompt:   req.NegativePrompt,
		Credential:       credential,
		Ratio:            req.Ratio,
		ResolutionTier:   req.Resolution,
		SampleStrength:   req.SampleStrength,
		Seed:             req.Seed,
		IntelligentRatio: req.IntelligentRatio,
		Count:            req.Count,
		Images:           images,
	}

	t := a.Store.Create(taskType, params, req.Priority, ownerFrom(credential))
	writeJSON(w, http.StatusAccepted, asyncTaskResponse{TaskID: t.ID, Status: string(t.Status), CreatedAt: t.CreatedAt})
}

func (a *App) AsyncImagesGenerate(w http.ResponseWriter, r *http.Request) {
	a.enqueue(w, r, task.TypeImageGeneration)
}

func (a *App) AsyncImagesCompose(w http.ResponseWriter, r *http.Request) {
	a.enqueue(w, r, task.TypeImageComposition)
}

func (a *App) AsyncVideosGenerate(w http.ResponseWriter, r *http.Request) {
	a.enqueue(w, r, task.TypeVideoGeneration)
}

type taskStatusResponse struct {
	TaskID    string     `json:"task_id"`
	Status    string     `json:"status"`
	Progress  int        `json:"progress"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

func (a *App) TaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := a.Store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskStatusResponse{
		TaskID: t.ID, Status: string(t.Status), Progress: t.Progress,
		CreatedAt: t.CreatedAt, StartedAt: t.StartedAt,
	})
}

type taskResultResponse struct {
	TaskID string   `json:"task_id"`
	URLs   []string `json:"urls"`
}

func (a *App) TaskResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := a.Store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if t.Status != task.StatusCompleted {
		writeError(w, apperr.New(apperr.TaskNotCompleted, "task has not completed"))
		return
	}
	writeJSON(w, http.StatusOK, taskResultResponse{TaskID: t.ID, URLs: t.Result})
}

// TaskList reports the caller's own tasks (scoped by the same credential
// used to submit them), optionally filtered by ?status=, newest first
// and capped at 100.
func (a *App) TaskList(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(credentialFrom(r))
	status := task.Status(r.URL.Query().Get("status"))
	tasks := a.Store.List(owner, status, 100)

	out := make([]taskStatusResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskStatusResponse{
			TaskID: t.ID, Status: string(t.Status), Progress: t.Progress,
			CreatedAt: t.CreatedAt, StartedAt: t.StartedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (a *App) TaskCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	changed, err := a.Scheduler.Cancel(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": changed})
}

func (a *App) TaskDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Store.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type batchSubmitRequest struct {
	Type  string            `json:"type"`
	Items []generateRequest `json:"items"`
}

type batchItemResult struct {
	TaskID string `json:"task_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (a *App) BatchSubmit(w http.ResponseWriter, r *http.Request) {
	var req batchSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.InvalidRequest, "invalid request body", err))
		return
	}
	taskType := task.Type(req.Type)
	credential := credentialFrom(r)

	results := make([]batchItemResult, 0, len(req.Items))
	for _, item := range req.Items {
		if err := item.validate(); err != nil {
			results = append(results, batchItemResult{Error: err.Error()})
			continue
		}
		images, err := a.decodeRequestImages(r.Context(), item)
		if err != nil {
			results = append(results, batchItemResult{Error: err.Error()})
			continue
		}
		params := task.Params{
			Model: item.Model, Prompt: item.Prompt, NegativePrompt: item.NegativePrompt,
			Credential: credential, Ratio: item.Ratio, ResolutionTier: item.Resolution,
			SampleStrength: item.SampleStrength, Seed: item.Seed,
			IntelligentRatio: item.IntelligentRatio, Count: item.Count, Images: images,
		}
		t := a.Store.Create(taskType, params, item.Priority, ownerFrom(credential))
		results = append(results, batchItemResult{TaskID: t.ID})
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"results": results})
}

type batchCancelRequest struct {
	TaskIDs []string `json:"task_ids"`
}

func (a *App) BatchCancel(w http.ResponseWriter, r *http.Request) {
	var req batchCancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.InvalidRequest, "invalid request body", err))
		return
	}
	results := make(map[string]bool, len(req.TaskIDs))
	for _, id := range req.TaskIDs {
		changed, err := a.Scheduler.Cancel(id)
		results[id] = err == nil && changed
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (a *App) UsageDaily(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	agg, err := a.Ledger.DailyAggregate(date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (a *App) UsageSession(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	days := 30
	history, err := a.Ledger.History(session, days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": session, "history": history})
}

func decodeImages(ctx context.Context, images []string) ([][]byte, error) {
	if len(images) == 0 {
		return nil, nil
	}
	out := make([][]byte, 0, len(images))
	for _, img := range images {
		data, err := decodeImage(ctx, img)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// decodeFilePaths resolves generateRequest.FilePaths against the
// configured local upload directory (a.Uploads), for callers that
// reference images already staged on the gateway host rather than
// sending bytes or a URL — the shape spec.md's video-generation scenario
// uses (file_paths:["u1.jpg"]).
func (a *App) decodeFilePaths(ctx context.Context, paths []string) ([][]byte, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	if a.Uploads == nil {
		return nil, apperr.New(apperr.InvalidRequest, "file_paths is not supported: no local upload directory configured")
	}
	out := make([][]byte, 0, len(paths))
	for _, p := range paths {
		data, err := a.Uploads.Read(ctx, p)
		if err != nil {
			return nil, apperr.Wrap(apperr.InvalidRequest, "read file_paths entry", err)
		}
		out = append(out, data)
	}
	return out, nil
}

// decodeRequestImages combines a generateRequest's inline Images (bytes,
// data URIs, or source URLs) with any FilePaths, in that order.
func (a *App) decodeRequestImages(ctx context.Context, req generateRequest) ([][]byte, error) {
	images, err := decodeImages(ctx, req.Images)
	if err != nil {
		return nil, err
	}
	files, err := a.decodeFilePaths(ctx, req.FilePaths)
	if err != nil {
		return nil, err
	}
	return append(images, files...), nil
}
