// Package payload builds the upstream aigc_draft/generate request
// envelope for each generation mode. Build is a pure function: given the
// same inputs (modulo seed/submit_id, which are external) it always
// returns the same envelope, with one Go struct per upstream JSON shape
// rather than ad-hoc map construction scattered across callers.
package payload

import (
	"fmt"
	"regexp"

	"server/internal/apperr"
	"server/internal/upload"
)

// Mode is a generation envelope shape.
type Mode string

const (
	ModeText2Img  Mode = "text2img"
	ModeImg2Img   Mode = "img2img"
	ModeMultiImg  Mode = "multi_img"
	ModeImg2Video Mode = "img2video"
)

// Scene is the metrics_extra telemetry scene name.
type Scene string

const (
	SceneImageBasicGenerate Scene = "ImageBasicGenerate"
	SceneImageMultiGenerate Scene = "ImageMultiGenerate"
	SceneImageComposition   Scene = "ImageComposition"
	SceneVideoGenerate      Scene = "VideoBasicGenerate"
)

// CoreParam carries generation controls common to every mode.
type CoreParam struct {
	ModelCode        string  `json:"model_req_key"`
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	ResolutionType   string  `json:"resolution_type"`
	IsForcedResol    bool    `json:"is_forced_resolution"`
	Ratio            string  `json:"image_ratio,omitempty"`
	SampleStrength   float64 `json:"sample_strength"`
	Seed             int64   `json:"seed"`
	IntelligentRatio bool    `json:"use_intelligent_ratio"`
}

// Ability describes one generation ability slot (e.g. text-to-image,
// blend, reference) with its own strength, mirroring the per-ability
// strength fields the upstream draft_content tree carries.
type Ability struct {
	Type     string  `json:"type"`
	Strength float64 `json:"strength"`
}

// PromptPlaceholder marks where an uploaded image slots into the prompt.
type PromptPlaceholder struct {
	ImageID  string `json:"image_id"`
	Position int    `json:"position"`
}

// PostEditParam captures postedit knobs (currently just the negative
// prompt); kept as its own struct since the upstream nests it distinctly
// from CoreParam.
type PostEditParam struct {
	NegativePrompt string `json:"negative_prompt,omitempty"`
}

// ComponentNode is one node of the draft_content component tree.
type ComponentNode struct {
	ComponentID        string              `json:"component_id"`
	GenerateType       string              `json:"generate_type"`
	Abilities          []Ability           `json:"abilities"`
	PromptPlaceholders []PromptPlaceholder `json:"prompt_placeholders,omitempty"`
	PostEdit           PostEditParam       `json:"postedit_param"`
}

// DraftContent wraps the component tree.
type DraftContent struct {
	Components []ComponentNode `json:"component_list"`
}

// MetricsExtra is the telemetry envelope attached to every submit.
type MetricsExtra struct {
	Scene            Scene              `json:"scene"`
	SubmitID         string             `json:"submit_id"`
	ResolutionType   string             `json:"resolution_type"`
	TargetCount      int                `json:"target_count,omitempty"`
	AbilityStrengths map[string]float64 `json:"ability_strengths,omitempty"`
}

// Envelope is the fully formed upstream request.
type Envelope struct {
	CoreParam    CoreParam    `json:"core_param"`
	DraftContent DraftContent `json:"draft_content"`
	MetricsExtra MetricsExtra `json:"metrics_extra"`
}

// Input is everything Build needs to construct an Envelope.
type Input struct {
	Model            string
	Mode             Mode
	Prompt           string
	NegativePrompt   string
	Region           upload.Region
	Ratio            string
	ResolutionTier   string // "480p" | "720p" | "1080p" | "2k"
	SampleStrength   float64
	Seed             int64
	SubmitID         string
	ComponentID      string
	UploadedImageIDs []string
	Count            int // explicit multi-image target count, if any
	IntelligentRatio bool
}

var multiImageTokenPattern = regexp.MustCompile(`\d+张`)

// DetectMultiImage reports whether prompt or an explicit count field
// signals multi-image intent. The prompt-token heuristic is a fallback;
// callers should prefer the explicit count field when they have one.
func DetectMultiImage(prompt string, count int) bool {
	if count > 1 {
		return true
	}
	return multiImageTokenPattern.MatchString(normalizePrompt(prompt))
}

// Build constructs the envelope for in. It is deterministic given in
// (modulo Seed/SubmitID, which the caller supplies externally).
func Build(in Input) (Envelope, error) {
	if in.Prompt == "" && in.Mode != ModeImg2Video {
		return Envelope{}, apperr.New(apperr.InvalidRequest, "prompt is required")
	}

	in.Prompt = normalizePrompt(in.Prompt)

	mode := in.Mode
	if mode == ModeText2Img && DetectMultiImage(in.Prompt, in.Count) {
		mode = ModeMultiImg
	}

	res := ResolveResolution(in.Model, in.Region, in.Ratio, in.ResolutionTier)

	core := CoreParam{
		ModelCode:        upstreamModelCode(in.Model, in.Region),
		Width:            res.Width,
		Height:           res.Height,
		ResolutionType:   in.ResolutionTier,
		IsForcedResol:    res.IsForced,
		Ratio:            in.Ratio,
		SampleStrength:   in.SampleStrength,
		Seed:             in.Seed,
		IntelligentRatio: in.IntelligentRatio,
	}

	var placeholders []PromptPlaceholder
	for i, id := range in.UploadedImageIDs {
		placeholders = append(placeholders, PromptPlaceholder{ImageID: id, Position: i})
	}

	componentID := in.ComponentID
	if componentID == "" {
		componentID = "component_0"
	}

	generateType, scene, abilities := modeShape(mode, len(in.UploadedImageIDs))

	node := ComponentNode{
		ComponentID:        componentID,
		GenerateType:       generateType,
		Abilities:          abilities,
		PromptPlaceholders: placeholders,
		PostEdit:           PostEditParam{NegativePrompt: in.NegativePrompt},
	}

	metrics := MetricsExtra{
		Scene:          scene,
		SubmitID:       in.SubmitID,
		ResolutionType: in.ResolutionTier,
	}
	if mode == ModeMultiImg {
		count := in.Count
		if count <= 0 {
			count = ExtractCountToken(in.Prompt)
		}
		metrics.TargetCount = count
	}

	return Envelope{
		CoreParam:    core,
		DraftContent: DraftContent{Components: []ComponentNode{node}},
		MetricsExtra: metrics,
	}, nil
}

func modeShape(mode Mode, imageCount int) (generateType string, scene Scene, abilities []Ability) {
	switch mode {
	case ModeImg2Img:
		return "blend", SceneImageComposition, []Ability{{Type: "blend", Strength: 1.0}}
	case ModeMultiImg:
		return "text_to_image", SceneImageMultiGenerate, []Ability{{Type: "text_to_image", Strength: 1.0}}
	case ModeImg2Video:
		return "image_to_video", SceneVideoGenerate, []Ability{{Type: "image_to_video", Strength: 1.0}}
	default:
		return "text_to_image", SceneImageBasicGenerate, []Ability{{Type: "text_to_image", Strength: 1.0}}
	}
}

// ExtractCountToken parses the "N张" prompt token (e.g. "6张猫") into N,
// returning 0 if the prompt carries no such token.
func ExtractCountToken(prompt string) int {
	loc := multiImageTokenPattern.FindString(normalizePrompt(prompt))
	if loc == "" {
		return 0
	}
	var n int
	fmt.Sscanf(loc, "%d张", &n)
	return n
}

// upstreamModelCode maps a user-facing model name to the upstream model
// code for region. Real deployments carry a much larger table; this one
// covers the models named in the spec's scenarios plus a generic fallback.
func upstreamModelCode(model string, region upload.Region) string {
	table := map[upload.Region]map[string]string{
		upload.RegionCN: {"jimeng-4.5": "high_aes_general_v40", "jimeng-3.0": "high_aes_general_v30"},
		upload.RegionUS: {"jimeng-4.5": "dreamina_v4", "jimeng-3.0": "dreamina_v3"},
		upload.RegionHK: {"jimeng-4.5": "dreamina_v4_intl", "jimeng-3.0": "dreamina_v3_intl"},
	}
	if regional, ok := table[region]; ok {
		if code, ok := regional[model]; ok {
			return code
		}
	}
	return model
}
