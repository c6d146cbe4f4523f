package payload

import (
	"testing"

	"server/internal/upload"
)

func TestDetectMultiImage(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		count  int
		want   bool
	}{
		{"explicit count wins", "a single cat", 4, true},
		{"count of one is not multi", "a single cat", 1, false},
		{"halfwidth token", "生成3张图片", 0, true},
		{"no token", "a cute cat sitting on a wall", 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetectMultiImage(tc.prompt, tc.count); got != tc.want {
				t.Fatalf("DetectMultiImage(%q, %d) = %v, want %v", tc.prompt, tc.count, got, tc.want)
			}
		})
	}
}

func TestNormalizePromptFoldsFullwidthDigits(t *testing.T) {
	got := normalizePrompt("生成３张图片")
	if !multiImageTokenPattern.MatchString(got) {
		t.Fatalf("normalizePrompt(%q) = %q, expected halfwidth token to match", "生成３张图片", got)
	}
}

func TestBuildRejectsEmptyPromptExceptVideo(t *testing.T) {
	_, err := Build(Input{Mode: ModeText2Img})
	if err == nil {
		t.Fatal("expected error for empty prompt on text2img")
	}

	_, err = Build(Input{Mode: ModeImg2Video})
	if err != nil {
		t.Fatalf("img2video should tolerate an empty prompt, got %v", err)
	}
}

func TestBuildPromotesToMultiImageMode(t *testing.T) {
	env, err := Build(Input{
		Mode:   ModeText2Img,
		Prompt: "生成3张图片",
		Model:  "jimeng-4.5",
		Region: upload.RegionCN,
	})
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if len(env.DraftContent.Components) != 1 {
		t.Fatalf("expected exactly one component node, got %d", len(env.DraftContent.Components))
	}
	if env.MetricsExtra.Scene != SceneImageMultiGenerate {
		t.Fatalf("expected multi-image scene, got %q", env.MetricsExtra.Scene)
	}
	if env.MetricsExtra.TargetCount != 3 {
		t.Fatalf("expected target count 3 from prompt token, got %d", env.MetricsExtra.TargetCount)
	}
}

func TestBuildCarriesNegativePromptAndPlaceholders(t *testing.T) {
	env, err := Build(Input{
		Mode:             ModeImg2Img,
		Prompt:           "make it blue",
		NegativePrompt:   "no red",
		Model:            "jimeng-4.5",
		Region:           upload.RegionCN,
		UploadedImageIDs: []string{"img-1", "img-2"},
	})
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	node := env.DraftContent.Components[0]
	if node.PostEdit.NegativePrompt != "no red" {
		t.Fatalf("expected negative prompt to be carried through, got %q", node.PostEdit.NegativePrompt)
	}
	if len(node.PromptPlaceholders) != 2 {
		t.Fatalf("expected 2 prompt placeholders, got %d", len(node.PromptPlaceholders))
	}
	if node.PromptPlaceholders[1].Position != 1 {
		t.Fatalf("expected second placeholder at position 1, got %d", node.PromptPlaceholders[1].Position)
	}
}

func TestResolveResolutionForcedOverridesRatio(t *testing.T) {
	res := ResolveResolution("jimeng-lite", upload.RegionCN, "16:9", "1080p")
	if !res.IsForced || res.Width != 1024 || res.Height != 1024 {
		t.Fatalf("expected forced 1024x1024, got %+v", res)
	}
}

func TestResolveResolutionRatioAndTier(t *testing.T) {
	res := ResolveResolution("jimeng-4.5", upload.RegionCN, "16:9", "720p")
	if res.IsForced {
		t.Fatalf("did not expect a forced resolution, got %+v", res)
	}
	if res.Width != 1280 {
		t.Fatalf("expected long edge 1280 on the wide side, got %+v", res)
	}
	if res.Height%8 != 0 || res.Width%8 != 0 {
		t.Fatalf("expected dimensions rounded to a multiple of 8, got %+v", res)
	}
}

func TestResolveResolutionDegenerateInputFallsBackToDefault(t *testing.T) {
	res := ResolveResolution("jimeng-4.5", upload.RegionUS, "not-a-ratio", "720p")
	want := defaultResolution[upload.RegionUS]
	if res != want {
		t.Fatalf("expected region default %+v, got %+v", want, res)
	}
}
