package runtime

import (
	"strings"

	"saaya/internal/config"
)

// Preset holds default settings for a known model family. Presets are applied
// as fallback values: anything set explicitly in configuration wins.
type Preset struct {
	Name string

	MaxTokens int
	TopK      int
	TopP      float64

	// Stop sequences specific to this family's chat template.
	Stop []string
}

type presetEntry struct {
	key    string
	preset Preset
}

// knownPresets is in match priority order. More specific keys come first.
var knownPresets = []presetEntry{
	{"qwen2.5 3b", Preset{Name: "Qwen2.5-3B", MaxTokens: 384, TopK: 40, TopP: 0.9, Stop: []string{"<|im_end|>", "<|endoftext|>"}}},
	{"qwen2.5", Preset{Name: "Qwen2.5", MaxTokens: 512, TopK: 40, TopP: 0.9, Stop: []string{"<|im_end|>", "<|endoftext|>"}}},
	{"llama 3.2 3b", Preset{Name: "Llama-3.2-3B", MaxTokens: 384, TopK: 40, TopP: 0.9, Stop: []string{"<|eot_id|>", "<|end_of_text|>"}}},
	{"llama 3.2", Preset{Name: "Llama-3.2", MaxTokens: 512, TopK: 40, TopP: 0.9, Stop: []string{"<|eot_id|>", "<|end_of_text|>"}}},
	{"smollm2", Preset{Name: "SmolLM2", MaxTokens: 512, TopK: 40, TopP: 0.9, Stop: []string{"<|im_end|>", "<|endoftext|>"}}},
	{"gemma 2", Preset{Name: "Gemma-2", MaxTokens: 512, TopK: 40, TopP: 0.9, Stop: []string{"<end_of_turn>", "<eos>"}}},
	{"phi 3.5", Preset{Name: "Phi-3.5-Mini", MaxTokens: 384, TopK: 40, TopP: 0.9, Stop: []string{"<|end|>", "<|endoftext|>"}}},
	{"tinyllama", Preset{Name: "TinyLlama-1.1B", MaxTokens: 512, TopK: 40, TopP: 0.9, Stop: []string{"</s>"}}},
}

// MatchPreset looks for a preset whose key is a case-insensitive substring of
// the model description or file path. Dashes and underscores count as spaces.
func MatchPreset(description, path string) (Preset, bool) {
	norm := func(s string) string {
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "-", " ")
		s = strings.ReplaceAll(s, "_", " ")
		return s
	}

	desc := norm(description)
	file := norm(path)
	for _, entry := range knownPresets {
		if strings.Contains(desc, entry.key) || strings.Contains(file, entry.key) {
			return entry.preset, true
		}
	}
	return Preset{}, false
}

// applyPreset fills zero-valued generation defaults. Temperature is left
// alone since zero selects greedy decoding.
func applyPreset(d *config.GenerationDefaults, p Preset) {
	if d.MaxTokens == 0 && p.MaxTokens > 0 {
		d.MaxTokens = p.MaxTokens
	}
	if d.TopK == 0 && p.TopK > 0 {
		d.TopK = p.TopK
	}
	if d.TopP == 0 && p.TopP > 0 {
		d.TopP = p.TopP
	}
	if len(d.Stop) == 0 && len(p.Stop) > 0 {
		d.Stop = append([]string(nil), p.Stop...)
	}
}
