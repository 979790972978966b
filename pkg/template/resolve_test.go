package template

import (
	"errors"
	"strings"
	"testing"
)

func baseTemplate() Template {
	return Template{
		Family:        "llama",
		ModelName:     "Llama-2-7b-chat",
		ModelVersion:  13,
		Chat:          false,
		DatasetFormat: FormatCompletion,
		Dataset:       "datasets/samsum",
		Entrypoint:    "finetune_hf_llm.py",
		Hyper: Hyperparameters{
			LearningRate:   2e-5,
			Epochs:         3,
			TrainBatchSize: 16,
			BlockSize:      4096,
		},
		Compute: Compute{
			Cluster:          "gpu-cluster-a100",
			InstanceSKU:      "Standard_ND96amsr_A100_v4",
			NodeCount:        2,
			ProcessesPerNode: 8,
		},
	}
}

func TestResolveOverridesReplaceKeyByKey(t *testing.T) {
	spec, err := Resolve(baseTemplate(), map[string]any{"epochs": 5})
	if err != nil {
		t.Fatalf("resolve returned error: %v", err)
	}
	if spec.Hyper.Epochs != 5 {
		t.Fatalf("expected epochs override 5, got %d", spec.Hyper.Epochs)
	}
	if spec.Hyper.LearningRate != 2e-5 {
		t.Fatalf("expected base learning rate preserved, got %g", spec.Hyper.LearningRate)
	}
	if spec.Chat {
		t.Fatalf("expected base chat flag preserved")
	}
}

func TestResolveNoOverridesEqualsBase(t *testing.T) {
	base := baseTemplate()
	spec, err := Resolve(base, nil)
	if err != nil {
		t.Fatalf("resolve returned error: %v", err)
	}
	if spec.ModelName != base.ModelName || spec.Hyper != base.Hyper || spec.Compute != base.Compute {
		t.Fatalf("resolved spec diverged from base: %#v", spec)
	}
}

func TestResolveUnknownKeyFails(t *testing.T) {
	_, err := Resolve(baseTemplate(), map[string]any{"foo": 1})
	if err == nil {
		t.Fatalf("expected configuration error for unknown key")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T: %v", err, err)
	}
	if cfgErr.Key != "foo" {
		t.Fatalf("expected offending key foo, got %q", cfgErr.Key)
	}
}

func TestResolveUnknownKeysAreSorted(t *testing.T) {
	_, err := Resolve(baseTemplate(), map[string]any{"zzz": 1, "aaa": 2})
	if err == nil {
		t.Fatalf("expected configuration error")
	}
	if !strings.Contains(err.Error(), "aaa, zzz") {
		t.Fatalf("expected deterministic key listing, got %v", err)
	}
}

func TestResolveRejectsChatCompletionConflict(t *testing.T) {
	_, err := Resolve(baseTemplate(), map[string]any{"chat": true})
	if err == nil {
		t.Fatalf("expected conflict between chat model and completion dataset")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T", err)
	}

	// Flipping both flags together is fine.
	spec, err := Resolve(baseTemplate(), map[string]any{"chat": true, "dataset_format": "chat"})
	if err != nil {
		t.Fatalf("consistent chat overrides should resolve: %v", err)
	}
	if spec.PromptFormat() != FormatChat {
		t.Fatalf("expected chat prompt format, got %s", spec.PromptFormat())
	}
}

func TestResolveCoercesStringValues(t *testing.T) {
	spec, err := Resolve(baseTemplate(), map[string]any{
		"epochs":        "5",
		"learning_rate": "1e-4",
		"chat":          "false",
	})
	if err != nil {
		t.Fatalf("resolve returned error: %v", err)
	}
	if spec.Hyper.Epochs != 5 || spec.Hyper.LearningRate != 1e-4 {
		t.Fatalf("string overrides not coerced: %+v", spec.Hyper)
	}
}

func TestResolveRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]any{
		"negative epochs":    {"epochs": -1},
		"zero learning rate": {"learning_rate": 0.0},
		"non-integer epochs": {"epochs": 2.5},
		"bad format":         {"dataset_format": "parquet"},
		"zero nodes":         {"node_count": 0},
	}
	for name, overrides := range cases {
		if _, err := Resolve(baseTemplate(), overrides); err == nil {
			t.Fatalf("%s: expected configuration error", name)
		}
	}
}

func TestFingerprintStableAndSensitive(t *testing.T) {
	a, err := Resolve(baseTemplate(), map[string]any{"epochs": 5})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	b, err := Resolve(baseTemplate(), map[string]any{"epochs": 5})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("identical descriptors must share a fingerprint")
	}
	c, err := Resolve(baseTemplate(), map[string]any{"epochs": 6})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatalf("different descriptors must not collide")
	}
}

func TestParseOverrides(t *testing.T) {
	overrides, err := ParseOverrides([]string{"epochs=5", "dataset=datasets/dolly"})
	if err != nil {
		t.Fatalf("parse overrides: %v", err)
	}
	if overrides["epochs"] != "5" || overrides["dataset"] != "datasets/dolly" {
		t.Fatalf("unexpected overrides: %#v", overrides)
	}

	if _, err := ParseOverrides([]string{"epochs"}); err == nil {
		t.Fatalf("expected error for pair without =")
	}
}
