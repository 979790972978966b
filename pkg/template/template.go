package template

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var templatesFS embed.FS

// PromptFormat selects which prompt-templating scheme is applied to
// every training example and every inference request.
type PromptFormat string

const (
	// FormatChat is for instruction-tuned conversational models.
	FormatChat PromptFormat = "chat"
	// FormatCompletion is for plain next-token completion models.
	FormatCompletion PromptFormat = "completion"
)

// Hyperparameters are the tunables forwarded to the training service.
type Hyperparameters struct {
	LearningRate    float64 `yaml:"learning_rate" json:"learning_rate"`
	Epochs          int     `yaml:"epochs" json:"epochs"`
	TrainBatchSize  int     `yaml:"train_batch_size" json:"train_batch_size"`
	BlockSize       int     `yaml:"block_size" json:"block_size"`
	LoRARank        int     `yaml:"lora_rank" json:"lora_rank"`
	LoRAAlpha       int     `yaml:"lora_alpha" json:"lora_alpha"`
	DeepspeedConfig string  `yaml:"deepspeed_config" json:"deepspeed_config"`
}

// Compute identifies the cluster slice a job runs on.
type Compute struct {
	Cluster          string `yaml:"cluster" json:"cluster"`
	InstanceSKU      string `yaml:"instance_sku" json:"instance_sku"`
	NodeCount        int    `yaml:"node_count" json:"node_count"`
	ProcessesPerNode int    `yaml:"processes_per_node" json:"processes_per_node"`
}

// Template holds the shipped defaults for one model family. User overrides
// are merged onto it by Resolve.
type Template struct {
	Family        string          `yaml:"family" json:"family"`
	ModelName     string          `yaml:"model_name" json:"model_name"`
	ModelVersion  int             `yaml:"model_version" json:"model_version"`
	Chat          bool            `yaml:"chat" json:"chat"`
	DatasetFormat PromptFormat    `yaml:"dataset_format" json:"dataset_format"`
	Dataset       string          `yaml:"dataset" json:"dataset"`
	Entrypoint    string          `yaml:"entrypoint" json:"entrypoint"`
	Hyper         Hyperparameters `yaml:"hyperparameters" json:"hyperparameters"`
	Compute       Compute         `yaml:"compute" json:"compute"`
}

// JobSpec is a fully resolved training job descriptor. It is immutable once
// produced; submission code only reads it.
type JobSpec struct {
	Family        string          `json:"family"`
	ModelName     string          `json:"model_name"`
	ModelVersion  int             `json:"model_version"`
	Chat          bool            `json:"chat"`
	DatasetFormat PromptFormat    `json:"dataset_format"`
	Dataset       string          `json:"dataset"`
	Entrypoint    string          `json:"entrypoint"`
	Hyper         Hyperparameters `json:"hyperparameters"`
	Compute       Compute         `json:"compute"`
}

// PromptFormat derives the serving-time format from the chat flag.
func (s JobSpec) PromptFormat() PromptFormat {
	if s.Chat {
		return FormatChat
	}
	return FormatCompletion
}

// Fingerprint returns a stable digest of the descriptor, used to detect
// duplicate in-flight submissions of the same job.
func (s JobSpec) Fingerprint() string {
	payload, err := json.Marshal(s)
	if err != nil {
		// JobSpec contains only plain scalars; marshal cannot fail.
		panic(fmt.Sprintf("fingerprint job spec: %v", err))
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Families lists the model families with embedded base templates.
func Families() []string {
	entries, err := templatesFS.ReadDir("templates")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".yaml")
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load returns the embedded base template for a model family.
func Load(family string) (Template, error) {
	payload, err := templatesFS.ReadFile("templates/" + family + ".yaml")
	if err != nil {
		return Template{}, fmt.Errorf("unknown model family %q (available: %s)", family, strings.Join(Families(), ", "))
	}
	return parse(payload)
}

// LoadFile reads a base template from disk instead of the embedded set.
func LoadFile(path string) (Template, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("read template: %w", err)
	}
	return parse(payload)
}

func parse(payload []byte) (Template, error) {
	var tmpl Template
	if err := yaml.Unmarshal(payload, &tmpl); err != nil {
		return Template{}, fmt.Errorf("parse template: %w", err)
	}
	if strings.TrimSpace(tmpl.ModelName) == "" {
		return Template{}, fmt.Errorf("template missing model_name")
	}
	if tmpl.DatasetFormat == "" {
		tmpl.DatasetFormat = FormatCompletion
		if tmpl.Chat {
			tmpl.DatasetFormat = FormatChat
		}
	}
	return tmpl, nil
}
