package template

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ConfigError marks a descriptor problem detected locally, before any remote
// call. It is never retried.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return "invalid job configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid job configuration: %s: %s", e.Key, e.Reason)
}

func configErr(key, format string, args ...any) error {
	return &ConfigError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

// Override keys accepted by Resolve. Anything else is rejected rather than
// silently ignored.
const (
	KeyModelName        = "model_name"
	KeyModelVersion     = "model_version"
	KeyChat             = "chat"
	KeyDatasetFormat    = "dataset_format"
	KeyDataset          = "dataset"
	KeyEntrypoint       = "entrypoint"
	KeyLearningRate     = "learning_rate"
	KeyEpochs           = "epochs"
	KeyTrainBatchSize   = "train_batch_size"
	KeyBlockSize        = "block_size"
	KeyLoRARank         = "lora_rank"
	KeyLoRAAlpha        = "lora_alpha"
	KeyDeepspeedConfig  = "deepspeed_config"
	KeyCluster          = "cluster"
	KeyInstanceSKU      = "instance_sku"
	KeyNodeCount        = "node_count"
	KeyProcessesPerNode = "processes_per_node"
)

// Resolve merges user overrides onto a base template and returns the
// immutable job descriptor. Overrides replace base values key-by-key.
// Unknown keys and conflicting chat/dataset format flags fail fast.
func Resolve(base Template, overrides map[string]any) (JobSpec, error) {
	spec := JobSpec{
		Family:        base.Family,
		ModelName:     base.ModelName,
		ModelVersion:  base.ModelVersion,
		Chat:          base.Chat,
		DatasetFormat: base.DatasetFormat,
		Dataset:       base.Dataset,
		Entrypoint:    base.Entrypoint,
		Hyper:         base.Hyper,
		Compute:       base.Compute,
	}

	var unknown []string
	for key, raw := range overrides {
		if err := applyOverride(&spec, key, raw); err != nil {
			if _, ok := err.(errUnknownKey); ok {
				unknown = append(unknown, key)
				continue
			}
			return JobSpec{}, err
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return JobSpec{}, configErr(strings.Join(unknown, ", "), "unknown override key")
	}

	if err := validate(spec); err != nil {
		return JobSpec{}, err
	}
	return spec, nil
}

type errUnknownKey struct{}

func (errUnknownKey) Error() string { return "unknown key" }

func applyOverride(spec *JobSpec, key string, raw any) error {
	switch key {
	case KeyModelName:
		return asString(key, raw, &spec.ModelName)
	case KeyModelVersion:
		return asInt(key, raw, &spec.ModelVersion)
	case KeyChat:
		return asBool(key, raw, &spec.Chat)
	case KeyDatasetFormat:
		var value string
		if err := asString(key, raw, &value); err != nil {
			return err
		}
		switch PromptFormat(value) {
		case FormatChat, FormatCompletion:
			spec.DatasetFormat = PromptFormat(value)
			return nil
		default:
			return configErr(key, "must be %q or %q, got %q", FormatChat, FormatCompletion, value)
		}
	case KeyDataset:
		return asString(key, raw, &spec.Dataset)
	case KeyEntrypoint:
		return asString(key, raw, &spec.Entrypoint)
	case KeyLearningRate:
		return asFloat(key, raw, &spec.Hyper.LearningRate)
	case KeyEpochs:
		return asInt(key, raw, &spec.Hyper.Epochs)
	case KeyTrainBatchSize:
		return asInt(key, raw, &spec.Hyper.TrainBatchSize)
	case KeyBlockSize:
		return asInt(key, raw, &spec.Hyper.BlockSize)
	case KeyLoRARank:
		return asInt(key, raw, &spec.Hyper.LoRARank)
	case KeyLoRAAlpha:
		return asInt(key, raw, &spec.Hyper.LoRAAlpha)
	case KeyDeepspeedConfig:
		return asString(key, raw, &spec.Hyper.DeepspeedConfig)
	case KeyCluster:
		return asString(key, raw, &spec.Compute.Cluster)
	case KeyInstanceSKU:
		return asString(key, raw, &spec.Compute.InstanceSKU)
	case KeyNodeCount:
		return asInt(key, raw, &spec.Compute.NodeCount)
	case KeyProcessesPerNode:
		return asInt(key, raw, &spec.Compute.ProcessesPerNode)
	default:
		return errUnknownKey{}
	}
}

func validate(spec JobSpec) error {
	if strings.TrimSpace(spec.ModelName) == "" {
		return configErr(KeyModelName, "must not be empty")
	}
	if spec.Chat && spec.DatasetFormat == FormatCompletion {
		return configErr(KeyDatasetFormat, "chat model cannot train on a completion-only dataset")
	}
	if !spec.Chat && spec.DatasetFormat == FormatChat {
		return configErr(KeyDatasetFormat, "completion model cannot train on a chat-format dataset")
	}
	if spec.Hyper.LearningRate <= 0 {
		return configErr(KeyLearningRate, "must be positive, got %g", spec.Hyper.LearningRate)
	}
	if spec.Hyper.Epochs <= 0 {
		return configErr(KeyEpochs, "must be positive, got %d", spec.Hyper.Epochs)
	}
	if spec.Hyper.LoRARank < 0 {
		return configErr(KeyLoRARank, "must not be negative, got %d", spec.Hyper.LoRARank)
	}
	if spec.Compute.NodeCount <= 0 {
		return configErr(KeyNodeCount, "must be positive, got %d", spec.Compute.NodeCount)
	}
	if spec.Compute.ProcessesPerNode <= 0 {
		return configErr(KeyProcessesPerNode, "must be positive, got %d", spec.Compute.ProcessesPerNode)
	}
	if strings.TrimSpace(spec.Dataset) == "" {
		return configErr(KeyDataset, "must not be empty")
	}
	return nil
}

func asString(key string, raw any, dest *string) error {
	value, ok := raw.(string)
	if !ok {
		return configErr(key, "expected string, got %T", raw)
	}
	*dest = value
	return nil
}

func asBool(key string, raw any, dest *bool) error {
	switch value := raw.(type) {
	case bool:
		*dest = value
		return nil
	case string:
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return configErr(key, "expected bool, got %q", value)
		}
		*dest = parsed
		return nil
	default:
		return configErr(key, "expected bool, got %T", raw)
	}
}

func asInt(key string, raw any, dest *int) error {
	switch value := raw.(type) {
	case int:
		*dest = value
		return nil
	case int64:
		*dest = int(value)
		return nil
	case float64:
		if value != float64(int(value)) {
			return configErr(key, "expected integer, got %g", value)
		}
		*dest = int(value)
		return nil
	case string:
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return configErr(key, "expected integer, got %q", value)
		}
		*dest = parsed
		return nil
	default:
		return configErr(key, "expected integer, got %T", raw)
	}
}

func asFloat(key string, raw any, dest *float64) error {
	switch value := raw.(type) {
	case float64:
		*dest = value
		return nil
	case int:
		*dest = float64(value)
		return nil
	case string:
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return configErr(key, "expected number, got %q", value)
		}
		*dest = parsed
		return nil
	default:
		return configErr(key, "expected number, got %T", raw)
	}
}

// ParseOverrides turns key=value pairs from the command line into an
// override map. Values keep their string form; applyOverride coerces them.
func ParseOverrides(pairs []string) (map[string]any, error) {
	overrides := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || strings.TrimSpace(key) == "" {
			return nil, configErr(pair, "override must be key=value")
		}
		overrides[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return overrides, nil
}
