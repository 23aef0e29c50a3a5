package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/localchat/backend/internal/model/chat"
)

// DefaultModelConfigID 是默认模型配置的固定标识，便于重复启动时覆盖而不是重复插入。
const DefaultModelConfigID = "default-openai-compatible"

// DefaultModelConfig 返回首次启动时写入的 OpenAI 兼容配置。
func DefaultModelConfig() chat.ModelConfig {
	return chat.ModelConfig{
		ID:        DefaultModelConfigID,
		Name:      "Default OpenAI Compatible",
		Provider:  chat.ProviderOpenAICompatible,
		APIURL:    "https://api.openai.com/v1",
		APIKeyRef: "env:OPENAI_API_KEY",
		Model:     "gpt-4o-mini",
	}
}

type modelsFile struct {
	Models []chat.ModelConfig `yaml:"models"`
}

// LoadModelConfigs 读取 YAML 模型配置文件。path 为空时返回默认配置。
//
//	models:
//	  - id: local
//	    name: Local Ollama
//	    provider: openai_compatible
//	    api_url: http://localhost:11434/v1
//	    model: llama3
func LoadModelConfigs(path string) ([]chat.ModelConfig, error) {
	if path == "" {
		return []chat.ModelConfig{DefaultModelConfig()}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read models file: %w", err)
	}
	return ParseModelConfigs(raw)
}

// ParseModelConfigs 解析并校验 YAML 内容。
func ParseModelConfigs(raw []byte) ([]chat.ModelConfig, error) {
	var file modelsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse models file: %w", err)
	}
	if len(file.Models) == 0 {
		return nil, errors.New("models file declares no models")
	}

	seen := make(map[string]struct{}, len(file.Models))
	for i, cfg := range file.Models {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("models[%d]: %w", i, err)
		}
		if cfg.ID == "" {
			// 种子写入按 ID 去重。
			return nil, fmt.Errorf("models[%d]: id is required", i)
		}
		if _, dup := seen[cfg.ID]; dup {
			return nil, fmt.Errorf("models[%d]: duplicate id %q", i, cfg.ID)
		}
		seen[cfg.ID] = struct{}{}
	}
	return file.Models, nil
}
