package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/zhouzirui/localchat/backend/internal/model/chat"
)

// SeedModelConfigs saves every config whose id is not stored yet and returns
// how many were added. Configs edited at runtime are left alone.
func SeedModelConfigs(ctx context.Context, store Store, cfgs []chat.ModelConfig) (int, error) {
	added := 0
	for _, cfg := range cfgs {
		if cfg.ID != "" {
			_, err := store.GetModelConfig(ctx, cfg.ID)
			if err == nil {
				continue
			}
			if !errors.Is(err, ErrModelConfigNotFound) {
				return added, fmt.Errorf("seed model config %q: %w", cfg.ID, err)
			}
		}
		if _, err := store.SaveModelConfig(ctx, cfg); err != nil {
			return added, fmt.Errorf("seed model config %q: %w", cfg.Name, err)
		}
		added++
	}
	return added, nil
}
