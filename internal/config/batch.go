package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BatchConfig конфигурация пакетного режима: источник, учетные данные,
// список потоков и общие параметры мониторов
type BatchConfig struct {
	Stream          string
	Credentials     map[string]string
	Monitors        []string
	Options         Options
	RestartBackoff  time.Duration
	MaxRestarts     int
	HistoryLookback time.Duration
}

// LoadBatch читает файл конфигурации (yaml, toml или json).
// Параметры окружения с префиксом MONITOR_ перекрывают значения файла.
func LoadBatch(path string) (BatchConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("restart_backoff", "30s")
	v.SetDefault("max_restarts", 5)
	v.SetDefault("history_lookback", "72h")

	if err := v.ReadInConfig(); err != nil {
		return BatchConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := BatchConfig{
		Stream:          v.GetString("stream"),
		Credentials:     v.GetStringMapString("credentials"),
		RestartBackoff:  v.GetDuration("restart_backoff"),
		MaxRestarts:     v.GetInt("max_restarts"),
		HistoryLookback: v.GetDuration("history_lookback"),
	}
	if cfg.Stream == "" {
		cfg.Stream = v.GetString("general.stream")
	}
	if cfg.Stream == "" {
		return BatchConfig{}, fmt.Errorf("%w: stream is required", ErrConfigInvalid)
	}

	monitors, err := monitorIDs(v.Get("monitors"))
	if err != nil {
		return BatchConfig{}, err
	}
	cfg.Monitors = monitors

	if params := v.Get("parameters"); params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return BatchConfig{}, fmt.Errorf("%w: parameters: %v", ErrConfigInvalid, err)
		}
		opts, err := DecodeOptions(raw)
		if err != nil {
			return BatchConfig{}, err
		}
		cfg.Options = opts
	}

	return cfg, nil
}

// monitorIDs принимает как список, так и секцию ключ=идентификатор
func monitorIDs(raw any) ([]string, error) {
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		ids := make([]string, 0, len(val))
		for _, item := range val {
			ids = append(ids, fmt.Sprint(item))
		}
		return ids, nil
	case []string:
		return val, nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ids := make([]string, 0, len(keys))
		for _, k := range keys {
			ids = append(ids, fmt.Sprint(val[k]))
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("%w: monitors must be a list or a section, got %T", ErrConfigInvalid, raw)
	}
}
