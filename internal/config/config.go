package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// 存储驱动。
const (
	StoreMemory = "memory"
	StoreMongo  = "mongo"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	Store  StoreConfig
	Events EventsConfig
	Chat   ChatConfig
	Log    LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	events, err := loadEventsConfig()
	if err != nil {
		return nil, err
	}

	chat, err := loadChatConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Store: store, Events: events, Chat: chat, Log: logCfg}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// StoreConfig 描述会话存储后端。
type StoreConfig struct {
	Driver        string
	MongoURI      string
	MongoDatabase string
}

func loadStoreConfig() (StoreConfig, error) {
	driver := strings.ToLower(getEnvOrDefault("STORE_DRIVER", StoreMemory))
	cfg := StoreConfig{
		Driver:        driver,
		MongoURI:      getEnvOrDefault("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnvOrDefault("MONGO_DATABASE", "localchat"),
	}

	switch driver {
	case StoreMemory, StoreMongo:
		return cfg, nil
	default:
		return StoreConfig{}, fmt.Errorf("invalid STORE_DRIVER value %q: want %q or %q", driver, StoreMemory, StoreMongo)
	}
}

// EventsConfig 描述生命周期事件的外部发布。RedisAddr 为空时只做进程内分发。
type EventsConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ChannelPrefix string
}

// RedisEnabled 表示是否需要把事件异步镜像到 Redis。
func (c EventsConfig) RedisEnabled() bool {
	return c.RedisAddr != ""
}

func loadEventsConfig() (EventsConfig, error) {
	db, err := parseOptionalIntEnv("REDIS_DB")
	if err != nil {
		return EventsConfig{}, err
	}
	redisDB := 0
	if db != nil {
		redisDB = *db
	}

	return EventsConfig{
		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,
		ChannelPrefix: getEnvOrDefault("REDIS_CHANNEL_PREFIX", "localchat"),
	}, nil
}

// ChatConfig 描述对话编排相关配置。
type ChatConfig struct {
	// HistoryLimit 为 0 表示发送完整历史。
	HistoryLimit int
	ModelsFile   string
}

func loadChatConfig() (ChatConfig, error) {
	limit, err := parseOptionalIntEnv("CHAT_HISTORY_LIMIT")
	if err != nil {
		return ChatConfig{}, err
	}
	historyLimit := 0
	if limit != nil {
		if *limit < 0 {
			return ChatConfig{}, fmt.Errorf("invalid CHAT_HISTORY_LIMIT value %d: must not be negative", *limit)
		}
		historyLimit = *limit
	}

	return ChatConfig{
		HistoryLimit: historyLimit,
		ModelsFile:   strings.TrimSpace(os.Getenv("MODELS_FILE")),
	}, nil
}

// LogConfig 描述日志级别。
type LogConfig struct {
	Level slog.Level
}

func loadLogConfig() (LogConfig, error) {
	raw := getEnvOrDefault("LOG_LEVEL", "info")
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return LogConfig{}, fmt.Errorf("invalid LOG_LEVEL value %q: %w", raw, err)
	}
	return LogConfig{Level: level}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
