package global

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig 进程配置，全部来自环境变量。
// 外部依赖的地址留空就退化为进程内实现（本地开发、单测友好）。
type AppConfig struct {
	NodeID   string // 节点标识，relay 去重用
	HTTPAddr string

	JWTSecret string
	JWTAlg    string
	JWTTTL    time.Duration

	MongoURI   string // 事件日志 + 成员表
	MongoDB    string
	PgDSN      string // 设了则事件日志走 postgres
	RedisAddr  string // sequencer + presence
	RedisPass  string
	NatsURL    string // 跨节点 relay
	KafkaAddrs []string
	KafkaTopic string

	SessionBufferCap int
	PipelineWorkers  int
	FanoutWorkers    int
}

var Config AppConfig

func LoadConfig() {
	Config = AppConfig{
		NodeID:   envOr("NOVACHAT_NODE_ID", hostnameOr("node-1")),
		HTTPAddr: envOr("NOVACHAT_HTTP_ADDR", ":8080"),

		JWTSecret: envOr("NOVACHAT_JWT_SECRET", "dev-secret-change-me"),
		JWTAlg:    envOr("NOVACHAT_JWT_ALG", "HS256"),
		JWTTTL:    envDuration("NOVACHAT_JWT_TTL", 2*time.Hour),

		MongoURI:   os.Getenv("NOVACHAT_MONGO_URI"),
		MongoDB:    envOr("NOVACHAT_MONGO_DB", "novachat"),
		PgDSN:      os.Getenv("NOVACHAT_PG_DSN"),
		RedisAddr:  os.Getenv("NOVACHAT_REDIS_ADDR"),
		RedisPass:  os.Getenv("NOVACHAT_REDIS_PASS"),
		NatsURL:    os.Getenv("NOVACHAT_NATS_URL"),
		KafkaAddrs: envList("NOVACHAT_KAFKA_ADDRS"),
		KafkaTopic: envOr("NOVACHAT_KAFKA_TOPIC", "novachat.events"),

		SessionBufferCap: envInt("NOVACHAT_SESSION_BUFFER", 100),
		PipelineWorkers:  envInt("NOVACHAT_PIPELINE_WORKERS", 16),
		FanoutWorkers:    envInt("NOVACHAT_FANOUT_WORKERS", 8),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hostnameOr(def string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return def
}
