package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"America/New_York"`
	Port   int    `envconfig:"PORT" default:"8080"`

	Discord struct {
		Token string `envconfig:"DISCORD_BOT_TOKEN"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL           string `envconfig:"RABBITMQ_URL"`
	RabbitManagementURL string `envconfig:"RABBITMQ_MANAGEMENT_URL"`

	Scoring struct {
		Lookback    int    `envconfig:"SCORING_LOOKBACK" default:"100"`
		DefaultTime string `envconfig:"SCORING_DEFAULT_TIME" default:"23:59"`
	} `envconfig:""`

	Queues struct {
		Scoring string `envconfig:"SCORING_QUEUE_KEY" default:"scoring_jobs"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
