// Package config предоставляет структуры и функцию для парсинга и загрузки конфига
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config общая структура для хранения настроек
type Config struct {
	Env                     string `yaml:"env"`
	StorageConnectionString string `yaml:"storage_connection_string"`
	RedisConnection         `yaml:"redis_connection"`
	RabbitConnection        `yaml:"rabbit_connection"`
	HTTPServer              `yaml:"http_server"`
	Auth                    `yaml:"auth"`
	Providers               `yaml:"providers"`
	Decode                  `yaml:"decode"`
}

// HTTPServer структура для настройки сервера
type HTTPServer struct {
	AddressHTTP string        `yaml:"addresshttp"`
	TimeoutHTTP time.Duration `yaml:"timeouthttp"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// RedisConnection структура для настройки подключения к redis
type RedisConnection struct {
	AddressRedis string        `yaml:"addressredis"`
	Password     string        `yaml:"password"`
	User         string        `yaml:"user"`
	DB           int           `yaml:"db"`
	MaxRetries   int           `yaml:"max_retries"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	TimeoutRedis time.Duration `yaml:"timeoutredis"`
}

// RabbitConnection структура для настройки подключения к RabbitMQ.
// При Enabled=false декодирование выполняется в том же процессе без очереди;
// машина состояний задания при этом не меняется.
type RabbitConnection struct {
	Enabled       bool          `yaml:"enabled"`
	AddressRabbit string        `yaml:"addressrabbit"`
	ConnRetries   int           `yaml:"conn_retries" env-default:"5"`
	ConnDelay     time.Duration `yaml:"conn_delay" env-default:"3s"`
}

// Auth структура с параметрами проверки bearer-токенов внешнего
// провайдера аутентификации.
type Auth struct {
	JWKSURL         string        `yaml:"jwks_url"`
	Issuer          string        `yaml:"issuer"`
	KeyRefreshEvery time.Duration `yaml:"key_refresh_every" env-default:"1h"`
	AdminUIDs       []string      `yaml:"admin_uids"`
}

// Providers структура с ключами и адресами внешних vision-моделей.
type Providers struct {
	OpenAIAPIKey    string        `yaml:"openai_api_key" env:"OPENAI_API_KEY"`
	OpenAIBaseURL   string        `yaml:"openai_base_url" env-default:"https://api.openai.com/v1"`
	GeminiAPIKey    string        `yaml:"gemini_api_key" env:"GEMINI_API_KEY"`
	GeminiBaseURL   string        `yaml:"gemini_base_url" env-default:"https://generativelanguage.googleapis.com"`
	DecodeTimeout   time.Duration `yaml:"decode_timeout" env-default:"60s"`
	MetadataTimeout time.Duration `yaml:"metadata_timeout" env-default:"15s"`
}

// Decode структура с тарифами токенов.
type Decode struct {
	CostPerDecode int `yaml:"cost_per_decode" env-default:"1"`
	WelcomeGrant  int `yaml:"welcome_grant" env-default:"5"`
}

// MustLoad функция для загрузки конфига, возвращает конфиг, прочитанный из CONFIG_PATH
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("file: %s - does not exist", configPath)
	}
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return &cfg
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"Env: %s\n"+
			"StorageConnectionString: %s\n"+
			"RedisConnection:\n"+
			"  Addr: %s\n"+
			"  DB: %d\n"+
			"RabbitConnection:\n"+
			"  Enabled: %t\n"+
			"  Addr: %s\n"+
			"HTTPServer:\n"+
			"  Address: %s\n"+
			"  Timeout: %s\n"+
			"  IdleTimeout: %s\n"+
			"Auth:\n"+
			"  JWKSURL: %s\n"+
			"  Issuer: %s\n"+
			"  KeyRefreshEvery: %s\n"+
			"Providers:\n"+
			"  DecodeTimeout: %s\n"+
			"  MetadataTimeout: %s\n"+
			"Decode:\n"+
			"  CostPerDecode: %d\n"+
			"  WelcomeGrant: %d\n",
		c.Env,
		c.StorageConnectionString,
		c.AddressRedis,
		c.DB,
		c.RabbitConnection.Enabled,
		c.AddressRabbit,
		c.AddressHTTP,
		c.TimeoutHTTP,
		c.IdleTimeout,
		c.JWKSURL,
		c.Issuer,
		c.KeyRefreshEvery,
		c.DecodeTimeout,
		c.MetadataTimeout,
		c.CostPerDecode,
		c.WelcomeGrant,
	)
}
