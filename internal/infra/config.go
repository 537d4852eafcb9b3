package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации всей платформы.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logger       LoggerConfig       `mapstructure:"logger"`
	Platform     PlatformConfig     `mapstructure:"platform"`
	Credentials  CredentialsConfig  `mapstructure:"credentials"`
	Actions      ActionsConfig      `mapstructure:"actions"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Deployment   DeploymentConfig   `mapstructure:"deployment"`
	Events       EventsConfig       `mapstructure:"events"`
	Inference    InferenceConfig    `mapstructure:"inference"`
	Integrations IntegrationsConfig `mapstructure:"integrations"`
	Targets      []TargetConfig     `mapstructure:"targets"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsAddr  string        `mapstructure:"metrics_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr собирает адрес для http.Server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и Cache).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	PublicKey      []byte
	PrivateKey     []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// PlatformConfig — внешняя чат-платформа (OAuth-клиент и лимиты исходящих вызовов).
type PlatformConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	RedirectURL  string        `mapstructure:"redirect_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"` // запросов в секунду
	Burst        int           `mapstructure:"burst"`
}

// CredentialsConfig — жизненный цикл токенов.
type CredentialsConfig struct {
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`     // меньше реального срока жизни токена
	ExpiryMargin       time.Duration `mapstructure:"expiry_margin"` // запас до expires_at, в течение которого токен не кэшируется
	ResolveTimeout     time.Duration `mapstructure:"resolve_timeout"`
	SweepSchedule      string        `mapstructure:"sweep_schedule"`
	SweepLead          time.Duration `mapstructure:"sweep_lead"`
	RefreshBackoffBase time.Duration `mapstructure:"refresh_backoff_base"`
	RefreshBackoffMax  time.Duration `mapstructure:"refresh_backoff_max"`
}

// ActionsConfig — классификатор рисков и исполнение команд.
type ActionsConfig struct {
	BusinessHoursStart int           `mapstructure:"business_hours_start"`
	BusinessHoursEnd   int           `mapstructure:"business_hours_end"`
	Timezone           string        `mapstructure:"timezone"`
	DefaultTimeout     time.Duration `mapstructure:"default_timeout"`
	ResultPreviewLimit int           `mapstructure:"result_preview_limit"`
	BcryptCost         int           `mapstructure:"bcrypt_cost"`
}

// QueueConfig — очередь оркестрации.
type QueueConfig struct {
	BatchSize           int    `mapstructure:"batch_size"`
	MaxRetries          int    `mapstructure:"max_retries"`
	AutoRetry           bool   `mapstructure:"auto_retry"`
	PollSchedule        string `mapstructure:"poll_schedule"`
	MaintenanceSchedule string `mapstructure:"maintenance_schedule"`
}

// DeploymentConfig — авто-деплой и health-check.
type DeploymentConfig struct {
	DefaultAgent      string        `mapstructure:"default_agent"`
	DefaultChannel    string        `mapstructure:"default_channel"`
	FreshnessWindow   time.Duration `mapstructure:"freshness_window"`
	MonitoringSpec    string        `mapstructure:"monitoring_schedule"`
	SuccessRateWindow time.Duration `mapstructure:"success_rate_window"`
}

// EventsConfig — входящие события чат-платформы.
type EventsConfig struct {
	DedupTTL time.Duration `mapstructure:"dedup_ttl"`
}

// InferenceConfig — OpenAI-совместимый коллаборатор (интенты и генерация ответа).
type InferenceConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	HistorySize int           `mapstructure:"history_size"` // прошлые обращения в контексте ответа
}

// IntegrationsConfig — трекер задач и календарь за webhook-шлюзами.
// Пустой URL отключает интеграцию.
type IntegrationsConfig struct {
	TicketsURL  string        `mapstructure:"tickets_url"`
	CalendarURL string        `mapstructure:"calendar_url"`
	Token       string        `mapstructure:"token"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// TargetConfig — цель для InfrastructureAction.
type TargetConfig struct {
	ID        string `mapstructure:"id"`
	Name      string `mapstructure:"name"`
	Type      string `mapstructure:"type"` // kubernetes, docker, ssh, connector
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Username  string `mapstructure:"username"`
	Namespace string `mapstructure:"namespace"`
	Context   string `mapstructure:"context"`
	Address   string `mapstructure:"address"` // gRPC-адрес для connector
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// onChange (может быть nil) вызывается при изменении файла на диске.
func LoadConfig(onChange func(*Config)) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: ACTIONS_BUSINESS_HOURS_START=8 перекроет actions.business_hours_start
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
		fileLoaded = false
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	// 5. Hot reload: перечитываем только при наличии файла
	if fileLoaded && onChange != nil {
		v.OnConfigChange(func(e fsnotify.Event) {
			if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
				return
			}
			if next, err := decode(v); err == nil {
				onChange(next)
			}
		})
		v.WatchConfig()
	}

	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// Сначала проверяем, не лежит ли сам PEM-ключ в ENV (для Docker/K8s)
	// Если нет — читаем файл по указанному пути
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if cfg.Actions.BusinessHoursStart < 0 || cfg.Actions.BusinessHoursEnd > 24 ||
		cfg.Actions.BusinessHoursStart >= cfg.Actions.BusinessHoursEnd {
		return nil, fmt.Errorf("invalid business hours window [%d, %d)",
			cfg.Actions.BusinessHoursStart, cfg.Actions.BusinessHoursEnd)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("platform.base_url", "https://slack.com/api")
	v.SetDefault("platform.timeout", 10*time.Second)
	v.SetDefault("platform.rate_limit", 20)
	v.SetDefault("platform.burst", 5)

	// Токены платформы живут ~60 минут, кэшируем с запасом
	v.SetDefault("credentials.cache_ttl", 50*time.Minute)
	v.SetDefault("credentials.expiry_margin", 2*time.Minute)
	v.SetDefault("credentials.resolve_timeout", 30*time.Second)
	v.SetDefault("credentials.sweep_schedule", "@every 30m")
	v.SetDefault("credentials.sweep_lead", 10*time.Minute)
	v.SetDefault("credentials.refresh_backoff_base", 1*time.Minute)
	v.SetDefault("credentials.refresh_backoff_max", 30*time.Minute)

	v.SetDefault("actions.business_hours_start", 9)
	v.SetDefault("actions.business_hours_end", 18)
	v.SetDefault("actions.timezone", "Local")
	v.SetDefault("actions.default_timeout", 30*time.Second)
	v.SetDefault("actions.result_preview_limit", 2000)
	v.SetDefault("actions.bcrypt_cost", 10)

	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.auto_retry", true)
	v.SetDefault("queue.poll_schedule", "@every 1m")
	v.SetDefault("queue.maintenance_schedule", "@every 1h")

	v.SetDefault("deployment.default_agent", "NOX")
	v.SetDefault("deployment.default_channel", "general")
	v.SetDefault("deployment.freshness_window", time.Hour)
	v.SetDefault("deployment.monitoring_schedule", "@every 5m")
	v.SetDefault("deployment.success_rate_window", 24*time.Hour)

	v.SetDefault("events.dedup_ttl", time.Hour)

	v.SetDefault("inference.base_url", "https://api.openai.com/v1")
	v.SetDefault("inference.model", "gpt-4o")
	v.SetDefault("inference.timeout", 60*time.Second)
	v.SetDefault("inference.history_size", 5)

	v.SetDefault("integrations.timeout", 15*time.Second)
}

// loadKeyResource — ключ либо прямо из ENV (PEM), либо из файла по пути
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
