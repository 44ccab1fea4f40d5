package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config представляет структуру конфигурации для приложения.
type Config struct {
	App struct {
		Port            string        `mapstructure:"port"`
		Env             string        `mapstructure:"env"`
		ReadTimeout     time.Duration `mapstructure:"readTimeout"`
		WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	} `mapstructure:"app"`
	Database struct {
		DSN            string        `mapstructure:"dsn"`
		MaxOpenConns   int           `mapstructure:"maxOpenConns"`
		MaxIdleConns   int           `mapstructure:"maxIdleConns"`
		ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	} `mapstructure:"database"`
	Redis struct {
		Enabled  bool          `mapstructure:"enabled"`
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		TTL      time.Duration `mapstructure:"ttl"`
	} `mapstructure:"redis"`
	Stripe struct {
		APIKey           string            `mapstructure:"apiKey"`
		WebhookSecret    string            `mapstructure:"webhookSecret"`
		WebhookTolerance time.Duration     `mapstructure:"webhookTolerance"`
		TrialDays        int64             `mapstructure:"trialDays"`
		PortalReturnURL  string            `mapstructure:"portalReturnUrl"`
		Plans            map[string]string `mapstructure:"plans"`
	} `mapstructure:"stripe"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"auth"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

// IsProduction сообщает, запущен ли сервис в production окружении
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

// Validate проверяет обязательные параметры
func (c *Config) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Stripe.APIKey == "" {
		errs = append(errs, errors.New("stripe.apiKey is required"))
	}
	if c.Stripe.WebhookSecret == "" {
		errs = append(errs, errors.New("stripe.webhookSecret is required"))
	}
	if c.Stripe.PortalReturnURL == "" {
		errs = append(errs, errors.New("stripe.portalReturnUrl is required"))
	}
	if len(c.Stripe.Plans) == 0 {
		errs = append(errs, errors.New("stripe.plans must list at least one plan"))
	}
	if c.Stripe.TrialDays < 0 {
		errs = append(errs, errors.New("stripe.trialDays must not be negative"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwtSecret is required"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.readTimeout", 15*time.Second)
	v.SetDefault("app.writeTimeout", 15*time.Second)
	v.SetDefault("app.shutdownTimeout", 30*time.Second)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxOpenConns", 25)
	v.SetDefault("database.maxIdleConns", 25)
	v.SetDefault("database.connectTimeout", 30*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 5*time.Minute)

	v.SetDefault("stripe.apiKey", "")
	v.SetDefault("stripe.webhookSecret", "")
	v.SetDefault("stripe.webhookTolerance", 5*time.Minute)
	v.SetDefault("stripe.trialDays", 14)
	v.SetDefault("stripe.portalReturnUrl", "")
	v.SetDefault("stripe.plans", map[string]string{})

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("log.level", "info")
}

// LoadConfig загружает конфигурацию из config.yml в каталоге dir и переменных окружения.
// Переменные окружения имеют приоритет: stripe.apiKey -> STRIPE_APIKEY.
// Файл .env читается только вне production и только если он есть.
func LoadConfig(dir string) (*Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		envFile := ".env"
		if dir != "" {
			envFile = dir + string(os.PathSeparator) + ".env"
		}
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir == "" {
		dir = "."
	}
	v.AddConfigPath(dir)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // Чтение переменных окружения

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// STRIPE_PLANS=basic:price_1,premium:price_2 перекрывает карту из файла
	if raw, ok := os.LookupEnv("STRIPE_PLANS"); ok {
		plans, err := ParsePlans(raw)
		if err != nil {
			return nil, err
		}
		v.Set("stripe.plans", plans)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &config, nil
}

// ParsePlans разбирает список вида "plan:price,plan:price"
func ParsePlans(raw string) (map[string]string, error) {
	plans := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		plan, price, ok := strings.Cut(pair, ":")
		plan, price = strings.TrimSpace(plan), strings.TrimSpace(price)
		if !ok || plan == "" || price == "" {
			return nil, fmt.Errorf("invalid plan entry %q, want plan:price", pair)
		}
		plans[plan] = price
	}
	return plans, nil
}
