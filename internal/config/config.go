package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"restaurant-agent/internal/catalog"
	"restaurant-agent/internal/integrations/openai"
	"restaurant-agent/internal/integrations/orderevents"
	"restaurant-agent/internal/logx"
)

const defaultEnvFile = ".env"

const (
	StoreMemory   = "memory"
	StoreDynamoDB = "dynamodb"

	CatalogStatic   = "static"
	CatalogPostgres = "postgres"
)

// App holds the engine knobs and backend selection.
type App struct {
	StoreBackend      string        `split_words:"true" default:"dynamodb"`
	StateTable        string        `split_words:"true"`
	RestaurantIndex   string        `split_words:"true" default:"restaurant-index"`
	CatalogBackend    string        `split_words:"true" default:"static"`
	DataDir           string        `split_words:"true" default:"data"`
	HTTPAddr          string        `envconfig:"HTTP_ADDR" default:":8080"`
	AllowedOrigins    []string      `split_words:"true" default:"*"`
	MenuLimit         int           `split_words:"true" default:"60"`
	HistoryWindow     int           `split_words:"true" default:"8"`
	MaxMessageLength  int           `split_words:"true" default:"1000"`
	CompletionTimeout time.Duration `split_words:"true" default:"20s"`
}

// Validate checks the backend selection. Commands that build the engine call
// it; maintenance commands only need their own section.
func (a App) Validate() error {
	switch a.StoreBackend {
	case StoreMemory:
	case StoreDynamoDB:
		if strings.TrimSpace(a.StateTable) == "" {
			return errors.New("config: APP_STATE_TABLE is required for the dynamodb store")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", a.StoreBackend)
	}
	switch a.CatalogBackend {
	case CatalogStatic, CatalogPostgres:
	default:
		return fmt.Errorf("config: unknown catalog backend %q", a.CatalogBackend)
	}
	return nil
}

// Settings is every config struct the process reads, each under its own
// environment prefix.
type Settings struct {
	App      App
	Log      logx.Config
	OpenAI   openai.Config
	Postgres catalog.PostgresConfig
	Cache    catalog.CacheConfig
	Events   orderevents.Config
}

// Load exports envFile (or ./.env when present) and fills Settings.
func Load(envFile string) (*Settings, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}
	var s Settings
	sections := []struct {
		prefix string
		dst    any
	}{
		{"APP", &s.App},
		{"LOG", &s.Log},
		{"OPENAI", &s.OpenAI},
		{"CATALOG_DB", &s.Postgres},
		{"CATALOG_CACHE", &s.Cache},
		{"ORDER_EVENTS", &s.Events},
	}
	for _, sec := range sections {
		if err := envconfig.Process(sec.prefix, sec.dst); err != nil {
			return nil, fmt.Errorf("config: %s: %w", sec.prefix, err)
		}
	}
	return &s, nil
}

func MustNew[T any](envFile, prefix string) *T {
	conf, err := New[T](envFile, prefix)
	if err != nil {
		panic(err)
	}
	return conf
}

// New exports envFile (or ./.env when present) and fills a T from the
// environment variables under prefix.
func New[T any](envFile, prefix string) (*T, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	var conf T
	if err := envconfig.Process(prefix, &conf); err != nil {
		return nil, err
	}

	return &conf, nil
}

func loadEnvFile(envFile string) error {
	if path := strings.TrimSpace(envFile); path != "" {
		if err := exportEnvironment(path); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
		return nil
	}
	if err := exportEnvironmentIfExists(defaultEnvFile); err != nil {
		return fmt.Errorf("failed to load default env file: %w", err)
	}
	return nil
}

func exportEnvironmentIfExists(filepath string) error {
	info, err := os.Stat(filepath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return nil
	}
	return exportEnvironment(filepath)
}

// exportEnvironment copies the file's keys into the process environment.
// Variables already set in the environment win over the file.
func exportEnvironment(filepath string) error {
	v := viper.New()
	v.SetConfigFile(filepath)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	for k, val := range v.AllSettings() {
		key := strings.ToUpper(k)
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return err
		}
	}

	return nil
}
