package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const EnvPrefix = "CHATRELAY"

const (
	HTTPAddrKey        = "http_addr"
	GRPCAddrKey        = "grpc_addr"
	AllowedOriginsKey  = "allowed_origins"
	MaxMessageSizeKey  = "max_message_size"
	HistoryLimitKey    = "history_limit"
	ShutdownTimeoutKey = "shutdown_timeout"
	StoreDriverKey     = "store.driver"
	StorePathKey       = "store.path"
	StoreRetainKey     = "store.retain"
	LogLevelKey        = "log.level"
	LogFormatKey       = "log.format"
)

const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
	DriverMemory = "memory"
)

var validate = validator.New()

type Config struct {
	HTTPAddr        string        `mapstructure:"http_addr" validate:"required"`
	GRPCAddr        string        `mapstructure:"grpc_addr" validate:"required"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" validate:"min=1,dive,required"`
	MaxMessageSize  int64         `mapstructure:"max_message_size" validate:"gt=0"`
	HistoryLimit    int           `mapstructure:"history_limit" validate:"gt=0,lte=1000"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	Store           StoreConfig   `mapstructure:"store"`
	Log             LogConfig     `mapstructure:"log"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite badger memory"`
	Path   string `mapstructure:"path" validate:"required_unless=Driver memory"`
	Retain int    `mapstructure:"retain" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// SetDefaults registers every key with its default and lets CHATRELAY_*
// environment variables override them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(HTTPAddrKey, ":4000")
	v.SetDefault(GRPCAddrKey, ":50051")
	v.SetDefault(AllowedOriginsKey, []string{"http://localhost:3000"})
	v.SetDefault(MaxMessageSizeKey, 8192)
	v.SetDefault(HistoryLimitKey, 100)
	v.SetDefault(ShutdownTimeoutKey, 15*time.Second)
	v.SetDefault(StoreDriverKey, DriverSQLite)
	v.SetDefault(StorePathKey, "./chatrelay.db")
	v.SetDefault(StoreRetainKey, 1000)
	v.SetDefault(LogLevelKey, "info")
	v.SetDefault(LogFormatKey, "text")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
