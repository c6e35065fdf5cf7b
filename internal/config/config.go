package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix namespaces every override, e.g. SWAGENT_SOFTWARE_PACKAGEMANAGER.
	EnvPrefix = "SWAGENT"

	DefaultFileName = "agent.yaml"
)

// Config is the agent configuration read from agent.yaml and SWAGENT_* variables.
type Config struct {
	Software SoftwareConfig `mapstructure:"software"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Snapd    SnapdConfig    `mapstructure:"snapd"`
	Platform PlatformConfig `mapstructure:"platform"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Download DownloadConfig `mapstructure:"download"`
	Log      LogConfig      `mapstructure:"log"`
}

type SoftwareConfig struct {
	PackageManager     string        `mapstructure:"packagemanager" validate:"oneof=apt snap"`
	ChangePollInterval time.Duration `mapstructure:"change_poll_interval" validate:"gt=0"`
	ChangeMaxPolls     uint64        `mapstructure:"change_max_polls" validate:"gt=0"`
	DevmodeSnaps       []string      `mapstructure:"devmode_snaps"`
	BinaryMarker       string        `mapstructure:"binary_marker" validate:"required"`
}

type AgentConfig struct {
	DeviceID     string        `mapstructure:"device_id"`
	TokenWait    time.Duration `mapstructure:"token_wait" validate:"gte=0"`
	TokenRefresh time.Duration `mapstructure:"token_refresh" validate:"gte=0"`
	QueueSize    int           `mapstructure:"queue_size" validate:"gte=0"`
}

type SnapdConfig struct {
	Socket string `mapstructure:"socket" validate:"required"`
}

type PlatformConfig struct {
	BaseURL  string `mapstructure:"base_url" validate:"omitempty,url"`
	Tenant   string `mapstructure:"tenant"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
}

type JournalConfig struct {
	Path     string `mapstructure:"path"`
	Disabled bool   `mapstructure:"disabled"`
}

type DownloadConfig struct {
	Dir        string        `mapstructure:"dir"`
	RetryDelay time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
	File  string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("software.packagemanager", "apt")
	v.SetDefault("software.change_poll_interval", 3*time.Second)
	v.SetDefault("software.change_max_polls", 200)
	v.SetDefault("software.devmode_snaps", []string{"c8ycc"})
	v.SetDefault("software.binary_marker", "binaries")
	v.SetDefault("agent.device_id", "")
	v.SetDefault("agent.token_wait", 60*time.Second)
	v.SetDefault("agent.token_refresh", 30*time.Minute)
	v.SetDefault("agent.queue_size", 16)
	v.SetDefault("snapd.socket", "/run/snapd.socket")
	v.SetDefault("platform.base_url", "")
	v.SetDefault("platform.tenant", "")
	v.SetDefault("platform.user", "")
	v.SetDefault("platform.password", "")
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("journal.path", "")
	v.SetDefault("journal.disabled", false)
	v.SetDefault("download.dir", "")
	v.SetDefault("download.retry_delay", 3*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// Load reads path (a file or a directory holding agent.yaml). A missing file
// is not an error; defaults and environment overrides still apply.
func Load(path string) (*Config, error) {
	ensureEnvLoaded()

	v := viper.New()
	setDefaults(v)

	path = strings.TrimSpace(path)
	switch info, err := os.Stat(path); {
	case path == "":
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/swagent")
		v.SetConfigName(strings.TrimSuffix(DefaultFileName, filepath.Ext(DefaultFileName)))
		v.SetConfigType("yaml")
	case err == nil && info.IsDir():
		v.AddConfigPath(path)
		v.SetConfigName(strings.TrimSuffix(DefaultFileName, filepath.Ext(DefaultFileName)))
		v.SetConfigType("yaml")
	case err == nil:
		v.SetConfigFile(path)
	case os.IsNotExist(err):
		return nil, errors.Errorf("config file %s not found", path)
	default:
		return nil, errors.Wrapf(err, "stat config %s", path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	return nil
}
