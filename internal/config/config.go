package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string         `mapstructure:"mode"`
	LogLevel string         `mapstructure:"log_level"`
	Client   ClientConfig   `mapstructure:"client"`
	Voice    VoiceConfig    `mapstructure:"voice"`
	Media    MediaConfig    `mapstructure:"media"`
	TurnTest TurnTestConfig `mapstructure:"turn_test"`
	Relay    RelayConfig    `mapstructure:"relay"`
}

type ClientConfig struct {
	ServerURL string `mapstructure:"server_url"`
	Token     string `mapstructure:"token"`
	Username  string `mapstructure:"username"`
	Channel   string `mapstructure:"channel"`
	RecordDir string `mapstructure:"record_dir"`
}

type VoiceConfig struct {
	SpeakingThreshold float64       `mapstructure:"speaking_threshold"`
	SampleInterval    time.Duration `mapstructure:"sample_interval"`
	DiagInterval      time.Duration `mapstructure:"diag_interval"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	CredentialTimeout time.Duration `mapstructure:"credential_timeout"`
	ForceRelay        bool          `mapstructure:"force_relay"`
	IncludeLoopback   bool          `mapstructure:"include_loopback"`
	StunPort          int           `mapstructure:"stun_port"`
}

type MediaConfig struct {
	Microphone string `mapstructure:"microphone"`
	Camera     string `mapstructure:"camera"`
	Screen     string `mapstructure:"screen"`
	Loop       bool   `mapstructure:"loop"`
}

type TurnTestConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	RelayOnly bool          `mapstructure:"relay_only"`
	Remote    bool          `mapstructure:"remote"`
}

type RelayConfig struct {
	Port        int           `mapstructure:"port"`
	Secret      string        `mapstructure:"secret"`
	ReadLimit   int64         `mapstructure:"read_limit"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`
	SendQueue   int           `mapstructure:"send_queue"`
	SignalRate  float64       `mapstructure:"signal_rate"`
	SignalBurst int           `mapstructure:"signal_burst"`
	TURN        TURNConfig    `mapstructure:"turn"`
}

type TURNConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Port         int           `mapstructure:"port"`
	Realm        string        `mapstructure:"realm"`
	PublicIP     string        `mapstructure:"public_ip"`
	SharedSecret string        `mapstructure:"shared_secret"`
	TTL          time.Duration `mapstructure:"ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")

	v.SetDefault("client.server_url", "http://localhost:8080")
	v.SetDefault("client.token", "")
	v.SetDefault("client.username", "guest")
	v.SetDefault("client.channel", "")
	v.SetDefault("client.record_dir", "")

	v.SetDefault("voice.speaking_threshold", 15.0)
	v.SetDefault("voice.sample_interval", "100ms")
	v.SetDefault("voice.diag_interval", "1s")
	v.SetDefault("voice.reconnect_delay", "3s")
	v.SetDefault("voice.credential_timeout", "5s")
	v.SetDefault("voice.stun_port", 3478)
	v.SetDefault("voice.force_relay", false)
	v.SetDefault("voice.include_loopback", false)

	v.SetDefault("media.microphone", "")
	v.SetDefault("media.camera", "")
	v.SetDefault("media.screen", "")
	v.SetDefault("media.loop", true)

	v.SetDefault("turn_test.timeout", "15s")
	v.SetDefault("turn_test.relay_only", false)
	v.SetDefault("turn_test.remote", false)

	v.SetDefault("relay.port", 8080)
	v.SetDefault("relay.secret", "")
	v.SetDefault("relay.turn.shared_secret", "")
	v.SetDefault("relay.read_limit", 65536)
	v.SetDefault("relay.ping_period", "54s")
	v.SetDefault("relay.send_queue", 64)
	v.SetDefault("relay.signal_rate", 50.0)
	v.SetDefault("relay.signal_burst", 100)
	v.SetDefault("relay.turn.enabled", true)
	v.SetDefault("relay.turn.port", 3478)
	v.SetDefault("relay.turn.realm", "subspace")
	v.SetDefault("relay.turn.public_ip", "127.0.0.1")
	v.SetDefault("relay.turn.ttl", "24h")
}

// Load reads config/config.<CONFIG_ENV>.yaml, then SUBSPACE_* environment
// variables, then any flags in fs that were bound by the caller.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			fileName = f.Value.String()
		}
	}

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvPrefix("SUBSPACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := bindFlags(v, fs); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Str("server", cfg.Client.ServerURL).Msg("config ready")
	return &cfg, nil
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"server":     "client.server_url",
	"token":      "client.token",
	"name":       "client.username",
	"channel":    "client.channel",
	"record-dir": "client.record_dir",
	"relay-only": "turn_test.relay_only",
	"remote":     "turn_test.remote",
	"port":       "relay.port",
	"log-level":  "log_level",
	"mic":        "media.microphone",
	"camera":     "media.camera",
	"screen":     "media.screen",
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}
