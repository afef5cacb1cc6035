package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ClientConfig drives cmd/meshroom.
type ClientConfig struct {
	ServerURL      string        `mapstructure:"server"`
	Room           string        `mapstructure:"room"`
	Name           string        `mapstructure:"name"`
	STUN           []string      `mapstructure:"stun"`
	TURN           []string      `mapstructure:"turn"`
	TURNUser       string        `mapstructure:"turn_user"`
	TURNPass       string        `mapstructure:"turn_pass"`
	ForceRelay     bool          `mapstructure:"force_relay"`
	ResponderGrace time.Duration `mapstructure:"responder_grace"`
	Audio          bool          `mapstructure:"audio"`
	Video          bool          `mapstructure:"video"`
	Headless       bool          `mapstructure:"headless"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFile        string        `mapstructure:"log_file"`
}

func setClientDefaults(v *viper.Viper) {
	v.SetDefault("server", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("room", "default-room")
	v.SetDefault("name", "Anon")
	v.SetDefault("stun", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("responder_grace", "3s")
	v.SetDefault("audio", true)
	v.SetDefault("video", true)
	v.SetDefault("log_level", "warn")
}

// LoadClient layers defaults, an optional YAML file and command-line flags.
// Flags win over the file; dashed flag names map to underscored keys.
func LoadClient(file string, flags *pflag.FlagSet) (*ClientConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("MESHROOM")
	v.AutomaticEnv()
	setClientDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read client config %s: %w", file, err)
		}
	}
	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	if cfg.ForceRelay && len(cfg.TURN) == 0 {
		return nil, fmt.Errorf("cannot force relay mode without TURN server configured")
	}
	return &cfg, nil
}
