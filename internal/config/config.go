// Package config loads the runtime knobs shared by the tracker and the peer.
// Values are read once at startup and are immutable afterwards.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// --------------------------------------------------------------------------------------------- //

// Config is an immutable snapshot of every knob the system reads at startup.
type Config struct {
	// PeerRemoteHost makes the tracker trust the host a peer announces at login.
	// When false the tracker overwrites it with the socket's peer address.
	PeerRemoteHost bool

	// CooperativeLogout makes a peer send LOGOUT even after local session loss,
	// to help the tracker free state faster.
	CooperativeLogout bool

	// CheckAliveThreshold bounds a single liveness probe round-trip.
	CheckAliveThreshold time.Duration

	// CleaningInterval is both the cleaner's wake period and the idle bound
	// beyond which a server worker is evicted.
	CleaningInterval time.Duration

	// PeerPenalty is slept before answering a search for a user with no
	// recorded downloads. Zero disables the penalty.
	PeerPenalty time.Duration

	// ConnectTimeout bounds dialing any remote endpoint.
	ConnectTimeout time.Duration

	// IOTimeout bounds a single read or write on an established connection.
	IOTimeout time.Duration

	// DBPath is the credential store file used by the tracker.
	DBPath string

	// LogLevel is a logrus level name.
	LogLevel string
}

// --------------------------------------------------------------------------------------------- //

/*
Load reads the configuration from defaults, an optional config file, and
PEERSHARE_* environment variables, in increasing priority.

Parameters:
  - path: Optional path to a yaml/toml/json config file; empty skips the file.

Returns:
  - *Config: The loaded snapshot.
  - error: Non-nil if a config file is named but cannot be read or parsed.
*/
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("peer_remote_host", false)
	v.SetDefault("cooperative_logout", true)
	v.SetDefault("check_alive_threshold", 1000)
	v.SetDefault("cleaning_interval", 20000)
	v.SetDefault("peer_penalty", 100)
	v.SetDefault("connect_timeout", 5000)
	v.SetDefault("io_timeout", 60000)
	v.SetDefault("db_path", "peershare.db")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("peershare")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		PeerRemoteHost:      v.GetBool("peer_remote_host"),
		CooperativeLogout:   v.GetBool("cooperative_logout"),
		CheckAliveThreshold: time.Duration(v.GetInt("check_alive_threshold")) * time.Millisecond,
		CleaningInterval:    time.Duration(v.GetInt("cleaning_interval")) * time.Millisecond,
		PeerPenalty:         time.Duration(v.GetInt("peer_penalty")) * time.Millisecond,
		ConnectTimeout:      time.Duration(v.GetInt("connect_timeout")) * time.Millisecond,
		IOTimeout:           time.Duration(v.GetInt("io_timeout")) * time.Millisecond,
		DBPath:              v.GetString("db_path"),
		LogLevel:            v.GetString("log_level"),
	}

	return cfg, nil
}

// --------------------------------------------------------------------------------------------- //

// Default returns the built-in configuration with no file or environment input.
func Default() *Config {
	cfg, _ := Load("")
	return cfg
}

// --------------------------------------------------------------------------------------------- //
