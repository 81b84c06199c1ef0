// Package config loads the node configuration from friendica.yaml, the
// environment and .env files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// AppFs is the filesystem used for config discovery and log files.
var AppFs = afero.NewOsFs()

// Config holds the application configuration
type Config struct {
	Database DatabaseConfig
	System   SystemConfig
	Jabber   JabberConfig
	Channel  ChannelConfig
	Log      LogConfig

	v *viper.Viper
}

// DatabaseConfig holds the connection settings
type DatabaseConfig struct {
	Hostname        string
	Port            int
	Socket          string
	Username        string
	Password        string
	Database        string
	Charset         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// SystemConfig holds the "system" section
type SystemConfig struct {
	URL                    string
	BasePath               string
	DBStructureFile        string
	DBLog                  string
	DBLogLimit             time.Duration
	DBLogIndex             string
	DBLogIndexWatch        []string
	DBLogIndexDenylist     []string
	DBLogLimitIndex        int
	DBLogLimitIndexHigh    int
	DBCallstack            bool
	TestMode               bool
	MinimumPostingInterval int
	Profiler               bool
}

// JabberConfig holds the ejabberd bridge settings
type JabberConfig struct {
	Debug    bool
	LockPath string
}

// ChannelConfig holds the channel/engagement settings
type ChannelConfig struct {
	EngagementHours     int
	EngagementPostLimit int
}

// LogConfig holds the logger settings
type LogConfig struct {
	Level  string
	Format string
	File   string
}

// Hostname returns the host part of system.url
func (c *Config) Hostname() string {
	u, err := url.Parse(c.System.URL)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(c.System.URL, "/")
	}
	return u.Hostname()
}

// Load loads the configuration. An empty file searches the default locations.
func Load(file string) (*Config, error) {
	v := viper.New()
	v.SetFs(AppFs)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		// Find home directory
		home, err := homedir.Dir()
		if err != nil {
			return nil, err
		}

		v.SetConfigName("friendica")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
		v.AddConfigPath(home)
		v.AddConfigPath(filepath.Join(home, ".config", "friendica"))
	}

	// Load .env file if it exists
	if _, err := AppFs.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}

	// Load .env.local if it exists (higher priority)
	if _, err := AppFs.Stat(".env.local"); err == nil {
		_ = godotenv.Overload(".env.local")
	}

	v.SetEnvPrefix("FRIENDICA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return fromViper(v), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.hostname", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.charset", "utf8mb4")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.connect_timeout", "5s")

	v.SetDefault("system.dbstructure_file", "")
	v.SetDefault("system.db_loglimit", "10s")
	v.SetDefault("system.db_loglimit_index", 0)
	v.SetDefault("system.db_loglimit_index_high", 0)
	v.SetDefault("system.minimum_posting_interval", 0)

	v.SetDefault("jabber.debug", false)

	v.SetDefault("channel.engagement_hours", 24)
	v.SetDefault("channel.engagement_post_limit", 20000)

	v.SetDefault("log.level", "notice")
	v.SetDefault("log.format", "text")
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Database: DatabaseConfig{
			Hostname:        v.GetString("database.hostname"),
			Port:            v.GetInt("database.port"),
			Socket:          v.GetString("database.socket"),
			Username:        v.GetString("database.username"),
			Password:        v.GetString("database.password"),
			Database:        v.GetString("database.database"),
			Charset:         v.GetString("database.charset"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			ConnectTimeout:  v.GetDuration("database.connect_timeout"),
		},
		System: SystemConfig{
			URL:                    v.GetString("system.url"),
			BasePath:               v.GetString("system.basepath"),
			DBStructureFile:        v.GetString("system.dbstructure_file"),
			DBLog:                  v.GetString("system.db_log"),
			DBLogLimit:             v.GetDuration("system.db_loglimit"),
			DBLogIndex:             v.GetString("system.db_log_index"),
			DBLogIndexWatch:        listValue(v, "system.db_log_index_watch"),
			DBLogIndexDenylist:     listValue(v, "system.db_log_index_denylist"),
			DBLogLimitIndex:        v.GetInt("system.db_loglimit_index"),
			DBLogLimitIndexHigh:    v.GetInt("system.db_loglimit_index_high"),
			DBCallstack:            v.GetBool("system.db_callstack"),
			TestMode:               v.GetBool("system.testmode"),
			MinimumPostingInterval: v.GetInt("system.minimum_posting_interval"),
			Profiler:               v.GetBool("system.profiler"),
		},
		Jabber: JabberConfig{
			Debug:    v.GetBool("jabber.debug"),
			LockPath: v.GetString("jabber.lockpath"),
		},
		Channel: ChannelConfig{
			EngagementHours:     v.GetInt("channel.engagement_hours"),
			EngagementPostLimit: v.GetInt("channel.engagement_post_limit"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			File:   v.GetString("log.file"),
		},
		v: v,
	}
}

// listValue accepts both a YAML list and a comma separated string.
func listValue(v *viper.Viper, key string) []string {
	if _, ok := v.Get(key).([]any); ok {
		return v.GetStringSlice(key)
	}
	return splitList(v.GetString(key))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Watch calls fn with the reloaded configuration whenever the config file changes.
func (c *Config) Watch(fn func(*Config, fsnotify.Event)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(fromViper(c.v), e)
	})
	c.v.WatchConfig()
}

// File returns the config file in use, if any
func (c *Config) File() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}
