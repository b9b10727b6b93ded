package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"deploy-keeper/internal/env"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

/**
 * Server configuration parameters
 * @property {string} address - Server listening address (e.g. ":8990")
 * @property {string} mode - Application mode (debug/release/test)
 * @property {string} socket - Unix socket path, empty disables the socket listener
 */
type ServerConfig struct {
	Address string `mapstructure:"address"`
	Mode    string `mapstructure:"mode"`
	Socket  string `mapstructure:"socket"`
}

/**
 * Logging configuration
 * @property {string} level - Log level (debug/info/warn/error)
 * @property {string} path - Log file path, "console" writes to stdout
 */
type LogConfig struct {
	Level string `mapstructure:"level"`
	Path  string `mapstructure:"path"`
}

/**
 * Metrics configuration
 * @property {bool} enabled - Expose prometheus metrics
 * @property {string} path - HTTP path of the metrics endpoint
 */
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// UserConfig is an account allowed to connect to the deployment manager.
type UserConfig struct {
	Name         string `mapstructure:"name"`
	PasswordHash string `mapstructure:"password_hash"`
}

/**
 * Authentication configuration
 * @property {bool} enabled - Require bearer tokens on the API
 * @property {string} secret - HMAC secret for issued tokens
 * @property {string} token_ttl - Token lifetime (Go duration)
 * @property {[]UserConfig} users - Accounts with bcrypt password hashes
 */
type AuthConfig struct {
	Enabled  bool         `mapstructure:"enabled"`
	Secret   string       `mapstructure:"secret"`
	TokenTTL string       `mapstructure:"token_ttl"`
	Users    []UserConfig `mapstructure:"users"`
}

var ErrMissingSecret = errors.New("auth.enabled requires auth.secret or JWT_SECRET")

// Validate rejects an enabled authentication without a token secret.
func (a *AuthConfig) Validate() error {
	if a.Enabled && a.Secret == "" {
		return ErrMissingSecret
	}
	return nil
}

/**
 * Deployment manager behaviour
 * @property {string} uri - Connection URI handled by the keeper factory
 * @property {bool} disconnected - Start the manager in disconnected mode
 * @property {int} parallelism - Max units of one operation running at once
 * @property {bool} redeploy_supported - Enable redeploy
 * @property {bool} cancel_supported - Enable cancel on progress objects
 * @property {bool} stop_supported - Enable stop on progress objects
 * @property {string} bean_version - Default config bean version
 * @property {string} web_base_url - Base URL of web modules, {target} is replaced by the target name
 * @property {string} schemas - Optional YAML file with extra config bean schemas
 */
type DeployConfig struct {
	URI               string `mapstructure:"uri"`
	Disconnected      bool   `mapstructure:"disconnected"`
	Parallelism       int    `mapstructure:"parallelism"`
	RedeploySupported bool   `mapstructure:"redeploy_supported"`
	CancelSupported   bool   `mapstructure:"cancel_supported"`
	StopSupported     bool   `mapstructure:"stop_supported"`
	BeanVersion       string `mapstructure:"bean_version"`
	WebBaseURL        string `mapstructure:"web_base_url"`
	Schemas           string `mapstructure:"schemas"`
}

/**
 * Module registry storage
 * @property {string} driver - memory/sqlite/mysql
 * @property {string} dsn - Driver specific data source name
 */
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type ConsulConfig struct {
	Address string `mapstructure:"address"`
	Tag     string `mapstructure:"tag"`
}

/**
 * Target registry
 * @property {string} source - static/consul
 * @property {[]TargetConfig} static - Targets for the static source
 * @property {ConsulConfig} consul - Consul catalog settings
 */
type TargetsConfig struct {
	Source string         `mapstructure:"source"`
	Static []TargetConfig `mapstructure:"static"`
	Consul ConsulConfig   `mapstructure:"consul"`
}

type TargetConfig struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
}

// ArtifactsConfig sets where distributed archives are copied to, one sub directory per target.
type ArtifactsConfig struct {
	Dir string `mapstructure:"dir"`
}

var ErrNotLoaded = errors.New("configuration not loaded")

type AppConfig struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Deploy    DeployConfig    `mapstructure:"deploy"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Targets   TargetsConfig   `mapstructure:"targets"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
}

var (
	appConfig AppConfig
	cfgLock   sync.RWMutex
	cfgLoaded bool
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "127.0.0.1:8990")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.socket", filepath.Join(env.RunDir(), "deploy-keeper.sock"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.path", "console")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("deploy.uri", "deployer:keeper")
	v.SetDefault("deploy.parallelism", 1)
	v.SetDefault("deploy.redeploy_supported", true)
	v.SetDefault("deploy.cancel_supported", true)
	v.SetDefault("deploy.stop_supported", true)
	v.SetDefault("deploy.bean_version", "V5")
	v.SetDefault("deploy.web_base_url", "http://{target}")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", filepath.Join(env.KeeperDir, "keeper.db"))
	v.SetDefault("targets.source", "static")
	v.SetDefault("targets.static", []map[string]string{{"name": "local", "description": "local artifact directory"}})
	v.SetDefault("targets.consul.address", "127.0.0.1:8500")
	v.SetDefault("targets.consul.tag", "deploy-target")
	v.SetDefault("artifacts.dir", filepath.Join(env.KeeperDir, "targets"))
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

/**
 * Load application configuration
 * @returns {(*AppConfig, error)} Loaded configuration
 * @description
 * - Loads .env from the working directory when present
 * - Reads deploy-keeper.yaml from "." or the keeper directory, missing file is not an error
 * - KEEPER_* environment variables override file values (KEEPER_DEPLOY_PARALLELISM=4)
 * @throws
 * - Malformed configuration file
 * - Unmarshal errors
 */
func LoadConfig() (*AppConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigName("deploy-keeper")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(env.KeeperDir)
	v.SetEnvPrefix("KEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return collectConfig(&cfg), nil
}

func collectConfig(cfg *AppConfig) *AppConfig {
	if cfg.Deploy.Parallelism <= 0 {
		cfg.Deploy.Parallelism = 1
	}
	if cfg.Auth.Secret == "" {
		cfg.Auth.Secret = os.Getenv("JWT_SECRET")
	}
	return cfg
}

/**
 * Get current configuration
 * @returns {*AppConfig} Loaded configuration, defaults when loading failed
 */
func Get() *AppConfig {
	cfgLock.RLock()
	if cfgLoaded {
		defer cfgLock.RUnlock()
		return &appConfig
	}
	cfgLock.RUnlock()

	if err := ReloadConfig(); err != nil {
		cfgLock.Lock()
		defer cfgLock.Unlock()
		if !cfgLoaded {
			appConfig = *Default()
			cfgLoaded = true
		}
	}
	cfgLock.RLock()
	defer cfgLock.RUnlock()
	return &appConfig
}

// ReloadConfig re-reads the configuration file and environment.
func ReloadConfig() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	Set(cfg)
	return nil
}

// Set replaces the current configuration.
func Set(cfg *AppConfig) {
	cfgLock.Lock()
	defer cfgLock.Unlock()
	appConfig = *cfg
	cfgLoaded = true
}

// Default returns the built-in defaults without reading files or environment.
func Default() *AppConfig {
	v := viper.New()
	setDefaults(v)
	var cfg AppConfig
	_ = v.Unmarshal(&cfg)
	return collectConfig(&cfg)
}
