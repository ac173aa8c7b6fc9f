package config

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Loop     LoopConfig     `mapstructure:"loop"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	Clouds   CloudsConfig   `mapstructure:"clouds"`
	Targets  []TargetConfig `mapstructure:"targets"`
}

type ServerConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Endpoint string `mapstructure:"endpoint"`
}

type DatabaseConfig struct {
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Host         string `mapstructure:"host"`
	Port         string `mapstructure:"port"`
	DatabaseName string `mapstructure:"database_name"`
}

// LoopConfig tunes the control loop cadences and drain limits.
type LoopConfig struct {
	TickMillis          int `mapstructure:"tick_millis"`
	CreateParallelism   int `mapstructure:"create_parallelism"`
	CreateSpacingMillis int `mapstructure:"create_spacing_millis"`
	DeleteDelayMillis   int `mapstructure:"delete_delay_millis"`
}

type GitHubConfig struct {
	Token   string `mapstructure:"token"`
	BaseURL string `mapstructure:"base_url"`
}

type CloudsConfig struct {
	Docker *DockerCloudConfig `mapstructure:"docker"`
	GCE    *GCECloudConfig    `mapstructure:"gce"`

	// Priorities orders substrate candidates per demand, keyed
	// "size/arch" -> ordered substrate identifiers, best first.
	Priorities map[string][]string `mapstructure:"priorities"`
}

type DockerCloudConfig struct {
	Image  string            `mapstructure:"image"`
	Images map[string]string `mapstructure:"images"` // "size/arch" -> image override
}

type GCECloudConfig struct {
	Project      string            `mapstructure:"project"`
	Zone         string            `mapstructure:"zone"`
	MachineTypes map[string]string `mapstructure:"machine_types"` // "size/arch" -> machine type
	ImageFamily  string            `mapstructure:"image_family"`
}

type TargetConfig struct {
	Name       string       `mapstructure:"name"`
	TargetType string       `mapstructure:"target_type"`
	Quota      int          `mapstructure:"quota"`
	Pools      []PoolConfig `mapstructure:"pools"`
}

type PoolConfig struct {
	Size    string `mapstructure:"size"`
	Arch    string `mapstructure:"arch"`
	Profile string `mapstructure:"profile"`
	Count   int    `mapstructure:"count"`
}

// CloudCandidates returns the ordered substrate identifiers configured
// for a size/arch pair.
func (c *Config) CloudCandidates(size, arch string) []string {
	if c.Clouds.Priorities == nil {
		return nil
	}
	return c.Clouds.Priorities[size+"/"+arch]
}

func (c *Config) Target(name string) (TargetConfig, bool) {
	for _, t := range c.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return TargetConfig{}, false
}

func (dc *DatabaseConfig) GetConnectionURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		dc.Username,
		dc.Password,
		dc.Host,
		dc.Port,
		dc.DatabaseName,
	)
}

type ConfigManager struct {
	config     *Config
	configPath string
	mutex      sync.RWMutex
}

var (
	instance *ConfigManager
	once     sync.Once
)

func GetConfigManager() *ConfigManager {
	once.Do(func() {
		instance = &ConfigManager{
			configPath: "config/config.yaml",
		}
	})
	return instance
}

func (cm *ConfigManager) SetConfigPath(path string) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.configPath = path
	cm.config = nil
}

// GetConfig returns the cached configuration, loading it on first use.
// Callers treat the returned value as an immutable snapshot.
func (cm *ConfigManager) GetConfig() (*Config, error) {
	cm.mutex.RLock()
	if cm.config != nil {
		defer cm.mutex.RUnlock()
		return cm.config, nil
	}
	cm.mutex.RUnlock()

	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if cm.config != nil {
		return cm.config, nil
	}

	var err error
	cm.config, err = loadConfigFile(cm.configPath)
	return cm.config, err
}

// ReloadConfig re-reads the file and swaps in a fresh snapshot.
// Snapshots already handed out are never mutated.
func (cm *ConfigManager) ReloadConfig() (*Config, error) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	cfg, err := loadConfigFile(cm.configPath)
	if err != nil {
		return nil, err
	}
	cm.config = cfg
	return cfg, nil
}

func loadConfigFile(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetEnvPrefix("FLEET")
	v.AutomaticEnv()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.endpoint", "/api")
	v.SetDefault("loop.tick_millis", 250)
	v.SetDefault("loop.create_parallelism", 4)
	v.SetDefault("loop.create_spacing_millis", 500)
	v.SetDefault("loop.delete_delay_millis", 100)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode into config struct: %w", err)
	}

	if config.Database.Username == "" || config.Database.Password == "" ||
		config.Database.Host == "" || config.Database.Port == "" ||
		config.Database.DatabaseName == "" {
		return nil, fmt.Errorf("missing required database configuration")
	}

	if len(config.Targets) == 0 {
		return nil, fmt.Errorf("no targets configured")
	}

	return &config, nil
}

func (cm *ConfigManager) GetConfigPath() string {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return cm.configPath
}
