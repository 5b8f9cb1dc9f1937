// config.go: settings struct and functions to load and save the settings.
package conf

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// LogConfig contains settings for a rotated log file.
type LogConfig struct {
	Enabled bool   // true to enable this log
	Path    string // path to log file
}

// MainSettings contains general application settings.
type MainSettings struct {
	Name string    // name of this node, can be used to identify the source of detections
	Log  LogConfig // main log settings
}

// ClassifierSettings contains settings for the external AI classifier service.
type ClassifierSettings struct {
	Endpoint     string        // URL of the classifier inference endpoint
	APIKey       string        // optional bearer token for the classifier service
	Timeout      time.Duration // per-request timeout
	ModelVersion string        // expected model version, informational only
}

// ReviewSettings contains settings for the review engine.
type ReviewSettings struct {
	BatchLimit int // maximum number of ids accepted in one batch operation
}

// AggregationSettings contains settings for counter updates.
type AggregationSettings struct {
	MaxRetries   int           // bounded retries on version conflict
	RetryBackoff time.Duration // initial backoff between retries, doubled per attempt
}

// SiteSettings describes one census site provisioned at startup.
type SiteSettings struct {
	ID        string  // unique site identifier used in allocations
	Name      string  // human readable site name
	Latitude  float64 // site latitude
	Longitude float64 // site longitude
}

// WebServerSettings contains settings for the HTTP API server.
type WebServerSettings struct {
	Enabled bool      // true to enable HTTP API
	Port    string    // port for HTTP API server
	Log     LogConfig // web server log settings
}

// OutputSettings contains database output settings.
type OutputSettings struct {
	SQLite struct {
		Enabled bool   // true to enable sqlite output
		Path    string // path to sqlite database
	}

	MySQL struct {
		Enabled  bool   // true to enable mysql output
		Username string // username for mysql database
		Password string // password for mysql database
		Database string // database name for mysql database
		Host     string // host for mysql database
		Port     string // port for mysql database
	}
}

// Settings contains all application settings.
type Settings struct {
	Debug bool // true to enable debug logging

	Main        MainSettings
	Classifier  ClassifierSettings
	Review      ReviewSettings
	Aggregation AggregationSettings
	WebServer   WebServerSettings
	Output      OutputSettings
	Sites       []SiteSettings // census sites provisioned at startup
}

// settingsInstance is the current settings instance
var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into Settings.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}

	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	// Set default values for each configuration parameter,
	// function defined in defaults.go
	setDefaultConfig()

	err = viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			// Config file not found, create one with defaults
			return createDefaultConfig()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig writes the current defaults to the first config path.
func createDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	defaults := &Settings{}
	if err := viper.Unmarshal(defaults); err != nil {
		return fmt.Errorf("error unmarshaling defaults: %w", err)
	}

	yamlData, err := yaml.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("error marshaling defaults to YAML: %w", err)
	}

	if err := os.WriteFile(configPath, yamlData, 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	fmt.Println("Created default config file at:", configPath)
	return viper.ReadInConfig()
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Setting returns the current settings instance, initializing it if necessary
func Setting() *Settings {
	once.Do(func() {
		if settingsInstance == nil {
			_, err := Load()
			if err != nil {
				log.Fatalf("Error loading settings: %v", err)
			}
		}
	})
	return GetSettings()
}

// SaveSettings saves the current settings to the configuration file.
func SaveSettings() error {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()

	settingsCopy := *settingsInstance

	configPath, err := FindConfigFile()
	if err != nil {
		return fmt.Errorf("error finding config file: %w", err)
	}

	if err := SaveYAMLConfig(configPath, &settingsCopy); err != nil {
		return fmt.Errorf("error saving config: %w", err)
	}

	log.Printf("Settings saved successfully to %s", configPath)
	return nil
}

// SaveYAMLConfig updates the YAML configuration file with new settings.
// It overwrites the existing file, not preserving comments or structure.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	// Write the YAML data to a temporary file first to ensure an atomic
	// replace of the config file.
	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary config file: %w", err)
	}
	tempName := tempFile.Name()

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		os.Remove(tempName)
		return fmt.Errorf("error writing temporary config file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("error closing temporary config file: %w", err)
	}

	if err := os.Rename(tempName, configPath); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("error replacing config file: %w", err)
	}

	return nil
}

// FindConfigFile returns the path of the config file in use.
func FindConfigFile() (string, error) {
	if used := viper.ConfigFileUsed(); used != "" {
		return used, nil
	}

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return "", err
	}
	return filepath.Join(configPaths[0], "config.yaml"), nil
}

// GetDefaultConfigPaths returns the platform config search paths.
func GetDefaultConfigPaths() ([]string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("error resolving user config dir: %w", err)
	}

	return []string{
		filepath.Join(configDir, "birdcensus-go"),
		".",
	}, nil
}

// ValidateSettings checks loaded settings for values the pipeline cannot run with.
func ValidateSettings(settings *Settings) error {
	if settings.Review.BatchLimit <= 0 {
		return fmt.Errorf("review.batchlimit must be positive, got %d", settings.Review.BatchLimit)
	}
	if settings.Aggregation.MaxRetries < 0 {
		return fmt.Errorf("aggregation.maxretries must not be negative, got %d", settings.Aggregation.MaxRetries)
	}
	if settings.Classifier.Timeout <= 0 {
		return fmt.Errorf("classifier.timeout must be positive, got %s", settings.Classifier.Timeout)
	}
	if !settings.Output.SQLite.Enabled && !settings.Output.MySQL.Enabled {
		return fmt.Errorf("no database output enabled, enable output.sqlite or output.mysql")
	}
	return nil
}
