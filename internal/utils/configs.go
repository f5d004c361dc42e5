package utils

import (
	"bufio"
	"embed"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix marks environment variables that override config keys
const EnvPrefix = "RELAY_DM_"

//go:embed configs
var defaultConfig embed.FS

type Config map[string]string

type ConfigManager struct {
	configsPath string
	configs     Config
	configMutex sync.RWMutex
}

func NewConfigManager(path string) *ConfigManager {
	err := ensureConfig()
	if err != nil {
		panic(err)
	}

	if path == "" {
		paths := GetAppPaths("")
		path = filepath.Join(paths.ConfigDir, "configs")
	}

	configs, err := readConfigs(path)
	if err != nil {
		panic(err)
	}

	return &ConfigManager{
		configsPath: path,
		configs:     configs,
	}
}

func ensureConfig() error {
	paths := GetAppPaths("")
	configPath := filepath.Join(paths.ConfigDir, "configs")

	// If config doesn't exist, create it from embedded default
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		data, err := defaultConfig.ReadFile("configs/configs")
		if err != nil {
			return err
		}

		return os.WriteFile(configPath, data, 0644)
	}

	return nil
}

func readConfigs(configsPath string) (Config, error) {
	// init config
	config := Config{
		"file": configsPath,
	}

	// return error if config filepath is not provided
	if len(configsPath) == 0 {
		return nil, fmt.Errorf("invalid configs path `%s`", configsPath)
	}

	// open configs file
	file, err := os.Open(configsPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	// instatiate new reader
	reader := bufio.NewReader(file)

	// parse through config file
	for {
		line, err := reader.ReadString('\n')

		// skip comments
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			line = ""
		}

		// check line for '=' delimiter
		if equal := strings.Index(line, "="); equal >= 0 {
			// extract key
			if key := strings.TrimSpace(line[:equal]); len(key) > 0 {
				// init value
				value := ""
				if len(line) > equal {
					// assign value if not empty
					value = strings.TrimSpace(line[equal+1:])
				}

				// assign the config map
				config[key] = value
			}
		}

		// process errors
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	return config, nil
}

func (cm *ConfigManager) GetConfig(key string) (string, bool) {
	cm.configMutex.RLock()
	defer cm.configMutex.RUnlock()

	value, exists := cm.configs[key]
	return value, exists
}

func (cm *ConfigManager) GetConfigWithDefault(key string, defaultValue string) string {
	if value, exists := cm.GetConfig(key); exists {
		return value
	}
	return defaultValue
}

// redactedKeys hold secrets that must never be printed
var redactedKeys = []string{"passphrase", "secret"}

// GetAllConfigs returns a copy of the effective configuration with secret values masked
func (cm *ConfigManager) GetAllConfigs() Config {
	cm.configMutex.RLock()
	defer cm.configMutex.RUnlock()

	configsCopy := make(Config, len(cm.configs))
	for key, value := range cm.configs {
		for _, marker := range redactedKeys {
			if value != "" && strings.Contains(key, marker) {
				value = "********"
				break
			}
		}
		configsCopy[key] = value
	}
	return configsCopy
}

// ReloadConfig re-reads the config file and re-applies the RELAY_DM_* overrides.
// On a read error the current configuration is kept.
func (cm *ConfigManager) ReloadConfig(envFile string) (int, error) {
	newConfigs, err := readConfigs(cm.configsPath)
	if err != nil {
		return 0, fmt.Errorf("failed to reload %s: %v", cm.configsPath, err)
	}

	cm.configMutex.Lock()
	cm.configs = newConfigs
	cm.configMutex.Unlock()

	return cm.ApplyEnvOverrides(envFile)
}

// GetConfigDuration parses a duration string from config with default fallback
func (cm *ConfigManager) GetConfigDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := cm.GetConfigWithDefault(key, defaultValue.String())
	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		fmt.Printf("Invalid duration '%s' for key '%s', using default %v\n", valueStr, key, defaultValue)
		return defaultValue
	}
	return duration
}

// GetConfigInt parses an integer from config with validation
func (cm *ConfigManager) GetConfigInt(key string, defaultValue int, min int, max int) int {
	valueStr := cm.GetConfigWithDefault(key, fmt.Sprintf("%d", defaultValue))
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		fmt.Printf("Invalid integer '%s' for key '%s', using default %d\n", valueStr, key, defaultValue)
		return defaultValue
	}
	if value < min || value > max {
		fmt.Printf("Value %d for key '%s' out of range [%d, %d], using default %d\n", value, key, min, max, defaultValue)
		return defaultValue
	}
	return value
}

// GetConfigInt64 parses an int64 from config with validation
func (cm *ConfigManager) GetConfigInt64(key string, defaultValue int64, min int64, max int64) int64 {
	valueStr := cm.GetConfigWithDefault(key, fmt.Sprintf("%d", defaultValue))
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		fmt.Printf("Invalid int64 '%s' for key '%s', using default %d\n", valueStr, key, defaultValue)
		return defaultValue
	}
	if value < min || value > max {
		fmt.Printf("Value %d for key '%s' out of range [%d, %d], using default %d\n", value, key, min, max, defaultValue)
		return defaultValue
	}
	return value
}

// GetConfigFloat64 parses a float64 from config with validation
func (cm *ConfigManager) GetConfigFloat64(key string, defaultValue float64, min float64, max float64) float64 {
	valueStr := cm.GetConfigWithDefault(key, fmt.Sprintf("%g", defaultValue))
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		fmt.Printf("Invalid float '%s' for key '%s', using default %g\n", valueStr, key, defaultValue)
		return defaultValue
	}
	if value < min || value > max {
		fmt.Printf("Value %g for key '%s' out of range [%g, %g], using default %g\n", value, key, min, max, defaultValue)
		return defaultValue
	}
	return value
}

// GetConfigBytes parses a byte size from config (supports units like KB, MB, GB)
func (cm *ConfigManager) GetConfigBytes(key string, defaultValue int64) int64 {
	valueStr := cm.GetConfigWithDefault(key, fmt.Sprintf("%d", defaultValue))

	// Try to parse as plain number first
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}

	// Parse with units (case insensitive)
	valueStr = strings.ToLower(strings.TrimSpace(valueStr))

	multipliers := map[string]int64{
		"b":  1,
		"kb": 1024,
		"mb": 1024 * 1024,
		"gb": 1024 * 1024 * 1024,
	}

	for suffix, multiplier := range multipliers {
		if strings.HasSuffix(valueStr, suffix) {
			numStr := strings.TrimSuffix(valueStr, suffix)
			if num, err := strconv.ParseFloat(numStr, 64); err == nil {
				return int64(num * float64(multiplier))
			}
		}
	}

	fmt.Printf("Invalid byte size '%s' for key '%s', using default %d\n", valueStr, key, defaultValue)
	return defaultValue
}

// GetConfigSlice parses a comma-separated string into a slice
func (cm *ConfigManager) GetConfigSlice(key string, defaultValues []string) []string {
	valueStr := cm.GetConfigWithDefault(key, strings.Join(defaultValues, ", "))

	if valueStr == "" {
		return defaultValues
	}

	var values []string
	for _, value := range strings.Split(valueStr, ",") {
		value = strings.TrimSpace(value)
		if value != "" {
			values = append(values, value)
		}
	}

	if len(values) == 0 {
		return defaultValues
	}

	return values
}

// GetConfigBool parses a boolean from config with default fallback
func (cm *ConfigManager) GetConfigBool(key string, defaultValue bool) bool {
	valueStr := cm.GetConfigWithDefault(key, strconv.FormatBool(defaultValue))
	valueStr = strings.ToLower(strings.TrimSpace(valueStr))

	// Accept various boolean representations
	switch valueStr {
	case "true", "yes", "1", "on", "enabled":
		return true
	case "false", "no", "0", "off", "disabled":
		return false
	default:
		fmt.Printf("Invalid boolean '%s' for key '%s', using default %v\n", valueStr, key, defaultValue)
		return defaultValue
	}
}

// SetConfig sets a configuration value at runtime
func (cm *ConfigManager) SetConfig(key string, value interface{}) {
	cm.configMutex.Lock()
	defer cm.configMutex.Unlock()

	// Convert value to string
	var strValue string
	switch v := value.(type) {
	case string:
		strValue = v
	case bool:
		strValue = strconv.FormatBool(v)
	case int:
		strValue = strconv.Itoa(v)
	case int64:
		strValue = strconv.FormatInt(v, 10)
	case float64:
		strValue = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		strValue = fmt.Sprintf("%v", v)
	}

	cm.configs[key] = strValue
}

// ApplyEnvOverrides overrides config keys from RELAY_DM_* variables.
// Variables already set in the process environment win over the ones in envFile.
func (cm *ConfigManager) ApplyEnvOverrides(envFile string) (int, error) {
	values := make(map[string]string)

	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			fileValues, err := godotenv.Read(envFile)
			if err != nil {
				return 0, fmt.Errorf("failed to read env file %s: %v", envFile, err)
			}
			maps.Copy(values, fileValues)
		}
	}

	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok {
			values[key] = value
		}
	}

	applied := 0
	for key, value := range values {
		// the home directory is resolved before any config exists
		if !strings.HasPrefix(key, EnvPrefix) || key == HomeEnv {
			continue
		}
		configKey := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		if configKey == "" {
			continue
		}
		cm.SetConfig(configKey, value)
		applied++
	}

	return applied, nil
}
