package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// HomeEnv points every relay-dm directory at one place, so several identities
// or nodes can run side by side on a host
const HomeEnv = EnvPrefix + "HOME"

// ExportDirName is the data subdirectory that receives exported keys
const ExportDirName = "exported_keys"

type AppPaths struct {
	AppDir    string
	ConfigDir string
	LogDir    string
	DataDir   string
}

func GetAppPaths(appName string) *AppPaths {
	if appName == "" {
		appName = "relay-dm"
	}

	paths := &AppPaths{}

	if home := strings.TrimSpace(os.Getenv(HomeEnv)); home != "" {
		paths.AppDir = home
		paths.ConfigDir = home
		paths.LogDir = filepath.Join(home, "logs")
		paths.DataDir = home
		return ensureAppDirs(paths)
	}

	var homeDir string
	var err error

	// Get home directory
	if homeDir, err = os.UserHomeDir(); err != nil {
		// Fallback to current directory if home directory is not available
		if homeDir, err = os.Getwd(); err != nil {
			homeDir = "."
		}
	}

	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		paths.AppDir = filepath.Join(appData, appName)
		paths.ConfigDir = paths.AppDir
		paths.LogDir = filepath.Join(paths.AppDir, "logs")
		paths.DataDir = paths.AppDir

	case "darwin":
		paths.AppDir = filepath.Join(homeDir, "Library", "Application Support", appName)
		paths.ConfigDir = paths.AppDir
		paths.LogDir = filepath.Join(homeDir, "Library", "Logs", appName)
		paths.DataDir = paths.AppDir

	case "linux":
		// Follow XDG Base Directory Specification
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			configHome = filepath.Join(homeDir, ".config")
		}

		dataHome := os.Getenv("XDG_DATA_HOME")
		if dataHome == "" {
			dataHome = filepath.Join(homeDir, ".local", "share")
		}

		// message logs are state, not cache
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			stateHome = filepath.Join(homeDir, ".local", "state")
		}

		paths.AppDir = filepath.Join(dataHome, appName)
		paths.ConfigDir = filepath.Join(configHome, appName)
		paths.LogDir = filepath.Join(stateHome, appName, "logs")
		paths.DataDir = filepath.Join(dataHome, appName)

	default:
		// Fallback for unknown OS
		paths.AppDir = filepath.Join(homeDir, "."+appName)
		paths.ConfigDir = paths.AppDir
		paths.LogDir = filepath.Join(paths.AppDir, "logs")
		paths.DataDir = paths.AppDir
	}

	return ensureAppDirs(paths)
}

// ensureAppDirs creates the directories, falling back to the working directory.
// DataDir holds the keystore and message databases, so it is private to the user.
func ensureAppDirs(paths *AppPaths) *AppPaths {
	for _, dir := range []string{paths.AppDir, paths.ConfigDir, paths.LogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fallbackAppPaths()
		}
	}
	if err := os.MkdirAll(paths.DataDir, 0700); err != nil {
		return fallbackAppPaths()
	}
	return paths
}

func fallbackAppPaths() *AppPaths {
	return &AppPaths{AppDir: ".", ConfigDir: ".", LogDir: ".", DataDir: "."}
}

// IdentityFileName scopes a data file to an identity, so switching identities
// never mixes their stores: relay-dm.db becomes relay-dm-<key prefix>.db
func IdentityFileName(base, identity string) string {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if ext == "" {
		ext = ".db"
	}
	short := strings.ToLower(identity)
	if len(short) > 16 {
		short = short[:16]
	}
	return fmt.Sprintf("%s-%s%s", stem, short, ext)
}

// GetConfigPath returns the path to a config file
func (ap *AppPaths) GetConfigPath(filename string) string {
	return filepath.Join(ap.ConfigDir, filename)
}

// GetDataPath returns the path to a data file
func (ap *AppPaths) GetDataPath(filename string) string {
	return filepath.Join(ap.DataDir, filename)
}

// GetIdentityDataPath returns the path of an identity scoped data file
func (ap *AppPaths) GetIdentityDataPath(base, identity string) string {
	return filepath.Join(ap.DataDir, IdentityFileName(base, identity))
}

// GetExportPath returns the path of an exported key file
func (ap *AppPaths) GetExportPath(filename string) string {
	return filepath.Join(ap.DataDir, ExportDirName, filename)
}
