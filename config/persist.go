package config

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/fiberhive/oltpoll/errors"
	"github.com/fiberhive/oltpoll/logger"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before
// modifying a config file
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil // No file to backup
	}

	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	// Rotate: .back3 -> delete, .back2 -> .back3, .back1 -> .back2,
	// current -> .back1
	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		logger.Warnw("Failed to delete old backup", "path", back3, "error", err)
	}

	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, 0644); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// GetOverrideConfigPath returns the path of the runtime-managed override
// file in ~/.oltpoll. Settings changed through the API land here, keeping
// hand-edited files untouched.
func GetOverrideConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".oltpoll", "oltpoll_override.toml")
}

// loadOrInitializeOverrideConfig loads the override file, or starts an
// empty one if it doesn't exist
func loadOrInitializeOverrideConfig() (map[string]interface{}, string, error) {
	configPath := GetOverrideConfigPath()
	if configPath == "" {
		return nil, "", errors.New("could not determine home directory")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return nil, "", errors.Wrap(err, "failed to create .oltpoll directory")
	}

	var config map[string]interface{}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(data, &config); err != nil {
			return nil, "", errors.Wrap(err, "failed to parse override config")
		}
	} else {
		config = make(map[string]interface{})
	}

	return config, configPath, nil
}

// saveOverrideConfig writes the override file with backup
func saveOverrideConfig(config map[string]interface{}, configPath string) error {
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	// Mark this as our own write to prevent reload loops
	globalWatcherMu.Lock()
	if globalWatcher != nil {
		globalWatcher.MarkOwnWrite()
	}
	globalWatcherMu.Unlock()

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write override config")
	}

	return nil
}

func updateSection(section, key string, value interface{}) error {
	config, configPath, err := loadOrInitializeOverrideConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load override config")
	}

	var fields map[string]interface{}
	if f, ok := config[section].(map[string]interface{}); ok {
		fields = f
	} else {
		fields = make(map[string]interface{})
	}

	fields[key] = value
	config[section] = fields

	return saveOverrideConfig(config, configPath)
}

// UpdatePollerSlots persists a new poller slot count. The running pool is
// resized on the next config reload by draining and replacing it.
func UpdatePollerSlots(slots int) error {
	if slots < 0 {
		return errors.Newf("poller slots must be >= 0, got %d", slots)
	}
	return updateSection("poller", "slots", slots)
}

// UpdateSchedulerMaxPerMinute persists a new burst smoothing cap.
func UpdateSchedulerMaxPerMinute(max int) error {
	if max < 1 {
		return errors.Newf("max executions per minute must be >= 1, got %d", max)
	}
	return updateSection("scheduler", "max_executions_per_minute", max)
}

// UpdateSNMPRequestsPerSecond persists new per-OLT request pacing.
func UpdateSNMPRequestsPerSecond(rps float64) error {
	if rps <= 0 {
		return errors.Newf("requests per second must be > 0, got %f", rps)
	}
	return updateSection("snmp", "requests_per_second", rps)
}
