package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// getConfigDir returns the config directory path.
// Uses SNAPINDEX_CONFIG_DIR env var if set, otherwise defaults to
// ~/.snapindex. Computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("SNAPINDEX_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".snapindex")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// SocketPath returns the Unix socket path
func SocketPath() string {
	return filepath.Join(getConfigDir(), "indexer.sock")
}

// PidPath returns the PID file path
func PidPath() string {
	return filepath.Join(getConfigDir(), "indexer.pid")
}

// LockPath returns the lock file path
func LockPath() string {
	return filepath.Join(getConfigDir(), "indexer.lock")
}

// LogPath returns the log file path.
// Uses SNAPINDEX_LOG env var if set, otherwise config_dir/indexer.log.
func LogPath() string {
	if envPath := os.Getenv("SNAPINDEX_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), "indexer.log")
}

// DataDir holds the client database, CBT sidecars and token files.
func DataDir() string {
	return filepath.Join(getConfigDir(), "data")
}

// FilelistDir is where file lists are staged and published.
func FilelistDir() string {
	return filepath.Join(getConfigDir(), "filelists")
}

// SettingsPath returns the settings file path
func SettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// EnsureConfigDir creates the config directory tree if it doesn't exist
func EnsureConfigDir() error {
	for _, dir := range []string{getConfigDir(), DataDir(), FilelistDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Settings is the on-disk daemon configuration.
type Settings struct {
	LogLevel string `yaml:"log_level"` // trace, debug, info, warn, off (default: off)

	// Exclude/include pattern lists, semicolon separated glob patterns.
	ExcludeFiles string `yaml:"exclude_files"`
	IncludeFiles string `yaml:"include_files"`

	// BackupIgnore holds extra exclude rules in gitignore syntax.
	BackupIgnore []string `yaml:"backup_ignore"`

	// CbtVolumes lists the volumes with change block tracking enabled.
	CbtVolumes []string `yaml:"cbt_volumes"`

	// Snapshot scripts; empty disables snapshots.
	SnapshotCreateCmd string `yaml:"snapshot_create_cmd"`
	SnapshotRemoveCmd string `yaml:"snapshot_remove_cmd"`

	// HookDir holds prefilebackup/postfileindex scripts.
	HookDir string `yaml:"hook_dir"`

	// ProperSymlinks switches the file list close token.
	ProperSymlinks bool `yaml:"proper_symlinks"`

	// EndToEndVerification adds sha256_verify hashes to emitted files.
	EndToEndVerification bool `yaml:"end_to_end_verification"`

	// AsyncIndexGraceSecs is the async-index grace period handed to the
	// indexer, which stores it but does not act on it.
	AsyncIndexGraceSecs int `yaml:"async_index_grace_secs"`

	// Watcher enables the fsnotify change-set source.
	Watcher bool `yaml:"watcher"`
}

// ApplyDefaults fills zero-value fields with their defaults.
func (s *Settings) ApplyDefaults() {
	if s.AsyncIndexGraceSecs == 0 {
		s.AsyncIndexGraceSecs = 120
	}
}

// AsyncIndexGrace returns the grace period as a duration.
func (s *Settings) AsyncIndexGrace() time.Duration {
	return time.Duration(s.AsyncIndexGraceSecs) * time.Second
}

// LoadSettings loads the settings file; a missing file yields defaults.
func LoadSettings() (*Settings, error) {
	var s Settings
	data, err := os.ReadFile(SettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.ApplyDefaults()
			return &s, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	s.ApplyDefaults()
	return &s, nil
}

// SaveSettings writes the settings file.
func SaveSettings(s *Settings) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	header := []byte("# snapindex daemon settings\n\n")
	return os.WriteFile(SettingsPath(), append(header, data...), 0600)
}
