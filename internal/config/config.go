package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all fightrec settings.
type Config struct {
	OBSHost     string
	OBSPort     int
	OBSPassword string

	// Timeout is the quiet period after the last combat event before the
	// recording stops.
	Timeout time.Duration

	LogDir    string
	OutputDir string

	ConcatenateOutputs bool
	DeleteOriginals    bool

	PollInterval       time.Duration
	FFmpegPath         string
	ClaimRetryInterval time.Duration
	WatchDirEvents     bool
	WaitForRelease     bool
}

// File is the on-disk representation. Unset keys stay zero or nil so Merge
// can tell them apart from explicit values.
type File struct {
	OBSHost            string `toml:"obs_host"`
	OBSPort            int    `toml:"obs_port"`
	OBSPassword        string `toml:"obs_password"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	LogDir             string `toml:"log_dir"`
	OutputDir          string `toml:"output_dir"`
	ConcatenateOutputs *bool  `toml:"concatenate_outputs"`
	DeleteOriginals    *bool  `toml:"delete_originals"`
	PollInterval       string `toml:"poll_interval"`
	FFmpegPath         string `toml:"ffmpeg_path"`
	ClaimRetryInterval string `toml:"claim_retry_interval"`
	WatchDirEvents     *bool  `toml:"watch_dir_events"`
	WaitForRelease     *bool  `toml:"wait_for_release"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		OBSHost:            "localhost",
		OBSPort:            4455,
		Timeout:            60 * time.Second,
		ConcatenateOutputs: true,
		DeleteOriginals:    true,
		PollInterval:       time.Second,
		FFmpegPath:         "ffmpeg",
		ClaimRetryInterval: 10 * time.Second,
	}
}

// GlobalPath returns ~/.config/fightrec/config.toml.
func GlobalPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "fightrec", "config.toml"), nil
}

// LoadGlobal reads ~/.config/fightrec/config.toml.
// Returns nil (no error) if the file is absent.
func LoadGlobal() (*File, error) {
	path, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadProject reads .fightrec.toml in the current working directory.
// Returns nil (no error) if the file is absent.
func LoadProject() (*File, error) {
	return LoadFile(".fightrec.toml")
}

// LoadFile parses the TOML file at path. Returns nil when the file is absent.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if _, err := f.durations(); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &f, nil
}

type fileDurations struct {
	poll, retry time.Duration
}

func (f *File) durations() (fileDurations, error) {
	var d fileDurations
	var err error
	if f.PollInterval != "" {
		if d.poll, err = time.ParseDuration(f.PollInterval); err != nil {
			return d, fmt.Errorf("poll_interval: %w", err)
		}
	}
	if f.ClaimRetryInterval != "" {
		if d.retry, err = time.ParseDuration(f.ClaimRetryInterval); err != nil {
			return d, fmt.Errorf("claim_retry_interval: %w", err)
		}
	}
	return d, nil
}

// Merge combines global and project files, with project taking precedence.
// Missing keys fall back to global, then defaults.
func Merge(global, project *File) Config {
	result := Defaults()
	for _, f := range []*File{global, project} {
		if f != nil {
			apply(&result, f)
		}
	}
	return result
}

func apply(c *Config, f *File) {
	if f.OBSHost != "" {
		c.OBSHost = f.OBSHost
	}
	if f.OBSPort != 0 {
		c.OBSPort = f.OBSPort
	}
	if f.OBSPassword != "" {
		c.OBSPassword = f.OBSPassword
	}
	if f.TimeoutSeconds != 0 {
		c.Timeout = time.Duration(f.TimeoutSeconds) * time.Second
	}
	if f.LogDir != "" {
		c.LogDir = expandPath(f.LogDir)
	}
	if f.OutputDir != "" {
		c.OutputDir = expandPath(f.OutputDir)
	}
	if f.ConcatenateOutputs != nil {
		c.ConcatenateOutputs = *f.ConcatenateOutputs
	}
	if f.DeleteOriginals != nil {
		c.DeleteOriginals = *f.DeleteOriginals
	}
	if f.FFmpegPath != "" {
		c.FFmpegPath = f.FFmpegPath
	}
	if f.WatchDirEvents != nil {
		c.WatchDirEvents = *f.WatchDirEvents
	}
	if f.WaitForRelease != nil {
		c.WaitForRelease = *f.WaitForRelease
	}
	// LoadFile has already rejected malformed durations.
	d, _ := f.durations()
	if d.poll != 0 {
		c.PollInterval = d.poll
	}
	if d.retry != 0 {
		c.ClaimRetryInterval = d.retry
	}
}

// Validate reports settings that would prevent the recorder from running.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.LogDir) == "" {
		errs = append(errs, errors.New("log_dir is not set"))
	} else if info, err := os.Stat(c.LogDir); err != nil {
		errs = append(errs, fmt.Errorf("log_dir: %w", err))
	} else if !info.IsDir() {
		errs = append(errs, fmt.Errorf("log_dir %s is not a directory", c.LogDir))
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		errs = append(errs, errors.New("output_dir is not set"))
	}
	if c.OBSPort <= 0 || c.OBSPort > 65535 {
		errs = append(errs, fmt.Errorf("obs_port %d out of range", c.OBSPort))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout_seconds must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	return errors.Join(errs...)
}

// expandPath resolves a leading ~ to the home directory.
func expandPath(path string) string {
	trimmed := strings.TrimSpace(path)
	if !strings.HasPrefix(trimmed, "~") {
		return trimmed
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return trimmed
	}
	return filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
}

// ParseError is returned when a config file exists but cannot be parsed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "failed to parse config file " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
