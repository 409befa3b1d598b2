// Package config loads recorder configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then a
// .env file, then RECORDER_* environment variables. The result is checked
// with struct tags before use.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/aqibmumtaz/speech-training-recorder/internal/audio"
	apperrors "github.com/aqibmumtaz/speech-training-recorder/internal/errors"
	"github.com/aqibmumtaz/speech-training-recorder/internal/prompt"
)

const envPrefix = "RECORDER_"

// Config is the complete recorder configuration.
type Config struct {
	HTTPAddr       string   `yaml:"http_addr" validate:"required"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	SaveDir        string   `yaml:"save_dir" validate:"required"`

	Prompts PromptsConfig `yaml:"prompts"`
	Audio   AudioConfig   `yaml:"audio"`
	Logging LoggingConfig `yaml:"logging"`
}

// PromptsConfig selects the corpus and how prompts are drawn from it.
type PromptsConfig struct {
	File             string `yaml:"file" validate:"required"`
	SamplesPerPrompt int    `yaml:"samples_per_prompt" validate:"min=1"`
	Count            int    `yaml:"count" validate:"min=0"`
	SoftMaxLen       int    `yaml:"soft_max_len" validate:"min=0"`
	Ordered          bool   `yaml:"ordered"`
	Reload           bool   `yaml:"reload"`
	Validation       bool   `yaml:"validation"`
}

// AudioConfig controls capture and trimming.
type AudioConfig struct {
	SampleRate      int      `yaml:"sample_rate" validate:"oneof=8000 16000 32000 48000"`
	FramesPerBlock  int      `yaml:"frames_per_block" validate:"min=64,max=16384"`
	QueueBlocks     int      `yaml:"queue_blocks" validate:"min=1"`
	DropLastBlocks  int      `yaml:"drop_last_blocks" validate:"min=0"`
	PreferredDevice string   `yaml:"preferred_device"`
	ExcludedDevices []string `yaml:"excluded_devices"`
	Trim            bool     `yaml:"trim"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"min=0"`
	MaxBackups int    `yaml:"max_backups" validate:"min=0"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		HTTPAddr:       ":8000",
		AllowedOrigins: []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		SaveDir:        "./output",
		Prompts: PromptsConfig{
			SamplesPerPrompt: 5,
			Count:            100,
			Ordered:          true,
		},
		Audio: AudioConfig{
			SampleRate:     audio.DefaultSampleRate,
			FramesPerBlock: audio.DefaultFramesPerBlock,
			QueueBlocks:    audio.DefaultQueueBlocks,
			DropLastBlocks: audio.DefaultDropLastBlocks,
			Trim:           true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

// Load builds the configuration. path names an optional YAML file; an empty
// path skips that layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrapf(err, apperrors.CodeConfigInvalid, "read config file %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Wrapf(err, apperrors.CodeConfigInvalid, "parse config file %s", path)
		}
	}

	envFile := getEnv("RECORDER_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.Wrapf(err, apperrors.CodeConfigInvalid, "load %s", envFile)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv(envPrefix+"HTTP_ADDR", c.HTTPAddr)
	c.AllowedOrigins = getEnvList(envPrefix+"ALLOWED_ORIGINS", c.AllowedOrigins)
	c.SaveDir = getEnv(envPrefix+"SAVE_DIR", c.SaveDir)

	p := &c.Prompts
	p.File = getEnv(envPrefix+"PROMPTS_FILE", p.File)
	p.SamplesPerPrompt = getEnvInt(envPrefix+"SAMPLES_PER_PROMPT", p.SamplesPerPrompt)
	p.Count = getEnvInt(envPrefix+"PROMPTS_COUNT", p.Count)
	p.SoftMaxLen = getEnvInt(envPrefix+"PROMPT_LEN_SOFT_MAX", p.SoftMaxLen)
	p.Ordered = getEnvBool(envPrefix+"ORDERED", p.Ordered)
	p.Reload = getEnvBool(envPrefix+"RELOAD", p.Reload)
	p.Validation = getEnvBool(envPrefix+"VALIDATION", p.Validation)

	a := &c.Audio
	a.SampleRate = getEnvInt(envPrefix+"SAMPLE_RATE", a.SampleRate)
	a.FramesPerBlock = getEnvInt(envPrefix+"FRAMES_PER_BLOCK", a.FramesPerBlock)
	a.QueueBlocks = getEnvInt(envPrefix+"QUEUE_BLOCKS", a.QueueBlocks)
	a.DropLastBlocks = getEnvInt(envPrefix+"DROP_LAST_BLOCKS", a.DropLastBlocks)
	a.PreferredDevice = getEnv(envPrefix+"AUDIO_DEVICE", a.PreferredDevice)
	a.ExcludedDevices = getEnvList(envPrefix+"EXCLUDED_AUDIO_DEVICES", a.ExcludedDevices)
	a.Trim = getEnvBool(envPrefix+"TRIM", a.Trim)

	l := &c.Logging
	l.Level = strings.ToLower(getEnv(envPrefix+"LOG_LEVEL", l.Level))
	l.File = getEnv(envPrefix+"LOG_FILE", l.File)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return apperrors.Wrapf(err, apperrors.CodeConfigInvalid,
				"%s fails %q (got %v)", fe.Namespace(), fe.ActualTag(), fe.Value())
		}
		return apperrors.Wrap(err, apperrors.CodeConfigInvalid, "invalid configuration")
	}
	return nil
}

// Prepare creates the save directory and checks that the corpus exists.
// It must succeed before any recording starts.
func (c *Config) Prepare() error {
	if err := os.MkdirAll(c.SaveDir, 0o755); err != nil {
		return apperrors.Wrapf(err, apperrors.CodeConfigInvalid, "create save dir %s", c.SaveDir)
	}
	info, err := os.Stat(c.SaveDir)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.CodeConfigInvalid, "stat save dir %s", c.SaveDir)
	}
	if !info.IsDir() {
		return apperrors.Newf(apperrors.CodeConfigInvalid, "save dir %s is not a directory", c.SaveDir)
	}

	info, err = os.Stat(c.Prompts.File)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.CodeConfigInvalid, "prompts file %s", c.Prompts.File)
	}
	if !info.Mode().IsRegular() {
		return apperrors.Newf(apperrors.CodeConfigInvalid, "prompts file %s is not a file", c.Prompts.File)
	}
	return nil
}

// Mode returns the prompt mode. Validation takes precedence over reload.
func (c *Config) Mode() prompt.Mode {
	switch {
	case c.Prompts.Validation:
		return prompt.Validate
	case c.Prompts.Reload:
		return prompt.Reload
	}
	return prompt.Raw
}

// PromptOptions returns the corpus selection options.
func (c *Config) PromptOptions() prompt.Options {
	return prompt.Options{
		SamplesPerPrompt: c.Prompts.SamplesPerPrompt,
		Count:            c.Prompts.Count,
		Ordered:          c.Prompts.Ordered,
		SoftMaxLen:       c.Prompts.SoftMaxLen,
	}
}

// DeviceConfig returns the capture device settings.
func (c *Config) DeviceConfig() audio.DeviceConfig {
	return audio.DeviceConfig{
		SampleRate:      c.Audio.SampleRate,
		FramesPerBlock:  c.Audio.FramesPerBlock,
		PreferredDevice: c.Audio.PreferredDevice,
		ExcludedDevices: c.Audio.ExcludedDevices,
	}
}

func (c *Config) String() string {
	return fmt.Sprintf("addr=%s save_dir=%s prompts=%s mode=%s rate=%d",
		c.HTTPAddr, c.SaveDir, c.Prompts.File, c.Mode(), c.Audio.SampleRate)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
