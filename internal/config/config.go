package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. MERGE_JWL_LOG_LEVEL.
const EnvPrefix = "MERGE_JWL"

type Config struct {
	ModulePath  string       `mapstructure:"module_path"`
	LogLevel    string       `mapstructure:"log_level"`
	OutputDir   string       `mapstructure:"output_dir"`
	DownloadDir string       `mapstructure:"download_dir"`
	Upload      UploadConfig `mapstructure:"upload"`
	Wasm        WasmConfig   `mapstructure:"wasm"`
}

// UploadConfig controls how backups are streamed into the module.
type UploadConfig struct {
	// Read size per chunk, in bytes.
	ChunkSize int `mapstructure:"chunk_size"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Memory limit for the module (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages"`
	// Keep debug info so traps carry source positions.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory. Empty disables the on-disk cache.
	CacheDir string `mapstructure:"cache_dir"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("module_path", "./module")
	v.SetDefault("log_level", "info")
	v.SetDefault("output_dir", ".")
	v.SetDefault("download_dir", "")
	v.SetDefault("upload.chunk_size", 64*1024)

	// Wasm defaults
	v.SetDefault("wasm.memory_pages", 16384) // 1GB
	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.cache_dir", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
