package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	Traces         string `yaml:"traces"` // auto, stdout, none
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind             string `yaml:"bind"`
	Port             int    `yaml:"port"`
	KeepAliveSeconds int    `yaml:"keep_alive_seconds"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Engine      EngineConfig    `yaml:"engine"`
	Cache       CacheConfig     `yaml:"cache"`
	Workers     WorkersConfig   `yaml:"workers"`
	Synthesis   SynthesisConfig `yaml:"synthesis"`
	Bus         BusConfig       `yaml:"bus"`
}

// EngineConfig selects the synthesis backend and the model retention policy.
type EngineConfig struct {
	Mode            string   `yaml:"mode"` // mock, exec
	Command         string   `yaml:"command"`
	Device          string   `yaml:"device"`
	Languages       []string `yaml:"languages"`
	DefaultLanguage string   `yaml:"default_language"`
	RetainModels    int      `yaml:"retain_models"`
	Preload         bool     `yaml:"preload"`
	WorkDir         string   `yaml:"work_dir"`
	LoadTimeoutMS   int      `yaml:"load_timeout_ms"`
	MockLoadMS      int      `yaml:"mock_load_ms"`
	MockSynthMS     int      `yaml:"mock_synth_ms"`
}

type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

type WorkersConfig struct {
	Size           int `yaml:"size"`
	QueueDepth     int `yaml:"queue_depth"`
	DrainTimeoutMS int `yaml:"drain_timeout_ms"`
}

// SynthesisConfig holds request defaults applied when a client omits a
// field, and the limits requests are checked against.
type SynthesisConfig struct {
	SampleRate    int     `yaml:"sample_rate"`
	MinSampleRate int     `yaml:"min_sample_rate"`
	MaxSampleRate int     `yaml:"max_sample_rate"`
	SDPRatio      float64 `yaml:"sdp_ratio"`
	NoiseScale    float64 `yaml:"noise_scale"`
	NoiseScaleW   float64 `yaml:"noise_scale_w"`
	Speed         float64 `yaml:"speed"`
	ChunkSize     int     `yaml:"chunk_size"`
	MaxText       int     `yaml:"max_text_runes"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// SupportedLanguages mirrors the language set shipped with MeloTTS.
var SupportedLanguages = []string{"EN", "ES", "FR", "ZH", "JP", "KR"}

func Default() Config {
	return Config{
		RuntimeName: "loqa-tts",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:             "0.0.0.0",
			Port:             8000,
			KeepAliveSeconds: 300,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
			Traces:       "auto",
		},
		Engine: EngineConfig{
			Mode:            "mock",
			Device:          "auto",
			Languages:       append([]string(nil), SupportedLanguages...),
			DefaultLanguage: "EN",
			RetainModels:    1,
			Preload:         true,
			LoadTimeoutMS:   120000,
		},
		Cache: CacheConfig{
			MaxEntries: 2048,
		},
		Workers: WorkersConfig{
			Size:           4,
			QueueDepth:     32,
			DrainTimeoutMS: 30000,
		},
		Synthesis: SynthesisConfig{
			SampleRate:    22050,
			MinSampleRate: 8000,
			MaxSampleRate: 192000,
			SDPRatio:      0.2,
			NoiseScale:    0.6,
			NoiseScaleW:   0.8,
			Speed:         1.0,
			ChunkSize:     1024,
			MaxText:       5000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Host:           "0.0.0.0",
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_TTS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_TTS_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_TTS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_TTS_HTTP_PORT")
	overrideInt(&cfg.HTTP.KeepAliveSeconds, "LOQA_TTS_HTTP_KEEP_ALIVE_SECONDS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TTS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TTS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TTS_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.Traces, "LOQA_TTS_TELEMETRY_TRACES")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TTS_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Engine.Mode, "LOQA_TTS_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_TTS_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Device, "LOQA_TTS_ENGINE_DEVICE")
	overrideStringSlice(&cfg.Engine.Languages, "LOQA_TTS_ENGINE_LANGUAGES")
	overrideString(&cfg.Engine.DefaultLanguage, "LOQA_TTS_ENGINE_DEFAULT_LANGUAGE")
	overrideInt(&cfg.Engine.RetainModels, "LOQA_TTS_ENGINE_RETAIN_MODELS")
	overrideBool(&cfg.Engine.Preload, "LOQA_TTS_ENGINE_PRELOAD")
	overrideString(&cfg.Engine.WorkDir, "LOQA_TTS_ENGINE_WORK_DIR")
	overrideInt(&cfg.Engine.LoadTimeoutMS, "LOQA_TTS_ENGINE_LOAD_TIMEOUT_MS")
	overrideInt(&cfg.Engine.MockLoadMS, "LOQA_TTS_ENGINE_MOCK_LOAD_MS")
	overrideInt(&cfg.Engine.MockSynthMS, "LOQA_TTS_ENGINE_MOCK_SYNTH_MS")
	overrideInt(&cfg.Cache.MaxEntries, "LOQA_TTS_CACHE_MAX_ENTRIES")
	overrideInt(&cfg.Workers.Size, "LOQA_TTS_WORKERS_SIZE")
	overrideInt(&cfg.Workers.QueueDepth, "LOQA_TTS_WORKERS_QUEUE_DEPTH")
	overrideInt(&cfg.Workers.DrainTimeoutMS, "LOQA_TTS_WORKERS_DRAIN_TIMEOUT_MS")
	overrideInt(&cfg.Synthesis.SampleRate, "LOQA_TTS_SYNTHESIS_SAMPLE_RATE")
	overrideInt(&cfg.Synthesis.MinSampleRate, "LOQA_TTS_SYNTHESIS_MIN_SAMPLE_RATE")
	overrideInt(&cfg.Synthesis.MaxSampleRate, "LOQA_TTS_SYNTHESIS_MAX_SAMPLE_RATE")
	overrideFloat(&cfg.Synthesis.SDPRatio, "LOQA_TTS_SYNTHESIS_SDP_RATIO")
	overrideFloat(&cfg.Synthesis.NoiseScale, "LOQA_TTS_SYNTHESIS_NOISE_SCALE")
	overrideFloat(&cfg.Synthesis.NoiseScaleW, "LOQA_TTS_SYNTHESIS_NOISE_SCALE_W")
	overrideFloat(&cfg.Synthesis.Speed, "LOQA_TTS_SYNTHESIS_SPEED")
	overrideInt(&cfg.Synthesis.ChunkSize, "LOQA_TTS_SYNTHESIS_CHUNK_SIZE")
	overrideInt(&cfg.Synthesis.MaxText, "LOQA_TTS_SYNTHESIS_MAX_TEXT_RUNES")
	overrideBool(&cfg.Bus.Enabled, "LOQA_TTS_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_TTS_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_TTS_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_TTS_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_TTS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_TTS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_TTS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_TTS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_TTS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_TTS_BUS_CONNECT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// normalize upper-cases language codes so lookups are case-insensitive.
func normalize(cfg *Config) {
	for i, lang := range cfg.Engine.Languages {
		cfg.Engine.Languages[i] = strings.ToUpper(strings.TrimSpace(lang))
	}
	cfg.Engine.DefaultLanguage = strings.ToUpper(strings.TrimSpace(cfg.Engine.DefaultLanguage))
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.KeepAliveSeconds < 0 {
		return errors.New("http.keep_alive_seconds must be >= 0")
	}
	switch cfg.Telemetry.Traces {
	case "auto", "stdout", "none":
	default:
		return errors.New("telemetry.traces must be one of auto|stdout|none")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec":
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.Mode == "exec" && strings.TrimSpace(cfg.Engine.Command) == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if len(cfg.Engine.Languages) == 0 {
		return errors.New("engine.languages must not be empty")
	}
	found := false
	for _, lang := range cfg.Engine.Languages {
		if lang == "" {
			return errors.New("engine.languages must not contain empty entries")
		}
		if lang == cfg.Engine.DefaultLanguage {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("engine.default_language %q must be listed in engine.languages", cfg.Engine.DefaultLanguage)
	}
	if cfg.Engine.RetainModels < 1 {
		return errors.New("engine.retain_models must be >= 1")
	}
	if cfg.Engine.LoadTimeoutMS <= 0 {
		return errors.New("engine.load_timeout_ms must be positive")
	}
	if cfg.Engine.MockLoadMS < 0 || cfg.Engine.MockSynthMS < 0 {
		return errors.New("engine mock delays must be >= 0")
	}
	if cfg.Cache.MaxEntries <= 0 {
		return errors.New("cache.max_entries must be positive")
	}
	if cfg.Workers.Size <= 0 {
		return errors.New("workers.size must be >= 1")
	}
	if cfg.Workers.QueueDepth < 0 {
		return errors.New("workers.queue_depth must be >= 0")
	}
	if cfg.Workers.DrainTimeoutMS < 0 {
		return errors.New("workers.drain_timeout_ms must be >= 0")
	}
	if cfg.Synthesis.MinSampleRate <= 0 || cfg.Synthesis.MaxSampleRate < cfg.Synthesis.MinSampleRate {
		return errors.New("synthesis.min_sample_rate must be positive and not above synthesis.max_sample_rate")
	}
	if cfg.Synthesis.SampleRate < cfg.Synthesis.MinSampleRate || cfg.Synthesis.SampleRate > cfg.Synthesis.MaxSampleRate {
		return fmt.Errorf("synthesis.sample_rate must be between %d and %d", cfg.Synthesis.MinSampleRate, cfg.Synthesis.MaxSampleRate)
	}
	if cfg.Synthesis.Speed <= 0 || math.IsNaN(cfg.Synthesis.Speed) || math.IsInf(cfg.Synthesis.Speed, 0) {
		return errors.New("synthesis.speed must be a positive number")
	}
	if cfg.Synthesis.ChunkSize <= 0 {
		return errors.New("synthesis.chunk_size must be positive")
	}
	if cfg.Synthesis.MaxText < 0 {
		return errors.New("synthesis.max_text_runes must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	return nil
}
