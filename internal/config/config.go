package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Presence    PresenceConfig    `yaml:"presence"`
	Transcript  TranscriptConfig  `yaml:"transcript"`
	Translation TranslationConfig `yaml:"translation"`
	Quota       QuotaConfig       `yaml:"quota"`
	UsageStore  UsageStoreConfig  `yaml:"usage_store"`
	STT         STTConfig         `yaml:"stt"`
	LLM         LLMConfig         `yaml:"llm"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// PresenceConfig controls how long a satellite stays healthy without a heartbeat.
type PresenceConfig struct {
	HeartbeatTimeout int `yaml:"heartbeat_timeout_ms"`
	SweepInterval    int `yaml:"sweep_interval_ms"`
}

type TranscriptConfig struct {
	MaxEntries       int `yaml:"max_entries"`
	InterimGrowth    int `yaml:"interim_growth_chars"`
	InterimInterval  int `yaml:"interim_interval_ms"`
	TranslateTimeout int `yaml:"translate_timeout_ms"`
}

type TranslationConfig struct {
	SourceLanguage  string            `yaml:"source_language"`
	TargetLanguage  string            `yaml:"target_language"`
	RefineModel     string            `yaml:"refine_model"`
	Providers       []string          `yaml:"providers"`
	Overrides       map[string]string `yaml:"overrides"`
	ProviderTimeout int               `yaml:"provider_timeout_ms"`
	BreakerFailures int               `yaml:"breaker_failures"`
	BreakerCooldown int               `yaml:"breaker_cooldown_ms"`
	Baidu           BaiduConfig       `yaml:"baidu"`
	Google          GoogleConfig      `yaml:"google"`
}

type BaiduConfig struct {
	Endpoint string `yaml:"endpoint"`
	AppID    string `yaml:"app_id"`
	Secret   string `yaml:"secret"`
}

type GoogleConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type QuotaConfig struct {
	DailyLimitSeconds int `yaml:"daily_limit_seconds"`
}

type UsageStoreConfig struct {
	Mode          string `yaml:"mode"` // memory, sqlite
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type STTConfig struct {
	Mode      string          `yaml:"mode"` // browser, native, cloud, satellite
	Language  string          `yaml:"language"`
	Browser   BrowserConfig   `yaml:"browser"`
	Native    NativeConfig    `yaml:"native"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Satellite SatelliteConfig `yaml:"satellite"`
}

type BrowserConfig struct {
	RestartBackoffMS int `yaml:"restart_backoff_ms"`
}

type NativeConfig struct {
	Command          string `yaml:"command"`
	MaxRestarts      int    `yaml:"max_restarts"`
	RestartBackoffMS int    `yaml:"restart_backoff_ms"`
}

type CloudConfig struct {
	Recognizer    string       `yaml:"recognizer"` // google, gemini, exec, mock
	APIKey        string       `yaml:"api_key"`
	Gemini        GeminiConfig `yaml:"gemini"`
	Command       string       `yaml:"command"`
	ModelPath     string       `yaml:"model_path"`
	Encoding      string       `yaml:"encoding"`
	SampleRate    int          `yaml:"sample_rate"`
	Channels      int          `yaml:"channels"`
	ChunkSeconds  int          `yaml:"chunk_seconds"`
	RecognizeTime int          `yaml:"recognize_timeout_ms"`
}

// GeminiConfig selects the generative model used for chunk transcription.
type GeminiConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
}

type SatelliteConfig struct {
	CommandTimeout int `yaml:"command_timeout_ms"`
}

type LLMConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-captions",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 3000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Presence: PresenceConfig{
			HeartbeatTimeout: 6000,
			SweepInterval:    1000,
		},
		Transcript: TranscriptConfig{
			MaxEntries:       50,
			InterimGrowth:    25,
			InterimInterval:  1500,
			TranslateTimeout: 20000,
		},
		Translation: TranslationConfig{
			SourceLanguage:  "en-US",
			TargetLanguage:  "zh",
			RefineModel:     "none",
			Providers:       []string{"baidu", "llm", "google"},
			Overrides:       map[string]string{},
			ProviderTimeout: 8000,
			BreakerFailures: 5,
			BreakerCooldown: 30000,
			Baidu: BaiduConfig{
				Endpoint: "https://fanyi-api.baidu.com/api/trans/vip/translate",
			},
			Google: GoogleConfig{
				Endpoint: "https://translate.googleapis.com/translate_a/single",
			},
		},
		Quota: QuotaConfig{
			DailyLimitSeconds: 21600,
		},
		UsageStore: UsageStoreConfig{
			Mode:          "sqlite",
			Path:          "./data/usage.db",
			RetentionDays: 30,
		},
		STT: STTConfig{
			Mode:     "browser",
			Language: "en-US",
			Browser: BrowserConfig{
				RestartBackoffMS: 250,
			},
			Native: NativeConfig{
				Command:          "./bin/mac-stt",
				MaxRestarts:      5,
				RestartBackoffMS: 500,
			},
			Cloud: CloudConfig{
				Recognizer: "google",
				Gemini: GeminiConfig{
					Endpoint: "https://generativelanguage.googleapis.com/v1beta",
					Model:    "gemini-2.0-flash",
				},
				Encoding:      "webm_opus",
				SampleRate:    48000,
				Channels:      1,
				ChunkSeconds:  4,
				RecognizeTime: 30000,
			},
			Satellite: SatelliteConfig{
				CommandTimeout: 2000,
			},
		},
		LLM: LLMConfig{
			Enabled:     false,
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   512,
			Temperature: 0.2,
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
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "CAPTIONS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "CAPTIONS_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "CAPTIONS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CAPTIONS_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CAPTIONS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CAPTIONS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CAPTIONS_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "CAPTIONS_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "CAPTIONS_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "CAPTIONS_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "CAPTIONS_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "CAPTIONS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CAPTIONS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CAPTIONS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CAPTIONS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "CAPTIONS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "CAPTIONS_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Presence.HeartbeatTimeout, "CAPTIONS_PRESENCE_HEARTBEAT_TIMEOUT_MS")
	overrideInt(&cfg.Transcript.MaxEntries, "CAPTIONS_TRANSCRIPT_MAX_ENTRIES")
	overrideInt(&cfg.Transcript.InterimGrowth, "CAPTIONS_TRANSCRIPT_INTERIM_GROWTH_CHARS")
	overrideInt(&cfg.Transcript.InterimInterval, "CAPTIONS_TRANSCRIPT_INTERIM_INTERVAL_MS")
	overrideString(&cfg.Translation.SourceLanguage, "CAPTIONS_TRANSLATION_SOURCE_LANGUAGE")
	overrideString(&cfg.Translation.TargetLanguage, "CAPTIONS_TRANSLATION_TARGET_LANGUAGE")
	overrideString(&cfg.Translation.RefineModel, "CAPTIONS_TRANSLATION_REFINE_MODEL")
	overrideStringSlice(&cfg.Translation.Providers, "CAPTIONS_TRANSLATION_PROVIDERS")
	overrideInt(&cfg.Translation.ProviderTimeout, "CAPTIONS_TRANSLATION_PROVIDER_TIMEOUT_MS")
	overrideString(&cfg.Translation.Baidu.AppID, "CAPTIONS_BAIDU_APP_ID")
	overrideString(&cfg.Translation.Baidu.Secret, "CAPTIONS_BAIDU_SECRET")
	overrideInt(&cfg.Quota.DailyLimitSeconds, "CAPTIONS_QUOTA_DAILY_LIMIT_SECONDS")
	overrideString(&cfg.UsageStore.Mode, "CAPTIONS_USAGE_STORE_MODE")
	overrideString(&cfg.UsageStore.Path, "CAPTIONS_USAGE_STORE_PATH")
	overrideInt(&cfg.UsageStore.RetentionDays, "CAPTIONS_USAGE_STORE_RETENTION_DAYS")
	overrideString(&cfg.STT.Mode, "CAPTIONS_STT_MODE")
	overrideString(&cfg.STT.Language, "CAPTIONS_STT_LANGUAGE")
	overrideString(&cfg.STT.Native.Command, "CAPTIONS_STT_NATIVE_COMMAND")
	overrideString(&cfg.STT.Cloud.Recognizer, "CAPTIONS_STT_CLOUD_RECOGNIZER")
	overrideString(&cfg.STT.Cloud.APIKey, "CAPTIONS_STT_CLOUD_API_KEY")
	overrideString(&cfg.STT.Cloud.Command, "CAPTIONS_STT_CLOUD_COMMAND")
	overrideString(&cfg.STT.Cloud.Gemini.Model, "CAPTIONS_STT_CLOUD_GEMINI_MODEL")
	overrideInt(&cfg.STT.Cloud.ChunkSeconds, "CAPTIONS_STT_CLOUD_CHUNK_SECONDS")
	overrideBool(&cfg.LLM.Enabled, "CAPTIONS_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "CAPTIONS_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "CAPTIONS_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "CAPTIONS_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "CAPTIONS_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "CAPTIONS_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "CAPTIONS_LLM_TEMPERATURE")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Presence.HeartbeatTimeout <= 0 {
		return errors.New("presence.heartbeat_timeout_ms must be positive")
	}
	if cfg.Transcript.MaxEntries <= 0 {
		return errors.New("transcript.max_entries must be >= 1")
	}
	if cfg.Transcript.InterimGrowth < 0 {
		return errors.New("transcript.interim_growth_chars must be >= 0")
	}
	if cfg.Transcript.InterimInterval <= 0 {
		return errors.New("transcript.interim_interval_ms must be positive")
	}
	if len(cfg.Translation.Providers) == 0 {
		return errors.New("translation.providers must not be empty")
	}
	for _, name := range cfg.Translation.Providers {
		if !knownProvider(name) {
			return fmt.Errorf("translation.providers: unknown provider %q", name)
		}
	}
	for lang, name := range cfg.Translation.Overrides {
		if !knownProvider(name) {
			return fmt.Errorf("translation.overrides[%s]: unknown provider %q", lang, name)
		}
	}
	if cfg.Translation.ProviderTimeout <= 0 {
		return errors.New("translation.provider_timeout_ms must be positive")
	}
	if cfg.Quota.DailyLimitSeconds <= 0 {
		return errors.New("quota.daily_limit_seconds must be positive")
	}
	switch cfg.UsageStore.Mode {
	case "memory":
	case "sqlite":
		if cfg.UsageStore.Path == "" {
			return errors.New("usage_store.path must not be empty when mode=sqlite")
		}
	default:
		return errors.New("usage_store.mode must be one of memory|sqlite")
	}
	switch cfg.STT.Mode {
	case "browser", "native", "cloud", "satellite":
	default:
		return errors.New("stt.mode must be one of browser|native|cloud|satellite")
	}
	if cfg.STT.Mode == "native" && cfg.STT.Native.Command == "" {
		return errors.New("stt.native.command must be set when mode=native")
	}
	switch cfg.STT.Cloud.Recognizer {
	case "google", "gemini", "exec", "mock":
	default:
		return errors.New("stt.cloud.recognizer must be one of google|gemini|exec|mock")
	}
	if cfg.STT.Cloud.Recognizer == "gemini" && cfg.STT.Cloud.Gemini.Model == "" {
		return errors.New("stt.cloud.gemini.model must be set when recognizer=gemini")
	}
	if cfg.STT.Cloud.Recognizer == "exec" && cfg.STT.Cloud.Command == "" {
		return errors.New("stt.cloud.command must be set when recognizer=exec")
	}
	if cfg.STT.Cloud.ChunkSeconds <= 0 {
		return errors.New("stt.cloud.chunk_seconds must be positive")
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "exec":
		default:
			return errors.New("llm.mode must be one of mock|ollama|exec")
		}
		if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	return nil
}

func knownProvider(name string) bool {
	switch name {
	case "baidu", "google", "llm", "mock":
		return true
	}
	return false
}
