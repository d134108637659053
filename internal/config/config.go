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
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	SessionStore SessionStoreConfig `yaml:"session_store"`
	Session      SessionConfig      `yaml:"session"`
	Voice        VoiceConfig        `yaml:"voice"`
	STT          STTConfig          `yaml:"stt"`
	LLM          LLMConfig          `yaml:"llm"`
	TTS          TTSConfig          `yaml:"tts"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type SessionStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type SessionConfig struct {
	HistoryLimit      int    `yaml:"history_limit"`
	DeltaPacingMS     int    `yaml:"delta_pacing_ms"`
	DefaultDifficulty int    `yaml:"default_difficulty"`
	DefaultLanguage   string `yaml:"default_language"`
	CheckpointMaxLen  int    `yaml:"checkpoint_max_len"`
}

type VoiceConfig struct {
	SampleRate      int    `yaml:"sample_rate"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	SilenceFrames   int    `yaml:"silence_frames"`
	AutoFinish      bool   `yaml:"auto_finish"`
	VADMode         string `yaml:"vad_mode"`
	EnergyThreshold int    `yaml:"energy_threshold"`
}

type STTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Mode     string `yaml:"mode"` // mock, exec
	Command  string `yaml:"command"`
	Language string `yaml:"language"`
}

type LLMConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Mode          string  `yaml:"mode"` // mock, ollama, exec
	Endpoint      string  `yaml:"endpoint"`
	Command       string  `yaml:"command"`
	ModelFast     string  `yaml:"model_fast"`
	ModelBalanced string  `yaml:"model_balanced"`
	DefaultTier   string  `yaml:"default_tier"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

func Default() Config {
	return Config{
		RuntimeName: "evolvia-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		SessionStore: SessionStoreConfig{
			Path:          "./data/evolvia-sessions.db",
			RetentionMode: "persistent",
			MaxSessions:   10000,
		},
		Session: SessionConfig{
			HistoryLimit:      10,
			DeltaPacingMS:     50,
			DefaultDifficulty: 1,
			DefaultLanguage:   "english",
			CheckpointMaxLen:  50,
		},
		Voice: VoiceConfig{
			SampleRate:      16000,
			FrameDurationMS: 30,
			SilenceFrames:   10,
			AutoFinish:      true,
			VADMode:         "energy",
			EnergyThreshold: 500,
		},
		STT: STTConfig{
			Enabled: false,
			Mode:    "mock",
		},
		LLM: LLMConfig{
			Enabled:       false,
			Mode:          "mock",
			Endpoint:      "http://localhost:11434",
			ModelFast:     "llama3.2:latest",
			ModelBalanced: "llama3.2:latest",
			DefaultTier:   "balanced",
			MaxTokens:     4096,
			Temperature:   0.7,
		},
		TTS: TTSConfig{
			Enabled:    false,
			Mode:       "mock",
			SampleRate: 22050,
			Channels:   1,
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
	overrideString(&cfg.RuntimeName, "EVOLVIA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "EVOLVIA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "EVOLVIA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "EVOLVIA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "EVOLVIA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "EVOLVIA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "EVOLVIA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "EVOLVIA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "EVOLVIA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "EVOLVIA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "EVOLVIA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "EVOLVIA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "EVOLVIA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "EVOLVIA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "EVOLVIA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "EVOLVIA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "EVOLVIA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.SessionStore.Path, "EVOLVIA_SESSION_STORE_PATH")
	overrideString(&cfg.SessionStore.RetentionMode, "EVOLVIA_SESSION_STORE_RETENTION_MODE")
	overrideInt(&cfg.SessionStore.MaxSessions, "EVOLVIA_SESSION_STORE_MAX_SESSIONS")
	overrideBool(&cfg.SessionStore.VacuumOnStart, "EVOLVIA_SESSION_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Session.HistoryLimit, "EVOLVIA_SESSION_HISTORY_LIMIT")
	overrideInt(&cfg.Session.DeltaPacingMS, "EVOLVIA_SESSION_DELTA_PACING_MS")
	overrideInt(&cfg.Session.DefaultDifficulty, "EVOLVIA_SESSION_DEFAULT_DIFFICULTY")
	overrideString(&cfg.Session.DefaultLanguage, "EVOLVIA_SESSION_DEFAULT_LANGUAGE")
	overrideInt(&cfg.Session.CheckpointMaxLen, "EVOLVIA_SESSION_CHECKPOINT_MAX_LEN")
	overrideInt(&cfg.Voice.SampleRate, "EVOLVIA_VOICE_SAMPLE_RATE")
	overrideInt(&cfg.Voice.FrameDurationMS, "EVOLVIA_VOICE_FRAME_DURATION_MS")
	overrideInt(&cfg.Voice.SilenceFrames, "EVOLVIA_VOICE_SILENCE_FRAMES")
	overrideBool(&cfg.Voice.AutoFinish, "EVOLVIA_VOICE_AUTO_FINISH")
	overrideString(&cfg.Voice.VADMode, "EVOLVIA_VOICE_VAD_MODE")
	overrideInt(&cfg.Voice.EnergyThreshold, "EVOLVIA_VOICE_ENERGY_THRESHOLD")
	overrideBool(&cfg.STT.Enabled, "EVOLVIA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "EVOLVIA_STT_MODE")
	overrideString(&cfg.STT.Command, "EVOLVIA_STT_COMMAND")
	overrideString(&cfg.STT.Language, "EVOLVIA_STT_LANGUAGE")
	overrideBool(&cfg.LLM.Enabled, "EVOLVIA_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "EVOLVIA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "EVOLVIA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "EVOLVIA_LLM_COMMAND")
	overrideString(&cfg.LLM.ModelFast, "EVOLVIA_LLM_MODEL_FAST")
	overrideString(&cfg.LLM.ModelBalanced, "EVOLVIA_LLM_MODEL_BALANCED")
	overrideString(&cfg.LLM.DefaultTier, "EVOLVIA_LLM_DEFAULT_TIER")
	overrideInt(&cfg.LLM.MaxTokens, "EVOLVIA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "EVOLVIA_LLM_TEMPERATURE")
	overrideBool(&cfg.TTS.Enabled, "EVOLVIA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "EVOLVIA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "EVOLVIA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "EVOLVIA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "EVOLVIA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "EVOLVIA_TTS_CHANNELS")
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.SessionStore.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("session_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.SessionStore.RetentionMode == "persistent" && cfg.SessionStore.Path == "" {
		return errors.New("session_store.path must not be empty")
	}
	if cfg.SessionStore.MaxSessions < 0 {
		return errors.New("session_store.max_sessions must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Session.HistoryLimit <= 0 {
		return errors.New("session.history_limit must be positive")
	}
	if cfg.Session.DeltaPacingMS < 0 {
		return errors.New("session.delta_pacing_ms must be >= 0")
	}
	if cfg.Session.DefaultDifficulty < 1 || cfg.Session.DefaultDifficulty > 5 {
		return errors.New("session.default_difficulty must be between 1 and 5")
	}
	if cfg.Session.CheckpointMaxLen <= 0 {
		return errors.New("session.checkpoint_max_len must be positive")
	}
	if cfg.Voice.SampleRate <= 0 {
		return errors.New("voice.sample_rate must be positive")
	}
	switch cfg.Voice.FrameDurationMS {
	case 10, 20, 30:
		// frame sizes the classifiers accept
	default:
		return errors.New("voice.frame_duration_ms must be one of 10|20|30")
	}
	if cfg.Voice.SilenceFrames <= 0 {
		return errors.New("voice.silence_frames must be positive")
	}
	switch cfg.Voice.VADMode {
	case "energy", "mock":
	default:
		return errors.New("voice.vad_mode must be one of energy|mock")
	}
	if cfg.STT.Enabled && cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
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
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	return nil
}
