package config

import "fmt"

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Gemini    GeminiConfig
	Chat      ChatConfig
	Retrieval RetrievalConfig
	Storage   StorageConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
}

type GeminiConfig struct {
	APIKey     string
	BaseURL    string
	EmbedModel string
}

type ChatConfig struct {
	// Model is the default generation model. Names starting with "gemini"
	// run against the Gemini API, everything else against local Ollama.
	Model            string
	SummaryThreshold int
	KeepTrailing     int
	RecentWindow     int
}

type RetrievalConfig struct {
	TopK          int
	MinSimilarity float64
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4200,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
		},
		Gemini: GeminiConfig{
			EmbedModel: "text-embedding-004",
		},
		Chat: ChatConfig{
			Model:            "llama3.2",
			SummaryThreshold: 30,
			KeepTrailing:     10,
			RecentWindow:     20,
		},
		Retrieval: RetrievalConfig{
			TopK:          5,
			MinSimilarity: 0.7,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/loom/config.json, then applies LOOM_* environment
// variable overrides. Secrets (the Gemini API key, the API token) are never
// written to the file; they come from the environment or the settings table.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if cfg.Server.APIToken == "" {
		return Config{}, fmt.Errorf("missing required config: API token. Set it via environment variable LOOM_API_TOKEN")
	}

	return cfg, nil
}
