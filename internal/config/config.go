package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Warehouse     WarehouseConfig
	Corpus        CorpusConfig
	Embedding     EmbeddingConfig
	Selector      SelectorConfig
	Prompt        PromptConfig
	LLM           LLMConfig
	Answer        AnswerConfig
	Pipeline      PipelineConfig
	History       HistoryConfig
	ObjectStore   ObjectStoreConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type WarehouseConfig struct {
	Driver          string
	Host            string
	Username        string
	Password        string
	Database        string
	Schema          string
	Role            string
	Tables          []string
	SampleRows      int
	DuckDBFiles     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type CorpusConfig struct {
	Source      string
	Path        string
	SkipInvalid bool
}

type EmbeddingConfig struct {
	Provider   string
	Model      string
	Dimensions int
	BaseURL    string
	APIKey     string
	CacheSize  int
	Timeout    time.Duration
}

type SelectorConfig struct {
	K                int
	Index            string
	QdrantHost       string
	QdrantPort       int
	QdrantCollection string
}

type PromptConfig struct {
	Dialect   string
	TopK      int
	MaxTokens int
}

type LLMConfig struct {
	Provider      string
	Region        string
	Model         string
	BaseURL       string
	APIKey        string
	MaxTokens     int
	Temperature   float64
	TopK          int
	TopP          float64
	StopSequences []string
	Timeout       time.Duration
	RatePerSecond float64
	QueryChecker  bool
}

type AnswerConfig struct {
	Mode string
}

type PipelineConfig struct {
	Timeout             time.Duration
	RowLimitFromTopK    bool
	SchemaCacheDisabled bool
}

type HistoryConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

type ObjectStoreConfig struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("NLQ_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid NLQ_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	appliers := []func() error{
		func() error { return applyString(lookup, "NLQ_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "NLQ_HTTP_ADDR", &cfg.HTTP.Address) },
		func() error { return applyDuration(lookup, "NLQ_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout) },
		func() error { return applyDuration(lookup, "NLQ_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout) },
		func() error { return applyDuration(lookup, "NLQ_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout) },

		func() error { return applyString(lookup, "NLQ_WAREHOUSE_DRIVER", &cfg.Warehouse.Driver) },
		func() error { return applyString(lookup, "NLQ_WAREHOUSE_HOST", &cfg.Warehouse.Host) },
		func() error { return applyString(lookup, "NLQ_WAREHOUSE_USERNAME", &cfg.Warehouse.Username) },
		func() error { return applyRaw(lookup, "NLQ_WAREHOUSE_PASSWORD", &cfg.Warehouse.Password) },
		func() error { return applyString(lookup, "NLQ_WAREHOUSE_DATABASE", &cfg.Warehouse.Database) },
		func() error { return applyString(lookup, "NLQ_WAREHOUSE_SCHEMA", &cfg.Warehouse.Schema) },
		func() error { return applyString(lookup, "NLQ_WAREHOUSE_ROLE", &cfg.Warehouse.Role) },
		func() error { return applyList(lookup, "NLQ_WAREHOUSE_TABLES", &cfg.Warehouse.Tables) },
		func() error { return applyInt(lookup, "NLQ_WAREHOUSE_SAMPLE_ROWS", &cfg.Warehouse.SampleRows) },
		func() error { return applyString(lookup, "NLQ_WAREHOUSE_DUCKDB_FILES", &cfg.Warehouse.DuckDBFiles) },
		func() error { return applyInt(lookup, "NLQ_WAREHOUSE_MAX_OPEN_CONNS", &cfg.Warehouse.MaxOpenConns) },
		func() error { return applyInt(lookup, "NLQ_WAREHOUSE_MAX_IDLE_CONNS", &cfg.Warehouse.MaxIdleConns) },
		func() error {
			return applyDuration(lookup, "NLQ_WAREHOUSE_CONN_MAX_LIFETIME", &cfg.Warehouse.ConnMaxLifetime)
		},

		func() error { return applyString(lookup, "NLQ_CORPUS_SOURCE", &cfg.Corpus.Source) },
		func() error { return applyString(lookup, "NLQ_CORPUS_PATH", &cfg.Corpus.Path) },
		func() error { return applyBool(lookup, "NLQ_CORPUS_SKIP_INVALID", &cfg.Corpus.SkipInvalid) },

		func() error { return applyString(lookup, "NLQ_EMBEDDING_PROVIDER", &cfg.Embedding.Provider) },
		func() error { return applyString(lookup, "NLQ_EMBEDDING_MODEL", &cfg.Embedding.Model) },
		func() error { return applyInt(lookup, "NLQ_EMBEDDING_DIMENSIONS", &cfg.Embedding.Dimensions) },
		func() error { return applyString(lookup, "NLQ_EMBEDDING_BASE_URL", &cfg.Embedding.BaseURL) },
		func() error { return applyString(lookup, "NLQ_EMBEDDING_API_KEY", &cfg.Embedding.APIKey) },
		func() error { return applyInt(lookup, "NLQ_EMBEDDING_CACHE_SIZE", &cfg.Embedding.CacheSize) },
		func() error { return applyDuration(lookup, "NLQ_EMBEDDING_TIMEOUT", &cfg.Embedding.Timeout) },

		func() error { return applyInt(lookup, "NLQ_SELECTOR_K", &cfg.Selector.K) },
		func() error { return applyString(lookup, "NLQ_SELECTOR_INDEX", &cfg.Selector.Index) },
		func() error { return applyString(lookup, "NLQ_QDRANT_HOST", &cfg.Selector.QdrantHost) },
		func() error { return applyInt(lookup, "NLQ_QDRANT_PORT", &cfg.Selector.QdrantPort) },
		func() error { return applyString(lookup, "NLQ_QDRANT_COLLECTION", &cfg.Selector.QdrantCollection) },

		func() error { return applyString(lookup, "NLQ_PROMPT_DIALECT", &cfg.Prompt.Dialect) },
		func() error { return applyInt(lookup, "NLQ_PROMPT_TOP_K", &cfg.Prompt.TopK) },
		func() error { return applyInt(lookup, "NLQ_PROMPT_MAX_TOKENS", &cfg.Prompt.MaxTokens) },

		func() error { return applyString(lookup, "NLQ_LLM_PROVIDER", &cfg.LLM.Provider) },
		func() error { return applyString(lookup, "NLQ_LLM_REGION", &cfg.LLM.Region) },
		func() error { return applyString(lookup, "NLQ_LLM_MODEL", &cfg.LLM.Model) },
		func() error { return applyString(lookup, "NLQ_LLM_BASE_URL", &cfg.LLM.BaseURL) },
		func() error { return applyString(lookup, "NLQ_LLM_API_KEY", &cfg.LLM.APIKey) },
		func() error { return applyInt(lookup, "NLQ_LLM_MAX_TOKENS", &cfg.LLM.MaxTokens) },
		func() error { return applyFloat(lookup, "NLQ_LLM_TEMPERATURE", &cfg.LLM.Temperature) },
		func() error { return applyInt(lookup, "NLQ_LLM_TOP_K", &cfg.LLM.TopK) },
		func() error { return applyFloat(lookup, "NLQ_LLM_TOP_P", &cfg.LLM.TopP) },
		func() error { return applyEscapedList(lookup, "NLQ_LLM_STOP_SEQUENCES", &cfg.LLM.StopSequences) },
		func() error { return applyDuration(lookup, "NLQ_LLM_TIMEOUT", &cfg.LLM.Timeout) },
		func() error { return applyFloat(lookup, "NLQ_LLM_RATE_PER_SECOND", &cfg.LLM.RatePerSecond) },
		func() error { return applyBool(lookup, "NLQ_LLM_QUERY_CHECKER", &cfg.LLM.QueryChecker) },

		func() error { return applyString(lookup, "NLQ_ANSWER_MODE", &cfg.Answer.Mode) },

		func() error { return applyDuration(lookup, "NLQ_PIPELINE_TIMEOUT", &cfg.Pipeline.Timeout) },
		func() error {
			return applyBool(lookup, "NLQ_PIPELINE_ROW_LIMIT_FROM_TOP_K", &cfg.Pipeline.RowLimitFromTopK)
		},
		func() error {
			return applyBool(lookup, "NLQ_PIPELINE_SCHEMA_CACHE_DISABLED", &cfg.Pipeline.SchemaCacheDisabled)
		},

		func() error { return applyString(lookup, "NLQ_HISTORY_DSN", &cfg.History.DSN) },
		func() error { return applyInt(lookup, "NLQ_HISTORY_MAX_OPEN_CONNS", &cfg.History.MaxOpenConns) },
		func() error { return applyInt(lookup, "NLQ_HISTORY_MAX_IDLE_CONNS", &cfg.History.MaxIdleConns) },
		func() error {
			return applyDuration(lookup, "NLQ_HISTORY_CONN_MAX_IDLE_TIME", &cfg.History.ConnMaxIdleTime)
		},
		func() error {
			return applyDuration(lookup, "NLQ_HISTORY_CONN_MAX_LIFETIME", &cfg.History.ConnMaxLifetime)
		},

		func() error { return applyString(lookup, "NLQ_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint) },
		func() error { return applyString(lookup, "NLQ_OBJECTSTORE_REGION", &cfg.ObjectStore.Region) },
		func() error { return applyString(lookup, "NLQ_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket) },
		func() error { return applyString(lookup, "NLQ_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID) },
		func() error { return applyString(lookup, "NLQ_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey) },
		func() error { return applyBool(lookup, "NLQ_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL) },
		func() error { return applyString(lookup, "NLQ_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix) },
		func() error {
			return applyBool(lookup, "NLQ_OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket)
		},

		func() error { return applyBool(lookup, "NLQ_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "NLQ_LOG_LEVEL", &cfg.Observability.LogLevel) },
		func() error { return applyBool(lookup, "NLQ_AUTH_REQUIRED", &cfg.Auth.Required) },
		func() error { return applyString(lookup, "NLQ_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys) },
	}
	for _, apply := range appliers {
		if err := apply(); err != nil {
			return Config{}, err
		}
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return fmt.Errorf("http address is required")
	}
	switch cfg.Warehouse.Driver {
	case "postgres", "duckdb":
	default:
		return fmt.Errorf("invalid NLQ_WAREHOUSE_DRIVER: %q", cfg.Warehouse.Driver)
	}
	switch cfg.Corpus.Source {
	case "file", "s3":
	default:
		return fmt.Errorf("invalid NLQ_CORPUS_SOURCE: %q", cfg.Corpus.Source)
	}
	if cfg.Corpus.Path == "" {
		return fmt.Errorf("corpus path is required")
	}
	switch cfg.Embedding.Provider {
	case "hash", "bedrock", "openai":
	default:
		return fmt.Errorf("invalid NLQ_EMBEDDING_PROVIDER: %q", cfg.Embedding.Provider)
	}
	if cfg.Embedding.Provider == "hash" && cfg.Embedding.Dimensions <= 0 {
		return fmt.Errorf("NLQ_EMBEDDING_DIMENSIONS must be > 0")
	}
	if cfg.Selector.K < 1 {
		return fmt.Errorf("NLQ_SELECTOR_K must be >= 1")
	}
	switch cfg.Selector.Index {
	case "linear", "qdrant":
	default:
		return fmt.Errorf("invalid NLQ_SELECTOR_INDEX: %q", cfg.Selector.Index)
	}
	if cfg.Prompt.TopK < 1 {
		return fmt.Errorf("NLQ_PROMPT_TOP_K must be >= 1")
	}
	if cfg.Prompt.MaxTokens <= 0 {
		return fmt.Errorf("NLQ_PROMPT_MAX_TOKENS must be > 0")
	}
	switch cfg.LLM.Provider {
	case "bedrock", "openai":
	default:
		return fmt.Errorf("invalid NLQ_LLM_PROVIDER: %q", cfg.LLM.Provider)
	}
	if cfg.LLM.MaxTokens <= 0 {
		return fmt.Errorf("NLQ_LLM_MAX_TOKENS must be > 0")
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 1 {
		return fmt.Errorf("NLQ_LLM_TEMPERATURE must be within [0,1]")
	}
	if cfg.LLM.TopP < 0 || cfg.LLM.TopP > 1 {
		return fmt.Errorf("NLQ_LLM_TOP_P must be within [0,1]")
	}
	if cfg.LLM.TopK < 0 {
		return fmt.Errorf("NLQ_LLM_TOP_K must be >= 0")
	}
	switch cfg.Answer.Mode {
	case "llm", "template":
	default:
		return fmt.Errorf("invalid NLQ_ANSWER_MODE: %q", cfg.Answer.Mode)
	}
	return nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "nlquery-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 90 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Warehouse: WarehouseConfig{
			Driver:          "postgres",
			Host:            "localhost:5432",
			Username:        "postgres",
			Password:        "postgres",
			Database:        "moma",
			Schema:          "public",
			Tables:          []string{"artists", "artworks"},
			SampleRows:      1,
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Corpus: CorpusConfig{
			Source: "file",
			Path:   "Sampledata/moma_examples.yaml",
		},
		Embedding: EmbeddingConfig{
			Provider:   "hash",
			Model:      "titan-embed-text-v2",
			Dimensions: 384,
			CacheSize:  1024,
			Timeout:    10 * time.Second,
		},
		Selector: SelectorConfig{
			K:                3,
			Index:            "linear",
			QdrantHost:       "localhost",
			QdrantPort:       6334,
			QdrantCollection: "nlquery_exemplars",
		},
		Prompt: PromptConfig{
			Dialect:   "PostgreSQL",
			TopK:      5,
			MaxTokens: 6000,
		},
		LLM: LLMConfig{
			Provider:      "bedrock",
			Region:        "us-east-1",
			Model:         "anthropic.claude-v2",
			BaseURL:       "https://api.openai.com",
			MaxTokens:     4096,
			Temperature:   0.3,
			TopK:          250,
			TopP:          1,
			StopSequences: []string{"\n\nHuman"},
			Timeout:       45 * time.Second,
		},
		Answer: AnswerConfig{
			Mode: "llm",
		},
		Pipeline: PipelineConfig{
			Timeout:          60 * time.Second,
			RowLimitFromTopK: true,
		},
		History: HistoryConfig{
			MaxOpenConns:    5,
			MaxIdleConns:    5,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "nlquery",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "",
			AutoCreateBucket: false,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Auth.Required = false
		cfg.LLM.Temperature = 0
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.ObjectStore.UseSSL = true
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

// applyRaw keeps surrounding whitespace, which is significant in passwords.
func applyRaw(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = raw
	return nil
}

func applyList(lookup LookupFunc, key string, dst *[]string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	values := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		values = append(values, part)
	}
	*dst = values
	return nil
}

var escapeReplacer = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\,`, ",")

// applyEscapedList splits on unescaped commas and expands \n and \t, so stop
// sequences such as "\n\nHuman" can be written in a single env value.
func applyEscapedList(lookup LookupFunc, key string, dst *[]string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	values := make([]string, 0)
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			values = append(values, escapeReplacer.Replace(current.String()))
		}
		current.Reset()
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\\' && i+1 < len(raw) && raw[i+1] == ',' {
			current.WriteString(`\,`)
			i++
			continue
		}
		if raw[i] == ',' {
			flush()
			continue
		}
		current.WriteByte(raw[i])
	}
	flush()
	*dst = values
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
