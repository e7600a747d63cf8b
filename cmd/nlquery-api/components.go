package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/nlquery/nlquery/internal/answer"
	"github.com/nlquery/nlquery/internal/api"
	"github.com/nlquery/nlquery/internal/config"
	"github.com/nlquery/nlquery/internal/embedding"
	"github.com/nlquery/nlquery/internal/exemplar"
	"github.com/nlquery/nlquery/internal/llm"
	"github.com/nlquery/nlquery/internal/pipeline"
	"github.com/nlquery/nlquery/internal/prompt"
	"github.com/nlquery/nlquery/internal/query"
	duckdbengine "github.com/nlquery/nlquery/internal/query/duckdb"
	"github.com/nlquery/nlquery/internal/query/sqldb"
	"github.com/nlquery/nlquery/internal/selector"
	qdrantindex "github.com/nlquery/nlquery/internal/selector/qdrant"
	"github.com/nlquery/nlquery/internal/sqlexec"
	"github.com/nlquery/nlquery/internal/storage"
	s3store "github.com/nlquery/nlquery/internal/storage/s3"
	"github.com/nlquery/nlquery/internal/warehouse"
)

type components struct {
	pipeline         *pipeline.Pipeline
	corpusSource     string
	warehousePing    func(ctx context.Context) error
	objectStoreCheck api.ReadinessCheck
	closers          []func() error
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		_ = c.closers[i]()
	}
}

func buildComponents(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *components, err error) {
	c := &components{}
	defer func() {
		if err != nil {
			c.close()
		}
	}()

	var objectStore storage.ObjectStore
	if cfg.Corpus.Source == "s3" || cfg.Warehouse.Driver == "duckdb" {
		store, err := s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize object store: %w", err)
		}
		objectStore = store
		c.objectStoreCheck = api.CheckObjectStoreConfig(cfg)
	}

	var bedrockClient *bedrockruntime.Client
	if cfg.LLM.Provider == "bedrock" || cfg.Embedding.Provider == "bedrock" {
		bedrockClient, err = llm.NewBedrockClient(ctx, cfg.LLM.Region)
		if err != nil {
			return nil, err
		}
	}

	embedder, err := newEmbedder(cfg.Embedding, bedrockClient)
	if err != nil {
		return nil, fmt.Errorf("initialize embedder: %w", err)
	}

	var source exemplar.Source = exemplar.FileSource{Path: cfg.Corpus.Path}
	if cfg.Corpus.Source == "s3" {
		source = exemplar.ObjectSource{Store: objectStore, Key: cfg.Corpus.Path}
	}
	c.corpusSource = source.Name()
	store, err := exemplar.NewStore(ctx, source, embedder, exemplar.StoreOptions{
		Parse:  exemplar.ParseOptions{SkipInvalid: cfg.Corpus.SkipInvalid},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("load corpus: %w", err)
	}

	var index selector.Index
	if cfg.Selector.Index == "qdrant" {
		qi, err := qdrantindex.New(cfg.Selector.QdrantHost, cfg.Selector.QdrantPort, cfg.Selector.QdrantCollection)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, qi.Close)
		index = qi
	}
	sel := selector.New(embedder, index, logger)

	engine, err := c.newEngine(ctx, cfg, objectStore)
	if err != nil {
		return nil, err
	}

	builder, err := prompt.NewBuilder(cfg.Prompt.Dialect, cfg.Prompt.MaxTokens, prompt.WordCounter{})
	if err != nil {
		return nil, err
	}

	gateway, err := newGateway(cfg.LLM, bedrockClient)
	if err != nil {
		return nil, fmt.Errorf("initialize llm gateway: %w", err)
	}
	gateway = llm.NewRateLimited(gateway, cfg.LLM.RatePerSecond, 1)

	params := llm.Params{
		MaxTokens:     cfg.LLM.MaxTokens,
		Temperature:   cfg.LLM.Temperature,
		TopK:          cfg.LLM.TopK,
		TopP:          cfg.LLM.TopP,
		StopSequences: cfg.LLM.StopSequences,
	}

	var checker sqlexec.Checker
	if cfg.LLM.QueryChecker {
		checker = pipeline.NewQueryChecker(gateway, builder, params)
	}

	synth, err := answer.NewSynthesizer(answer.Mode(cfg.Answer.Mode), gateway, builder, params)
	if err != nil {
		return nil, err
	}

	c.pipeline, err = pipeline.New(pipeline.Deps{
		Corpus:      store,
		Selector:    sel,
		Schema:      warehouse.NewSchemaCache(engine, cfg.Warehouse.Tables, cfg.Warehouse.SampleRows, cfg.Pipeline.SchemaCacheDisabled),
		Builder:     builder,
		Gateway:     gateway,
		Executor:    sqlexec.NewExecutor(engine, checker),
		Synthesizer: synth,
		Logger:      logger,
	}, pipeline.Options{
		K:                cfg.Selector.K,
		TopK:             cfg.Prompt.TopK,
		RowLimitFromTopK: cfg.Pipeline.RowLimitFromTopK,
		Timeout:          cfg.Pipeline.Timeout,
		Params:           params,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *components) newEngine(ctx context.Context, cfg config.Config, objectStore storage.ObjectStore) (query.Engine, error) {
	if cfg.Warehouse.Driver == "duckdb" {
		sources, err := storage.ParseTableSources(cfg.Warehouse.DuckDBFiles)
		if err != nil {
			return nil, fmt.Errorf("parse NLQ_WAREHOUSE_DUCKDB_FILES: %w", err)
		}
		engine := duckdbengine.NewEngine(objectStore, sources)
		c.closers = append(c.closers, engine.Close)
		c.warehousePing = func(ctx context.Context) error {
			_, err := engine.Execute(ctx, query.Request{SQL: "SELECT 1"})
			return err
		}
		return engine, nil
	}

	db, err := warehouse.Open(ctx, cfg.Warehouse)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, db.Close)
	c.warehousePing = db.PingContext
	return sqldb.New(db, cfg.Warehouse.Role), nil
}

func newEmbedder(cfg config.EmbeddingConfig, bedrockClient *bedrockruntime.Client) (embedding.Embedder, error) {
	var (
		base embedding.Embedder
		err  error
	)
	switch cfg.Provider {
	case "bedrock":
		base, err = embedding.NewTitan(bedrockClient, cfg.Model, cfg.Dimensions)
	case "openai":
		base, err = embedding.NewOpenAI(embedding.OpenAIConfig{
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
		})
	default:
		base, err = embedding.NewHash(cfg.Dimensions)
	}
	if err != nil {
		return nil, err
	}
	return embedding.NewCached(base, cfg.CacheSize)
}

func newGateway(cfg config.LLMConfig, bedrockClient *bedrockruntime.Client) (llm.Gateway, error) {
	if cfg.Provider == "openai" {
		return llm.NewOpenAI(llm.OpenAIConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	}
	return llm.NewBedrock(bedrockClient, cfg.Model)
}
