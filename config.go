package main

import (
	"time"

	optional "github.com/TBXark/optional-go"
)

// Config is the process-wide configuration, assembled once at startup from
// environment variables plus the static preset/bouquet document loaded via
// confstore.
type Config struct {
	Addr    string
	BaseURL string

	SpaceCacheTTL    time.Duration
	SchemaCacheTTL   time.Duration
	DiscoveryWorkers int
	SpaceInfoTimeout time.Duration
	SchemaTimeout    time.Duration

	NoReplicaRewrite  bool
	SearchEnablesFetch optional.Field[bool]
	DefaultHFToken    string

	HubBaseURL            string
	ServiceCatalogueURL   string

	Presets *PresetCatalog
}

const (
	defaultSpaceCacheTTL    = 5 * time.Minute
	defaultSchemaCacheTTL   = 5 * time.Minute
	defaultDiscoveryWorkers = 10
	defaultSpaceInfoTimeout = 5 * time.Second
	defaultSchemaTimeout    = 12 * time.Second
	defaultHubBaseURL       = "https://huggingface.co"
)

// loadConfig mirrors paths.go's envInt/envEnabled helpers, generalized to
// also parse millisecond durations.
func loadConfig() *Config {
	cfg := &Config{
		Addr:    envString("ADDR", ":8788"),
		BaseURL: envString("BASE_URL", "/"),

		SpaceCacheTTL:    envMillis("GRADIO_SPACE_CACHE_TTL", defaultSpaceCacheTTL),
		SchemaCacheTTL:   envMillis("GRADIO_SCHEMA_CACHE_TTL", defaultSchemaCacheTTL),
		DiscoveryWorkers: envInt("GRADIO_DISCOVERY_CONCURRENCY", defaultDiscoveryWorkers),
		SpaceInfoTimeout: envMillis("GRADIO_SPACE_INFO_TIMEOUT", defaultSpaceInfoTimeout),
		SchemaTimeout:    envMillis("GRADIO_SCHEMA_TIMEOUT", defaultSchemaTimeout),

		NoReplicaRewrite: envPresent("NO_REPLICA_REWRITE"),
		DefaultHFToken:   envString("DEFAULT_HF_TOKEN", ""),
		HubBaseURL:       envString("HF_HUB_BASE_URL", defaultHubBaseURL),
		ServiceCatalogueURL: envString("SERVICE_CATALOGUE_URL", "https://huggingface.co/api"),
	}
	if v, ok := envBoolOptional("SEARCH_ENABLES_FETCH"); ok {
		cfg.SearchEnablesFetch = optional.NewField(v)
	}
	cfg.Presets = loadPresetCatalog(envString("MCP_PRESETS_PATH", ""))
	return cfg
}
