package main

import (
	"log"
	"strings"
)

// main wires the process together in the teacher's start-up order: load
// config, construct the shared collaborators (cache, hub client, discovery
// pipeline, bridge, built-in registry), then hand off to the HTTP server.
func main() {
	cfg := loadConfig()

	cache := newTwoLevelCache(cfg.SpaceCacheTTL, cfg.SchemaCacheTTL)
	hub := newHubClient(cfg.HubBaseURL)
	discovery := newDiscoveryPipeline(cache, hub, cfg)
	bridge := newUpstreamBridge(cfg.NoReplicaRewrite)

	catalogueClient := newServiceCatalogueClient(cfg.ServiceCatalogueURL)
	builtins := newBuiltinRegistry(catalogueClient)

	registry := newRegistry(cfg, cache, discovery, bridge, builtins)
	registerMetaTools(builtins, registry)

	var authTokens []string
	if v := envString("MCP_PROXY_AUTH_TOKENS", ""); v != "" {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" {
				authTokens = append(authTokens, tok)
			}
		}
	}

	log.Printf("mcp-proxy starting addr=%s baseURL=%s", cfg.Addr, cfg.BaseURL)
	if err := startHTTPServer(cfg, registry, cache, authTokens); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
