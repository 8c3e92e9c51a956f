package main

import (
	"encoding/json"
	"sort"
)

// LegacyRewriteReport records a legacy->canonical rename for observability.
type LegacyRewriteReport struct {
	LegacyName    string
	CanonicalName string
}

const (
	canonicalSearchTool = "hub_search"
	canonicalDetailTool = "repo_details"
)

var legacySearchAliases = map[string]string{
	"model_search":   "model",
	"hf_model_search": "model",
	"model-search":   "model",
}

var legacyDatasetAliases = map[string]string{
	"dataset_search":   "dataset",
	"hf_dataset_search": "dataset",
	"dataset-search":   "dataset",
}

var legacyRepoSearchNames = map[string]struct{}{
	"repo_search": {},
	"repo-search": {},
}

// rewriteLegacyRequest is the pure function applied to every incoming
// tools/call request body before dispatch. It is idempotent: applying it
// twice yields the same body as applying it once, since canonical names
// never match a legacy alias and merged arguments are deduplicated.
func rewriteLegacyRequest(name string, arguments map[string]any) (string, map[string]any, *LegacyRewriteReport) {
	if repoType, ok := legacySearchAliases[name]; ok {
		out := rewriteSearchAliasArgs(arguments, repoType, "task", "library")
		return canonicalSearchTool, out, &LegacyRewriteReport{LegacyName: name, CanonicalName: canonicalSearchTool}
	}
	if repoType, ok := legacyDatasetAliases[name]; ok {
		out := rewriteSearchAliasArgs(arguments, repoType, "tags")
		return canonicalSearchTool, out, &LegacyRewriteReport{LegacyName: name, CanonicalName: canonicalSearchTool}
	}
	if _, ok := legacyRepoSearchNames[name]; ok {
		return canonicalSearchTool, arguments, &LegacyRewriteReport{LegacyName: name, CanonicalName: canonicalSearchTool}
	}
	return name, arguments, nil
}

// rewriteSearchAliasArgs sets repo_types and merges the named legacy
// fields (each either a string or a []string) into arguments.filters,
// deduplicated, then removes the originals.
func rewriteSearchAliasArgs(arguments map[string]any, repoType string, mergeFields ...string) map[string]any {
	out := make(map[string]any, len(arguments)+2)
	for k, v := range arguments {
		out[k] = v
	}

	filters := stringSliceFrom(out["filters"])
	seen := make(map[string]struct{}, len(filters))
	dedup := make([]string, 0, len(filters))
	for _, f := range filters {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		dedup = append(dedup, f)
	}

	for _, field := range mergeFields {
		for _, v := range stringSliceFrom(out[field]) {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			dedup = append(dedup, v)
		}
		delete(out, field)
	}

	out["repo_types"] = []string{repoType}
	out["filters"] = dedup
	return out
}

func stringSliceFrom(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// rewriteLegacyBody applies rewriteLegacyRequest to a raw tools/call
// request body, matching the protocol envelope used on the downstream
// transport.
func rewriteLegacyBody(body []byte) ([]byte, *LegacyRewriteReport, error) {
	var req struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return body, nil, err
	}

	newName, newArgs, report := rewriteLegacyRequest(req.Name, req.Arguments)
	if report == nil {
		return body, nil, nil
	}

	req.Name = newName
	req.Arguments = newArgs
	out, err := json.Marshal(req)
	if err != nil {
		return body, nil, err
	}
	return out, report, nil
}

// legacyToolIDAliases backs the "Legacy normalization" post-resolution
// transform: collapse legacy search/detail IDs into the one canonical ID
// each, de-duplicating while preserving first occurrence.
var legacyToolIDAliases = map[string]string{
	"model-search":         canonicalSearchTool,
	"repo-search":          canonicalSearchTool,
	"dataset-search":       canonicalSearchTool,
	"model-detail":         canonicalDetailTool,
	"dataset-detail":       canonicalDetailTool,
}

// normalizeToolIDs rewrites any legacy ID in ids to its canonical form and
// de-duplicates, preserving the position of each ID's first occurrence.
func normalizeToolIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		canonical := id
		if mapped, ok := legacyToolIDAliases[id]; ok {
			canonical = mapped
		}
		if _, ok := seen[canonical]; ok {
			continue
		}
		seen[canonical] = struct{}{}
		out = append(out, canonical)
	}
	return out
}

// sortedKeys is a small shared helper used by the registry and selection
// code to produce deterministic ordering where a map must be iterated for
// a user-facing or test-facing result.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
