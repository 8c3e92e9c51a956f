package main

// PresetCatalog is the static bouquet/mix preset document, loaded once at
// startup via confstore per SPEC_FULL.md's domain stack section.
type PresetCatalog struct {
	Bouquets map[string][]string
	Mixes    map[string][]string
}

func loadPresetCatalog(path string) *PresetCatalog {
	catalog := &PresetCatalog{Bouquets: map[string][]string{}, Mixes: map[string][]string{}}
	if path == "" {
		return catalog
	}
	if err := loadConfstoreInto(path, catalog); err != nil {
		return catalog
	}
	return catalog
}

// UserSettings is either a caller-supplied tool-ID bundle or one fetched
// from the service catalogue.
type UserSettings struct {
	ToolIDs []string
	// Source records whether ToolIDs came from the caller or the service
	// catalogue, for observability only; it never changes behaviour.
	Source string
}

const (
	settingsSourceExternal = "external"
	settingsSourceInternal = "internal"
)

// SelectionInputs bundles everything the tool selection strategy needs.
type SelectionInputs struct {
	BouquetHeader   string
	MixHeader       []string
	GradioHeader    []string
	UserSettings    *UserSettings
	KnownBuiltinIDs []string
	Presets         *PresetCatalog
	SearchEnablesFetch bool
	DocsSearchToolID   string
	DocsFetchToolID    string
}

// SelectionResult is the resolved active tool-ID set plus the additional
// dynamic endpoints contributed by the gradio header.
type SelectionResult struct {
	ToolIDs         []string
	ExtraEndpoints  []SpaceRef
}

// resolveToolSelection applies the full selection strategy end to end:
// precedence (bouquet > mix > user settings > fallback), then the
// post-resolution transforms (legacy normalization, search-enables-fetch,
// gradio endpoint merge).
func resolveToolSelection(in SelectionInputs) SelectionResult {
	ids := selectBaseIDs(in)
	ids = normalizeToolIDs(ids)

	if in.SearchEnablesFetch && in.DocsSearchToolID != "" && in.DocsFetchToolID != "" {
		ids = ensureFetchFollowsSearch(ids, in.DocsSearchToolID, in.DocsFetchToolID)
	}

	var extra []SpaceRef
	for _, ref := range in.GradioHeader {
		if ref != "" {
			extra = append(extra, SpaceRef(ref))
		}
	}

	return SelectionResult{ToolIDs: ids, ExtraEndpoints: extra}
}

func selectBaseIDs(in SelectionInputs) []string {
	if in.Presets != nil && in.BouquetHeader != "" {
		if preset, ok := in.Presets.Bouquets[in.BouquetHeader]; ok {
			return append([]string(nil), preset...)
		}
	}

	if in.Presets != nil && len(in.MixHeader) > 0 && in.UserSettings != nil {
		base := append([]string(nil), in.UserSettings.ToolIDs...)
		seen := make(map[string]struct{}, len(base))
		for _, id := range base {
			seen[id] = struct{}{}
		}
		for _, mixName := range in.MixHeader {
			preset, ok := in.Presets.Mixes[mixName]
			if !ok {
				continue
			}
			for _, id := range preset {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				base = append(base, id)
			}
		}
		return base
	}

	if in.UserSettings != nil {
		return append([]string(nil), in.UserSettings.ToolIDs...)
	}

	return append([]string(nil), in.KnownBuiltinIDs...)
}

func ensureFetchFollowsSearch(ids []string, searchID, fetchID string) []string {
	hasSearch, hasFetch := false, false
	for _, id := range ids {
		if id == searchID {
			hasSearch = true
		}
		if id == fetchID {
			hasFetch = true
		}
	}
	if hasSearch && !hasFetch {
		return append(ids, fetchID)
	}
	return ids
}
