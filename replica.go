package main

import (
	"regexp"
	"strings"
)

// extractReplicaID splits the X-Proxied-Replica header value on "-" and
// returns the last non-empty segment.
// extractReplicaID("oyerizs4-dspr4") == "dspr4"
// extractReplicaID("singlepart") == ""
func extractReplicaID(header string) string {
	parts := strings.Split(header, "-")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			if i == 0 && len(parts) == 1 {
				// no "-" at all: a single part is not a replica header.
				return ""
			}
			return parts[i]
		}
	}
	return ""
}

var gradioAPIURLPattern = regexp.MustCompile(`https://([a-zA-Z0-9.\-]+)/gradio_api([^\s"')]*)`)

// rewriteReplicaURLs rewrites every occurrence of
// "https://<host>/gradio_api<rest>" in text to
// "https://<host>/--replicas/<replicaID>/gradio_api<rest>". It is
// idempotent: rewriting an already-rewritten string is a no-op, since the
// already-rewritten form does not match the "/gradio_api" immediately
// after the host pattern.
func rewriteReplicaURLs(text, replicaID string) (string, bool) {
	if replicaID == "" {
		return text, false
	}
	changed := false
	out := gradioAPIURLPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := gradioAPIURLPattern.FindStringSubmatch(match)
		if sub == nil {
			return match
		}
		host, rest := sub[1], sub[2]
		changed = true
		return "https://" + host + "/--replicas/" + replicaID + "/gradio_api" + rest
	})
	return out, changed
}

// rewriteContentReplicaURLs walks a CallToolResult-shaped content slice,
// rewriting text items and leaving every non-text item byte-for-byte
// untouched.
func rewriteContentReplicaURLs(content []map[string]any, replicaID string) []map[string]any {
	if replicaID == "" {
		return content
	}
	out := make([]map[string]any, len(content))
	for i, item := range content {
		itemType, _ := item["type"].(string)
		if itemType != "text" {
			out[i] = item
			continue
		}
		text, _ := item["text"].(string)
		rewritten, changed := rewriteReplicaURLs(text, replicaID)
		if !changed {
			out[i] = item
			continue
		}
		clone := make(map[string]any, len(item))
		for k, v := range item {
			clone[k] = v
		}
		clone["text"] = rewritten
		out[i] = clone
	}
	return out
}
