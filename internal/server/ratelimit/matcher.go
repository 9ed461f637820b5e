package ratelimit

import (
	"strings"
)

// unlimited paths are never counted
var unlimited = map[string]bool{
	"GET /health":  true,
	"GET /metrics": true,
}

// MatchEndpoint matches a request path and method to an endpoint configuration.
// Returns the matching EndpointConfig or nil if no match is found.
// Configs whose path ends in "/" match by prefix ("/runs/" matches "/runs/{id}/pause").
func MatchEndpoint(path string, method string, configs []EndpointConfig) *EndpointConfig {
	if unlimited[method+" "+path] {
		return &EndpointConfig{Path: path, Method: method}
	}

	for i := range configs {
		config := &configs[i]
		if config.Path == path && config.Method == method {
			return config
		}
	}

	// longest prefix wins
	var best *EndpointConfig
	for i := range configs {
		config := &configs[i]
		if config.Method != method || !strings.HasSuffix(config.Path, "/") {
			continue
		}
		if strings.HasPrefix(path, config.Path) && (best == nil || len(config.Path) > len(best.Path)) {
			best = config
		}
	}
	return best
}

// key identifies the bucket a request counts against. Prefix rules pool every path
// they cover; other requests are counted per path.
func (c *EndpointConfig) key(path, method string) string {
	if strings.HasSuffix(c.Path, "/") {
		return c.Path + "*:" + method
	}
	return path + ":" + method
}
