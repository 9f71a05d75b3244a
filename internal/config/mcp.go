package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// rawMCPEntry is used for initial YAML parsing before transport-specific typing.
type rawMCPEntry struct {
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
}

// StdioServer describes a subprocess MCP server in the claude CLI's
// --mcp-config JSON format.
type StdioServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// HTTPServer describes a streamable HTTP MCP server.
type HTTPServer struct {
	Type    string            `json:"type"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// SSEServer describes a legacy SSE MCP server.
type SSEServer struct {
	Type    string            `json:"type"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// MCPRegistry holds the parsed MCP server configurations passed through to
// every claude CLI process.
type MCPRegistry struct {
	servers map[string]any // values are StdioServer, HTTPServer, or SSEServer
}

// Has reports whether the registry contains a server with the given name.
func (r *MCPRegistry) Has(name string) bool {
	_, ok := r.servers[name]
	return ok
}

// All returns the full map of server name → CLI config. The claude runner
// merges this map with its own permission endpoint when writing the
// per-session --mcp-config document.
func (r *MCPRegistry) All() map[string]any {
	out := make(map[string]any, len(r.servers))
	for k, v := range r.servers {
		out[k] = v
	}
	return out
}

// LoadMCPRegistry reads the MCP registry YAML file at filePath and returns a
// populated MCPRegistry. If the file does not exist, an empty registry is
// returned (not an error).
func LoadMCPRegistry(filePath string) (*MCPRegistry, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec // path is from admin-configured data dir
	if err != nil {
		if os.IsNotExist(err) {
			return &MCPRegistry{servers: make(map[string]any)}, nil
		}
		return nil, fmt.Errorf("reading MCP registry %q: %w", filePath, err)
	}

	var raw map[string]rawMCPEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing MCP registry %q: %w", filePath, err)
	}

	registry := &MCPRegistry{servers: make(map[string]any)}

	for name, entry := range raw {
		switch entry.Transport {
		case "stdio":
			env, err := interpolateEnvMap(name, entry.Env)
			if err != nil {
				return nil, err
			}
			registry.servers[name] = StdioServer{
				Command: entry.Command,
				Args:    entry.Args,
				Env:     env,
			}

		case "streamable_http":
			headers, err := interpolateEnvMap(name, entry.Headers)
			if err != nil {
				return nil, err
			}
			registry.servers[name] = HTTPServer{
				Type:    "http",
				URL:     entry.URL,
				Headers: headers,
			}

		case "sse":
			headers, err := interpolateEnvMap(name, entry.Headers)
			if err != nil {
				return nil, err
			}
			registry.servers[name] = SSEServer{
				Type:    "sse",
				URL:     entry.URL,
				Headers: headers,
			}

		default:
			return nil, fmt.Errorf("MCP server %q: unknown transport %q (must be stdio, streamable_http, or sse)", name, entry.Transport)
		}
	}

	return registry, nil
}

// interpolateEnvMap applies ${ENV:VAR_NAME} substitution to all values in m.
func interpolateEnvMap(serverName string, m map[string]string) (map[string]string, error) {
	if len(m) == 0 {
		return m, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		interpolated, err := interpolateEnv(v)
		if err != nil {
			return nil, fmt.Errorf("MCP server %q key %q: %w", serverName, k, err)
		}
		out[k] = interpolated
	}
	return out, nil
}

// interpolateEnv replaces all ${ENV:VAR_NAME} patterns in s with the
// corresponding environment variable values. Returns an error if a referenced
// variable is not set.
func interpolateEnv(s string) (string, error) {
	result := s
	for {
		start := strings.Index(result, "${ENV:")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start
		varName := result[start+6 : end]
		value := os.Getenv(varName)
		if value == "" {
			return "", fmt.Errorf("required env var %q is not set", varName)
		}
		result = result[:start] + value + result[end+1:]
	}
	return result, nil
}
