// Package config loads runtime configuration from strand.toml with
// environment overrides.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/strandhq/strand/sandbox"
)

type Config struct {
	Sandbox  SandboxConfig  `toml:"sandbox"`
	LLM      LLMConfig      `toml:"llm"`
	Agent    AgentConfig    `toml:"agent"`
	Store    StoreConfig    `toml:"store"`
	Server   ServerConfig   `toml:"server"`
	Search   SearchConfig   `toml:"search"`
	Observer ObserverConfig `toml:"observer"`
	MCP      MCPConfig      `toml:"mcp"`
}

// SandboxConfig selects the sandbox backend. The daytona keys apply only
// when type is "managed".
type SandboxConfig struct {
	Type    string        `toml:"type"` // "local" or "managed"
	Image   string        `toml:"image"`
	Daytona DaytonaConfig `toml:"daytona"`
}

type DaytonaConfig struct {
	APIKey    string `toml:"api_key"`
	ServerURL string `toml:"server_url"`
	Target    string `toml:"target"`
	// Snapshot names a prebuilt sandbox snapshot used instead of building
	// the image on create.
	Snapshot string `toml:"snapshot"`
}

type LLMConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
}

type AgentConfig struct {
	MaxIterations          int `toml:"max_iterations"`
	NativeMaxAutoContinues int `toml:"native_max_auto_continues"`
	MaxXMLToolCalls        int `toml:"max_xml_tool_calls"`
}

// StoreConfig selects the persistence backend: "sqlite" uses Path,
// "postgres" uses DSN.
type StoreConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	// ScreenshotDir is where browser screenshots are re-homed; they are
	// served back under /api/screenshots/.
	ScreenshotDir string `toml:"screenshot_dir"`
}

type SearchConfig struct {
	APIKey string `toml:"api_key"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// MCPConfig lists external capability servers launched at startup and
// merged into the tool registry per run.
type MCPConfig struct {
	Servers []MCPServer `toml:"servers"`
}

type MCPServer struct {
	Name    string   `toml:"name"`
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Env     []string `toml:"env"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Sandbox: SandboxConfig{Type: "local", Image: sandbox.DefaultImage},
		LLM:     LLMConfig{BaseURL: "https://api.openai.com/v1", Model: "gpt-4o"},
		Agent: AgentConfig{
			MaxIterations:          100,
			NativeMaxAutoContinues: 25,
			MaxXMLToolCalls:        10,
		},
		Store:  StoreConfig{Driver: "sqlite", Path: "strand.db"},
		Server: ServerConfig{Addr: ":8000", ScreenshotDir: "screenshots"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). A missing
// file is fine and leaves the defaults; a malformed one is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "strand.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Env overrides
	if v := os.Getenv("STRAND_SANDBOX_TYPE"); v != "" {
		cfg.Sandbox.Type = v
	}
	if v := os.Getenv("STRAND_SANDBOX_IMAGE"); v != "" {
		cfg.Sandbox.Image = v
	}
	if v := os.Getenv("STRAND_DAYTONA_API_KEY"); v != "" {
		cfg.Sandbox.Daytona.APIKey = v
	}
	if v := os.Getenv("STRAND_DAYTONA_SERVER_URL"); v != "" {
		cfg.Sandbox.Daytona.ServerURL = v
	}
	if v := os.Getenv("STRAND_DAYTONA_TARGET"); v != "" {
		cfg.Sandbox.Daytona.Target = v
	}
	if v := os.Getenv("STRAND_DAYTONA_SNAPSHOT"); v != "" {
		cfg.Sandbox.Daytona.Snapshot = v
	}
	if v := os.Getenv("STRAND_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("STRAND_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("STRAND_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("STRAND_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("STRAND_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("STRAND_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("STRAND_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("STRAND_SEARCH_API_KEY"); v != "" {
		cfg.Search.APIKey = v
	}
	if v := os.Getenv("STRAND_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg, nil
}

// Validate checks the combinations Load cannot default its way out of.
func (c Config) Validate() error {
	switch c.Sandbox.Type {
	case "local":
	case "managed":
		if c.Sandbox.Daytona.APIKey == "" {
			return fmt.Errorf("sandbox type %q requires daytona.api_key", c.Sandbox.Type)
		}
	default:
		return fmt.Errorf("unknown sandbox type %q (use local or managed)", c.Sandbox.Type)
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store driver sqlite requires path")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store driver postgres requires dsn")
		}
	default:
		return fmt.Errorf("unknown store driver %q (use sqlite or postgres)", c.Store.Driver)
	}

	for i, srv := range c.MCP.Servers {
		if srv.Name == "" || srv.Command == "" {
			return fmt.Errorf("mcp server %d: name and command are required", i)
		}
	}
	return nil
}
