// Package config loads the council configuration catalog from config.json.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ModelRef is one configured model with optional connection overrides.
type ModelRef struct {
	ID              string `mapstructure:"id" json:"id"`
	Name            string `mapstructure:"name" json:"name"`
	IP              string `mapstructure:"ip" json:"ip,omitempty"`
	Port            string `mapstructure:"port" json:"port,omitempty"`
	BaseURLTemplate string `mapstructure:"base_url_template" json:"base_url_template,omitempty"`
	APIKey          string `mapstructure:"api_key" json:"api_key,omitempty"`
}

// Models groups the configured models by role. Optional roles fall back to
// the chairman so a minimal catalog still resolves every role.
type Models struct {
	Council        []ModelRef `mapstructure:"council" json:"council"`
	Chairman       ModelRef   `mapstructure:"chairman" json:"chairman"`
	Formatter      ModelRef   `mapstructure:"formatter" json:"formatter,omitempty"`
	ToolCalling    ModelRef   `mapstructure:"tool_calling" json:"tool_calling,omitempty"`
	Classification ModelRef   `mapstructure:"classification" json:"classification,omitempty"`
	Confidence     ModelRef   `mapstructure:"confidence" json:"confidence,omitempty"`
	Categorization ModelRef   `mapstructure:"categorization" json:"categorization,omitempty"`
}

// Server holds default connection parameters for all models.
type Server struct {
	IP              string `mapstructure:"ip" json:"ip,omitempty"`
	Port            string `mapstructure:"port" json:"port,omitempty"`
	BaseURLTemplate string `mapstructure:"base_url_template" json:"base_url_template,omitempty"`
	APIKey          string `mapstructure:"api_key" json:"api_key,omitempty"`
}

// Deliberation controls the stage-2 refinement loop.
type Deliberation struct {
	Rounds            int     `mapstructure:"rounds" json:"rounds"`
	MaxRounds         int     `mapstructure:"max_rounds" json:"max_rounds"`
	QualityThreshold  float64 `mapstructure:"quality_threshold" json:"quality_threshold"`
	EnableCrossReview bool    `mapstructure:"enable_cross_review" json:"enable_cross_review"`
}

// StageTokens holds optional per-stage completion caps. Zero means unlimited.
type StageTokens struct {
	Stage1 int `mapstructure:"stage1" json:"stage1,omitempty"`
	Stage2 int `mapstructure:"stage2" json:"stage2,omitempty"`
	Stage3 int `mapstructure:"stage3" json:"stage3,omitempty"`
}

// Response controls answer style and length.
type Response struct {
	ResponseStyle string      `mapstructure:"response_style" json:"response_style"`
	MaxTokens     StageTokens `mapstructure:"max_tokens" json:"max_tokens"`
}

// Timeouts holds the per-purpose deadlines and the retry policy knobs.
type Timeouts struct {
	DefaultSeconds     int     `mapstructure:"default_seconds" json:"default_seconds"`
	EvaluationSeconds  int     `mapstructure:"evaluation_seconds" json:"evaluation_seconds"`
	TitleSeconds       int     `mapstructure:"title_seconds" json:"title_seconds"`
	ConnectSeconds     int     `mapstructure:"connect_seconds" json:"connect_seconds"`
	StreamChunkSeconds int     `mapstructure:"stream_chunk_seconds" json:"stream_chunk_seconds"`
	MaxRetries         int     `mapstructure:"max_retries" json:"max_retries"`
	BackoffFactor      float64 `mapstructure:"backoff_factor" json:"backoff_factor"`
}

// Memory configures the long-term memory adapter.
type Memory struct {
	Enabled             bool    `mapstructure:"enabled" json:"enabled"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" json:"confidence_threshold"`
	MaxMemoryAgeDays    int     `mapstructure:"max_memory_age_days" json:"max_memory_age_days"`
	GroupID             string  `mapstructure:"group_id" json:"group_id"`
}

// Title configures conversation title generation.
type Title struct {
	Enabled        bool `mapstructure:"enabled" json:"enabled"`
	TimeoutSeconds int  `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	RetryAttempts  int  `mapstructure:"retry_attempts" json:"retry_attempts"`
}

// MCPServer describes one entry in the MCP server catalog.
type MCPServer struct {
	Name      string            `mapstructure:"name" json:"name"`
	Transport string            `mapstructure:"transport" json:"transport"` // stdio, http, external
	Command   string            `mapstructure:"command" json:"command,omitempty"`
	Args      []string          `mapstructure:"args" json:"args,omitempty"`
	Env       map[string]string `mapstructure:"env" json:"env,omitempty"`
	Port      int               `mapstructure:"port" json:"port,omitempty"`
	URL       string            `mapstructure:"url" json:"url,omitempty"`
}

// MCP configures the tool server registry.
type MCP struct {
	Enabled  bool        `mapstructure:"enabled" json:"enabled"`
	BasePort int         `mapstructure:"base_port" json:"base_port"`
	Servers  []MCPServer `mapstructure:"servers" json:"servers"`
}

// Config is the full loaded catalog.
type Config struct {
	Models       Models       `mapstructure:"models" json:"models"`
	Server       Server       `mapstructure:"server" json:"server"`
	Deliberation Deliberation `mapstructure:"deliberation" json:"deliberation"`
	Response     Response     `mapstructure:"response_config" json:"response_config"`
	Timeouts     Timeouts     `mapstructure:"timeouts" json:"timeouts"`
	Memory       Memory       `mapstructure:"memory" json:"memory"`
	Title        Title        `mapstructure:"title_generation" json:"title_generation"`
	MCP          MCP          `mapstructure:"mcp" json:"mcp"`
	DataDir      string       `mapstructure:"data_dir" json:"data_dir"`
}

// Connection holds the resolved connection parameters for one model.
type Connection struct {
	IP          string
	Port        string
	BaseURL     string
	APIKey      string
	APIEndpoint string
}

// Load reads config.json from the given path and applies defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.Models.Council) == 0 {
		return nil, fmt.Errorf("config has no council models")
	}
	if cfg.Models.Chairman.ID == "" {
		return nil, fmt.Errorf("config has no chairman model")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("deliberation.rounds", 1)
	v.SetDefault("deliberation.max_rounds", 3)
	v.SetDefault("deliberation.quality_threshold", 0.30)
	v.SetDefault("deliberation.enable_cross_review", true)
	v.SetDefault("response_config.response_style", "standard")
	v.SetDefault("timeouts.default_seconds", 300)
	v.SetDefault("timeouts.evaluation_seconds", 60)
	v.SetDefault("timeouts.title_seconds", 60)
	v.SetDefault("timeouts.connect_seconds", 10)
	v.SetDefault("timeouts.stream_chunk_seconds", 300)
	v.SetDefault("timeouts.max_retries", 3)
	v.SetDefault("timeouts.backoff_factor", 2.0)
	v.SetDefault("memory.enabled", false)
	v.SetDefault("memory.confidence_threshold", 0.8)
	v.SetDefault("memory.max_memory_age_days", 30)
	v.SetDefault("memory.group_id", "llm_council")
	v.SetDefault("title_generation.enabled", true)
	v.SetDefault("title_generation.timeout_seconds", 60)
	v.SetDefault("title_generation.retry_attempts", 3)
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.base_port", 15000)
	v.SetDefault("data_dir", "data")
}

// CouncilModelIDs returns the ordered council model ids.
func (c *Config) CouncilModelIDs() []string {
	ids := make([]string, 0, len(c.Models.Council))
	for _, m := range c.Models.Council {
		ids = append(ids, m.ID)
	}
	return ids
}

// ChairmanModel returns the chairman model id.
func (c *Config) ChairmanModel() string { return c.Models.Chairman.ID }

// roleOrChairman returns the role model id, falling back to the chairman
// when the role is unset.
func (c *Config) roleOrChairman(ref ModelRef) string {
	if id := strings.TrimSpace(ref.ID); id != "" {
		return id
	}
	return c.Models.Chairman.ID
}

// FormatterModel returns the model used for final formatting passes.
func (c *Config) FormatterModel() string { return c.roleOrChairman(c.Models.Formatter) }

// ToolCallingModel returns the model used for tool selection and planning.
func (c *Config) ToolCallingModel() string { return c.roleOrChairman(c.Models.ToolCalling) }

// ClassificationModel returns the model used for query classification.
func (c *Config) ClassificationModel() string { return c.roleOrChairman(c.Models.Classification) }

// ConfidenceModel returns the model used for memory confidence scoring.
func (c *Config) ConfidenceModel() string { return c.roleOrChairman(c.Models.Confidence) }

// CategorizationModel returns the model used for memory type classification.
func (c *Config) CategorizationModel() string { return c.roleOrChairman(c.Models.Categorization) }

// findModel locates a model ref by id across all roles.
func (c *Config) findModel(modelID string) ModelRef {
	for _, m := range c.Models.Council {
		if m.ID == modelID {
			return m
		}
	}
	for _, m := range []ModelRef{
		c.Models.Chairman, c.Models.Formatter, c.Models.ToolCalling,
		c.Models.Classification, c.Models.Confidence, c.Models.Categorization,
	} {
		if m.ID == modelID {
			return m
		}
	}
	return ModelRef{}
}

// ConnectionFor resolves connection parameters for a model. Resolution order
// is model override, then server default, then system default. Unknown models
// resolve to the server defaults.
func (c *Config) ConnectionFor(modelID string) Connection {
	m := c.findModel(modelID)

	ip := firstNonEmpty(m.IP, c.Server.IP, "127.0.0.1")
	port := firstNonEmpty(m.Port, c.Server.Port, "11434")
	template := firstNonEmpty(m.BaseURLTemplate, c.Server.BaseURLTemplate, "http://{ip}:{port}/v1")
	apiKey := firstNonEmpty(m.APIKey, c.Server.APIKey)

	base := strings.NewReplacer("{ip}", ip, "{port}", port).Replace(template)

	return Connection{
		IP:          ip,
		Port:        port,
		BaseURL:     base,
		APIKey:      apiKey,
		APIEndpoint: base + "/chat/completions",
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// DefaultTimeout returns the default query deadline.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Timeouts.DefaultSeconds) * time.Second
}

// EvaluationTimeout returns the deadline for background evaluation queries.
func (c *Config) EvaluationTimeout() time.Duration {
	return time.Duration(c.Timeouts.EvaluationSeconds) * time.Second
}

// StreamChunkTimeout returns the per-chunk read deadline for streams.
func (c *Config) StreamChunkTimeout() time.Duration {
	return time.Duration(c.Timeouts.StreamChunkSeconds) * time.Second
}

// ConciseMode reports whether answers should use the concise style.
func (c *Config) ConciseMode() bool {
	return strings.EqualFold(c.Response.ResponseStyle, "concise")
}
