package config

import "time"

// Defaults applied when the corresponding fields are unset.
const (
	DefaultAPIHost                 = "0.0.0.0"
	DefaultAPIPort                 = 8080
	DefaultHealthEndpoint          = "/health"
	DefaultRequestTimeoutSeconds   = 1800
	DefaultStreamingTimeoutSeconds = 0
	DefaultLaunchTimeoutSeconds    = 60
	DefaultMaxRetries              = 5
	DefaultBaseDelaySeconds        = 2
	DefaultMaxDelaySeconds         = 30
)

// APIConfig is the listen configuration for the gateway itself.
type APIConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	HealthEndpoint string `json:"health_endpoint"`
}

// RetryConfig controls retry behavior when an upstream reports that its
// model is still loading.
type RetryConfig struct {
	MaxRetries          int     `json:"max_retries"`
	BaseDelaySeconds    float64 `json:"base_delay_seconds"`
	MaxDelaySeconds     float64 `json:"max_delay_seconds"`
	RetryOnModelLoading bool    `json:"retry_on_model_loading"`
}

// RunnerConfig describes one runner slot. Runners appear in the config file
// as top-level objects keyed by their id.
type RunnerConfig struct {
	ID                       string            `json:"-"`
	Path                     string            `json:"path"`
	Host                     string            `json:"host"`
	Port                     int               `json:"port"`
	ExtraArgs                []string          `json:"extra_args"`
	Env                      map[string]string `json:"env"`
	InheritEnv               *bool             `json:"inherit_env"`
	AutoUnloadTimeoutSeconds int               `json:"auto_unload_timeout_seconds"`
	LaunchTimeoutSeconds     int               `json:"launch_timeout_seconds"`
	DefaultModel             string            `json:"default_model"`
}

// InheritsEnv reports whether the child should start from the parent
// environment. Unset means yes.
func (r RunnerConfig) InheritsEnv() bool {
	return r.InheritEnv == nil || *r.InheritEnv
}

// LaunchTimeout returns the port-accept deadline for this runner.
func (r RunnerConfig) LaunchTimeout() time.Duration {
	if r.LaunchTimeoutSeconds > 0 {
		return time.Duration(r.LaunchTimeoutSeconds) * time.Second
	}
	return DefaultLaunchTimeoutSeconds * time.Second
}

// AutoUnloadTimeout returns the idle unload timeout; zero disables it.
func (r RunnerConfig) AutoUnloadTimeout() time.Duration {
	return time.Duration(r.AutoUnloadTimeoutSeconds) * time.Second
}

// ModelConfig describes one catalog entry and the launch flags it adds to
// the runner command line. Key names follow the llama-server conventions
// used in the config file, hyphens included.
type ModelConfig struct {
	Model        string            `json:"model"`
	ModelAlias   string            `json:"model_alias"`
	Runner       string            `json:"runner"`
	MMProj       string            `json:"mmproj"`
	NCtx         int               `json:"n_ctx"`
	NBatch       int               `json:"n_batch"`
	NThreads     int               `json:"n_threads"`
	NGPULayers   *int              `json:"n_gpu_layers"`
	MainGPU      *int              `json:"main_gpu"`
	TensorSplit  []float64         `json:"tensor_split"`
	UseMlock     bool              `json:"use_mlock"`
	FlashAttn    string            `json:"flash_attn"`
	OffloadKQV   *bool             `json:"offload_kqv"`
	SplitMode    string            `json:"split_mode"`
	CacheTypeK   string            `json:"cache-type-k"`
	CacheTypeV   string            `json:"cache-type-v"`
	ChatTemplate string            `json:"chat_template"`
	Jinja        bool              `json:"jinja"`
	RopeScaling  string            `json:"rope-scaling"`
	RopeScale    float64           `json:"rope-scale"`
	YarnOrigCtx  int               `json:"yarn-orig-ctx"`
	Pooling      string            `json:"pooling"`
	Embedding    bool              `json:"embedding"`
	Reranking    bool              `json:"reranking"`
	Args         string            `json:"args"`
	Env          map[string]string `json:"env"`
	InheritEnv   *bool             `json:"inherit_env"`
}

// Config holds everything the gateway needs at runtime.
type Config struct {
	API                     APIConfig               `json:"api"`
	AutoStartRunners        bool                    `json:"auto_start_runners"`
	Retry                   RetryConfig             `json:"retry_config"`
	RequestTimeoutSeconds   int                     `json:"request_timeout_seconds"`
	StreamingTimeoutSeconds int                     `json:"streaming_timeout_seconds"`
	LogDir                  string                  `json:"log_dir"`
	Runners                 map[string]RunnerConfig `json:"-"`
	Models                  []ModelConfig           `json:"models"`
}

// RequestTimeout returns the non-streaming request timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// StreamingTimeout returns the streaming request timeout; zero means
// unbounded.
func (c Config) StreamingTimeout() time.Duration {
	return time.Duration(c.StreamingTimeoutSeconds) * time.Second
}
