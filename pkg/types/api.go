package types

// Model is one catalog entry as exposed by GET /v1/models.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse wraps the catalog listing in the OpenAI list envelope.
type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ErrorDetail carries a public-facing error message.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// ErrorResponse is the consistent JSON error payload for every endpoint.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ModelHealth is the per-alias entry of the /health payload.
type ModelHealth struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// RunnerInfo describes one runner slot in the /health payload.
type RunnerInfo struct {
	Host                       string  `json:"host"`
	Port                       int     `json:"port"`
	CurrentModel               *string `json:"current_model"`
	IsActive                   bool    `json:"is_active"`
	AutoUnloadTimeoutSeconds   int     `json:"auto_unload_timeout_seconds"`
	AutoUnloadCountdownSeconds *int    `json:"auto_unload_countdown_seconds,omitempty"`
}

// HealthResponse is returned by the aggregate health endpoint.
type HealthResponse struct {
	Status              string                 `json:"status"`
	ActiveRunners       map[string]bool        `json:"active_runners"`
	RunnerCurrentModels map[string]*string     `json:"runner_current_models"`
	RunnerInfo          map[string]RunnerInfo  `json:"runner_info"`
	ModelHealth         map[string]ModelHealth `json:"model_health"`
}

// RunnerActionResponse is returned by the runner control endpoints.
type RunnerActionResponse struct {
	Success    bool         `json:"success"`
	Message    string       `json:"message,omitempty"`
	RunnerName string       `json:"runner_name,omitempty"`
	Action     string       `json:"action,omitempty"`
	Timestamp  string       `json:"timestamp,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
}

// RunnerStatus is one entry of GET /v1/runners/status.
type RunnerStatus struct {
	IsRunning       bool     `json:"is_running"`
	CurrentModel    *string  `json:"current_model"`
	AvailableModels []string `json:"available_models"`
	Host            string   `json:"host"`
	Port            int      `json:"port"`
}

// RunnersStatusResponse wraps the per-runner status report.
type RunnersStatusResponse struct {
	Success   bool                    `json:"success"`
	Runners   map[string]RunnerStatus `json:"runners"`
	Timestamp string                  `json:"timestamp"`
}
