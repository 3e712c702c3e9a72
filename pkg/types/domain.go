package types

// Health status values reported per model alias.
const (
	HealthOK         = "ok"
	HealthLoading    = "loading"
	HealthError      = "error"
	HealthNotLoaded  = "not_loaded"
	HealthNotRunning = "not_running"
)

// Health messages shared between the aggregator and the HTTP surface.
const (
	MsgReady              = "Ready"
	MsgModelLoading       = "Model is still loading"
	MsgRunnerNotRunning   = "Runner not running"
	MsgModelNotLoaded     = "Model not loaded in runner"
	MsgNoRunnerAvailable  = "No runner available"
	MsgHealthCheckTimeout = "Health check timeout"
	MsgConnectionError    = "Connection error"
)
