package ic

import "github.com/SimulatedWorld/ic/internal/constants"

// Re-export constants for public API
const (
	DefaultSyncWaitDuration      = constants.DefaultSyncWaitDuration
	AutoProgressOperationTimeout = constants.AutoProgressOperationTimeout
	MinOperationDelay            = constants.MinOperationDelay
	ReadGraphDelay               = constants.ReadGraphDelay
	DefaultComputeWorkers        = constants.DefaultComputeWorkers
	MaxRequestBodySize           = constants.MaxRequestBodySize
	BodyReadTimeout              = constants.BodyReadTimeout
)
