package graph

import "go.uber.org/zap"

// assert logs a failed invariant and reports cond. Callers abort the current
// operation on false.
func assert(logger *zap.Logger, cond bool, msg string, fields ...zap.Field) bool {
	if !cond {
		logger.Error("assertion failed: "+msg, fields...)
	}
	return cond
}
