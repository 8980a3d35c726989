package audiohost

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Engine errors.
var (
	ErrEngineRunning     = errors.New("engine is already running")
	ErrEngineDestroyed   = errors.New("engine has been destroyed")
	ErrTooManyPlugins    = errors.New("maximum number of plugins reached")
	ErrPluginNotFound    = errors.New("invalid plugin id")
	ErrInvalidAudio      = errors.New("invalid audio settings")
	ErrSlowOperation     = errors.New("control operation exceeded its time budget")
	ErrIncompatibleState = errors.New("incompatible engine state")
	ErrMIDIPort          = errors.New("MIDI port error")
)

// ErrorHandler defines the interface for handling engine errors
type ErrorHandler interface {
	HandleError(error)
}

// DefaultErrorHandler logs errors through zap.
type DefaultErrorHandler struct {
	Logger *zap.Logger
}

// HandleError implements ErrorHandler interface with basic logging
func (h *DefaultErrorHandler) HandleError(err error) {
	logger := h.Logger
	if logger == nil {
		logger = zap.L()
	}
	logger.Error("engine error", zap.Error(err))
}

// LoggingErrorHandler wraps another handler and logs errors
type LoggingErrorHandler struct {
	underlying ErrorHandler
	logger     func(error)
}

// NewLoggingErrorHandler creates a new logging error handler
func NewLoggingErrorHandler(underlying ErrorHandler, logger func(error)) *LoggingErrorHandler {
	return &LoggingErrorHandler{
		underlying: underlying,
		logger:     logger,
	}
}

// HandleError implements ErrorHandler interface with logging
func (h *LoggingErrorHandler) HandleError(err error) {
	if h.logger != nil {
		h.logger(err)
	}
	if h.underlying != nil {
		h.underlying.HandleError(err)
	}
}

// PanicErrorHandler panics on any error (useful for development)
type PanicErrorHandler struct{}

// HandleError implements ErrorHandler interface by panicking
func (h *PanicErrorHandler) HandleError(err error) {
	panic(fmt.Sprintf("Engine error: %v", err))
}
