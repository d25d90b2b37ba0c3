package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-tts/internal/registry"
	"github.com/loqalabs/loqa-tts/internal/workerpool"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrUnknownVoice      = errors.New("unknown voice")
	ErrInvalidLanguage   = errors.New("invalid language")
	ErrEngineFailure     = errors.New("engine failure")
	ErrResourceExhausted = errors.New("resource exhausted")
)

// classify maps errors from the registry, pool and engine onto the
// dispatcher's taxonomy. Context errors pass through unchanged.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, registry.ErrUnsupportedLanguage):
		return fmt.Errorf("%w: %w", ErrInvalidLanguage, err)
	case errors.Is(err, workerpool.ErrSaturated), errors.Is(err, workerpool.ErrClosed), errors.Is(err, registry.ErrClosed):
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	default:
		return fmt.Errorf("%w: %w", ErrEngineFailure, err)
	}
}

// Outcome is a short label for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrUnknownVoice):
		return "unknown_voice"
	case errors.Is(err, ErrInvalidLanguage):
		return "invalid_language"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "engine_failure"
	}
}
