package rag

import (
	"errors"
	"fmt"
)

// Error kinds. Wrap them with %w so callers can match with errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrDatasetParse  = errors.New("dataset parse error")
	ErrPreprocessing = errors.New("preprocessing error")
	ErrNotFound      = errors.New("not found")
	ErrRetrieval     = errors.New("retrieval error")
	ErrRerank        = errors.New("rerank error")
	ErrGeneration    = errors.New("generation error")
)

// Stage labels used in evaluation records and metrics.
const (
	StageConfiguration = "configuration"
	StageDataset       = "dataset"
	StagePreprocessing = "preprocessing"
	StageNotFound      = "not_found"
	StageRetrieval     = "retrieval"
	StageRerank        = "rerank"
	StageGeneration    = "generation"
	StageUnknown       = "unknown"
)

// Wrap tags err with kind. Nil stays nil.
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Errorf formats a message and tags it with kind.
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// StageOf maps an error to the pipeline stage that raised it.
func StageOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return StageConfiguration
	case errors.Is(err, ErrDatasetParse):
		return StageDataset
	case errors.Is(err, ErrPreprocessing):
		return StagePreprocessing
	case errors.Is(err, ErrNotFound):
		return StageNotFound
	case errors.Is(err, ErrRetrieval):
		return StageRetrieval
	case errors.Is(err, ErrRerank):
		return StageRerank
	case errors.Is(err, ErrGeneration):
		return StageGeneration
	default:
		return StageUnknown
	}
}

// Fatal reports whether err should stop a run before any prompt is processed.
func Fatal(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrDatasetParse)
}
