// Package stt turns recorded audio into text. Two backends: a local
// whisper.cpp binary and Amazon Transcribe streaming. The active backend sits
// behind a swappable proxy, same discipline as the LLM provider.
package stt

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"spaceduck/internal/config"
)

// ErrNotConfigured is returned when no backend has been built.
var ErrNotConfigured = errors.New("stt backend not configured")

const defaultTranscribeTimeout = 2 * time.Minute

// Backend transcribes one audio file.
type Backend interface {
	Name() string
	// Transcribe reads the audio file at path and returns the transcript.
	Transcribe(ctx context.Context, path string) (string, error)
}

// FromConfig builds the backend selected by the stt section.
func FromConfig(cfg config.STTConfig, secret func(path string) string, logger *zap.Logger) (Backend, error) {
	switch cfg.Backend {
	case "", "whisper":
		return NewWhisper(cfg.Model, timeoutFrom(cfg), logger), nil
	case "aws":
		accessKey := secret("/stt/secrets/awsAccessKeyId")
		secretKey := secret("/stt/secrets/awsSecretAccessKey")
		return NewAWSTranscribe(cfg.AWSTranscribe, accessKey, secretKey, logger)
	default:
		return nil, fmt.Errorf("unknown stt backend %q", cfg.Backend)
	}
}

func timeoutFrom(cfg config.STTConfig) time.Duration {
	if cfg.TimeoutMs > 0 {
		return time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	return defaultTranscribeTimeout
}

// Swappable is the proxy the router talks to across hot swaps.
type Swappable struct {
	inner atomic.Pointer[backendBox]
}

type backendBox struct {
	b Backend
}

// NewSwappable wraps an initial backend, which may be nil.
func NewSwappable(b Backend) *Swappable {
	s := &Swappable{}
	if b != nil {
		s.inner.Store(&backendBox{b: b})
	}
	return s
}

// Swap publishes a new backend. In-flight transcriptions finish on the old
// one.
func (s *Swappable) Swap(b Backend) {
	if b == nil {
		s.inner.Store(nil)
		return
	}
	s.inner.Store(&backendBox{b: b})
}

// Get returns the current backend, or nil.
func (s *Swappable) Get() Backend {
	box := s.inner.Load()
	if box == nil {
		return nil
	}
	return box.b
}

// Name implements Backend.
func (s *Swappable) Name() string {
	if b := s.Get(); b != nil {
		return b.Name()
	}
	return "none"
}

// Transcribe implements Backend.
func (s *Swappable) Transcribe(ctx context.Context, path string) (string, error) {
	b := s.Get()
	if b == nil {
		return "", ErrNotConfigured
	}
	return b.Transcribe(ctx, path)
}
