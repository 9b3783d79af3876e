package stt

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// WhisperBinary is the whisper.cpp CLI looked up on PATH.
const WhisperBinary = "whisper-cli"

const defaultWhisperModel = "base.en"

// Whisper shells out to whisper.cpp. The model name is resolved by the
// binary itself (-m accepts names and paths).
type Whisper struct {
	binary  string
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewWhisper builds the local backend. model defaults to base.en.
func NewWhisper(model string, timeout time.Duration, logger *zap.Logger) *Whisper {
	if model == "" {
		model = defaultWhisperModel
	}
	if timeout <= 0 {
		timeout = defaultTranscribeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Whisper{binary: WhisperBinary, model: model, timeout: timeout, logger: logger.Named("whisper")}
}

// WithBinary overrides the CLI name, mainly for tests.
func (w *Whisper) WithBinary(binary string) *Whisper {
	w.binary = binary
	return w
}

// Name implements Backend.
func (w *Whisper) Name() string { return "whisper" }

// Available reports whether the binary is on PATH.
func (w *Whisper) Available() bool {
	_, err := exec.LookPath(w.binary)
	return err == nil
}

// Transcribe runs the CLI with timestamps suppressed and returns trimmed
// stdout.
func (w *Whisper) Transcribe(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, w.binary, "-m", w.model, "-f", path, "-nt")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("whisper timed out after %s", w.timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("whisper: %s", msg)
	}

	transcript := strings.TrimSpace(stdout.String())
	w.logger.Info("transcription complete",
		zap.String("model", w.model),
		zap.Int("chars", len(transcript)),
		zap.Duration("took", time.Since(start)))
	return transcript, nil
}
