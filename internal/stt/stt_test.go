package stt

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spaceduck/internal/config"
)

// fakeWhisperBinary writes a script that echoes a fixed transcript.
func fakeWhisperBinary(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "whisper-cli")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func TestWhisperTranscribe(t *testing.T) {
	bin := fakeWhisperBinary(t, `echo " hello from the pond "`)
	w := NewWhisper("base.en", time.Minute, zap.NewNop()).WithBinary(bin)

	text, err := w.Transcribe(context.Background(), "/tmp/audio.wav")
	require.NoError(t, err)
	assert.Equal(t, "hello from the pond", text)
}

func TestWhisperFailureSurfacesStderr(t *testing.T) {
	bin := fakeWhisperBinary(t, `echo "model not found" >&2; exit 1`)
	w := NewWhisper("", time.Minute, zap.NewNop()).WithBinary(bin)

	_, err := w.Transcribe(context.Background(), "/tmp/audio.wav")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func TestWhisperTimeout(t *testing.T) {
	bin := fakeWhisperBinary(t, `sleep 5`)
	w := NewWhisper("", 50*time.Millisecond, zap.NewNop()).WithBinary(bin)

	_, err := w.Transcribe(context.Background(), "/tmp/audio.wav")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestWhisperAvailable(t *testing.T) {
	w := NewWhisper("", 0, nil).WithBinary("definitely-not-a-real-binary")
	assert.False(t, w.Available())
}

func TestSwappable(t *testing.T) {
	s := NewSwappable(nil)
	assert.Equal(t, "none", s.Name())
	_, err := s.Transcribe(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotConfigured)

	bin := fakeWhisperBinary(t, `echo quack`)
	s.Swap(NewWhisper("", time.Minute, nil).WithBinary(bin))
	assert.Equal(t, "whisper", s.Name())

	text, err := s.Transcribe(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "quack", text)

	s.Swap(nil)
	assert.Equal(t, "none", s.Name())
}

func TestFromConfig(t *testing.T) {
	noSecrets := func(string) string { return "" }

	b, err := FromConfig(config.STTConfig{Backend: "whisper", Model: "base.en"}, noSecrets, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "whisper", b.Name())

	_, err = FromConfig(config.STTConfig{Backend: "dictaphone"}, noSecrets, zap.NewNop())
	assert.Error(t, err)

	_, err = FromConfig(config.STTConfig{Backend: "aws"}, noSecrets, zap.NewNop())
	assert.Error(t, err, "aws backend requires a region")
}
