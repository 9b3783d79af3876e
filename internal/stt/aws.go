package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
	"go.uber.org/zap"

	"spaceduck/internal/config"
)

const (
	awsAudioChunkBytes = 16 * 1024
	awsSampleRateHertz = 16000
)

// AWSTranscribe streams PCM audio to Amazon Transcribe and assembles the
// final (non-partial) segments.
type AWSTranscribe struct {
	client   *transcribestreaming.Client
	language types.LanguageCode
	logger   *zap.Logger
}

// NewAWSTranscribe builds the streaming client. Static credentials from the
// secret store win over the default chain.
func NewAWSTranscribe(cfg config.AWSTranscribeConfig, accessKey, secretKey string, logger *zap.Logger) (*AWSTranscribe, error) {
	if cfg.Region == "" {
		return nil, errors.New("aws transcribe requires a region")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	language := types.LanguageCode(cfg.LanguageCode)
	if language == "" {
		language = types.LanguageCodeEnUs
	}
	return &AWSTranscribe{
		client:   transcribestreaming.NewFromConfig(awsCfg),
		language: language,
		logger:   logger.Named("aws-transcribe"),
	}, nil
}

// Name implements Backend.
func (a *AWSTranscribe) Name() string { return "aws" }

// Transcribe implements Backend. The audio file must be 16kHz mono PCM.
func (a *AWSTranscribe) Transcribe(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	out, err := a.client.StartStreamTranscription(ctx, &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         a.language,
		MediaEncoding:        types.MediaEncodingPcm,
		MediaSampleRateHertz: aws.Int32(awsSampleRateHertz),
	})
	if err != nil {
		return "", fmt.Errorf("start transcription: %w", err)
	}
	stream := out.GetStream()
	defer stream.Close()

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- a.sendAudio(ctx, f, stream)
	}()

	var transcript strings.Builder
	for event := range stream.Events() {
		te, ok := event.(*types.TranscriptResultStreamMemberTranscriptEvent)
		if !ok {
			continue
		}
		for _, result := range te.Value.Transcript.Results {
			if result.IsPartial || len(result.Alternatives) == 0 {
				continue
			}
			if alt := result.Alternatives[0].Transcript; alt != nil {
				transcript.WriteString(*alt)
				transcript.WriteString(" ")
			}
		}
	}
	if err := <-sendErr; err != nil {
		return "", err
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("transcription stream: %w", err)
	}
	return strings.TrimSpace(transcript.String()), nil
}

func (a *AWSTranscribe) sendAudio(ctx context.Context, r io.Reader, stream *transcribestreaming.StartStreamTranscriptionEventStream) error {
	buf := make([]byte, awsAudioChunkBytes)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := stream.Send(ctx, &types.AudioStreamMemberAudioEvent{
				Value: types.AudioEvent{AudioChunk: chunk},
			}); sendErr != nil {
				return fmt.Errorf("send audio chunk: %w", sendErr)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
