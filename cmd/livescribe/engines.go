package main

import (
	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/pkg/engine"
	"github.com/MrWong99/livescribe/pkg/engine/openai"
	"github.com/MrWong99/livescribe/pkg/engine/segment"
	"github.com/MrWong99/livescribe/pkg/engine/vosk"
	"github.com/MrWong99/livescribe/pkg/engine/whisper"
)

// registerBuiltinEngines registers every engine compiled into the binary.
func registerBuiltinEngines(reg *config.Registry, level config.LogLevel) {
	reg.RegisterEngine(config.EngineVosk, func(config.EngineConfig) (engine.Engine, error) {
		// Vosk logs to stderr itself; keep it quiet unless debugging.
		voskLevel := -1
		if level == config.LogDebug {
			voskLevel = 0
		}
		return vosk.New(vosk.WithLogLevel(voskLevel)), nil
	})

	reg.RegisterEngine(config.EngineWhisper, func(cfg config.EngineConfig) (engine.Engine, error) {
		return whisper.NewNative(whisperOptions(cfg)...), nil
	})

	reg.RegisterEngine(config.EngineWhisperServer, func(cfg config.EngineConfig) (engine.Engine, error) {
		return whisper.NewServer(cfg.ServerURL, whisperOptions(cfg)...)
	})

	reg.RegisterEngine(config.EngineOpenAI, func(cfg config.EngineConfig) (engine.Engine, error) {
		opts := []openai.Option{
			openai.WithSegmenter(segment.Config{
				SilenceThresholdMs:  cfg.SilenceThresholdMs,
				MaxBufferDurationMs: cfg.MaxUtteranceMs,
			}),
			openai.WithPartialStrideMs(cfg.PartialStrideMs),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(cfg.APIKey, opts...)
	})
}

func whisperOptions(cfg config.EngineConfig) []whisper.Option {
	return []whisper.Option{
		whisper.WithSilenceThresholdMs(cfg.SilenceThresholdMs),
		whisper.WithMaxBufferDurationMs(cfg.MaxUtteranceMs),
		whisper.WithPartialStrideMs(cfg.PartialStrideMs),
	}
}
