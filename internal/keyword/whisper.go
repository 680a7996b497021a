// This file contains the whisper.cpp-backed Recognizer built on the CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.

package keyword

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

const (
	// bitsPerSample is fixed at 16 for the signed little-endian PCM the
	// capture hub delivers.
	bitsPerSample = 16

	// defaultRMSThreshold is the root-mean-square energy (in 16-bit PCM
	// units, max 32 767) below which a chunk counts as silence.
	defaultRMSThreshold = 300.0

	defaultLanguage           = "en"
	defaultSampleRate         = 16000
	defaultSilenceThresholdMs = 400
	defaultMaxUtteranceMs     = 4_000

	feedQueueDepth = 256
)

// Compile-time assertion that whisperRecognizer implements Recognizer.
var _ Recognizer = (*whisperRecognizer)(nil)

// WhisperOption is a functional option for configuring the whisper-backed
// recognizer factory.
type WhisperOption func(*whisperConfig)

// WithLanguage sets the BCP-47 language code passed to whisper.cpp
// (e.g., "en", "de"). Defaults to "en".
func WithLanguage(lang string) WhisperOption {
	return func(c *whisperConfig) { c.language = lang }
}

// WithSampleRate sets the PCM sample rate in Hz. It must match the capture
// format fed to the recognizer. Defaults to 16000.
func WithSampleRate(rate int) WhisperOption {
	return func(c *whisperConfig) { c.sampleRate = rate }
}

// WithSilenceThresholdMs sets the consecutive-silence duration (ms) that
// commits the buffered utterance for inference. Defaults to 400 ms — wake
// phrases are short, so the window is tighter than general transcription.
func WithSilenceThresholdMs(ms int) WhisperOption {
	return func(c *whisperConfig) { c.silenceThresholdMs = ms }
}

// WithMaxUtteranceMs caps how much audio may buffer before inference is
// forced regardless of silence. Defaults to 4 000 ms.
func WithMaxUtteranceMs(ms int) WhisperOption {
	return func(c *whisperConfig) { c.maxUtteranceMs = ms }
}

// WithMatcher replaces the default phrase matcher.
func WithMatcher(m *Matcher) WhisperOption {
	return func(c *whisperConfig) { c.matcher = m }
}

type whisperConfig struct {
	language           string
	sampleRate         int
	silenceThresholdMs int
	maxUtteranceMs     int
	matcher            *Matcher
}

// NewWhisperFactory returns a [Factory] producing recognizers backed by the
// whisper.cpp model at modelPath, matching transcripts against phrases.
// Every factory invocation loads the model file anew, so each recognizer
// owns an independent model instance.
func NewWhisperFactory(modelPath string, phrases []string, opts ...WhisperOption) (Factory, error) {
	if modelPath == "" {
		return nil, errors.New("keyword: modelPath must not be empty")
	}
	if len(phrases) == 0 {
		return nil, errors.New("keyword: at least one wake phrase is required")
	}

	cfg := whisperConfig{
		language:           defaultLanguage,
		sampleRate:         defaultSampleRate,
		silenceThresholdMs: defaultSilenceThresholdMs,
		maxUtteranceMs:     defaultMaxUtteranceMs,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.matcher == nil {
		cfg.matcher = NewMatcher()
	}

	return func() (Recognizer, error) {
		model, err := whisperlib.New(modelPath)
		if err != nil {
			return nil, fmt.Errorf("keyword: load model %q: %w", modelPath, err)
		}
		return &whisperRecognizer{
			model:     model,
			modelName: filepath.Base(modelPath),
			phrases:   phrases,
			cfg:       cfg,
			feedCh:    make(chan []byte, feedQueueDepth),
			done:      make(chan struct{}),
		}, nil
	}, nil
}

// whisperRecognizer segments incoming PCM on silence boundaries and runs
// each utterance through whisper.cpp, then matches the transcript against
// the wake phrases. All mutable segmentation state is confined to the
// processLoop goroutine.
type whisperRecognizer struct {
	model     whisperlib.Model
	modelName string
	phrases   []string
	cfg       whisperConfig

	feedCh chan []byte
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// Start launches the processing goroutine. onDetect must be non-nil and is
// invoked sequentially from that goroutine.
func (r *whisperRecognizer) Start(onDetect func(Detection)) error {
	if onDetect == nil {
		return errors.New("keyword: onDetect must not be nil")
	}
	r.wg.Add(1)
	go r.processLoop(onDetect)
	return nil
}

// Feed queues PCM for segmentation. Chunks are dropped when the queue is
// full or the recognizer is closed; losing audio during an inference stall
// is preferable to blocking the capture hub's delivery goroutine.
func (r *whisperRecognizer) Feed(pcm []byte) {
	select {
	case <-r.done:
	case r.feedCh <- pcm:
	default:
	}
}

// Close stops the processing goroutine and releases the model. Safe to call
// more than once.
func (r *whisperRecognizer) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		r.wg.Wait()
		err = r.model.Close()
	})
	return err
}

func (r *whisperRecognizer) processLoop(onDetect func(Detection)) {
	defer r.wg.Done()

	var (
		buffer    []byte
		hadSpeech bool
		silenceMs int
	)

	bytesPerMs := r.cfg.sampleRate * (bitsPerSample / 8) / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32
	}
	maxBufferBytes := r.cfg.maxUtteranceMs * bytesPerMs

	commit := func() {
		if len(buffer) == 0 || !hadSpeech {
			buffer, hadSpeech, silenceMs = nil, false, 0
			return
		}
		pcm := buffer
		buffer, hadSpeech, silenceMs = nil, false, 0

		text, err := r.infer(pcm)
		if err != nil {
			slog.Error("keyword inference failed", "model", r.modelName, "error", err)
			return
		}
		if text == "" {
			return
		}

		phrase, confidence, ok := r.cfg.matcher.Match(text, r.phrases)
		if !ok {
			return
		}
		slog.Debug("wake phrase detected",
			"keyword", phrase,
			"confidence", confidence,
			"transcript", text)
		onDetect(Detection{Keyword: phrase, Confidence: confidence, Model: r.modelName})
	}

	for {
		select {
		case <-r.done:
			return

		case chunk := <-r.feedCh:
			rms := computeRMS(chunk)
			chunkMs := len(chunk) / bytesPerMs

			if rms < defaultRMSThreshold {
				// Leading silence before any speech is discarded.
				if hadSpeech {
					silenceMs += chunkMs
					buffer = append(buffer, chunk...)
					if silenceMs >= r.cfg.silenceThresholdMs {
						commit()
					}
				}
			} else {
				hadSpeech = true
				silenceMs = 0
				buffer = append(buffer, chunk...)
				if maxBufferBytes > 0 && len(buffer) >= maxBufferBytes {
					commit()
				}
			}
		}
	}
}

// infer converts pcm to float32, runs whisper.cpp on a fresh context, and
// returns the concatenated transcript. Contexts are not thread-safe and are
// cheap relative to model load, so one is created per utterance.
func (r *whisperRecognizer) infer(pcm []byte) (string, error) {
	samples := pcmToFloat32(pcm)

	wctx, err := r.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("keyword: create context: %w", err)
	}

	if err := wctx.SetLanguage(r.cfg.language); err != nil {
		slog.Warn("keyword: failed to set language, using model default",
			"language", r.cfg.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("keyword: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("keyword: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}

// pcmToFloat32 converts 16-bit signed little-endian mono PCM to the
// normalized float32 samples whisper.cpp expects.
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(s) / 32768.0
	}
	return samples
}

// computeRMS returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer, in PCM sample units (0–32 767).
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
