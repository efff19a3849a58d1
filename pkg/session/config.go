package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/teslashibe/go-livevoice/pkg/audioio"
	"github.com/teslashibe/go-livevoice/pkg/capture"
	"github.com/teslashibe/go-livevoice/pkg/recorder"
	"github.com/teslashibe/go-livevoice/pkg/transcript"
	"github.com/teslashibe/go-livevoice/pkg/transport"
)

// Voice is a prebuilt speaker voice.
type Voice string

// Gemini prebuilt voices.
const (
	VoicePuck   Voice = "Puck"
	VoiceCharon Voice = "Charon"
	VoiceKore   Voice = "Kore"
	VoiceFenrir Voice = "Fenrir"
	VoiceAoede  Voice = "Aoede"
)

// Voices lists the selectable voices.
func Voices() []Voice {
	return []Voice{VoicePuck, VoiceCharon, VoiceKore, VoiceFenrir, VoiceAoede}
}

// ParseVoice matches name case-insensitively against Voices.
func ParseVoice(name string) (Voice, error) {
	for _, v := range Voices() {
		if strings.EqualFold(string(v), name) {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidVoice, name)
}

// DefaultSystemInstruction is the persona used when none is configured.
const DefaultSystemInstruction = `You are a friendly speaking examiner running a short spoken-English practice interview.
Ask one question at a time and wait for the candidate to answer.
Start with a greeting and a few questions about familiar topics such as home, work or studies.
Then give the candidate a topic to talk about for up to two minutes, and follow up with a short discussion.
Keep your own turns brief, speak naturally, and never correct the candidate during the interview.`

// Config configures the engine.
type Config struct {
	// APIKey is used when a connect request carries none.
	APIKey string `yaml:"api_key" json:"-"`

	Model             string `yaml:"model" json:"model"`
	Voice             Voice  `yaml:"voice" json:"voice"`
	SystemInstruction string `yaml:"system_instruction" json:"system_instruction"`

	// OutputSampleRate is the rate of inbound AI audio.
	// Default: 24000
	OutputSampleRate int `yaml:"output_sample_rate" json:"output_sample_rate"`

	VAD        transport.VADConfig `yaml:"vad" json:"vad"`
	Capture    capture.Config      `yaml:"capture" json:"capture"`
	Microphone audioio.Config      `yaml:"microphone" json:"microphone"`
	Speaker    audioio.Config      `yaml:"speaker" json:"speaker"`
	Recorder   recorder.Config     `yaml:"recorder" json:"recorder"`

	// FlushGrace bounds the wait for the recorder's final chunk.
	// Default: 250ms
	FlushGrace time.Duration `yaml:"flush_grace" json:"flush_grace"`

	// OutboundQueue is the number of frames buffered for the sender.
	// Default: 32
	OutboundQueue int `yaml:"outbound_queue" json:"outbound_queue"`

	// Labels name the speakers in exports.
	Labels transcript.Labels `yaml:"labels" json:"labels"`
}

// DefaultConfig returns a configuration for Gemini Live with real devices.
func DefaultConfig() Config {
	speaker := audioio.DefaultConfig()
	speaker.SampleRate = 24000

	return Config{
		Model:             transport.DefaultGeminiModel,
		Voice:             VoiceKore,
		SystemInstruction: DefaultSystemInstruction,
		OutputSampleRate:  24000,
		VAD: transport.VADConfig{
			SilenceTimeout: 2 * time.Second,
			Threshold:      0.5,
		},
		Capture:       capture.DefaultConfig(),
		Microphone:    audioio.DefaultCaptureConfig(),
		Speaker:       speaker,
		Recorder:      recorder.DefaultConfig(),
		FlushGrace:    250 * time.Millisecond,
		OutboundQueue: 32,
		Labels: transcript.Labels{
			transcript.RoleUser:  "Candidate",
			transcript.RoleModel: "Examiner",
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if _, err := ParseVoice(string(c.Voice)); err != nil {
		return err
	}
	if c.OutputSampleRate <= 0 {
		return fmt.Errorf("output_sample_rate must be positive, got %d", c.OutputSampleRate)
	}
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if err := c.Microphone.Validate(); err != nil {
		return fmt.Errorf("microphone: %w", err)
	}
	if err := c.Speaker.Validate(); err != nil {
		return fmt.Errorf("speaker: %w", err)
	}
	if err := c.Recorder.Validate(); err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	if c.VAD.Threshold < 0 || c.VAD.Threshold > 1 {
		return fmt.Errorf("vad threshold %v outside [0, 1]", c.VAD.Threshold)
	}
	return nil
}

func (c *Config) transportConfig(voice Voice) transport.Config {
	return transport.Config{
		Model:               c.Model,
		Voice:               string(voice),
		SystemInstruction:   c.SystemInstruction,
		InputTranscription:  true,
		OutputTranscription: true,
		VAD:                 c.VAD,
		InputSampleRate:     c.Capture.TargetRate,
		OutputSampleRate:    c.OutputSampleRate,
	}
}
