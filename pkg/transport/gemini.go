package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-livevoice/internal/httpc"
	"github.com/teslashibe/go-livevoice/pkg/audioio"
)

const (
	// GeminiLiveURL is the Gemini Live API WebSocket endpoint.
	GeminiLiveURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	// DefaultGeminiModel is a native-audio model with transcription support.
	DefaultGeminiModel = "models/gemini-2.5-flash-native-audio-preview-09-2025"

	defaultHandshakeTimeout = 15 * time.Second
	defaultEventBuffer      = 64
	closeWriteTimeout       = time.Second
)

// GeminiDialer dials the Gemini Live BidiGenerateContent API.
type GeminiDialer struct {
	// Endpoint overrides GeminiLiveURL.
	Endpoint string

	// HandshakeTimeout bounds connect plus setupComplete.
	HandshakeTimeout time.Duration

	// EventBuffer is the capacity of the Events channel.
	EventBuffer int

	Logger *slog.Logger
}

// NewGeminiDialer creates a dialer with default settings.
func NewGeminiDialer(logger *slog.Logger) *GeminiDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiDialer{
		Endpoint:         GeminiLiveURL,
		HandshakeTimeout: defaultHandshakeTimeout,
		EventBuffer:      defaultEventBuffer,
		Logger:           logger,
	}
}

// Dial connects, sends the setup block and waits for setupComplete.
func (d *GeminiDialer) Dial(ctx context.Context, apiKey string, cfg Config) (Session, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	endpoint := d.Endpoint
	if endpoint == "" {
		endpoint = GeminiLiveURL
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buffer := d.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		NetDialContext:   httpc.Dialer.DialContext,
		HandshakeTimeout: timeout,
	}

	u := endpoint + "?key=" + url.QueryEscape(apiKey)
	ws, resp, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport/gemini: connect: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("transport/gemini: connect: %w", err)
	}

	s := &geminiSession{
		ws:     ws,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
		logger: logger.With("component", "gemini"),
	}

	if err := s.sendJSON(buildSetup(cfg)); err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: send setup: %v", ErrHandshake, err)
	}
	if err := s.awaitSetup(ctx, timeout); err != nil {
		ws.Close()
		return nil, err
	}

	go s.readLoop()

	s.logger.Info("gemini live session ready",
		"model", normalizeModel(cfg.Model),
		"voice", cfg.Voice,
	)
	return s, nil
}

type geminiSession struct {
	ws     *websocket.Conn
	wsMu   sync.Mutex
	logger *slog.Logger

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	closing   atomic.Bool
}

func (s *geminiSession) awaitSetup(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.ws.SetReadDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { s.ws.Close() })
	defer stop()

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrHandshake, ctx.Err())
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("%w: server closed (%d) %s", ErrHandshake, ce.Code, ce.Text)
			}
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring unparseable handshake message", "error", err)
			continue
		}
		if msg.SetupComplete != nil {
			s.ws.SetReadDeadline(time.Time{})
			return nil
		}
	}
}

func (s *geminiSession) readLoop() {
	defer close(s.events)

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if s.closing.Load() {
				return
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				s.logger.Info("gemini live closed by server", "code", ce.Code, "reason", ce.Text)
				s.emit(Event{Kind: EventClose, Code: ce.Code, Reason: ce.Text})
			} else {
				s.logger.Warn("gemini live read failed", "error", err)
				s.emit(Event{Kind: EventError, Err: fmt.Errorf("transport/gemini: read: %w", err)})
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("failed to parse message", "error", err, "bytes", len(data))
			continue
		}
		if msg.GoAway != nil {
			s.logger.Warn("gemini live going away", "time_left", msg.GoAway.TimeLeft)
		}
		for _, ev := range msg.events() {
			if !s.emit(ev) {
				return
			}
		}
	}
}

func (s *geminiSession) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// SendAudio sends one frame as realtime input.
func (s *geminiSession) SendAudio(frame audioio.AudioFrame) error {
	if s.closing.Load() {
		return ErrClosed
	}
	mime := frame.MIMEType
	if mime == "" {
		mime = audioio.PCMMIMEType(frame.SampleRate)
	}
	return s.sendJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []blob{{
				MIMEType: mime,
				Data:     base64.StdEncoding.EncodeToString(frame.Data),
			}},
		},
	})
}

func (s *geminiSession) Events() <-chan Event {
	return s.events
}

// Close sends a close frame and tears down the connection.
func (s *geminiSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		err = s.ws.Close()
	})
	return err
}

// sendJSON sends a JSON message over WebSocket.
func (s *geminiSession) sendJSON(v any) error {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	return s.ws.WriteJSON(v)
}

var _ Session = (*geminiSession)(nil)

// Wire format.

type setupMessage struct {
	Setup setup `json:"setup"`
}

type setup struct {
	Model                    string               `json:"model"`
	GenerationConfig         generationConfig     `json:"generationConfig"`
	SystemInstruction        *content             `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}            `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}            `json:"outputAudioTranscription,omitempty"`
	RealtimeInputConfig      *realtimeInputConfig `json:"realtimeInputConfig,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection activityDetection `json:"automaticActivityDetection"`
}

type activityDetection struct {
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity,omitempty"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity,omitempty"`
	SilenceDurationMs        int64  `json:"silenceDurationMs,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []blob `json:"mediaChunks"`
}

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete"`
	ServerContent *serverContent `json:"serverContent"`
	GoAway        *goAway        `json:"goAway"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn"`
	TurnComplete        bool           `json:"turnComplete"`
	Interrupted         bool           `json:"interrupted"`
	InputTranscription  *transcription `json:"inputTranscription"`
	OutputTranscription *transcription `json:"outputTranscription"`
}

type transcription struct {
	Text string `json:"text"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

// events splits one server message into ordered events: output
// transcript, input transcript, audio parts, interrupted, turn complete.
func (m serverMessage) events() []Event {
	sc := m.ServerContent
	if sc == nil {
		return nil
	}

	var out []Event
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		out = append(out, Event{Kind: EventOutputTranscript, Text: sc.OutputTranscription.Text})
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		out = append(out, Event{Kind: EventInputTranscript, Text: sc.InputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			if !strings.HasPrefix(p.InlineData.MIMEType, "audio/") && p.InlineData.MIMEType != "" {
				continue
			}
			out = append(out, Event{Kind: EventAudio, Audio: p.InlineData.Data, MIMEType: p.InlineData.MIMEType})
		}
	}
	if sc.Interrupted {
		out = append(out, Event{Kind: EventInterrupted})
	}
	if sc.TurnComplete {
		out = append(out, Event{Kind: EventTurnComplete})
	}
	return out
}

func normalizeModel(model string) string {
	if strings.HasPrefix(model, "models/") {
		return model
	}
	return "models/" + model
}

// sensitivity maps a [0, 1] threshold onto the API's two-level speech
// sensitivity. The midpoint keeps the server default.
func sensitivity(threshold float64, kind string) string {
	switch {
	case threshold < 0.5:
		return kind + "_SENSITIVITY_HIGH"
	case threshold > 0.5:
		return kind + "_SENSITIVITY_LOW"
	default:
		return ""
	}
}

func buildSetup(cfg Config) setupMessage {
	st := setup{
		Model: normalizeModel(cfg.Model),
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		RealtimeInputConfig: &realtimeInputConfig{
			AutomaticActivityDetection: activityDetection{
				StartOfSpeechSensitivity: sensitivity(cfg.VAD.Threshold, "START"),
				EndOfSpeechSensitivity:   sensitivity(cfg.VAD.Threshold, "END"),
				SilenceDurationMs:        cfg.VAD.SilenceTimeout.Milliseconds(),
			},
		},
	}
	if cfg.Voice != "" {
		st.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice}},
		}
	}
	if cfg.SystemInstruction != "" {
		st.SystemInstruction = &content{Parts: []part{{Text: cfg.SystemInstruction}}}
	}
	if cfg.InputTranscription {
		st.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		st.OutputAudioTranscription = &struct{}{}
	}
	return setupMessage{Setup: st}
}
