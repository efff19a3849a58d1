package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-livevoice/pkg/audioio"
)

func testConfig() Config {
	return Config{
		Model:               "gemini-2.5-flash-native-audio-preview-09-2025",
		Voice:               "Kore",
		SystemInstruction:   "You are a patient examiner.",
		InputTranscription:  true,
		OutputTranscription: true,
		VAD:                 VADConfig{SilenceTimeout: 2 * time.Second, Threshold: 0.5},
		InputSampleRate:     16000,
		OutputSampleRate:    24000,
	}
}

// fakeLive runs handler for each websocket connection after checking the
// API key and capturing the setup message.
func fakeLive(t *testing.T, handler func(ws *websocket.Conn, setup map[string]any)) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "test-key" {
			http.Error(w, "bad key", http.StatusForbidden)
			return
		}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		var setup map[string]any
		if err := ws.ReadJSON(&setup); err != nil {
			return
		}
		handler(ws, setup)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialerFor(srv *httptest.Server) *GeminiDialer {
	d := NewGeminiDialer(nil)
	d.Endpoint = "ws" + strings.TrimPrefix(srv.URL, "http")
	d.HandshakeTimeout = 2 * time.Second
	return d
}

func TestGemini_SetupMessage(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := fakeLive(t, func(ws *websocket.Conn, setup map[string]any) {
		got <- setup
		ws.WriteJSON(map[string]any{"setupComplete": map[string]any{}})
		ws.ReadMessage()
	})

	sess, err := dialerFor(srv).Dial(context.Background(), "test-key", testConfig())
	require.NoError(t, err)
	defer sess.Close()

	setup := (<-got)["setup"].(map[string]any)
	assert.Equal(t, "models/gemini-2.5-flash-native-audio-preview-09-2025", setup["model"])

	gen := setup["generationConfig"].(map[string]any)
	assert.Equal(t, []any{"AUDIO"}, gen["responseModalities"])
	voice := gen["speechConfig"].(map[string]any)["voiceConfig"].(map[string]any)["prebuiltVoiceConfig"].(map[string]any)
	assert.Equal(t, "Kore", voice["voiceName"])

	parts := setup["systemInstruction"].(map[string]any)["parts"].([]any)
	assert.Equal(t, "You are a patient examiner.", parts[0].(map[string]any)["text"])

	assert.Contains(t, setup, "inputAudioTranscription")
	assert.Contains(t, setup, "outputAudioTranscription")

	aad := setup["realtimeInputConfig"].(map[string]any)["automaticActivityDetection"].(map[string]any)
	assert.EqualValues(t, 2000, aad["silenceDurationMs"])
	assert.NotContains(t, aad, "startOfSpeechSensitivity")
}

func TestGemini_EventsInOrder(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte{0x00, 0x40, 0x00, 0xC0})
	srv := fakeLive(t, func(ws *websocket.Conn, _ map[string]any) {
		ws.WriteJSON(map[string]any{"setupComplete": map[string]any{}})
		ws.WriteJSON(map[string]any{
			"serverContent": map[string]any{
				"inputTranscription":  map[string]any{"text": "hello"},
				"outputTranscription": map[string]any{"text": "Hi there"},
				"modelTurn": map[string]any{
					"parts": []any{
						map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": audio}},
					},
				},
				"turnComplete": true,
			},
		})
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		ws.ReadMessage()
	})

	sess, err := dialerFor(srv).Dial(context.Background(), "test-key", testConfig())
	require.NoError(t, err)
	defer sess.Close()

	var kinds []EventKind
	var last Event
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				done = true
				break
			}
			kinds = append(kinds, ev.Kind)
			last = ev
			switch ev.Kind {
			case EventOutputTranscript:
				assert.Equal(t, "Hi there", ev.Text)
			case EventInputTranscript:
				assert.Equal(t, "hello", ev.Text)
			case EventAudio:
				assert.Equal(t, audio, ev.Audio)
			}
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}

	assert.Equal(t, []EventKind{
		EventOutputTranscript,
		EventInputTranscript,
		EventAudio,
		EventTurnComplete,
		EventClose,
	}, kinds)
	assert.Equal(t, websocket.CloseNormalClosure, last.Code)
	assert.Equal(t, "bye", last.Reason)
}

func TestGemini_SendAudio(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := fakeLive(t, func(ws *websocket.Conn, _ map[string]any) {
		ws.WriteJSON(map[string]any{"setupComplete": map[string]any{}})
		var msg map[string]any
		if err := ws.ReadJSON(&msg); err == nil {
			got <- msg
		}
		ws.ReadMessage()
	})

	sess, err := dialerFor(srv).Dial(context.Background(), "test-key", testConfig())
	require.NoError(t, err)
	defer sess.Close()

	pcm := audioio.EncodePCM16(make([]float32, 1024))
	require.NoError(t, sess.SendAudio(audioio.NewAudioFrame(pcm, 16000)))

	select {
	case msg := <-got:
		chunks := msg["realtimeInput"].(map[string]any)["mediaChunks"].([]any)
		require.Len(t, chunks, 1)
		chunk := chunks[0].(map[string]any)
		assert.Equal(t, "audio/pcm;rate=16000", chunk["mimeType"])
		data, err := base64.StdEncoding.DecodeString(chunk["data"].(string))
		require.NoError(t, err)
		assert.Len(t, data, 2048)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received audio")
	}
}

func TestGemini_HandshakeRejected(t *testing.T) {
	srv := fakeLive(t, func(ws *websocket.Conn, _ map[string]any) {
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "API key not valid"))
		ws.ReadMessage()
	})

	_, err := dialerFor(srv).Dial(context.Background(), "test-key", testConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandshake))
	assert.Contains(t, err.Error(), "API key not valid")
}

func TestGemini_HandshakeTimeout(t *testing.T) {
	srv := fakeLive(t, func(ws *websocket.Conn, _ map[string]any) {
		time.Sleep(time.Second)
	})

	d := dialerFor(srv)
	d.HandshakeTimeout = 100 * time.Millisecond

	_, err := d.Dial(context.Background(), "test-key", testConfig())
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestGemini_BadKey(t *testing.T) {
	srv := fakeLive(t, func(*websocket.Conn, map[string]any) {})

	_, err := dialerFor(srv).Dial(context.Background(), "wrong", testConfig())
	assert.Error(t, err)

	_, err = dialerFor(srv).Dial(context.Background(), "", testConfig())
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestGemini_CloseStopsEvents(t *testing.T) {
	srv := fakeLive(t, func(ws *websocket.Conn, _ map[string]any) {
		ws.WriteJSON(map[string]any{"setupComplete": map[string]any{}})
		ws.ReadMessage()
	})

	sess, err := dialerFor(srv).Dial(context.Background(), "test-key", testConfig())
	require.NoError(t, err)

	require.NoError(t, sess.Close())
	assert.NoError(t, sess.Close())

	select {
	case _, ok := <-sess.Events():
		assert.False(t, ok, "no events after a local close")
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
	assert.ErrorIs(t, sess.SendAudio(audioio.NewAudioFrame(nil, 16000)), ErrClosed)
}

func TestServerMessage_Events(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []EventKind
	}{
		{"setup complete", `{"setupComplete":{}}`, nil},
		{"interrupted", `{"serverContent":{"interrupted":true}}`, []EventKind{EventInterrupted}},
		{"empty transcript ignored", `{"serverContent":{"inputTranscription":{"text":""}}}`, nil},
		{"text part ignored", `{"serverContent":{"modelTurn":{"parts":[{"text":"hi"}]}}}`, nil},
		{"two audio parts", `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm","data":"AAA="}},{"inlineData":{"mimeType":"audio/pcm","data":"AAA="}}]}}}`, []EventKind{EventAudio, EventAudio}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg serverMessage
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &msg))
			var kinds []EventKind
			for _, ev := range msg.events() {
				kinds = append(kinds, ev.Kind)
			}
			assert.Equal(t, tt.want, kinds)
		})
	}
}

func TestSensitivity(t *testing.T) {
	assert.Equal(t, "START_SENSITIVITY_HIGH", sensitivity(0.2, "START"))
	assert.Equal(t, "END_SENSITIVITY_LOW", sensitivity(0.8, "END"))
	assert.Empty(t, sensitivity(0.5, "START"))
}

func TestConfig_Validate(t *testing.T) {
	cfg := testConfig()
	assert.NoError(t, cfg.Validate())

	cfg.Model = ""
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.VAD.Threshold = 2
	assert.Error(t, cfg.Validate())
}
