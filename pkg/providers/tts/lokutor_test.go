package tts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/lokutor-duplex/pkg/orchestrator"
)

func newLokutorServer(t *testing.T, handle func(ctx context.Context, conn *websocket.Conn, req map[string]interface{})) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "closing")

		for {
			var req map[string]interface{}
			if err := wsjson.Read(r.Context(), conn, &req); err != nil {
				return
			}
			handle(r.Context(), conn, req)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func testLokutor(server *httptest.Server) *LokutorTTS {
	tts := NewLokutorTTS("test-key", orchestrator.VoiceM1, orchestrator.LanguageEs)
	tts.host = strings.TrimPrefix(server.URL, "http://")
	tts.scheme = "ws"
	return tts
}

func TestLokutorTTS(t *testing.T) {
	server := newLokutorServer(t, func(ctx context.Context, conn *websocket.Conn, req map[string]interface{}) {
		if req["voice"] != "M1" || req["lang"] != "es" {
			conn.Write(ctx, websocket.MessageText, []byte("ERR: bad voice"))
			return
		}
		conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3})
		conn.Write(ctx, websocket.MessageBinary, []byte{4, 5, 6})
		conn.Write(ctx, websocket.MessageText, []byte("EOS"))
	})

	tts := testLokutor(server)
	defer tts.Close()

	a, err := tts.Synthesize(context.Background(), "hola")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a.Data) != 6 {
		t.Errorf("expected 6 bytes, got %d", len(a.Data))
	}
	if a.Format != orchestrator.FormatPCMS16 || a.SampleRate != LokutorSampleRate {
		t.Errorf("unexpected audio metadata: %s %d", a.Format, a.SampleRate)
	}

	// the connection is reused for the next request
	if _, err := tts.Synthesize(context.Background(), "otra vez"); err != nil {
		t.Fatalf("second synthesis failed: %v", err)
	}

	if tts.Name() != "lokutor" {
		t.Errorf("expected lokutor, got %s", tts.Name())
	}
}

func TestLokutorTTSError(t *testing.T) {
	server := newLokutorServer(t, func(ctx context.Context, conn *websocket.Conn, req map[string]interface{}) {
		conn.Write(ctx, websocket.MessageText, []byte("ERR: quota exceeded"))
	})

	tts := testLokutor(server)
	defer tts.Close()

	_, err := tts.Synthesize(context.Background(), "hola")
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected quota error, got %v", err)
	}
}

func TestLokutorTTSCancel(t *testing.T) {
	server := newLokutorServer(t, func(ctx context.Context, conn *websocket.Conn, req map[string]interface{}) {
		conn.Write(ctx, websocket.MessageBinary, []byte{1, 2})
		// hold the request open until the client goes away
		conn.Read(ctx)
	})

	tts := testLokutor(server)
	defer tts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- tts.StreamSynthesize(ctx, "hola", func(chunk []byte) error {
			got <- struct{}{}
			return nil
		})
	}()

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("no audio received")
	}
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("synthesis did not stop after cancel")
	}
	if tts.conn != nil {
		t.Error("expected connection to be dropped after cancel")
	}
}
