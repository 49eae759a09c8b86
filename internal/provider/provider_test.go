package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TONresistor/teleton-agent-sub000/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func init() {
	backoffUnit = time.Millisecond
}

type sentReply struct {
	chatID  int64
	text    string
	replyTo int64
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []sentReply
}

func (d *recordingDispatcher) SendReply(_ context.Context, chatID int64, text string, replyTo int64) (*domain.FeedMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sentReply{chatID, text, replyTo})
	return &domain.FeedMessage{ChatID: chatID, MessageID: int64(len(d.sent)), Text: text}, nil
}

func chatServer(t *testing.T, handler func(req oaiRequest) oaiResponse) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var req oaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(handler(req))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestOpenAI(base string) *OpenAI {
	return NewOpenAI(OpenAIConfig{APIKey: "sk-test", APIBase: base, Model: "test-model", Logger: testLogger()})
}

func TestOpenAI_PlainAnswer(t *testing.T) {
	var seen oaiRequest
	srv := chatServer(t, func(req oaiRequest) oaiResponse {
		seen = req
		return oaiResponse{Choices: []oaiChoice{{Message: oaiMessage{Role: "assistant", Content: "  hello there \n"}}}}
	})

	res, err := newTestOpenAI(srv.URL).Respond(context.Background(), domain.ResponseRequest{
		ChatID:         7,
		Text:           "hi",
		SenderName:     "Alice",
		PendingContext: "[Messages since your last reply: 1]\n[10:00] Bob: earlier",
		ReplyContext:   `[In reply to user: "question"]`,
		Transcript:     "spoken words",
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if res.Text != "hello there" {
		t.Fatalf("text = %q", res.Text)
	}
	if len(res.ToolCalls) != 0 {
		t.Fatalf("unexpected tool calls: %v", res.ToolCalls)
	}

	if seen.Model != "test-model" || len(seen.Messages) != 2 {
		t.Fatalf("unexpected request: %+v", seen)
	}
	if len(seen.Tools) != 0 {
		t.Fatal("tools offered without a dispatcher")
	}
	user := seen.Messages[1].Content
	for _, want := range []string{"Messages since your last reply", "question", "spoken words", "Alice: hi"} {
		if !strings.Contains(user, want) {
			t.Errorf("user content missing %q:\n%s", want, user)
		}
	}
	if strings.Index(user, "earlier") > strings.Index(user, "Alice: hi") {
		t.Error("pending context should precede the current message")
	}
}

func TestOpenAI_ExecutesSendTools(t *testing.T) {
	srv := chatServer(t, func(req oaiRequest) oaiResponse {
		if len(req.Tools) != 2 {
			t.Errorf("tools = %d, want 2", len(req.Tools))
		}
		return oaiResponse{Choices: []oaiChoice{{
			FinishReason: "tool_calls",
			Message: oaiMessage{Role: "assistant", ToolCalls: []oaiToolCall{
				{ID: "1", Type: "function", Function: oaiToolCallFn{Name: ToolReplyMessage, Arguments: `{"text":"quoted"}`}},
				{ID: "2", Type: "function", Function: oaiToolCallFn{Name: ToolSendMessage, Arguments: `{"text":"plain"}`}},
			}},
		}}}
	})

	disp := &recordingDispatcher{}
	res, err := newTestOpenAI(srv.URL).Respond(context.Background(), domain.ResponseRequest{
		ChatID: 42,
		Text:   "ping",
		Tools:  domain.ToolContext{ChatID: 42, ReplyToID: 9, Dispatcher: disp},
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !res.Invoked(ToolSendMessage) || !res.Invoked(ToolReplyMessage) {
		t.Fatalf("tool calls not recorded: %+v", res.ToolCalls)
	}
	if len(disp.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(disp.sent))
	}
	if disp.sent[0] != (sentReply{42, "quoted", 9}) {
		t.Errorf("reply tool sent %+v", disp.sent[0])
	}
	if disp.sent[1] != (sentReply{42, "plain", 0}) {
		t.Errorf("send tool sent %+v", disp.sent[1])
	}
}

func TestOpenAI_MalformedToolCallKeepsText(t *testing.T) {
	srv := chatServer(t, func(req oaiRequest) oaiResponse {
		return oaiResponse{Choices: []oaiChoice{{
			FinishReason: "tool_calls",
			Message: oaiMessage{Role: "assistant", Content: "the actual answer", ToolCalls: []oaiToolCall{
				{ID: "1", Type: "function", Function: oaiToolCallFn{Name: ToolSendMessage, Arguments: `{"text":`}},
				{ID: "2", Type: "function", Function: oaiToolCallFn{Name: ToolReplyMessage, Arguments: `{"text":"  "}`}},
			}},
		}}}
	})

	disp := &recordingDispatcher{}
	res, err := newTestOpenAI(srv.URL).Respond(context.Background(), domain.ResponseRequest{
		ChatID: 42,
		Text:   "ping",
		Tools:  domain.ToolContext{ChatID: 42, ReplyToID: 9, Dispatcher: disp},
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(disp.sent) != 0 {
		t.Fatalf("sent %d messages, want 0", len(disp.sent))
	}
	if res.Invoked(ToolSendMessage) || res.Invoked(ToolReplyMessage) {
		t.Fatalf("undelivered tool calls recorded: %+v", res.ToolCalls)
	}
	if res.Text != "the actual answer" {
		t.Fatalf("text = %q", res.Text)
	}
}

func TestOpenAI_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(oaiResponse{Choices: []oaiChoice{{Message: oaiMessage{Content: "ok"}}}})
	}))
	defer srv.Close()

	res, err := newTestOpenAI(srv.URL).Respond(context.Background(), domain.ResponseRequest{Text: "x"})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if res.Text != "ok" || calls.Load() != 3 {
		t.Fatalf("text=%q calls=%d", res.Text, calls.Load())
	}
}

func TestOpenAI_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestOpenAI(srv.URL).Respond(context.Background(), domain.ResponseRequest{Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestOpenAI_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, `{"data":[]}`)
	}))
	defer srv.Close()

	if err := newTestOpenAI(srv.URL).Healthy(context.Background()); err != nil {
		t.Fatalf("Healthy: %v", err)
	}
	bad := NewOpenAI(OpenAIConfig{APIKey: "nope", APIBase: srv.URL, Logger: testLogger()})
	if err := bad.Healthy(context.Background()); err == nil {
		t.Fatal("expected error for bad key")
	}
}

type staticFiles struct{ url string }

func (s staticFiles) FileURL(string) (string, error) { return s.url, nil }

func TestWhisper_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/file/voice/file_1.oga":
			io.WriteString(w, "OggS-fake-audio")
		case "/audio/transcriptions":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse form: %v", err)
			}
			if r.FormValue("model") != "whisper-large-v3" {
				t.Errorf("model = %q", r.FormValue("model"))
			}
			if r.FormValue("language") != "en" {
				t.Errorf("language = %q", r.FormValue("language"))
			}
			f, hdr, err := r.FormFile("file")
			if err != nil {
				t.Errorf("form file: %v", err)
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(f)
			if string(data) != "OggS-fake-audio" || hdr.Filename != "file_1.oga" {
				t.Errorf("file %q %q", hdr.Filename, data)
			}
			io.WriteString(w, `{"text":" hello from voice ","language":"en"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	w, err := NewWhisper(WhisperConfig{
		APIBase:  srv.URL,
		APIKey:   "k",
		Language: "en",
		Files:    staticFiles{url: srv.URL + "/file/voice/file_1.oga"},
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	text, err := w.Transcribe(context.Background(), domain.Media{Kind: domain.MediaVoice, FileID: "f1"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello from voice" {
		t.Fatalf("text = %q", text)
	}
}

func TestWhisper_RejectsNonSpeech(t *testing.T) {
	w, err := NewWhisper(WhisperConfig{Files: staticFiles{}, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Transcribe(context.Background(), domain.Media{Kind: domain.MediaPhoto}); err == nil {
		t.Fatal("expected error for photo")
	}
}

func TestWhisper_RequiresFileSource(t *testing.T) {
	if _, err := NewWhisper(WhisperConfig{}); err == nil {
		t.Fatal("expected error without file source")
	}
}

func TestDoWithRetry_HonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	old := backoffUnit
	backoffUnit = time.Second
	defer func() { backoffUnit = old }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := doWithRetry(ctx, srv.Client(), func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	}, testLogger())
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("retry loop ignored context cancellation")
	}
}
