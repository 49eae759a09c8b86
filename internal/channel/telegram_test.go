package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/TONresistor/teleton-agent-sub000/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var self = tgbotapi.User{ID: 999, IsBot: true, UserName: "TeletonBot", FirstName: "Teleton"}

func groupChat() *tgbotapi.Chat {
	return &tgbotapi.Chat{ID: -100123, Type: "supergroup", Title: "Builders"}
}

func alice() *tgbotapi.User {
	return &tgbotapi.User{ID: 1, FirstName: "Alice", LastName: "Smith", UserName: "alice"}
}

func TestConvert_DirectMessage(t *testing.T) {
	m := &tgbotapi.Message{
		MessageID: 10,
		From:      alice(),
		Chat:      &tgbotapi.Chat{ID: 1, Type: "private"},
		Date:      1700000000,
		Text:      "hello",
	}
	msg, ok := ConvertUpdate(tgbotapi.Update{Message: m}, self)
	if !ok {
		t.Fatal("expected conversion")
	}
	if msg.ID != 10 || msg.ChatID != 1 || msg.SenderID != 1 {
		t.Fatalf("ids: %+v", msg)
	}
	if msg.IsGroup || msg.IsChannel || msg.IsBot || msg.MentionsAgent {
		t.Fatalf("flags: %+v", msg)
	}
	if msg.SenderName != "Alice Smith" || msg.SenderUsername != "alice" {
		t.Fatalf("sender: %q %q", msg.SenderName, msg.SenderUsername)
	}
	if !msg.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("timestamp %v", msg.Timestamp)
	}
}

func TestConvert_MentionAfterMultiUnitRunes(t *testing.T) {
	// the emoji takes two UTF-16 code units, shifting the entity offset
	text := "😀 hey @teletonbot what's up"
	m := &tgbotapi.Message{
		MessageID: 3,
		From:      alice(),
		Chat:      groupChat(),
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "mention", Offset: 7, Length: 11}},
	}
	msg, _ := ConvertUpdate(tgbotapi.Update{Message: m}, self)
	if !msg.IsGroup {
		t.Fatal("supergroup should be a group")
	}
	if !msg.MentionsAgent {
		t.Fatal("expected mention to be detected")
	}
}

func TestConvert_MentionOfSomeoneElse(t *testing.T) {
	m := &tgbotapi.Message{
		MessageID: 3,
		From:      alice(),
		Chat:      groupChat(),
		Text:      "@bob look",
		Entities:  []tgbotapi.MessageEntity{{Type: "mention", Offset: 0, Length: 4}},
	}
	msg, _ := ConvertUpdate(tgbotapi.Update{Message: m}, self)
	if msg.MentionsAgent {
		t.Fatal("mention of another user must not count")
	}
}

func TestConvert_TextMentionCommandAndReply(t *testing.T) {
	cases := map[string]*tgbotapi.Message{
		"text_mention": {
			Text:     "Teleton help",
			Entities: []tgbotapi.MessageEntity{{Type: "text_mention", Offset: 0, Length: 7, User: &self}},
		},
		"bot_command": {
			Text:     "/ask@TeletonBot now",
			Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 15}},
		},
		"reply_to_bot": {
			Text:           "thanks",
			ReplyToMessage: &tgbotapi.Message{MessageID: 2, From: &self},
		},
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			m.MessageID = 5
			m.From = alice()
			m.Chat = groupChat()
			msg, ok := ConvertUpdate(tgbotapi.Update{Message: m}, self)
			if !ok || !msg.MentionsAgent {
				t.Fatalf("expected mention, got %+v", msg)
			}
		})
	}
}

func TestConvert_ReplyToOtherUser(t *testing.T) {
	m := &tgbotapi.Message{
		MessageID:      8,
		From:           alice(),
		Chat:           groupChat(),
		Text:           "agreed",
		ReplyToMessage: &tgbotapi.Message{MessageID: 7, From: &tgbotapi.User{ID: 2}},
	}
	msg, _ := ConvertUpdate(tgbotapi.Update{Message: m}, self)
	if msg.ReplyToID != 7 {
		t.Fatalf("ReplyToID = %d", msg.ReplyToID)
	}
	if msg.MentionsAgent {
		t.Fatal("reply to another user is not a mention")
	}
}

func TestConvert_MediaAndCaption(t *testing.T) {
	m := &tgbotapi.Message{
		MessageID: 4,
		From:      alice(),
		Chat:      &tgbotapi.Chat{ID: 1, Type: "private"},
		Caption:   "look at this",
		Photo: []tgbotapi.PhotoSize{
			{FileID: "small", Width: 90},
			{FileID: "large", Width: 1280},
		},
	}
	msg, ok := ConvertUpdate(tgbotapi.Update{Message: m}, self)
	if !ok {
		t.Fatal("expected conversion")
	}
	if msg.Text != "look at this" {
		t.Fatalf("text = %q", msg.Text)
	}
	if msg.Media == nil || msg.Media.Kind != domain.MediaPhoto || msg.Media.FileID != "large" {
		t.Fatalf("media = %+v", msg.Media)
	}

	voice := &tgbotapi.Message{
		MessageID: 5,
		From:      alice(),
		Chat:      &tgbotapi.Chat{ID: 1, Type: "private"},
		Voice:     &tgbotapi.Voice{FileID: "v1", Duration: 4, MimeType: "audio/ogg"},
	}
	msg, ok = ConvertUpdate(tgbotapi.Update{Message: voice}, self)
	if !ok || !msg.Media.Transcribable() || msg.Media.Duration != 4 {
		t.Fatalf("voice = %+v", msg.Media)
	}
}

func TestConvert_ChannelPostAndBots(t *testing.T) {
	post := &tgbotapi.Message{
		MessageID:  11,
		Chat:       &tgbotapi.Chat{ID: -100777, Type: "channel", Title: "News"},
		SenderChat: &tgbotapi.Chat{ID: -100777, Type: "channel", Title: "News"},
		Text:       "announcement",
	}
	msg, ok := ConvertUpdate(tgbotapi.Update{ChannelPost: post}, self)
	if !ok || !msg.IsChannel || msg.SenderID != -100777 || msg.SenderName != "News" {
		t.Fatalf("channel post = %+v", msg)
	}

	botMsg := &tgbotapi.Message{
		MessageID: 12,
		From:      &tgbotapi.User{ID: 5, IsBot: true, FirstName: "Other"},
		Chat:      groupChat(),
		Text:      "beep",
	}
	msg, _ = ConvertUpdate(tgbotapi.Update{Message: botMsg}, self)
	if !msg.IsBot {
		t.Fatal("expected bot flag")
	}
}

func TestConvert_EmptyUpdates(t *testing.T) {
	if _, ok := ConvertUpdate(tgbotapi.Update{}, self); ok {
		t.Fatal("update without message should be ignored")
	}
	m := &tgbotapi.Message{MessageID: 1, From: alice(), Chat: groupChat()}
	if _, ok := ConvertUpdate(tgbotapi.Update{Message: m}, self); ok {
		t.Fatal("message without text or media should be ignored")
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("got %q", got)
	}

	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitMessage(long, 12)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("newline split: %q", got)
	}

	// no newline, multi-byte runes: never split inside a rune
	runes := strings.Repeat("é", 10) // 20 bytes
	for _, c := range splitMessage(runes, 7) {
		if !strings.HasPrefix(runes, c) && !strings.Contains(runes, c) {
			t.Fatalf("bad chunk %q", c)
		}
		if len(c) > 7 || len(c)%2 != 0 {
			t.Fatalf("chunk %q split a rune", c)
		}
	}
}

type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	requests int
	failures []error
	nextID   int
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return tgbotapi.Message{}, err
	}
	mc := c.(tgbotapi.MessageConfig)
	f.sent = append(f.sent, mc)
	f.nextID++
	return tgbotapi.Message{MessageID: 100 + f.nextID, Date: 1700000000, Text: mc.Text}, nil
}

func (f *fakeBot) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	f.requests++
	f.mu.Unlock()
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) GetFileDirectURL(fileID string) (string, error) {
	return "https://api.telegram.org/file/bot/" + fileID, nil
}

func connected(bot *fakeBot) *Telegram {
	tg := NewTelegram(TelegramConfig{Token: "t", Logger: testLogger()})
	tg.retryUnit = time.Millisecond
	tg.attach(bot, self)
	return tg
}

func TestSendReply_ChunksAndQuotesFirst(t *testing.T) {
	bot := &fakeBot{}
	tg := connected(bot)

	text := strings.Repeat("x", telegramMaxMsgLen) + "tail"
	sent, err := tg.SendReply(context.Background(), 42, text, 7)
	if err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	if len(bot.sent) != 2 {
		t.Fatalf("sent %d chunks, want 2", len(bot.sent))
	}
	if bot.sent[0].ReplyToMessageID != 7 || bot.sent[1].ReplyToMessageID != 0 {
		t.Fatalf("reply ids %d %d", bot.sent[0].ReplyToMessageID, bot.sent[1].ReplyToMessageID)
	}
	if sent.MessageID != 102 || sent.Direction != domain.DirectionOut || sent.SenderID != self.ID {
		t.Fatalf("feed message %+v", sent)
	}
}

func TestSendReply_RetriesFloodWait(t *testing.T) {
	bot := &fakeBot{failures: []error{
		&tgbotapi.Error{Code: 429, Message: "Too Many Requests", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 1}},
	}}
	tg := connected(bot)

	if _, err := tg.SendReply(context.Background(), 1, "hi", 0); err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("sent %d", len(bot.sent))
	}
}

func TestSendReply_ClientErrorNotRetried(t *testing.T) {
	bot := &fakeBot{failures: []error{
		&tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"},
	}}
	tg := connected(bot)

	_, err := tg.SendReply(context.Background(), 1, "hi", 0)
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != 403 {
		t.Fatalf("expected 403, got %v", err)
	}
	if len(bot.sent) != 0 {
		t.Fatal("should not have retried")
	}
}

func TestSendReply_GivesUpAfterRetries(t *testing.T) {
	boom := errors.New("connection reset")
	bot := &fakeBot{failures: []error{boom, boom, boom, boom}}
	tg := connected(bot)

	_, err := tg.SendReply(context.Background(), 1, "hi", 0)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestNotConnected(t *testing.T) {
	tg := NewTelegram(TelegramConfig{Token: "t", Logger: testLogger()})
	if _, err := tg.SendReply(context.Background(), 1, "x", 0); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendReply: %v", err)
	}
	if err := tg.SendTyping(context.Background(), 1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendTyping: %v", err)
	}
	if _, err := tg.FileURL("f"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("FileURL: %v", err)
	}
	if tg.Name() != "telegram" {
		t.Fatalf("Name = %q", tg.Name())
	}
}

func TestTypingAndFileURL(t *testing.T) {
	bot := &fakeBot{}
	tg := connected(bot)

	select {
	case <-tg.Ready():
	default:
		t.Fatal("Ready should be closed after attach")
	}
	if err := tg.SendTyping(context.Background(), 1); err != nil || bot.requests != 1 {
		t.Fatalf("typing err=%v requests=%d", err, bot.requests)
	}
	url, err := tg.FileURL("abc")
	if err != nil || !strings.HasSuffix(url, "/abc") {
		t.Fatalf("url=%q err=%v", url, err)
	}
}
