// Package channel connects the pipeline to Telegram.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/TONresistor/teleton-agent-sub000/internal/domain"
	"github.com/TONresistor/teleton-agent-sub000/internal/metrics"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Publisher receives converted inbound messages.
type Publisher interface {
	Publish(ctx context.Context, msg domain.InboundMessage) error
}

// botAPI is the subset of *tgbotapi.BotAPI used after connecting.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Telegram polls the Bot API for updates and sends replies.
// It implements domain.Dispatcher and domain.Presence.
type Telegram struct {
	token       string
	pollTimeout int
	debug       bool
	logger      *slog.Logger

	mu    sync.RWMutex
	bot   botAPI
	self  tgbotapi.User
	ready chan struct{}

	// retryUnit scales flood-wait sleeps; tests shrink it.
	retryUnit time.Duration
}

type TelegramConfig struct {
	Token       string
	PollTimeout int
	Debug       bool
	Logger      *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:       cfg.Token,
		pollTimeout: cfg.PollTimeout,
		debug:       cfg.Debug,
		logger:      cfg.Logger,
		ready:       make(chan struct{}),
		retryUnit:   time.Second,
	}
}

var (
	_ domain.Dispatcher = (*Telegram)(nil)
	_ domain.Presence   = (*Telegram)(nil)
)

// ErrNotConnected is returned by send operations before Start connects.
var ErrNotConnected = errors.New("telegram: not connected")

func (t *Telegram) Name() string { return "telegram" }

// Connect authenticates with the Bot API.
func (t *Telegram) Connect() error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	bot.Debug = t.debug
	t.attach(bot, bot.Self)
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	return nil
}

func (t *Telegram) attach(bot botAPI, self tgbotapi.User) {
	t.mu.Lock()
	t.bot = bot
	t.self = self
	t.mu.Unlock()
	close(t.ready)
}

// Ready is closed once the bot is connected.
func (t *Telegram) Ready() <-chan struct{} { return t.ready }

// Start connects and long-polls until ctx is cancelled, publishing every
// convertible update. A Publish error other than cancellation is logged
// and the update is dropped.
func (t *Telegram) Start(ctx context.Context, pub Publisher) error {
	if err := t.Connect(); err != nil {
		return err
	}
	t.mu.RLock()
	bot := t.bot.(*tgbotapi.BotAPI)
	self := t.self
	t.mu.RUnlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.pollTimeout
	u.AllowedUpdates = []string{"message", "channel_post"}
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started", "timeout", t.pollTimeout)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			msg, ok := ConvertUpdate(update, self)
			if !ok {
				continue
			}
			if err := pub.Publish(ctx, msg); err != nil {
				if ctx.Err() != nil {
					bot.StopReceivingUpdates()
					return nil
				}
				t.logger.Error("publish inbound message", "chat_id", msg.ChatID, "msg_id", msg.ID, "err", err)
			}
		}
	}
}

func (t *Telegram) client() (botAPI, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.bot == nil {
		return nil, ErrNotConnected
	}
	return t.bot, nil
}

// SendTyping shows the typing indicator once; Telegram clears it after ~5s.
func (t *Telegram) SendTyping(ctx context.Context, chatID int64) error {
	bot, err := t.client()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err = bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return err
}

// FileURL resolves a file id to a direct download URL.
func (t *Telegram) FileURL(fileID string) (string, error) {
	bot, err := t.client()
	if err != nil {
		return "", err
	}
	return bot.GetFileDirectURL(fileID)
}

// SendReply sends text to chatID, split into chunks Telegram accepts.
// Only the first chunk quotes replyToID. The returned feed message
// describes the last chunk sent.
func (t *Telegram) SendReply(ctx context.Context, chatID int64, text string, replyToID int64) (*domain.FeedMessage, error) {
	bot, err := t.client()
	if err != nil {
		return nil, err
	}

	chunks := splitMessage(text, telegramMaxMsgLen)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("telegram: empty message")
	}

	var last tgbotapi.Message
	for i, chunk := range chunks {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if i == 0 && replyToID > 0 {
			msg.ReplyToMessageID = int(replyToID)
			msg.AllowSendingWithoutReply = true
		}
		last, err = t.sendChunk(ctx, bot, msg)
		if err != nil {
			return nil, fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		metrics.SentTotal.Inc()
	}

	sentAt := last.Time()
	if last.Date == 0 {
		sentAt = time.Now()
	}
	return &domain.FeedMessage{
		ChatID:    chatID,
		MessageID: int64(last.MessageID),
		SenderID:  t.selfID(),
		Direction: domain.DirectionOut,
		Text:      text,
		ReplyToID: replyToID,
		SentAt:    sentAt,
	}, nil
}

func (t *Telegram) selfID() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.self.ID
}

// sendChunk retries flood waits (HTTP 429) honouring retry_after, and
// other errors with linear backoff.
func (t *Telegram) sendChunk(ctx context.Context, bot botAPI, msg tgbotapi.MessageConfig) (tgbotapi.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		sent, err := bot.Send(msg)
		if err == nil {
			return sent, nil
		}
		lastErr = err
		if attempt == telegramMaxSendRetries {
			break
		}

		wait := time.Duration(attempt+1) * t.retryUnit
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.Code == 429:
				if apiErr.RetryAfter > 0 {
					wait = time.Duration(apiErr.RetryAfter) * t.retryUnit
				} else {
					wait = time.Duration(attempt+1) * 3 * t.retryUnit
				}
				t.logger.Warn("telegram rate limited, backing off", "retry_after", wait, "attempt", attempt+1)
			case apiErr.Code >= 400 && apiErr.Code < 500:
				return tgbotapi.Message{}, err
			}
		} else {
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", wait)
		}
		metrics.SendRetries.Inc()

		select {
		case <-ctx.Done():
			return tgbotapi.Message{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return tgbotapi.Message{}, fmt.Errorf("after %d attempts: %w", telegramMaxSendRetries+1, lastErr)
}

// splitMessage cuts text into chunks of at most max bytes, preferring
// newline boundaries and never splitting a UTF-8 sequence.
func splitMessage(text string, max int) []string {
	text = strings.TrimSpace(text)
	var chunks []string
	for len(text) > 0 {
		if len(text) <= max {
			chunks = append(chunks, text)
			break
		}
		cut := strings.LastIndex(text[:max], "\n")
		if cut < max/2 {
			cut = max
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	return chunks
}

// ConvertUpdate turns a Bot API update into an inbound message. It
// reports false for updates that carry no message.
func ConvertUpdate(u tgbotapi.Update, self tgbotapi.User) (domain.InboundMessage, bool) {
	switch {
	case u.Message != nil:
		return convertMessage(u.Message, self)
	case u.ChannelPost != nil:
		return convertMessage(u.ChannelPost, self)
	default:
		return domain.InboundMessage{}, false
	}
}

func convertMessage(m *tgbotapi.Message, self tgbotapi.User) (domain.InboundMessage, bool) {
	if m.Chat == nil {
		return domain.InboundMessage{}, false
	}

	text := m.Text
	entities := m.Entities
	if text == "" && m.Caption != "" {
		text = m.Caption
		entities = m.CaptionEntities
	}

	msg := domain.InboundMessage{
		ID:        int64(m.MessageID),
		ChatID:    m.Chat.ID,
		ChatTitle: m.Chat.Title,
		IsGroup:   m.Chat.IsGroup() || m.Chat.IsSuperGroup(),
		IsChannel: m.Chat.IsChannel(),
		Text:      text,
		Media:     convertMedia(m),
		Timestamp: m.Time(),
	}

	switch {
	case m.From != nil:
		msg.SenderID = m.From.ID
		msg.SenderName = displayName(m.From)
		msg.SenderUsername = m.From.UserName
		msg.IsBot = m.From.IsBot
	case m.SenderChat != nil:
		msg.SenderID = m.SenderChat.ID
		msg.SenderName = m.SenderChat.Title
		msg.SenderUsername = m.SenderChat.UserName
	}

	if m.ReplyToMessage != nil {
		msg.ReplyToID = int64(m.ReplyToMessage.MessageID)
	}
	msg.MentionsAgent = mentionsSelf(m, text, entities, self)

	if msg.Text == "" && msg.Media == nil {
		return domain.InboundMessage{}, false
	}
	return msg, true
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

// mentionsSelf checks @username mentions, text mentions, commands
// addressed to the bot, and replies to the bot's own messages.
// Entity offsets count UTF-16 code units.
func mentionsSelf(m *tgbotapi.Message, text string, entities []tgbotapi.MessageEntity, self tgbotapi.User) bool {
	if r := m.ReplyToMessage; r != nil && r.From != nil && self.ID != 0 && r.From.ID == self.ID {
		return true
	}
	if len(entities) == 0 {
		return false
	}

	units := utf16.Encode([]rune(text))
	handle := "@" + strings.ToLower(self.UserName)
	for _, e := range entities {
		switch e.Type {
		case "text_mention":
			if e.User != nil && e.User.ID == self.ID {
				return true
			}
		case "mention", "bot_command":
			if self.UserName == "" || e.Offset < 0 || e.Offset+e.Length > len(units) {
				continue
			}
			s := strings.ToLower(string(utf16.Decode(units[e.Offset : e.Offset+e.Length])))
			if e.Type == "mention" && s == handle {
				return true
			}
			if e.Type == "bot_command" && strings.HasSuffix(s, handle) {
				return true
			}
		}
	}
	return false
}

func convertMedia(m *tgbotapi.Message) *domain.Media {
	switch {
	case m.Voice != nil:
		return &domain.Media{Kind: domain.MediaVoice, FileID: m.Voice.FileID, MimeType: m.Voice.MimeType, Duration: m.Voice.Duration}
	case m.Audio != nil:
		return &domain.Media{Kind: domain.MediaAudio, FileID: m.Audio.FileID, MimeType: m.Audio.MimeType, FileName: m.Audio.FileName, Duration: m.Audio.Duration}
	case len(m.Photo) > 0:
		// sizes are ordered smallest first
		return &domain.Media{Kind: domain.MediaPhoto, FileID: m.Photo[len(m.Photo)-1].FileID}
	case m.Video != nil:
		return &domain.Media{Kind: domain.MediaVideo, FileID: m.Video.FileID, MimeType: m.Video.MimeType, Duration: m.Video.Duration}
	case m.Document != nil:
		return &domain.Media{Kind: domain.MediaDocument, FileID: m.Document.FileID, MimeType: m.Document.MimeType, FileName: m.Document.FileName}
	case m.Sticker != nil:
		return &domain.Media{Kind: domain.MediaSticker, FileID: m.Sticker.FileID}
	default:
		return nil
	}
}
