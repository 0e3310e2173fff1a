package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/breathai-tgbot-go/internal/config"
	"github.com/breathai-tgbot-go/internal/models"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ParseModeHTML is the Telegram parse mode used for rendered answers
const ParseModeHTML = tgbotapi.ModeHTML

// SendOptions are the optional sendMessage parameters
type SendOptions struct {
	ReplyTo   int
	ParseMode string
}

// Client wraps the Bot API. All outbound calls share one limiter so a burst
// of concurrent workers stays under Telegram's per-bot quota.
type Client struct {
	bot     *tgbotapi.BotAPI
	limiter *rate.Limiter
	logger  *logrus.Logger
}

// NewClient authorizes the bot token and returns a client
func NewClient(cfg *config.BotConfig, logger *logrus.Logger) (*Client, error) {
	return NewClientWithHTTP(cfg, &http.Client{}, logger)
}

// NewClientWithHTTP is NewClient with a caller-supplied HTTP client
func NewClientWithHTTP(cfg *config.BotConfig, httpClient *http.Client, logger *logrus.Logger) (*Client, error) {
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	bot.Debug = logger.IsLevelEnabled(logrus.DebugLevel)

	limit := rate.Inf
	if cfg.OutboundRPS > 0 {
		limit = rate.Limit(cfg.OutboundRPS)
	}
	burst := cfg.OutboundBurst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		bot:     bot,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}, nil
}

// UserName returns the bot's own username
func (c *Client) UserName() string {
	return c.bot.Self.UserName
}

// SendMessage sends a new message and returns its id
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = opts.ReplyTo
	msg.ParseMode = opts.ParseMode

	sent, err := c.bot.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to send message: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"chat_id":    chatID,
		"message_id": sent.MessageID,
	}).Debug("Message sent")

	return sent.MessageID, nil
}

// EditMessage replaces the text of a message sent earlier
func (c *Client) EditMessage(ctx context.Context, chatID int64, messageID int, text, parseMode string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = parseMode

	if _, err := c.bot.Request(edit); err != nil {
		// Same text as before; the message already shows what we want
		if isNotModified(err) {
			return nil
		}
		return fmt.Errorf("failed to edit message: %w", err)
	}
	return nil
}

// SendChatAction shows a status such as "typing" in the chat
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	if _, err := c.bot.Request(tgbotapi.NewChatAction(chatID, action)); err != nil {
		return fmt.Errorf("failed to send chat action: %w", err)
	}
	return nil
}

type updatesResult struct {
	updates []tgbotapi.Update
	err     error
}

// GetUpdates long-polls for updates starting at offset. The Bot API call
// itself cannot be cancelled, so a cancelled ctx abandons it and returns.
func (c *Client) GetUpdates(ctx context.Context, offset, timeout int) ([]models.InboundEvent, error) {
	u := tgbotapi.NewUpdate(offset)
	u.Timeout = timeout

	done := make(chan updatesResult, 1)
	go func() {
		updates, err := c.bot.GetUpdates(u)
		done <- updatesResult{updates: updates, err: err}
	}()

	var res updatesResult
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-done:
	}

	if res.err != nil {
		return nil, fmt.Errorf("failed to get updates: %w", res.err)
	}

	events := make([]models.InboundEvent, 0, len(res.updates))
	for _, update := range res.updates {
		events = append(events, toEvent(update))
	}
	return events, nil
}

func toEvent(update tgbotapi.Update) models.InboundEvent {
	event := models.InboundEvent{UpdateID: update.UpdateID}

	message := update.Message
	if message == nil || message.Chat == nil {
		return event
	}

	event.ChatID = message.Chat.ID
	event.MessageID = message.MessageID
	event.Text = message.Text

	if message.From != nil {
		event.UserID = message.From.ID
		event.LanguageCode = message.From.LanguageCode
		event.DisplayName = message.From.FirstName
		if event.DisplayName == "" {
			event.DisplayName = message.From.UserName
		}
	}
	return event
}

func isNotModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}
