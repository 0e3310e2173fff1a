package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/breathai-tgbot-go/internal/config"
	"github.com/breathai-tgbot-go/internal/i18n"
	"github.com/breathai-tgbot-go/internal/middleware"
	"github.com/breathai-tgbot-go/internal/models"
	"github.com/breathai-tgbot-go/internal/services/conversation"
	"github.com/breathai-tgbot-go/internal/services/telegram"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// StatsStore keeps the per-user usage counters shown by /stats.
type StatsStore interface {
	GetUserStats(ctx context.Context, userID int64) (*models.UserStats, error)
	IncrementMessages(ctx context.Context, userID int64) error
	IncrementSessions(ctx context.Context, userID int64) error
}

// MessageHandler handles regular messages
type MessageHandler struct {
	config    *config.Config
	transport Transport
	store     *conversation.Store
	relay     *StreamRelay
	stats     StatsStore
	localizer *i18n.Localizer
	metrics   *middleware.Metrics
	logger    *logrus.Logger
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(
	cfg *config.Config,
	transport Transport,
	store *conversation.Store,
	relay *StreamRelay,
	stats StatsStore,
	localizer *i18n.Localizer,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *MessageHandler {
	return &MessageHandler{
		config:    cfg,
		transport: transport,
		store:     store,
		relay:     relay,
		stats:     stats,
		localizer: localizer,
		metrics:   metrics,
		logger:    logger,
	}
}

// HandleMessage runs one free-text exchange: rate check, placeholder,
// history update and the streamed answer.
func (h *MessageHandler) HandleMessage(ctx context.Context, log *logrus.Entry, event models.InboundEvent, lang string) error {
	decision := h.store.Admit(event.UserID)
	if !decision.Allowed {
		log.WithFields(logrus.Fields{
			"window":      decision.Window.Name,
			"retry_after": decision.RetryAfter,
		}).Warn("Rate limit exceeded")
		h.metrics.RecordRateLimitExceeded(decision.Window.Name)

		if _, err := h.transport.SendMessage(ctx, event.ChatID, h.rateLimitMessage(lang, decision), telegram.SendOptions{}); err != nil {
			return fmt.Errorf("failed to send rate limit message: %w", err)
		}
		return nil
	}

	placeholderID, err := h.transport.SendMessage(ctx, event.ChatID, h.localizer.Get(lang, i18n.MsgProcessing, nil), telegram.SendOptions{
		ReplyTo: event.MessageID,
	})
	if err != nil {
		return fmt.Errorf("failed to send placeholder: %w", err)
	}

	messages := h.store.BeginExchange(event.UserID, event.Text, h.config.Context.SystemPrompt)

	if err := h.transport.SendChatAction(ctx, event.ChatID, tgbotapi.ChatTyping); err != nil {
		log.WithError(err).Debug("Failed to send chat action")
	}

	target := ReplyTarget{
		ChatID:    event.ChatID,
		MessageID: placeholderID,
		UserID:    event.UserID,
		Lang:      lang,
	}
	outcome, err := h.relay.Relay(ctx, log, target, messages)
	if err != nil {
		return err
	}

	log.WithField("outcome", outcome.String()).Debug("Exchange finished")
	switch outcome {
	case OutcomeStatusError:
		// The backend never accepted the request
		h.store.Retract(event.UserID, models.Message{Role: models.RoleUser, Content: event.Text})
	case OutcomeCommitted:
		if err := h.stats.IncrementMessages(ctx, event.UserID); err != nil {
			log.WithError(err).Warn("Failed to update message stats")
		}
	}
	return nil
}

// rateLimitMessage formats the wait time, switching to minutes and seconds
// for windows of an hour or longer.
func (h *MessageHandler) rateLimitMessage(lang string, decision middleware.Decision) string {
	seconds := int(decision.RetryAfter / time.Second)
	if seconds < 0 {
		seconds = 0
	}

	if decision.Window.Duration >= time.Hour {
		return h.localizer.Get(lang, i18n.MsgRateLimitMinutes, map[string]interface{}{
			"Minutes": seconds / 60,
			"Seconds": seconds % 60,
		})
	}
	return h.localizer.Get(lang, i18n.MsgRateLimitSeconds, map[string]interface{}{
		"Seconds": seconds,
	})
}
