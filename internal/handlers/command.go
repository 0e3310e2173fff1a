package handlers

import (
	"context"
	"fmt"

	"github.com/breathai-tgbot-go/internal/i18n"
	"github.com/breathai-tgbot-go/internal/middleware"
	"github.com/breathai-tgbot-go/internal/models"
	"github.com/breathai-tgbot-go/internal/services/conversation"
	"github.com/breathai-tgbot-go/internal/services/telegram"
	"github.com/sirupsen/logrus"
)

// CommandHandler handles telegram commands
type CommandHandler struct {
	transport Transport
	store     *conversation.Store
	stats     StatsStore
	localizer *i18n.Localizer
	metrics   *middleware.Metrics
	logger    *logrus.Logger
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(
	transport Transport,
	store *conversation.Store,
	stats StatsStore,
	localizer *i18n.Localizer,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *CommandHandler {
	return &CommandHandler{
		transport: transport,
		store:     store,
		stats:     stats,
		localizer: localizer,
		metrics:   metrics,
		logger:    logger,
	}
}

// HandleStart starts a fresh conversation and greets the user by name.
func (h *CommandHandler) HandleStart(ctx context.Context, log *logrus.Entry, event models.InboundEvent, lang string) error {
	h.metrics.RecordCommandExecuted("start")
	h.resetSession(ctx, log, event.UserID)

	name := event.DisplayName
	if name == "" {
		name = h.localizer.Get(lang, i18n.MsgDefaultName, nil)
	}
	text := h.localizer.Get(lang, i18n.MsgWelcome, map[string]interface{}{
		"Name": name,
	})
	return h.reply(ctx, event.ChatID, text)
}

// HandleClear drops the user's conversation history.
func (h *CommandHandler) HandleClear(ctx context.Context, log *logrus.Entry, event models.InboundEvent, lang string) error {
	h.metrics.RecordCommandExecuted("clear")
	h.resetSession(ctx, log, event.UserID)
	log.Info("Conversation history cleared")

	return h.reply(ctx, event.ChatID, h.localizer.Get(lang, i18n.MsgContextCleared, nil))
}

// HandleHelp lists the commands.
func (h *CommandHandler) HandleHelp(ctx context.Context, log *logrus.Entry, event models.InboundEvent, lang string) error {
	h.metrics.RecordCommandExecuted("help")
	return h.reply(ctx, event.ChatID, h.localizer.Get(lang, i18n.MsgHelp, nil))
}

// HandleStats shows the user's usage counters.
func (h *CommandHandler) HandleStats(ctx context.Context, log *logrus.Entry, event models.InboundEvent, lang string) error {
	h.metrics.RecordCommandExecuted("stats")

	stats, err := h.stats.GetUserStats(ctx, event.UserID)
	if err != nil {
		return fmt.Errorf("failed to get user stats: %w", err)
	}

	text := h.localizer.Get(lang, i18n.MsgStats, map[string]interface{}{
		"TotalMessages": stats.TotalMessages,
		"TotalSessions": stats.TotalSessions,
	})
	return h.reply(ctx, event.ChatID, text)
}

func (h *CommandHandler) resetSession(ctx context.Context, log *logrus.Entry, userID int64) {
	h.store.Clear(userID)
	if err := h.stats.IncrementSessions(ctx, userID); err != nil {
		log.WithError(err).Warn("Failed to update session stats")
	}
}

func (h *CommandHandler) reply(ctx context.Context, chatID int64, text string) error {
	if _, err := h.transport.SendMessage(ctx, chatID, text, telegram.SendOptions{}); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}
