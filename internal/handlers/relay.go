package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/breathai-tgbot-go/internal/config"
	"github.com/breathai-tgbot-go/internal/i18n"
	"github.com/breathai-tgbot-go/internal/middleware"
	"github.com/breathai-tgbot-go/internal/models"
	"github.com/breathai-tgbot-go/internal/services/ai"
	"github.com/breathai-tgbot-go/internal/services/conversation"
	"github.com/breathai-tgbot-go/internal/services/telegram"
	"github.com/breathai-tgbot-go/pkg/markdown"
	"github.com/sirupsen/logrus"
)

// Transport is the subset of the Bot API the handlers talk to.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) (int, error)
	EditMessage(ctx context.Context, chatID int64, messageID int, text, parseMode string) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
}

// Outcome describes how a relayed exchange ended.
type Outcome int

const (
	// OutcomeCommitted means the answer was shown and added to history.
	OutcomeCommitted Outcome = iota
	// OutcomeEmpty means the backend produced no content.
	OutcomeEmpty
	// OutcomeStatusError means the backend answered with a non-200 status.
	OutcomeStatusError
	// OutcomeUndelivered means the final edit failed, so nothing was committed.
	OutcomeUndelivered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeEmpty:
		return "empty"
	case OutcomeStatusError:
		return "status_error"
	case OutcomeUndelivered:
		return "undelivered"
	default:
		return "unknown"
	}
}

// deliveryPolicy decides how loudly a failed placeholder edit is reported.
type deliveryPolicy string

const (
	policyBestEffort  deliveryPolicy = "best_effort"
	policyMustDeliver deliveryPolicy = "must_deliver"
)

// ReplyTarget identifies the placeholder message being rewritten.
type ReplyTarget struct {
	ChatID    int64
	MessageID int
	UserID    int64
	Lang      string
}

// StreamRelay pumps a backend stream into a placeholder message and commits
// the answer to the user's history once it is on screen.
type StreamRelay struct {
	backend     ai.Service
	transport   Transport
	store       *conversation.Store
	localizer   *i18n.Localizer
	metrics     *middleware.Metrics
	updateEvery int
	timeout     time.Duration
	logger      *logrus.Logger
}

// NewStreamRelay creates a new stream relay
func NewStreamRelay(
	cfg *config.Config,
	backend ai.Service,
	transport Transport,
	store *conversation.Store,
	localizer *i18n.Localizer,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *StreamRelay {
	updateEvery := cfg.Context.StreamUpdateEvery
	if updateEvery <= 0 {
		updateEvery = 10
	}
	return &StreamRelay{
		backend:     backend,
		transport:   transport,
		store:       store,
		localizer:   localizer,
		metrics:     metrics,
		updateEvery: updateEvery,
		timeout:     cfg.Backend.Timeout,
		logger:      logger,
	}
}

// Relay streams one answer for messages into target. A returned error means
// the exchange was interrupted by something other than a status error; the
// caller reports it to the user.
func (r *StreamRelay) Relay(ctx context.Context, log *logrus.Entry, target ReplyTarget, messages []models.Message) (Outcome, error) {
	start := time.Now()
	model := r.backend.Model()

	streamCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	stream, err := r.backend.Stream(streamCtx, messages)
	if err != nil {
		var statusErr *ai.StatusError
		if !errors.As(err, &statusErr) {
			r.metrics.RecordAIRequest(model, "error", time.Since(start))
			return 0, fmt.Errorf("failed to start stream: %w", err)
		}

		log.WithFields(logrus.Fields{
			"status": statusErr.StatusCode,
			"body":   statusErr.Body,
		}).Error("AI backend returned an error status")
		r.metrics.RecordAIRequest(model, OutcomeStatusError.String(), time.Since(start))

		text := r.localizer.Get(target.Lang, i18n.MsgBackendStatus, map[string]interface{}{
			"Status": statusErr.StatusCode,
		})
		_ = r.edit(ctx, log, target, text, "", policyMustDeliver)
		return OutcomeStatusError, nil
	}
	defer stream.Close()

	var answer strings.Builder
	fragments := 0
	for {
		frame, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, ai.ErrMalformedFrame) {
			log.WithError(err).Warn("Skipping malformed stream frame")
			r.metrics.RecordMalformedFrame()
			continue
		}
		if err != nil {
			r.metrics.RecordAIRequest(model, "error", time.Since(start))
			return 0, fmt.Errorf("stream interrupted after %d fragments: %w", fragments, err)
		}
		if frame.Done {
			break
		}
		if frame.Content == "" {
			continue
		}

		answer.WriteString(frame.Content)
		fragments++
		if fragments%r.updateEvery == 0 {
			progress := markdown.Truncate(answer.String(), markdown.MaxMessageLength)
			_ = r.edit(ctx, log, target, progress, "", policyBestEffort)
		}
	}

	content := answer.String()
	log = log.WithField("fragments", fragments)

	if content == "" {
		log.Warn("AI backend returned no content")
		r.metrics.RecordAIRequest(model, OutcomeEmpty.String(), time.Since(start))
		_ = r.edit(ctx, log, target, r.localizer.Get(target.Lang, i18n.MsgEmptyResponse, nil), "", policyMustDeliver)
		return OutcomeEmpty, nil
	}

	if err := r.deliverFinal(ctx, log, target, content); err != nil {
		r.metrics.RecordAIRequest(model, OutcomeUndelivered.String(), time.Since(start))
		return OutcomeUndelivered, nil
	}

	r.store.Append(target.UserID, models.Message{Role: models.RoleAssistant, Content: content})
	r.metrics.RecordAIRequest(model, OutcomeCommitted.String(), time.Since(start))
	log.WithField("duration", time.Since(start)).Info("AI response delivered")
	return OutcomeCommitted, nil
}

// deliverFinal renders the answer as HTML and falls back to plain text when
// Telegram rejects the markup.
func (r *StreamRelay) deliverFinal(ctx context.Context, log *logrus.Entry, target ReplyTarget, content string) error {
	html := markdown.ToTelegramHTML(content)
	err := r.transport.EditMessage(ctx, target.ChatID, target.MessageID, html, telegram.ParseModeHTML)
	if err == nil {
		return nil
	}

	log.WithError(err).Warn("Failed to send HTML response, trying plain text")
	plain := markdown.Truncate(content, markdown.MaxMessageLength)
	return r.edit(ctx, log, target, plain, "", policyMustDeliver)
}

func (r *StreamRelay) edit(ctx context.Context, log *logrus.Entry, target ReplyTarget, text, parseMode string, policy deliveryPolicy) error {
	err := r.transport.EditMessage(ctx, target.ChatID, target.MessageID, text, parseMode)
	if err == nil {
		return nil
	}

	r.metrics.RecordDisplayUpdateFailure(string(policy))
	entry := log.WithError(err).WithField("policy", string(policy))
	if policy == policyBestEffort {
		entry.Warn("Failed to refresh streaming reply")
	} else {
		entry.Error("Failed to update reply")
	}
	return err
}
