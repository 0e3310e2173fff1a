package handlers

import (
	"context"
	"runtime/debug"
	"strings"

	"github.com/breathai-tgbot-go/internal/i18n"
	"github.com/breathai-tgbot-go/internal/middleware"
	"github.com/breathai-tgbot-go/internal/models"
	"github.com/breathai-tgbot-go/internal/services/telegram"
	"github.com/breathai-tgbot-go/pkg/logger"
	"github.com/sirupsen/logrus"
)

// Command prefixes, matched against the start of the message text.
const (
	CommandReset = "/clear"
	CommandStart = "/start"
	CommandHelp  = "/help"
	CommandStats = "/stats"
)

// Route is the handler an inbound event is sent to.
type Route int

const (
	RouteIgnore Route = iota
	RouteReset
	RouteStart
	RouteHelp
	RouteStats
	RouteMessage
)

func (r Route) String() string {
	switch r {
	case RouteReset:
		return "clear"
	case RouteStart:
		return "start"
	case RouteHelp:
		return "help"
	case RouteStats:
		return "stats"
	case RouteMessage:
		return "message"
	default:
		return "ignore"
	}
}

// Classify picks a route by prefix. The reset command is checked before
// start, so text matching both resets.
func Classify(text string) Route {
	switch {
	case text == "":
		return RouteIgnore
	case strings.HasPrefix(text, CommandReset):
		return RouteReset
	case strings.HasPrefix(text, CommandStart):
		return RouteStart
	case strings.HasPrefix(text, CommandHelp):
		return RouteHelp
	case strings.HasPrefix(text, CommandStats):
		return RouteStats
	default:
		return RouteMessage
	}
}

// Router sends each inbound event to its handler. Every event runs inside its
// own failure boundary: errors and panics are logged and never reach the
// worker that called Dispatch.
type Router struct {
	commands  *CommandHandler
	messages  *MessageHandler
	transport Transport
	localizer *i18n.Localizer
	metrics   *middleware.Metrics
	logger    *logrus.Logger
}

// NewRouter creates a new router
func NewRouter(
	commands *CommandHandler,
	messages *MessageHandler,
	transport Transport,
	localizer *i18n.Localizer,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *Router {
	return &Router{
		commands:  commands,
		messages:  messages,
		transport: transport,
		localizer: localizer,
		metrics:   metrics,
		logger:    logger,
	}
}

// Dispatch handles one event to completion.
func (r *Router) Dispatch(ctx context.Context, event models.InboundEvent) {
	route := Classify(event.Text)
	log := logger.WithEvent(r.logger, event).WithField("route", route.String())
	if route == RouteIgnore {
		log.Debug("Ignoring update without text")
		return
	}

	lang := r.localizer.Resolve(event.LanguageCode)

	defer func() {
		if p := recover(); p != nil {
			r.metrics.RecordWorkerPanic()
			r.metrics.RecordMessageProcessed("panic")
			log.WithFields(logrus.Fields{
				"panic": p,
				"stack": string(debug.Stack()),
			}).Error("Recovered from panic while handling update")
			r.notifyFailure(ctx, log, event.ChatID, lang)
		}
	}()

	r.metrics.RecordMessageReceived(route.String())

	var err error
	switch route {
	case RouteReset:
		err = r.commands.HandleClear(ctx, log, event, lang)
	case RouteStart:
		err = r.commands.HandleStart(ctx, log, event, lang)
	case RouteHelp:
		err = r.commands.HandleHelp(ctx, log, event, lang)
	case RouteStats:
		err = r.commands.HandleStats(ctx, log, event, lang)
	case RouteMessage:
		err = r.messages.HandleMessage(ctx, log, event, lang)
	}

	if err != nil {
		log.WithError(err).Error("Failed to handle update")
		r.metrics.RecordMessageProcessed("error")
		if route == RouteMessage {
			r.notifyFailure(ctx, log, event.ChatID, lang)
		}
		return
	}
	r.metrics.RecordMessageProcessed("success")
}

// notifyFailure sends the generic apology as a new message.
func (r *Router) notifyFailure(ctx context.Context, log *logrus.Entry, chatID int64, lang string) {
	text := r.localizer.Get(lang, i18n.MsgError, nil)
	if _, err := r.transport.SendMessage(ctx, chatID, text, telegram.SendOptions{}); err != nil {
		log.WithError(err).Error("Failed to send error message")
	}
}
