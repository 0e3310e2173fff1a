package i18n

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/breathai-tgbot-go/internal/config"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var locales embed.FS

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer creates a new localizer
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	bundle := i18n.NewBundle(language.Chinese)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	languages := cfg.Languages
	if len(languages) == 0 {
		languages = []string{cfg.DefaultLanguage}
	}

	// Load language files
	for _, lang := range languages {
		if _, err := bundle.LoadMessageFileFS(locales, fmt.Sprintf("locales/%s.json", lang)); err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
		}
	}

	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range languages {
		localizers[lang] = i18n.NewLocalizer(bundle, lang, cfg.DefaultLanguage)
	}

	if _, ok := localizers[cfg.DefaultLanguage]; !ok {
		return nil, fmt.Errorf("default language %q is not in the language list", cfg.DefaultLanguage)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: cfg.DefaultLanguage,
		localizers:      localizers,
	}, nil
}

// Resolve maps a Telegram language code such as "en-US" onto a loaded language.
func (l *Localizer) Resolve(code string) string {
	code = strings.ToLower(code)
	if _, ok := l.localizers[code]; ok {
		return code
	}
	if base, _, found := strings.Cut(code, "-"); found {
		if _, ok := l.localizers[base]; ok {
			return base
		}
	}
	return l.defaultLanguage
}

// Get returns localized message
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	localizer, exists := l.localizers[lang]
	if !exists {
		localizer = l.localizers[l.defaultLanguage]
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID // Fallback to message ID
	}

	return msg
}

// Message IDs
const (
	MsgWelcome          = "welcome"
	MsgHelp             = "help"
	MsgContextCleared   = "context_cleared"
	MsgProcessing       = "processing"
	MsgRateLimitSeconds = "rate_limit_seconds"
	MsgRateLimitMinutes = "rate_limit_minutes"
	MsgEmptyResponse    = "empty_response"
	MsgBackendStatus    = "backend_status"
	MsgError            = "error"
	MsgStats            = "stats"
	MsgDefaultName      = "default_name"
)
