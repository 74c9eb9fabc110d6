package notification

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier posts alerts to a chat through the Bot API sendMessage
// method, formatted as MarkdownV2.
type TelegramNotifier struct {
	baseURL  string
	botToken string
	chatID   string
	client   *http.Client
}

func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		baseURL:  telegramAPI,
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: httpTimeout},
	}
}

var levelIcon = map[AlertLevel]string{
	AlertInfo:     "ℹ️",
	AlertWarning:  "⚠️",
	AlertCritical: "🚨",
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	icon, ok := levelIcon[alert.Level]
	if !ok {
		icon = levelIcon[AlertInfo]
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s *%s*\n\n%s", icon, escapeMarkdown(alert.Title), escapeMarkdown(alert.Message))

	keys := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n%s: %s", escapeMarkdown(k), escapeMarkdown(alert.Fields[k]))
	}

	msg := struct {
		ChatID    string `json:"chat_id"`
		Text      string `json:"text"`
		ParseMode string `json:"parse_mode"`
	}{t.chatID, sb.String(), "MarkdownV2"}
	url := t.baseURL + "/bot" + t.botToken + "/sendMessage"
	return postJSON(ctx, t.client, url, msg, "telegram")
}

var markdownEscaper = func() *strings.Replacer {
	var pairs []string
	for _, c := range `_*[]()~` + "`" + `>#+-=|{}.!` {
		pairs = append(pairs, string(c), `\`+string(c))
	}
	return strings.NewReplacer(pairs...)
}()

// escapeMarkdown escapes the MarkdownV2 reserved characters.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
