package telegram

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/releasebot/internal/release"
	"github.com/user/releasebot/internal/storage"
)

const (
	// MaxMessageLength is Telegram's limit for a message text.
	MaxMessageLength = 4096
	// TemplateReserve is kept free for the template around the release body.
	TemplateReserve = 256
	// MaxBodyLength bounds the escaped release body.
	MaxBodyLength = MaxMessageLength - TemplateReserve
	// TruncationMarker is appended to a body that was cut.
	TruncationMarker = "…"
)

// Format is a chat's release note style.
type Format int

const (
	FormatMarkdown Format = iota
	FormatQuote
	FormatPre
)

// ParseFormat maps a stored preference to a Format. Unknown or empty values
// fall back to FormatMarkdown.
func ParseFormat(s string) Format {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "quote":
		return FormatQuote
	case "pre":
		return FormatPre
	default:
		return FormatMarkdown
	}
}

func (f Format) String() string {
	switch f {
	case FormatQuote:
		return "quote"
	case FormatPre:
		return "pre"
	default:
		return "markdown"
	}
}

// Message is a rendered message ready to be sent to any chat.
type Message struct {
	Text      string
	ParseMode string
	// PreviewURL is the link Telegram may preview. Empty disables previews.
	PreviewURL string
}

// Outgoing is a Message addressed to one chat.
type Outgoing struct {
	ChatID int64
	Message
}

type releaseTemplate func(repo storage.Repo, r *release.Release, updated bool) Message

var templates = map[Format]releaseTemplate{
	FormatMarkdown: renderMarkdown,
	FormatQuote:    renderHTML("blockquote"),
	FormatPre:      renderHTML("pre"),
}

// FormatEvent renders a detected event in the chat's preferred format.
// Tag events always use the minimal tag message.
func FormatEvent(f Format, repo storage.Repo, ev *release.Event) Message {
	if ev.Kind == release.EventTag {
		return FormatTag(repo, ev.Tag.Name)
	}
	tmpl, ok := templates[f]
	if !ok {
		tmpl = renderMarkdown
	}
	return tmpl(repo, ev.Release, ev.Updated)
}

// FormatTag renders a tag without release notes.
func FormatTag(repo storage.Repo, tag string) Message {
	return Message{
		Text:       fmt.Sprintf("<a href=\"%s\">%s</a>:\n<code>%s</code>", repo.Link, escapeHTML(repo.FullName), escapeHTML(tag)),
		ParseMode:  tgbotapi.ModeHTML,
		PreviewURL: repo.Link,
	}
}

// FormatDeleted renders the notice sent when a repository disappears upstream.
func FormatDeleted(repo storage.Repo) Message {
	return Message{Text: fmt.Sprintf("GitHub repo %s has been deleted", repo.FullName)}
}

// FormatArchived renders the notice sent when a repository gets archived.
func FormatArchived(repo storage.Repo) Message {
	return Message{
		Text:       fmt.Sprintf("GitHub repo <b>%s</b> has been archived", escapeHTML(repo.FullName)),
		ParseMode:  tgbotapi.ModeHTML,
		PreviewURL: repo.Link,
	}
}

func renderHTML(wrapper string) releaseTemplate {
	return func(repo storage.Repo, r *release.Release, updated bool) Message {
		var b strings.Builder
		fmt.Fprintf(&b, "<a href=\"%s\">%s</a>:\n", repo.Link, escapeHTML(repo.FullName))
		if !release.RedundantTitle(r.Title, r.TagName) {
			fmt.Fprintf(&b, "<b>%s</b> ", escapeHTML(strings.TrimSpace(r.Title)))
		}
		fmt.Fprintf(&b, "<code>%s</code>", escapeHTML(r.TagName))
		if r.Prerelease {
			b.WriteString(" <i>pre-release</i>")
		}
		if updated {
			b.WriteString(" <i>updated</i>")
		}
		b.WriteString("\n")
		if body := SanitizeBody(r.Body); body != "" {
			fmt.Fprintf(&b, "<%s>%s</%s>", wrapper, truncateEscaped(body, escapeHTML, MaxBodyLength), wrapper)
		}
		fmt.Fprintf(&b, "<a href=\"%s\">release note...</a>", r.HTMLURL)

		return Message{Text: b.String(), ParseMode: tgbotapi.ModeHTML, PreviewURL: repo.Link}
	}
}

func renderMarkdown(repo storage.Repo, r *release.Release, updated bool) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s](%s):\n", escapeMarkdown(repo.FullName), markdownLink.Replace(repo.Link))
	if !release.RedundantTitle(r.Title, r.TagName) {
		fmt.Fprintf(&b, "*%s* ", escapeMarkdown(strings.TrimSpace(r.Title)))
	}
	fmt.Fprintf(&b, "`%s`", markdownCode.Replace(r.TagName))
	if r.Prerelease {
		b.WriteString(` _pre\-release_`)
	}
	if updated {
		b.WriteString(" _updated_")
	}
	b.WriteString("\n")
	if body := SanitizeBody(r.Body); body != "" {
		b.WriteString(truncateEscaped(body, escapeMarkdown, MaxBodyLength))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, `[release note\.\.\.](%s)`, markdownLink.Replace(r.HTMLURL))

	return Message{Text: b.String(), ParseMode: tgbotapi.ModeMarkdownV2, PreviewURL: repo.Link}
}

var (
	markdownCode = strings.NewReplacer(`\`, `\\`, "`", "\\`")
	markdownLink = strings.NewReplacer(`\`, `\\`, `)`, `\)`)
)

func escapeHTML(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeHTML, s)
}

// escapeMarkdown escapes text for MarkdownV2. EscapeText leaves backslashes alone.
func escapeMarkdown(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, strings.ReplaceAll(s, `\`, `\\`))
}
