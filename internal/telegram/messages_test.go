package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/releasebot/internal/release"
	"github.com/user/releasebot/internal/storage"
)

var testRepo = storage.Repo{ID: 42, FullName: "acme/rocket", Link: "https://github.com/acme/rocket"}

func releaseEvent(title, tag, body string) *release.Event {
	return &release.Event{
		Kind: release.EventRelease,
		Release: &release.Release{
			ID:      1,
			TagName: tag,
			Title:   title,
			Body:    body,
			HTMLURL: "https://github.com/acme/rocket/releases/tag/" + tag,
		},
	}
}

func TestParseFormat(t *testing.T) {
	assert.Equal(t, FormatQuote, ParseFormat("quote"))
	assert.Equal(t, FormatPre, ParseFormat(" PRE "))
	assert.Equal(t, FormatMarkdown, ParseFormat(""))
	assert.Equal(t, FormatMarkdown, ParseFormat("fancy"))
	assert.Equal(t, "quote", FormatQuote.String())
	assert.Equal(t, "markdown", FormatMarkdown.String())
}

func TestFormatEventTitleSuppression(t *testing.T) {
	for _, f := range []Format{FormatMarkdown, FormatQuote, FormatPre} {
		msg := FormatEvent(f, testRepo, releaseEvent("v2.3.0", "v2.3.0", "notes"))
		assert.Equal(t, 1, strings.Count(msg.Text, "v2.3.0")-strings.Count(msg.Text, "/v2.3.0"),
			"%s: tag rendered once, title suppressed", f)

		msg = FormatEvent(f, testRepo, releaseEvent("Big Fix", "v2.3.0", "notes"))
		assert.Contains(t, msg.Text, "Big Fix", f.String())
	}
}

func TestFormatEventHTMLTemplates(t *testing.T) {
	ev := releaseEvent("Big Fix", "v2.3.0", "fixes <stuff> & more")
	ev.Release.Prerelease = true
	ev.Updated = true

	msg := FormatEvent(FormatQuote, testRepo, ev)
	assert.Equal(t, tgbotapi.ModeHTML, msg.ParseMode)
	assert.Equal(t, testRepo.Link, msg.PreviewURL)
	assert.Equal(t, "<a href=\"https://github.com/acme/rocket\">acme/rocket</a>:\n"+
		"<b>Big Fix</b> <code>v2.3.0</code> <i>pre-release</i> <i>updated</i>\n"+
		"<blockquote>fixes &lt;stuff&gt; &amp; more</blockquote>"+
		"<a href=\"https://github.com/acme/rocket/releases/tag/v2.3.0\">release note...</a>", msg.Text)

	msg = FormatEvent(FormatPre, testRepo, ev)
	assert.Contains(t, msg.Text, "<pre>fixes &lt;stuff&gt; &amp; more</pre>")
}

func TestFormatEventMarkdownTemplate(t *testing.T) {
	msg := FormatEvent(FormatMarkdown, testRepo, releaseEvent("Big Fix!", "v2.3.0", "1. done"))
	assert.Equal(t, tgbotapi.ModeMarkdownV2, msg.ParseMode)
	assert.Equal(t, testRepo.Link, msg.PreviewURL)
	assert.Equal(t, "[acme/rocket](https://github.com/acme/rocket):\n"+
		"*Big Fix\\!* `v2.3.0`\n"+
		"1\\. done\n"+
		"[release note\\.\\.\\.](https://github.com/acme/rocket/releases/tag/v2.3.0)", msg.Text)
}

func TestFormatEventOmitsEmptyBody(t *testing.T) {
	msg := FormatEvent(FormatQuote, testRepo, releaseEvent("", "v1", "  "))
	assert.NotContains(t, msg.Text, "<blockquote>")
}

func TestFormatEventTruncation(t *testing.T) {
	long := strings.Repeat("a", MaxBodyLength+500)
	msg := FormatEvent(FormatMarkdown, testRepo, releaseEvent("", "v1", long))
	assert.Contains(t, msg.Text, strings.Repeat("a", MaxBodyLength)+TruncationMarker)
	assert.NotContains(t, msg.Text, strings.Repeat("a", MaxBodyLength+1))
	assert.LessOrEqual(t, utf8.RuneCountInString(msg.Text), MaxMessageLength)

	exact := strings.Repeat("b", MaxBodyLength)
	msg = FormatEvent(FormatQuote, testRepo, releaseEvent("", "v1", exact))
	assert.Contains(t, msg.Text, "<blockquote>"+exact+"</blockquote>")
	assert.NotContains(t, msg.Text, TruncationMarker)
}

func TestTruncationNeverSplitsEscapes(t *testing.T) {
	body := strings.Repeat("<", MaxBodyLength)
	msg := FormatEvent(FormatPre, testRepo, releaseEvent("", "v1", body))

	start := strings.Index(msg.Text, "<pre>") + len("<pre>")
	end := strings.Index(msg.Text, "</pre>")
	require.Greater(t, end, start)
	inner := msg.Text[start:end]

	assert.True(t, strings.HasSuffix(inner, "&lt;"+TruncationMarker))
	assert.Equal(t, MaxBodyLength/4, strings.Count(inner, "&lt;"))
	assert.LessOrEqual(t, utf8.RuneCountInString(msg.Text), MaxMessageLength)
}

func TestFormatTagAndNotices(t *testing.T) {
	msg := FormatEvent(FormatQuote, testRepo, &release.Event{Kind: release.EventTag, Tag: &release.Tag{Name: "v1.0"}})
	assert.Equal(t, "<a href=\"https://github.com/acme/rocket\">acme/rocket</a>:\n<code>v1.0</code>", msg.Text)
	assert.Equal(t, tgbotapi.ModeHTML, msg.ParseMode)
	assert.Equal(t, testRepo.Link, msg.PreviewURL)

	deleted := FormatDeleted(testRepo)
	assert.Equal(t, "GitHub repo acme/rocket has been deleted", deleted.Text)
	assert.Empty(t, deleted.ParseMode)

	archived := FormatArchived(testRepo)
	assert.Equal(t, "GitHub repo <b>acme/rocket</b> has been archived", archived.Text)
	assert.Equal(t, tgbotapi.ModeHTML, archived.ParseMode)
	assert.Equal(t, testRepo.Link, archived.PreviewURL)
	assert.Empty(t, deleted.PreviewURL)
}

func TestSanitizeBody(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"alignment", `<p align="center">Logo</p>`, "Logo"},
		{"anchor", `<a name="top"></a>Intro`, "Intro"},
		{"picture", "<picture><source srcset=\"x\"><img src=\"y\"></picture>Hi", "Hi"},
		{"headings", "<h2 id=\"x\">Changes</h2>", "Changes"},
		{"emphasis", "<b>bold</b> <i>it</i> <strong>s</strong> <em>e</em>", "bold it s e"},
		{"sub sup", "H<sub>2</sub>O x<sup>2</sup>", "H2O x2"},
		{"details", "<details open><summary>More</summary>body</details>", "Morebody"},
		{"comment", "a<!-- hidden\nline -->b", "ab"},
		{"image", `see <img width="10" src="https://x/y.png" alt="y"> here`, "see https://x/y.png here"},
		{"link", `see <a href="https://x.io/docs">the docs</a> now`, "see the docs (https://x.io/docs) now"},
		{"bare link", `<a href="https://x.io">https://x.io</a>`, "https://x.io"},
		{"badge link", `<a href="https://ci/x"><img src="https://ci/x.svg"></a>`, "https://ci/x.svg (https://ci/x)"},
		{"unclosed link", `<a href="https://x.io" target="_blank">docs`, "docs"},
		{"line break kept", "a<br>b", "a<br>b"},
		{"malformed kept", "<p align=center", "<p align=center"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SanitizeBody(tc.in))
		})
	}
}
