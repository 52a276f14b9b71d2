package email

import (
	"fmt"
	"regexp"
	"strings"
)

const styles = "<style>\n" +
	"body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px; background: #fff; }\n" +
	".header { border-bottom: 2px solid #0064d2; padding-bottom: 10px; margin-bottom: 20px; }\n" +
	".content { background: #f8f9fa; padding: 20px; border-radius: 8px; margin: 15px 0; }\n" +
	".footer { margin-top: 20px; padding-top: 10px; border-top: 1px solid #ddd; color: #7f8c8d; font-size: 0.9em; }\n" +
	"a { color: #0064d2; text-decoration: none; }\n" +
	"a:hover { text-decoration: underline; }\n" +
	"@media (prefers-color-scheme: dark) {\n" +
	"body { background: #1a1a1a; color: #e0e0e0; }\n" +
	".content { background: #262626; }\n" +
	".footer { color: #a0a0a0; border-top-color: #444; }\n" +
	"a { color: #4da3ff; }\n" +
	"}\n" +
	"</style>\n"

// linkPattern finds bare http(s) links in plain-text alert bodies.
var linkPattern = regexp.MustCompile(`https?://[^\s<>"']+[^\s<>"'.,;:!?)]`)

func writeHead(b *strings.Builder) {
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString(styles)
	b.WriteString("</head>\n<body>\n")
}

func formatConfirmationBody(label string) string {
	var b strings.Builder
	writeHead(&b)

	b.WriteString("<div class=\"header\">\n<h2>Price Alert Subscription Confirmed</h2>\n</div>\n")

	b.WriteString("<div class=\"content\">\n")
	if label != "" {
		b.WriteString(fmt.Sprintf("<p>You're now watching <strong>%s</strong>.</p>\n", escapeHTML(label)))
	} else {
		b.WriteString("<p>You're now watching an eBay listing.</p>\n")
	}
	b.WriteString("<p>We'll email you whenever its price drops below the lowest price we've seen.</p>\n")
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"footer\">\nIf you didn't ask for this, you can ignore this email.\n</div>\n")
	b.WriteString("</body>\n</html>")
	return b.String()
}

// formatAlertBody wraps a plain-text alert in HTML, turning URLs into links.
func formatAlertBody(subject, text string) string {
	var b strings.Builder
	writeHead(&b)

	b.WriteString(fmt.Sprintf("<div class=\"header\">\n<h2>%s</h2>\n</div>\n", escapeHTML(subject)))
	b.WriteString("<div class=\"content\">\n<p>")
	b.WriteString(linkify(text))
	b.WriteString("</p>\n</div>\n")

	b.WriteString("</body>\n</html>")
	return b.String()
}

func linkify(text string) string {
	var b strings.Builder
	last := 0
	for _, loc := range linkPattern.FindAllStringIndex(text, -1) {
		b.WriteString(escapeHTML(text[last:loc[0]]))
		link := escapeHTML(text[loc[0]:loc[1]])
		b.WriteString(fmt.Sprintf("<a href=\"%s\">%s</a>", link, link))
		last = loc[1]
	}
	b.WriteString(escapeHTML(text[last:]))
	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
