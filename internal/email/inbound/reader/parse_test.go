package reader

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseMailPlainText(t *testing.T) {
	raw := []byte("From: Alice <alice@example.com>\r\n" +
		"To: support@example.com, Ops <ops@example.com>\r\n" +
		"Cc: Watcher <WATCHER@Example.com>\r\n" +
		"Subject: Printer is down\r\n" +
		"Message-Id: <abc123@mail.example.com>\r\n" +
		"In-Reply-To: <root@mail.example.com>\r\n" +
		"References: <root@mail.example.com> <mid@mail.example.com>\r\n" +
		"Date: Tue, 04 Mar 2025 10:30:00 +0000\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"The printer on floor 2 stopped working.\r\n")

	pm := parseMail(raw)
	require.Equal(t, "alice@example.com", pm.From)
	require.Equal(t, "support@example.com;ops@example.com", pm.To)
	require.Equal(t, []string{"support@example.com", "ops@example.com", "watcher@example.com"}, pm.Recipients)
	require.Equal(t, "Printer is down", pm.Subject)
	require.Equal(t, "abc123@mail.example.com", pm.MessageID)
	require.Equal(t, "root@mail.example.com", pm.InReplyTo)
	require.Equal(t, []string{"root@mail.example.com", "mid@mail.example.com"}, pm.References)
	require.Equal(t, time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC), pm.Date)
	require.Contains(t, pm.Body, "printer on floor 2")
}

func TestParseMailPrefersPlainOverHTML(t *testing.T) {
	raw := []byte("From: a@example.com\r\n" +
		"To: s@example.com\r\n" +
		"Subject: multi\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=BOUND\r\n" +
		"\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"plain wins\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>html loses</p>\r\n" +
		"--BOUND--\r\n")

	pm := parseMail(raw)
	require.Contains(t, pm.Body, "plain wins")
	require.NotContains(t, pm.Body, "html loses")
}

func TestParseMailHTMLOnlyStripped(t *testing.T) {
	raw := []byte("From: a@example.com\r\n" +
		"To: s@example.com\r\n" +
		"Subject: html\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<html><body><p>Hello&nbsp;<b>world</b></p><script>evil()</script></body></html>\r\n")

	pm := parseMail(raw)
	require.Contains(t, pm.Body, "Hello")
	require.Contains(t, pm.Body, "world")
	require.NotContains(t, pm.Body, "<p>")
	require.NotContains(t, pm.Body, "evil")
}

func TestParseMailUnparsableFallsBackToRaw(t *testing.T) {
	raw := []byte("this is not an rfc822 message at all")
	pm := parseMail(raw)
	require.Equal(t, "", pm.From)
	require.Contains(t, pm.Body, "not an rfc822")
}

func TestStripHTMLCollapsesWhitespace(t *testing.T) {
	got := stripHTML("<div>  one\n\n  <span>two</span>\t three </div>")
	require.Equal(t, "one two three", got)
}

func TestFirstMessageID(t *testing.T) {
	require.Equal(t, "a@b", firstMessageID("<a@b>"))
	require.Equal(t, "a@b", firstMessageID("  <a@b> <c@d>"))
	require.Equal(t, "bare@id", firstMessageID("bare@id"))
	require.Equal(t, "", firstMessageID("   "))
}

func TestReferenceIDsDedupCaseInsensitive(t *testing.T) {
	got := referenceIDs("<A@B> <c@d>", "<a@b> <e@f>")
	require.Equal(t, []string{"A@B", "c@d", "e@f"}, got)
}

func TestParseMessageIDsBodyLimit(t *testing.T) {
	// Oversized unparsable payloads are truncated rather than rejected.
	raw := []byte(strings.Repeat("x", maxBodyBytes+100))
	pm := parseMail(raw)
	require.LessOrEqual(t, len(pm.Body), maxBodyBytes)
}
