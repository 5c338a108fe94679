package reader

import (
	"bytes"
	"errors"
	"html"
	"io"
	stdmail "net/mail"
	"regexp"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
	htmlcharset "golang.org/x/net/html/charset"
)

const maxBodyBytes = 128 * 1024

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// parsedMail is the protocol-independent view of one raw RFC822 message.
type parsedMail struct {
	From       string
	To         string   // addresses joined with ";"
	Recipients []string // lowercased To+Cc addresses, for the target filter
	Subject    string
	Body       string
	MessageID  string
	InReplyTo  string
	References []string
	Date       time.Time
}

// parseMail extracts headers and a plain-text body from raw message bytes.
// It degrades instead of failing: a structured parse error falls back to
// net/mail, and a completely unparsable payload yields a body-only result.
func parseMail(raw []byte) parsedMail {
	r, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return legacyParse(raw)
	}

	var pm parsedMail
	pm.From = firstAddress(&r.Header, "From")
	pm.To = joinAddresses(&r.Header, "To")
	pm.Recipients = append(lowerAddresses(&r.Header, "To"), lowerAddresses(&r.Header, "Cc")...)
	if subject, err := r.Header.Subject(); err == nil {
		pm.Subject = subject
	} else {
		pm.Subject = strings.TrimSpace(r.Header.Get("Subject"))
	}
	if date, err := r.Header.Date(); err == nil {
		pm.Date = date.UTC()
	}
	pm.MessageID = firstMessageID(r.Header.Get("Message-Id"))
	pm.InReplyTo = firstMessageID(r.Header.Get("In-Reply-To"))
	pm.References = referenceIDs(r.Header.Get("References"), r.Header.Get("In-Reply-To"))
	pm.Body = readBody(r)
	return pm
}

// readBody walks the MIME parts preferring a text/plain part; when only HTML
// exists the tags are stripped and whitespace collapsed as a best-effort
// plain-text fallback.
func readBody(r *gomail.Reader) string {
	var plain, htmlBody string
	for {
		part, err := r.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			break
		}
		header, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, ctErr := header.ContentType()
		if ctErr != nil {
			mediaType = "text/plain"
		}
		mediaType = strings.ToLower(strings.TrimSpace(mediaType))
		data, readErr := io.ReadAll(io.LimitReader(part.Body, maxBodyBytes))
		if readErr != nil || len(data) == 0 {
			continue
		}
		switch {
		case strings.HasPrefix(mediaType, "text/plain"):
			if plain == "" {
				plain = string(data)
			}
		case strings.HasPrefix(mediaType, "text/html"):
			if htmlBody == "" {
				htmlBody = string(data)
			}
		default:
			if plain == "" && htmlBody == "" {
				plain = string(data)
			}
		}
	}
	if strings.TrimSpace(plain) != "" {
		return plain
	}
	if strings.TrimSpace(htmlBody) != "" {
		return stripHTML(htmlBody)
	}
	return ""
}

var (
	htmlStripPolicy   = bluemonday.StrictPolicy()
	whitespacePattern = regexp.MustCompile(`\s+`)
	messageIDPattern  = regexp.MustCompile(`<([^<>]+)>`)
)

func stripHTML(s string) string {
	t := htmlStripPolicy.Sanitize(s)
	t = html.UnescapeString(t)
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(t, " "))
}

func legacyParse(raw []byte) parsedMail {
	var pm parsedMail
	msg, err := stdmail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		if int64(len(raw)) > maxBodyBytes {
			raw = raw[:maxBodyBytes]
		}
		pm.Body = string(raw)
		return pm
	}
	pm.From = parseFirstAddress(msg.Header.Get("From"))
	toList, _ := msg.Header.AddressList("To")
	pm.To = joinParsed(toList)
	for _, a := range toList {
		pm.Recipients = append(pm.Recipients, normalizeEmail(a.Address))
	}
	if ccList, err := msg.Header.AddressList("Cc"); err == nil {
		for _, a := range ccList {
			pm.Recipients = append(pm.Recipients, normalizeEmail(a.Address))
		}
	}
	pm.Subject = strings.TrimSpace(msg.Header.Get("Subject"))
	if date, err := msg.Header.Date(); err == nil {
		pm.Date = date.UTC()
	}
	pm.MessageID = firstMessageID(msg.Header.Get("Message-Id"))
	pm.InReplyTo = firstMessageID(msg.Header.Get("In-Reply-To"))
	pm.References = referenceIDs(msg.Header.Get("References"), msg.Header.Get("In-Reply-To"))
	body, err := io.ReadAll(io.LimitReader(msg.Body, maxBodyBytes))
	if err == nil {
		pm.Body = string(body)
	}
	return pm
}

func firstAddress(header *gomail.Header, key string) string {
	if list, err := header.AddressList(key); err == nil && len(list) > 0 {
		return strings.TrimSpace(list[0].Address)
	}
	return parseFirstAddress(header.Get(key))
}

func joinAddresses(header *gomail.Header, key string) string {
	list, err := header.AddressList(key)
	if err != nil || len(list) == 0 {
		return strings.TrimSpace(header.Get(key))
	}
	addrs := make([]string, 0, len(list))
	for _, a := range list {
		addrs = append(addrs, strings.TrimSpace(a.Address))
	}
	return strings.Join(addrs, ";")
}

func lowerAddresses(header *gomail.Header, key string) []string {
	list, err := header.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, normalizeEmail(a.Address))
	}
	return out
}

func joinParsed(list []*stdmail.Address) string {
	addrs := make([]string, 0, len(list))
	for _, a := range list {
		addrs = append(addrs, strings.TrimSpace(a.Address))
	}
	return strings.Join(addrs, ";")
}

func parseFirstAddress(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if addrs, err := stdmail.ParseAddressList(value); err == nil && len(addrs) > 0 {
		return strings.TrimSpace(addrs[0].Address)
	}
	if addr, err := stdmail.ParseAddress(value); err == nil {
		return strings.TrimSpace(addr.Address)
	}
	return value
}

// firstMessageID returns the first angle-bracketed id in value, without
// brackets, or the trimmed value itself when no brackets are present.
func firstMessageID(value string) string {
	ids := parseMessageIDs(value)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// referenceIDs collects the References and In-Reply-To ids, deduplicated
// case-insensitively with order preserved.
func referenceIDs(values ...string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, raw := range values {
		for _, id := range parseMessageIDs(raw) {
			key := strings.ToLower(id)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

func parseMessageIDs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	matches := messageIDPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		if id := normalizeMessageID(raw); id != "" {
			return []string{id}
		}
		return nil
	}
	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		if id := normalizeMessageID(match[1]); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func normalizeMessageID(value string) string {
	value = strings.Trim(strings.TrimSpace(value), "<>")
	value = strings.Trim(value, `"`)
	return strings.TrimSpace(value)
}
