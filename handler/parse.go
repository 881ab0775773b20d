package handler

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/encoding/htmlindex"
)

const maxPartDepth = 10

// parsedMessage holds the parts of an inbound email the forwarder reuses.
// Subject is decoded from RFC 2047 encoded words. From and To stay raw so
// they still parse as address lists; use decodeHeader for display.
type parsedMessage struct {
	From      string
	To        string
	Date      string
	Subject   string
	MessageID string
	Text      string
	HTML      string
}

// BodyText is the plain text part, or text extracted from the HTML part
// when there is no plain text.
func (msg *parsedMessage) BodyText() string {
	if strings.TrimSpace(msg.Text) != "" || msg.HTML == "" {
		return msg.Text
	}
	return htmlToText(msg.HTML)
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, err
	}
	return enc.NewDecoder().Reader(input), nil
}

func decodeHeader(value string) string {
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// parseMessage returns the message headers and body text. A body that
// cannot be fully walked yields whatever text was found before the error,
// along with the error.
func parseMessage(raw []byte) (*parsedMessage, error) {
	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	msg := &parsedMessage{
		From:      m.Header.Get("From"),
		To:        m.Header.Get("To"),
		Date:      m.Header.Get("Date"),
		Subject:   decodeHeader(m.Header.Get("Subject")),
		MessageID: m.Header.Get("Message-Id"),
	}
	if err := msg.readBody(textproto.MIMEHeader(m.Header), m.Body, 0); err != nil {
		return msg, fmt.Errorf("failed to parse message body: %w", err)
	}
	return msg, nil
}

// messageFromCommonHeaders builds a stand-in when the raw message can't be
// parsed, using the headers SES already extracted.
func messageFromCommonHeaders(m *events.SimpleEmailMessage) *parsedMessage {
	h := &m.CommonHeaders
	return &parsedMessage{
		From:      strings.Join(h.From, ", "),
		To:        strings.Join(h.To, ", "),
		Date:      h.Date,
		Subject:   h.Subject,
		MessageID: h.MessageID,
	}
}

func (msg *parsedMessage) readBody(
	header textproto.MIMEHeader, body io.Reader, depth int,
) error {
	mediaType, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil {
		mediaType, params = "text/plain", map[string]string{}
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		if depth == maxPartDepth {
			return errors.New("multipart nesting too deep")
		}
		return msg.readParts(multipart.NewReader(body, params["boundary"]), depth)
	}
	if isAttachment(header) {
		return nil
	}

	switch mediaType {
	case "text/plain":
		if msg.Text == "" {
			msg.Text, err = decodePart(header, params["charset"], body)
		}
	case "text/html":
		if msg.HTML == "" {
			msg.HTML, err = decodePart(header, params["charset"], body)
		}
	}
	return err
}

func (msg *parsedMessage) readParts(r *multipart.Reader, depth int) error {
	for {
		part, err := r.NextRawPart()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if err := msg.readBody(part.Header, part, depth+1); err != nil {
			return err
		}
	}
}

func isAttachment(header textproto.MIMEHeader) bool {
	disposition, _, err := mime.ParseMediaType(header.Get("Content-Disposition"))
	return err == nil && disposition == "attachment"
}

func decodePart(
	header textproto.MIMEHeader, charset string, body io.Reader,
) (string, error) {
	cte := header.Get("Content-Transfer-Encoding")
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "base64":
		body = base64.NewDecoder(base64.StdEncoding, body)
	case "quoted-printable":
		body = quotedprintable.NewReader(body)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("decoding %s part: %w", cte, err)
	}
	return decodeCharset(charset, data), nil
}

func decodeCharset(charset string, data []byte) string {
	switch strings.ToLower(charset) {
	case "", "utf-8", "utf8", "us-ascii":
	default:
		if enc, err := htmlindex.Get(charset); err == nil {
			if decoded, err := enc.NewDecoder().Bytes(data); err == nil {
				data = decoded
			}
		}
	}
	return strings.ToValidUTF8(string(data), "�")
}

var blockElements = map[atom.Atom]bool{
	atom.Br:         true,
	atom.P:          true,
	atom.Div:        true,
	atom.Li:         true,
	atom.Tr:         true,
	atom.Table:      true,
	atom.H1:         true,
	atom.H2:         true,
	atom.H3:         true,
	atom.H4:         true,
	atom.H5:         true,
	atom.H6:         true,
	atom.Blockquote: true,
	atom.Pre:        true,
	atom.Hr:         true,
}

// htmlToText keeps the visible text of an HTML body, one line per block
// element, without script or style content.
func htmlToText(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	b := &strings.Builder{}
	hidden := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return collapseBlankLines(b.String())
		case html.TextToken:
			if hidden == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken, html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if a == atom.Script || a == atom.Style {
				if tt == html.StartTagToken {
					hidden++
				} else if tt == html.EndTagToken && hidden > 0 {
					hidden--
				}
			} else if blockElements[a] {
				b.WriteByte('\n')
			}
		}
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	result := make([]string, 0, len(lines))
	blank := false

	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(result) != 0 {
				result = append(result, "")
			}
			blank = true
			continue
		}
		blank = false
		result = append(result, line)
	}
	return strings.TrimSpace(strings.Join(result, "\n"))
}
