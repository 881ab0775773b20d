package handler

import (
	"bytes"
	"encoding/base64"
	htmltemplate "html/template"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
)

const (
	originalAttachmentName = "original.eml"
	noTextPlaceholder      = "(Original message had no text content)"
	base64LineLength       = 76
)

var textBanner = template.Must(
	template.New("banner.txt").Funcs(sprig.TxtFuncMap()).Parse(
		`---------- Forwarded message ----------
From: {{ .From | default "(unknown)" }}
To: {{ .To | default "(unknown)" }}
Date: {{ .Date | default "(unknown)" }}

{{ .Body | default .Placeholder }}
`))

var htmlBanner = htmltemplate.Must(
	htmltemplate.New("banner.html").Funcs(sprig.FuncMap()).Parse(
		`<div style="border: 1px solid #ccc; padding: 10px; margin: 10px 0; ` +
			`background-color: #f9f9f9;">
<strong>---------- Forwarded message ----------</strong><br>
<strong>From:</strong> {{ .From | default "(unknown)" }}<br>
<strong>To:</strong> {{ .To | default "(unknown)" }}<br>
<strong>Date:</strong> {{ .Date | default "(unknown)" }}<br>
</div>
{{ if .HTML -}}
{{ .HTML }}
{{- else -}}
<div style="white-space: pre-wrap; font-family: monospace;">` +
			`{{ .Body | default .Placeholder }}</div>
{{- end }}
`))

type bannerData struct {
	From        string
	To          string
	Date        string
	Body        string
	HTML        htmltemplate.HTML
	Placeholder string
}

// forwardedMessage describes the message sent in place of the original.
type forwardedMessage struct {
	orig          *parsedMessage
	raw           []byte
	bannerTo      string
	recipients    []string
	subject       string
	tags          []string
	senderAddress string
	origLink      string
	date          time.Time
}

// build renders a multipart/mixed message: a multipart/alternative body
// with the forwarding banner, then the original message as an attachment.
func (fm *forwardedMessage) build() ([]byte, error) {
	b := &bytes.Buffer{}
	mixed := multipart.NewWriter(b)

	hb := &headerBuffer{buf: b}
	hb.writeFromAndReplyTo(fm.orig.From, fm.senderAddress)
	hb.writeHeader("To", strings.Join(fm.recipients, ", "))
	hb.writeHeader("Subject", mime.QEncoding.Encode("utf-8", fm.subject))
	hb.writeHeader("Date", fm.date.Format(time.RFC1123Z))
	hb.writeHeader("MIME-Version", "1.0")
	hb.writeHeader(
		"Content-Type",
		mime.FormatMediaType(
			"multipart/mixed", map[string]string{"boundary": mixed.Boundary()},
		),
	)
	hb.write(origLinkHeaderPrefix + fm.origLink + crlf)
	if len(fm.tags) != 0 {
		hb.writeHeader(
			"X-SES-Forwarder-Tags",
			mime.QEncoding.Encode("utf-8", strings.Join(fm.tags, ", ")),
		)
	}
	hb.write(crlf)
	if hb.err != nil {
		return nil, hb.err
	}

	if err := fm.writeBody(mixed); err != nil {
		return nil, err
	} else if err := fm.writeOriginal(mixed); err != nil {
		return nil, err
	} else if err := mixed.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (fm *forwardedMessage) bannerData() *bannerData {
	return &bannerData{
		From:        decodeHeader(fm.orig.From),
		To:          decodeHeader(fm.bannerTo),
		Date:        fm.orig.Date,
		Body:        fm.orig.BodyText(),
		HTML:        htmltemplate.HTML(fm.orig.HTML),
		Placeholder: noTextPlaceholder,
	}
}

func (fm *forwardedMessage) writeBody(mixed *multipart.Writer) error {
	alt := &bytes.Buffer{}
	altWriter := multipart.NewWriter(alt)
	data := fm.bannerData()

	textPart := &bytes.Buffer{}
	htmlPart := &bytes.Buffer{}
	if err := textBanner.Execute(textPart, data); err != nil {
		return err
	} else if err := htmlBanner.Execute(htmlPart, data); err != nil {
		return err
	}

	if err := writeQuotedPrintablePart(
		altWriter, "text/plain", textPart.Bytes(),
	); err != nil {
		return err
	} else if err := writeQuotedPrintablePart(
		altWriter, "text/html", htmlPart.Bytes(),
	); err != nil {
		return err
	} else if err := altWriter.Close(); err != nil {
		return err
	}

	w, err := mixed.CreatePart(textproto.MIMEHeader{
		"Content-Type": {mime.FormatMediaType(
			"multipart/alternative",
			map[string]string{"boundary": altWriter.Boundary()},
		)},
	})
	if err != nil {
		return err
	}
	_, err = w.Write(alt.Bytes())
	return err
}

func writeQuotedPrintablePart(
	mw *multipart.Writer, mediaType string, content []byte,
) error {
	w, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {mime.FormatMediaType(
			mediaType, map[string]string{"charset": "utf-8"},
		)},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return err
	}

	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write(content); err != nil {
		return err
	}
	return qp.Close()
}

func (fm *forwardedMessage) writeOriginal(mixed *multipart.Writer) error {
	w, err := mixed.CreatePart(textproto.MIMEHeader{
		"Content-Type": {mime.FormatMediaType(
			"application/rfc822", map[string]string{"name": originalAttachmentName},
		)},
		"Content-Disposition": {mime.FormatMediaType(
			"attachment", map[string]string{"filename": originalAttachmentName},
		)},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return err
	}
	return writeBase64Lines(w, fm.raw)
}

func writeBase64Lines(w io.Writer, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > base64LineLength {
		if _, err := io.WriteString(w, encoded[:base64LineLength]+crlf); err != nil {
			return err
		}
		encoded = encoded[base64LineLength:]
	}
	_, err := io.WriteString(w, encoded+crlf)
	return err
}
