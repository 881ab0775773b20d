//go:build small_tests || all_tests

package handler

import (
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"
)

func crlfJoin(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func TestParseMessage(t *testing.T) {
	t.Run("ParsesMultipartAlternative", func(t *testing.T) {
		msg, err := parseMessage(testMsg)

		assert.NilError(t, err)
		assert.Equal(t, "Mike Bland <mbland@acm.org>", msg.From)
		assert.Equal(t, "foo@xyzzy.com", msg.To)
		assert.Equal(t, "There's a reason why we unit test", msg.Subject)
		assert.Equal(t, "<deadbeef@acm.org>", msg.MessageID)
		assert.Equal(
			t,
			"Sometimes the getting smallest detail wrong breaks everything.\r\n",
			msg.Text,
		)
		assert.Assert(t, is.Contains(msg.HTML, `<div dir="ltr">`))
	})

	t.Run("DecodesEncodedSubject", func(t *testing.T) {
		msg, err := parseMessage(crlfJoin(
			"From: a@foo.com",
			"Subject: =?ISO-8859-1?Q?caf=E9?=",
			"",
			"body",
		))

		assert.NilError(t, err)
		assert.Equal(t, "café", msg.Subject)
		assert.Equal(t, "body", msg.Text)
	})

	t.Run("DecodesBase64AndCharset", func(t *testing.T) {
		msg, err := parseMessage(crlfJoin(
			"From: a@foo.com",
			`Content-Type: text/plain; charset="iso-8859-1"`,
			"Content-Transfer-Encoding: base64",
			"",
			"Y2Fm6Q==",
		))

		assert.NilError(t, err)
		assert.Equal(t, "café", msg.Text)
	})

	t.Run("DecodesQuotedPrintable", func(t *testing.T) {
		msg, err := parseMessage(crlfJoin(
			"From: a@foo.com",
			`Content-Type: text/plain; charset=utf-8`,
			"Content-Transfer-Encoding: quoted-printable",
			"",
			"caf=C3=A9 soft=",
			"break",
		))

		assert.NilError(t, err)
		assert.Equal(t, "café softbreak", msg.Text)
	})

	t.Run("WalksNestedPartsAndSkipsAttachments", func(t *testing.T) {
		msg, err := parseMessage(crlfJoin(
			"From: a@foo.com",
			`Content-Type: multipart/mixed; boundary="outer"`,
			"",
			"--outer",
			`Content-Type: text/plain`,
			"Content-Disposition: attachment; filename=notes.txt",
			"",
			"attached notes",
			"--outer",
			`Content-Type: multipart/alternative; boundary="inner"`,
			"",
			"--inner",
			`Content-Type: text/html; charset=utf-8`,
			"",
			"<p>Hello <b>there</b></p>",
			"--inner--",
			"--outer--",
		))

		assert.NilError(t, err)
		assert.Equal(t, "", msg.Text)
		assert.Equal(t, "<p>Hello <b>there</b></p>", msg.HTML)
		assert.Equal(t, "Hello there", msg.BodyText())
	})

	t.Run("ErrorsIfHeadersMalformed", func(t *testing.T) {
		msg, err := parseMessage([]byte("not an email"))

		assert.Assert(t, is.Nil(msg))
		assert.ErrorContains(t, err, "failed to parse message: ")
	})

	t.Run("ReturnsPartialMessageIfBodyMalformed", func(t *testing.T) {
		msg, err := parseMessage(crlfJoin(
			"From: a@foo.com",
			"Subject: broken",
			`Content-Type: multipart/mixed; boundary="b"`,
			"",
			"--b",
			"Content-Type: text/plain",
			"",
			"first part",
			"--b",
			"Content-Type: text/html",
			"Content-Transfer-Encoding: base64",
			"",
			"!!!not base64!!!",
			"--b--",
		))

		assert.ErrorContains(t, err, "failed to parse message body: ")
		assert.Equal(t, "broken", msg.Subject)
		assert.Equal(t, "first part", msg.Text)
	})
}

func TestMessageFromCommonHeaders(t *testing.T) {
	m := &events.SimpleEmailMessage{
		CommonHeaders: events.SimpleEmailCommonHeaders{
			From:      []string{"Mike <mbland@acm.org>"},
			To:        []string{"a@foo.com", "b@foo.com"},
			Date:      "Fri, 18 Sep 1970 12:45:00 +0000",
			Subject:   "hello",
			MessageID: "<m@acm.org>",
		},
	}

	msg := messageFromCommonHeaders(m)

	assert.DeepEqual(
		t,
		&parsedMessage{
			From:      "Mike <mbland@acm.org>",
			To:        "a@foo.com, b@foo.com",
			Date:      "Fri, 18 Sep 1970 12:45:00 +0000",
			Subject:   "hello",
			MessageID: "<m@acm.org>",
		},
		msg,
	)
}

func TestHtmlToText(t *testing.T) {
	t.Run("KeepsVisibleTextPerBlock", func(t *testing.T) {
		text := htmlToText(
			"<html><head><style>p { color: red; }</style></head><body>" +
				"<h1>Invoice</h1><p>Amount due:  &pound;42</p>" +
				"<script>alert('x')</script><div>Thanks<br>Billing</div>" +
				"</body></html>",
		)

		assert.Equal(t, "Invoice\n\nAmount due: £42\n\nThanks\nBilling", text)
	})

	t.Run("ReturnsEmptyForEmptyInput", func(t *testing.T) {
		assert.Equal(t, "", htmlToText(""))
	})
}

func TestBodyText(t *testing.T) {
	t.Run("PrefersPlainText", func(t *testing.T) {
		msg := &parsedMessage{Text: "plain", HTML: "<p>html</p>"}

		assert.Equal(t, "plain", msg.BodyText())
	})

	t.Run("FallsBackToHtml", func(t *testing.T) {
		msg := &parsedMessage{Text: "  \r\n", HTML: "<p>html</p>"}

		assert.Equal(t, "html", msg.BodyText())
	})
}
