//go:build small_tests || all_tests

package handler

import (
	"errors"
	"io"
	"strings"
	"testing"

	"gotest.tools/assert"
)

func newHeaderBuffer() (*strings.Builder, *headerBuffer) {
	builder := &strings.Builder{}
	return builder, &headerBuffer{buf: builder}
}

func TestWrite(t *testing.T) {
	t.Run("Succeeds", func(t *testing.T) {
		result, hb := newHeaderBuffer()

		hb.write("foobar")

		assert.NilError(t, hb.err)
		assert.Equal(t, result.String(), "foobar")
	})

	t.Run("WritesNothingIfErrIsNotNil", func(t *testing.T) {
		result, hb := newHeaderBuffer()
		hb.err = errors.New("error from an earlier write")

		hb.write("foobar")

		assert.Equal(t, result.String(), "")
	})
}

func TestWriteHeader(t *testing.T) {
	t.Run("Succeeds", func(t *testing.T) {
		result, hb := newHeaderBuffer()

		hb.writeHeader("X-Test-Header", "foo", "bar", "baz")

		assert.NilError(t, hb.err)
		expected := "X-Test-Header: foo\r\n" +
			"X-Test-Header: bar\r\n" +
			"X-Test-Header: baz\r\n"
		assert.Equal(t, result.String(), expected)
	})

	t.Run("ReplacesLineBreaksInValues", func(t *testing.T) {
		result, hb := newHeaderBuffer()

		hb.writeHeader("Subject", "hello\r\nBcc: victim@foo.com")

		assert.NilError(t, hb.err)
		assert.Equal(t, result.String(), "Subject: hello Bcc: victim@foo.com\r\n")
	})
}

func TestNewFromAddress(t *testing.T) {
	senderAddress := "ses-forwarder@foo.com"

	t.Run("Succeeds", func(t *testing.T) {
		newFrom, err := newFromAddress(
			"Mike Bland <mbland@acm.org>", senderAddress,
		)

		assert.NilError(t, err)
		expected := `"Mike Bland - mbland at acm.org" <ses-forwarder@foo.com>`
		assert.Equal(t, expected, newFrom)
	})

	t.Run("SucceedsWhenAddressOnly", func(t *testing.T) {
		newFrom, err := newFromAddress("mbland@acm.org", senderAddress)

		assert.NilError(t, err)
		expected := `"mbland at acm.org" <ses-forwarder@foo.com>`
		assert.Equal(t, expected, newFrom)
	})

	t.Run("EncodesNonAsciiDisplayName", func(t *testing.T) {
		newFrom, err := newFromAddress(
			"=?utf-8?q?J=C3=B6rg?= <joerg@foo.de>", senderAddress,
		)

		assert.NilError(t, err)
		assert.Assert(t, strings.HasPrefix(newFrom, "=?utf-8?"))
		assert.Assert(t, strings.HasSuffix(newFrom, " <ses-forwarder@foo.com>"))
	})

	t.Run("FailsIfOriginalFromMalformed", func(t *testing.T) {
		const addr = "Mike Bland mbland@acm.org"

		newFrom, err := newFromAddress(addr, senderAddress)

		assert.Equal(t, "", newFrom)
		assert.ErrorContains(t, err, "couldn't parse From address "+addr)
	})
}

func TestWriteFromAndReplyTo(t *testing.T) {
	t.Run("Succeeds", func(t *testing.T) {
		result, hb := newHeaderBuffer()

		hb.writeFromAndReplyTo("Mike <mbland@acm.org>", "foo@bar.com")

		assert.NilError(t, hb.err)
		expected := "From: \"Mike - mbland at acm.org\" <foo@bar.com>\r\n" +
			"Reply-To: \"Mike\" <mbland@acm.org>\r\n"
		assert.Equal(t, result.String(), expected)
	})

	t.Run("UsesBareSenderIfFromAddressMalformed", func(t *testing.T) {
		result, hb := newHeaderBuffer()

		hb.writeFromAndReplyTo("mbland AT acm.org", "foo@bar.com")

		assert.NilError(t, hb.err)
		assert.Equal(t, result.String(), "From: foo@bar.com\r\n")
	})

	t.Run("KeepsFirstWriteError", func(t *testing.T) {
		result, hb := newHeaderBuffer()
		hb.buf = &ErrWriter{result, "Reply-To"}

		hb.writeFromAndReplyTo("Mike <mbland@acm.org>", "foo@bar.com")

		assert.ErrorContains(t, hb.err, "found: Reply-To")
		expected := "From: \"Mike - mbland at acm.org\" <foo@bar.com>\r\n"
		assert.Equal(t, result.String(), expected)
	})
}

type ErrWriter struct {
	buf              io.Writer
	errorOnSubstring string
}

func (w *ErrWriter) Write(b []byte) (int, error) {
	if strings.Contains(string(b), w.errorOnSubstring) {
		return 0, errors.New("found: " + w.errorOnSubstring)
	}
	return w.buf.Write(b)
}
