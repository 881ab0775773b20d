package handler

import (
	"fmt"
	"io"
	"net/mail"
	"strings"
)

const crlf = "\r\n"

const origLinkHeaderPrefix = "X-SES-Forwarder-Original: "

// headerBuffer writes message headers and keeps the first write error, so a
// whole header block can be written before checking for failure.
type headerBuffer struct {
	buf io.Writer
	err error
}

var headerValueCleaner = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

func (hb *headerBuffer) writeHeader(name string, values ...string) {
	for _, value := range values {
		hb.write(name)
		hb.write(": ")
		hb.write(headerValueCleaner.Replace(value))
		hb.write(crlf)
	}
}

// writeFromAndReplyTo rewrites the original sender into the display name of
// the forwarding identity and directs replies back to the original sender.
// An unparseable sender gets the bare forwarding identity and no Reply-To.
func (hb *headerBuffer) writeFromAndReplyTo(origFrom, senderAddress string) {
	newFrom, err := newFromAddress(origFrom, senderAddress)
	if err != nil {
		hb.writeHeader("From", senderAddress)
		return
	}
	replyTo, _ := mail.ParseAddress(origFrom)
	hb.writeHeader("From", newFrom)
	hb.writeHeader("Reply-To", replyTo.String())
}

func (hb *headerBuffer) write(s string) {
	if hb.err == nil {
		_, hb.err = io.WriteString(hb.buf, s)
	}
}

func newFromAddress(origFrom, senderAddress string) (string, error) {
	fromAddr, err := mail.ParseAddress(origFrom)
	if err != nil {
		const errFmt = "couldn't parse From address %s: %s"
		return "", fmt.Errorf(errFmt, origFrom, err)
	}

	local, domain, _ := strings.Cut(fromAddr.Address, "@")
	name := local + " at " + domain
	if fromAddr.Name != "" {
		name = fromAddr.Name + " - " + name
	}
	return (&mail.Address{Name: name, Address: senderAddress}).String(), nil
}
