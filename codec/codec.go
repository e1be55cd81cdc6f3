// Package codec encodes ASCII commands, decodes ASCII responses and classifies
// them into a closed set of response kinds, once, at the transport boundary.
package codec

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
)

// Kind is the class of a decoded response.
type Kind int

const (
	// KindPayload is any non-status body handed back to the caller.
	KindPayload Kind = iota
	// KindOK is the dialect acknowledgement token.
	KindOK
	// KindVersion is a successful capability probe.
	KindVersion
	// KindError is the dialect error token.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "OK"
	case KindVersion:
		return "VERSION"
	case KindError:
		return "ERROR"
	default:
		return "PAYLOAD"
	}
}

// Dialect describes the response vocabulary of one instrument protocol.
type Dialect struct {
	Name string
	// Terminator is appended to every encoded command and stripped from responses.
	Terminator string
	OKToken    string
	ErrorToken string
	Version    *regexp.Regexp
	// StatusSize bounds reads of status replies, which are never delimited.
	StatusSize int
}

// Response is a classified device reply.
type Response struct {
	Kind Kind
	Body string
	Raw  []byte
}

// Encode converts cmd to its 7-bit ASCII wire form.
func (d Dialect) Encode(cmd string) ([]byte, error) {
	if i := nonASCII([]byte(cmd)); i >= 0 {
		return nil, fmt.Errorf("%s: command %q: non-ASCII byte at offset %d", d.Name, cmd, i)
	}
	out := make([]byte, 0, len(cmd)+len(d.Terminator))
	out = append(out, cmd...)
	out = append(out, d.Terminator...)
	return out, nil
}

// Decode classifies raw as the reply to command. The error token yields a
// *ProtocolError and never a payload.
func (d Dialect) Decode(command string, raw []byte) (Response, error) {
	if i := nonASCII(raw); i >= 0 {
		return Response{}, &ProtocolError{
			Command:  command,
			Response: string(raw),
			Reason:   fmt.Sprintf("%s: non-ASCII byte at offset %d", d.Name, i),
		}
	}
	body := d.trim(raw)
	resp := Response{Kind: d.classify(body), Body: body, Raw: raw}
	if resp.Kind == KindError {
		return resp, &ProtocolError{
			Command:  command,
			Response: body,
			Reason:   fmt.Sprintf("%s: command failed", d.Name),
		}
	}
	return resp, nil
}

func (d Dialect) classify(body string) Kind {
	switch {
	case d.ErrorToken != "" && body == d.ErrorToken:
		return KindError
	case d.OKToken != "" && body == d.OKToken:
		return KindOK
	case d.Version != nil && d.Version.MatchString(body):
		return KindVersion
	}
	return KindPayload
}

// trim strips the terminator, NUL padding and surrounding whitespace.
func (d Dialect) trim(raw []byte) string {
	raw = bytes.TrimRight(raw, "\x00")
	body := string(raw)
	if d.Terminator != "" {
		body = strings.TrimSuffix(body, d.Terminator)
	}
	return strings.TrimSpace(body)
}

func nonASCII(p []byte) int {
	for i, b := range p {
		if b > 0x7F {
			return i
		}
	}
	return -1
}
