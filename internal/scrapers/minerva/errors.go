package minerva

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ErrWrongCredentials is returned when the portal rejects the username or PIN.
var ErrWrongCredentials = errors.New("portal rejected the username or password")

// TransportError is a request that never produced a response (DNS, refused
// connection, timeout, cancelled context).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError is an entity fetch that got a non 2xx response.
type StatusError struct {
	Op       string
	Code     int
	Location string
}

func (e *StatusError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("%s: unexpected status %d (location %s)", e.Op, e.Code, e.Location)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
}

const maxSnippetLength = 200

var snippetPolicy = bluemonday.StrictPolicy()

// blockTagRegex matches tags that separate text visually, they are padded with
// spaces before stripping so that neighbouring cells stay apart.
var blockTagRegex = regexp.MustCompile(`(?i)<(/?(td|th|tr|table|caption|div|p|li)\b[^>]*|br\s*/?)>`)

// ParseError is returned by an extractor when the page does not have the
// expected structure.
type ParseError struct {
	Extractor string
	Reason    string
	// Snippet is a tag stripped, bounded excerpt of the region that did not match.
	Snippet string
}

func (e *ParseError) Error() string {
	if e.Snippet == "" {
		return fmt.Sprintf("extract %s: %s", e.Extractor, e.Reason)
	}
	return fmt.Sprintf("extract %s: %s near %q", e.Extractor, e.Reason, e.Snippet)
}

func newParseError(extractor, reason, region string) *ParseError {
	return &ParseError{
		Extractor: extractor,
		Reason:    reason,
		Snippet:   snippet(region),
	}
}

func snippet(region string) string {
	region = blockTagRegex.ReplaceAllString(region, " $0 ")
	text := html.UnescapeString(snippetPolicy.Sanitize(region))
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= maxSnippetLength {
		return text
	}
	cut := maxSnippetLength
	// do not split a multi-byte rune
	for cut > 0 && !utf8Start(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
