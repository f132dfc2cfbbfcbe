// Package detector classifies fetched pages: CAPTCHA/block pages and
// script-rendered shells that need a headless browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// Heuristic implements rule-based block detection and headless promotion.
type Heuristic struct {
	BodyLengthThreshold int
	BlockMarkers        [][]byte
}

// DefaultBlockMarkers are lower-case fragments seen on CAPTCHA and bot-wall pages.
var DefaultBlockMarkers = [][]byte{
	[]byte("g-recaptcha"),
	[]byte("h-captcha"),
	[]byte("cf-challenge"),
	[]byte("cf-turnstile"),
	[]byte("captcha-delivery"),
	[]byte("unusual traffic from your computer"),
	[]byte("are you a robot"),
	[]byte("access denied"),
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold, BlockMarkers: DefaultBlockMarkers}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

// IsBlocked reports whether the response is a block signal rather than content.
func (h *Heuristic) IsBlocked(resp crawler.FetchResponse) bool {
	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	if len(resp.Body) == 0 {
		return false
	}
	lower := bytes.ToLower(resp.Body)
	for _, marker := range h.BlockMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ShouldPromote decides whether a headless fetch is required.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether <script> elements cover a quarter or more
// of the document.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			covered += total - start
			break
		}
		bodyStart := start + tagEnd + 1
		end := strings.Index(lower[bodyStart:], closeTag)
		next := total
		if end != -1 {
			next = bodyStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered*100/total >= 25
}
