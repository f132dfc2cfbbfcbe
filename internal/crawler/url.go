package crawler

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/listing-crawler/internal/store"
)

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, and sorts query parameters.
// It also removes fragments.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// TemplateURLBuilder expands {partition}, {city}, {category}, and {page}
// placeholders; values are path-escaped.
type TemplateURLBuilder struct {
	Template string
}

// PageURL renders the template for one page of a target.
func (b TemplateURLBuilder) PageURL(target store.Target, page int) (string, error) {
	if strings.TrimSpace(b.Template) == "" {
		return "", fmt.Errorf("url template is empty")
	}
	if page <= 0 {
		return "", fmt.Errorf("page must be > 0, got %d", page)
	}
	replacer := strings.NewReplacer(
		"{partition}", url.PathEscape(strings.ToLower(target.PartitionKey)),
		"{city}", url.PathEscape(slug(target.City)),
		"{category}", url.PathEscape(slug(target.Category)),
		"{page}", strconv.Itoa(page),
	)
	raw := replacer.Replace(b.Template)
	if _, err := url.ParseRequestURI(raw); err != nil {
		return "", fmt.Errorf("rendered url %q: %w", raw, err)
	}
	return raw, nil
}

// ResolveReference resolves a possibly relative link against the page URL.
func ResolveReference(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	refURL, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parse reference: %w", err)
	}
	return NormalizeURL(baseURL.ResolveReference(refURL).String())
}

func slug(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "-")
}
