package pagination

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// linkSegment matches one `<url>; rel="name"` pair of a Link header.
var linkSegment = regexp.MustCompile(`^\s*<([^>]+)>\s*;\s*rel="([^"]+)"\s*$`)

// PageLinkSet maps link relation names ("first", "next", "last", ...) to
// absolute URLs, parsed from one response's Link header.
type PageLinkSet map[string]string

// ParseLinks parses a Link header value. Malformed segments are skipped; an
// empty or unparsable header yields an empty set, which callers treat as
// "single page", never as an error.
func ParseLinks(header string) PageLinkSet {
	links := PageLinkSet{}
	if header == "" {
		return links
	}
	for _, segment := range strings.Split(header, ",") {
		m := linkSegment.FindStringSubmatch(segment)
		if m == nil {
			continue
		}
		links[m[2]] = m[1]
	}
	return links
}

// LastPage returns the page number of the "last" relation, parsed from its
// URL's page query parameter. The second return is false when the relation
// is missing or unusable.
func (s PageLinkSet) LastPage() (int, bool) {
	raw, ok := s["last"]
	if !ok {
		return 0, false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return 0, false
	}
	page, err := strconv.Atoi(u.Query().Get("page"))
	if err != nil || page < 1 {
		return 0, false
	}
	return page, true
}
