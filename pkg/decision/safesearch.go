package decision

import (
	"net/url"
	"regexp"
)

var (
	googleHostPattern = regexp.MustCompile(`\.google.*$`)
	googlePathPattern = regexp.MustCompile(`^/search`)
	bingHostPattern   = regexp.MustCompile(`\.bing\.com$`)
	bingPathPattern   = regexp.MustCompile(`^(/search|/videos|/images|/news)`)
)

// EnforceSafeSearch returns the safe-search rewrite of a search URL when
// enforcement applies: Google search gets safe=active, Bing search pages
// get adlt=strict. Any caller-supplied value of the parameter is stripped
// first. Returns ok=false when no rewrite is needed, including when the URL
// already carries the enforced parameter.
func (s *Service) EnforceSafeSearch(rawURL string) (string, bool) {
	if rewritten, ok := s.enforceGoogle(rawURL); ok {
		return rewritten, true
	}
	return s.enforceBing(rawURL)
}

func (s *Service) enforceGoogle(rawURL string) (string, bool) {
	if rawURL == "" || !s.settings.IsGoogleSafeSearchEnabled() {
		return "", false
	}
	return rewriteSearchParam(rawURL, googleHostPattern, googlePathPattern, "safe", "active")
}

func (s *Service) enforceBing(rawURL string) (string, bool) {
	if rawURL == "" || !s.settings.IsBingSafeSearchEnabled() {
		return "", false
	}
	return rewriteSearchParam(rawURL, bingHostPattern, bingPathPattern, "adlt", "strict")
}

func rewriteSearchParam(rawURL string, hostPattern, pathPattern *regexp.Regexp, param, value string) (string, bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	if !hostPattern.MatchString(parsed.Hostname()) || !pathPattern.MatchString(parsed.Path) {
		return "", false
	}

	query := parsed.Query()
	query.Del(param)
	parsed.RawQuery = query.Encode()
	rewritten := parsed.String() + "&" + param + "=" + value
	if rewritten == rawURL {
		return "", false
	}
	return rewritten, true
}
