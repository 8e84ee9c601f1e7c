package extractor

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/massingest/engine/internal/ingesterr"
	"github.com/massingest/engine/internal/models"
)

var (
	channelIDPattern = regexp.MustCompile(`^/channel/([A-Za-z0-9_-]{10,})/?$`)
	customNamePath   = regexp.MustCompile(`^/c/([A-Za-z0-9_.-]+)/?$`)
	userNamePath     = regexp.MustCompile(`^/user/([A-Za-z0-9_.-]+)/?$`)
	handlePath       = regexp.MustCompile(`^/@([A-Za-z0-9_.-]+)/?$`)
)

var recognizedHosts = map[string]bool{
	"youtube.com":    true,
	"www.youtube.com": true,
	"m.youtube.com":  true,
}

// NormalizeChannelURL enforces the platform URL grammar of spec §4.H: only
// https, only the youtube.com family of hosts (m.youtube.com is mapped to
// www.youtube.com), and one of the four recognized path shapes. Any other
// shape is a fail-fast ValidationError.
func NormalizeChannelURL(raw string) (models.ChannelRef, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("extractor: parse channel url %q: %w", raw, ingesterr.ErrValidation)
	}

	if u.Scheme != "https" {
		return "", fmt.Errorf("extractor: channel url %q must use https: %w", raw, ingesterr.ErrValidation)
	}

	host := strings.ToLower(u.Host)
	if !recognizedHosts[host] {
		return "", fmt.Errorf("extractor: channel url %q has unrecognized host %q: %w", raw, host, ingesterr.ErrValidation)
	}
	if host == "m.youtube.com" {
		host = "www.youtube.com"
	}

	path := u.EscapedPath()
	switch {
	case channelIDPattern.MatchString(path),
		customNamePath.MatchString(path),
		userNamePath.MatchString(path),
		handlePath.MatchString(path):
		return models.ChannelRef(fmt.Sprintf("https://%s%s", host, path)), nil
	default:
		return "", fmt.Errorf("extractor: channel url %q has unrecognized path %q: %w", raw, path, ingesterr.ErrValidation)
	}
}
