// Package text normalizes track references: raw Spotify URLs, URIs and bare
// ids as users paste them into the player surface.
package text

import (
	"errors"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// SpotifyIDLength is the expected length of a Spotify track ID
const SpotifyIDLength = 22

var (
	spotifyTrackRegex = regexp.MustCompile(`(?:https?://)?(?:open\.)?spotify\.com/track/([a-zA-Z0-9]+)`)
	spotifyURIRegex   = regexp.MustCompile(`spotify:track:([a-zA-Z0-9]+)`)
	trackIDRegex      = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
	whitespaceRegex   = regexp.MustCompile(`\s+`)

	spotifyDomains = map[string]bool{
		"open.spotify.com": true,
		"spotify.com":      true,
	}
)

type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// Normalize canonicalizes pasted text: unicode compatibility normalization,
// trimmed edges and collapsed whitespace.
func (p *Parser) Normalize(text string) string {
	text = strings.TrimSpace(text)
	text = norm.NFKC.String(text)
	return whitespaceRegex.ReplaceAllString(text, " ")
}

// IsTrackReference reports whether the text contains something resolvable to
// a Spotify track.
func (p *Parser) IsTrackReference(text string) bool {
	text = p.Normalize(text)
	if spotifyURIRegex.MatchString(text) || spotifyTrackRegex.MatchString(text) {
		return true
	}
	return len(text) == SpotifyIDLength && trackIDRegex.MatchString(text)
}

// ExtractTrackID resolves a track reference to a bare Spotify track ID. It
// accepts spotify:track: URIs, open.spotify.com track URLs and bare ids.
func (p *Parser) ExtractTrackID(reference string) (string, error) {
	reference = p.Normalize(reference)
	if reference == "" {
		return "", errors.New("empty track reference")
	}

	if matches := spotifyURIRegex.FindStringSubmatch(reference); matches != nil {
		return matches[1], nil
	}

	if matches := spotifyTrackRegex.FindStringSubmatch(reference); matches != nil {
		return matches[1], nil
	}

	if len(reference) == SpotifyIDLength && trackIDRegex.MatchString(reference) {
		return reference, nil
	}

	return "", errors.New("not a recognizable track reference")
}

// CleanURL strips tracking parameters from a shared URL and validates its
// shape. Returns the empty string for anything that is not an http(s) URL.
func (p *Parser) CleanURL(rawURL string) string {
	rawURL = strings.TrimRight(rawURL, ".,!?;")

	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return ""
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if u.Host == "" {
		return ""
	}

	q := u.Query()

	utmParams := []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content"}
	for _, param := range utmParams {
		q.Del(param)
	}

	q.Del("si")

	u.RawQuery = q.Encode()

	return u.String()
}

// IsSpotifyURL reports whether the URL points at a Spotify track page.
func (p *Parser) IsSpotifyURL(rawURL string) bool {
	if strings.Contains(rawURL, "spotify:track:") {
		return true
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	hostname := strings.ToLower(u.Hostname())

	if spotifyDomains[hostname] {
		return strings.Contains(u.Path, "/track/")
	}

	return false
}

// BuildTrackURI turns a bare track ID into the canonical playback URI.
func (p *Parser) BuildTrackURI(trackID string) (string, error) {
	if !trackIDRegex.MatchString(trackID) {
		return "", errors.New("invalid track id")
	}

	return strings.Join([]string{"spotify", "track", trackID}, ":"), nil
}
