package challenge

import (
	"crypto/sha256"
	"encoding/hex"
	"mime"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/account-engine/internal/model"
)

var (
	siteKeyRe     = regexp.MustCompile(`(?i)data-sitekey\s*=\s*["']([^"']+)["']`)
	metaCharsetRe = regexp.MustCompile(`(?i)<meta[^>]+charset\s*=\s*["']?([a-z0-9_\-]+)`)
)

// Detect checks a response for an anti-bot challenge and describes it.
// Bodies in a non-UTF-8 charset are decoded before matching.
func Detect(resp *http.Response, body []byte) (model.Challenge, bool) {
	if resp == nil {
		return model.Challenge{}, false
	}

	decoded := decodeBody(resp.Header.Get("Content-Type"), body)
	typ := classify(resp, strings.ToLower(decoded), len(body))
	if typ == "" {
		return model.Challenge{}, false
	}

	ch := model.Challenge{Type: typ}
	if m := siteKeyRe.FindStringSubmatch(decoded); m != nil {
		ch.SiteKey = m[1]
	}
	if resp.Request != nil && resp.Request.URL != nil {
		ch.PageURL = resp.Request.URL.String()
		ch.PayloadRef = ch.PageURL
	}
	ch.ID = challengeID(resp, ch)
	return ch, true
}

func classify(resp *http.Response, lower string, size int) model.ChallengeType {
	switch {
	case strings.Contains(lower, "cf-turnstile") || strings.Contains(lower, "challenges.cloudflare.com/turnstile"):
		return model.ChallengeTurnstile
	case strings.Contains(lower, "h-captcha") || strings.Contains(lower, "hcaptcha.com"):
		return model.ChallengeHCaptcha
	case strings.Contains(lower, "g-recaptcha") || strings.Contains(lower, "recaptcha"):
		return model.ChallengeRecaptcha
	}

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		if resp.Header.Get("cf-mitigated") == "challenge" ||
			resp.Header.Get("cf-ray") != "" && strings.EqualFold(resp.Header.Get("server"), "cloudflare") {
			return model.ChallengeCloudflare
		}
	}
	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "cf-chl-") ||
		strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge") {
		return model.ChallengeCloudflare
	}
	if strings.Contains(lower, "captcha") {
		return model.ChallengeUnknown
	}

	if size < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return model.ChallengeJSShell
		}
		if strings.Contains(lower, `meta http-equiv="refresh"`) {
			return model.ChallengeJSShell
		}
	}
	return ""
}

// challengeID keys a challenge so workers seeing the same one share a solve.
func challengeID(resp *http.Response, ch model.Challenge) string {
	if ray := resp.Header.Get("cf-ray"); ray != "" && ch.Type == model.ChallengeCloudflare {
		return "cf-" + ray
	}
	host := ""
	if resp.Request != nil && resp.Request.URL != nil {
		host = resp.Request.URL.Host
	}
	sum := sha256.Sum256([]byte(string(ch.Type) + "|" + host + "|" + ch.SiteKey))
	return string(ch.Type) + "-" + hex.EncodeToString(sum[:8])
}

// decodeBody converts body to UTF-8 using the declared charset.
func decodeBody(contentType string, body []byte) string {
	cs := ""
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		cs = params["charset"]
	}
	if cs == "" {
		head := body
		if len(head) > 1024 {
			head = head[:1024]
		}
		if m := metaCharsetRe.FindSubmatch(head); m != nil {
			cs = string(m[1])
		}
	}
	if cs == "" || strings.EqualFold(cs, "utf-8") || strings.EqualFold(cs, "utf8") {
		return string(body)
	}

	enc, err := htmlindex.Get(cs)
	if err != nil {
		return string(body)
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil || !utf8.Valid(out) {
		return string(body)
	}
	return string(out)
}
