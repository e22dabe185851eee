package health

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sells-group/account-engine/internal/model"
)

// Strategy categories derived from ban reasons.
const (
	CategoryNone       = "none"
	CategoryRateLimit  = "rate_limit"
	CategoryAutomation = "automation_detected"
	CategoryNetwork    = "network"
	CategoryCredential = "credential"
	CategoryUnknown    = "unknown"
)

var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{CategoryRateLimit, []string{"rate limit", "rate_limit", "too many requests", "429", "throttl", "quota"}},
	{CategoryAutomation, []string{"bot", "automat", "captcha", "challenge", "suspicious", "unusual traffic", "fingerprint", "headless"}},
	{CategoryNetwork, []string{"ip address", "ip ban", "ip block", "proxy", "vpn", "geo", "region", "network", "datacenter"}},
	{CategoryCredential, []string{"session", "cookie", "login", "credential", "token", "unauthorized", "auth"}},
}

// Categorize maps a ban reason to a strategy category.
func Categorize(reason string) string {
	lower := strings.ToLower(reason)
	for _, c := range categoryKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(lower, kw) {
				return c.category
			}
		}
	}
	return CategoryUnknown
}

// Recommend derives an operating policy from the account's current or most
// recent ban, tightened further by the metrics observed around it.
func Recommend(rec model.AccountRecord, cfg Config, now time.Time) model.StrategyRecommendation {
	cfg = cfg.withDefaults()
	out := model.StrategyRecommendation{
		AccountID:               rec.ID,
		Category:                CategoryNone,
		MaxRequestsPerHour:      cfg.BaselineRequestsPerHour,
		MinDelayBetweenRequests: cfg.BaselineDelay,
	}

	reason, metrics, ok := rec.LastBan()
	if !ok {
		if Score(rec.Health, cfg, now) < 50 {
			out.MaxRequestsPerHour /= 2
			out.MinDelayBetweenRequests *= 2
			out.Notes = append(out.Notes, "tightened for low health score")
		}
		return finish(out)
	}

	out.Reason = reason
	out.Category = Categorize(reason)
	if out.Category == CategoryUnknown && metrics != nil {
		if top := dominantErrorType(metrics.ErrorTypes); top != "" {
			out.Category = Categorize(top)
		}
	}

	switch out.Category {
	case CategoryRateLimit:
		out.MaxRequestsPerHour = cfg.BaselineRequestsPerHour / 2
		out.MinDelayBetweenRequests = cfg.BaselineDelay * 2
		out.Notes = append(out.Notes, "request rate exceeded the target's limit")
	case CategoryAutomation:
		out.MaxRequestsPerHour = cfg.BaselineRequestsPerHour / 3
		out.MinDelayBetweenRequests = cfg.BaselineDelay * 3
		out.UseBrowserRenderer = true
		out.RotateUserAgent = true
		out.Notes = append(out.Notes, "automated traffic detected; render with a full browser")
	case CategoryNetwork:
		out.MaxRequestsPerHour = cfg.BaselineRequestsPerHour / 2
		out.MinDelayBetweenRequests = cfg.BaselineDelay * 2
		out.RotateProxy = true
		out.Notes = append(out.Notes, "network origin blocked; rotate egress")
	case CategoryCredential:
		out.RefreshCredential = true
		out.Notes = append(out.Notes, "session rejected; refresh the credential")
	default:
		out.MaxRequestsPerHour = cfg.BaselineRequestsPerHour * 3 / 4
		out.MinDelayBetweenRequests = cfg.BaselineDelay * 3 / 2
	}

	if metrics != nil {
		if metrics.RequestsPerHour > 0 && (out.Category == CategoryRateLimit || out.Category == CategoryAutomation) {
			if observed := int(metrics.RequestsPerHour / 2); observed < out.MaxRequestsPerHour {
				out.MaxRequestsPerHour = observed
				out.Notes = append(out.Notes, fmt.Sprintf("capped at half the observed %.0f requests/hour", metrics.RequestsPerHour))
			}
		}
		if metrics.AverageDelayMs > 0 {
			observed := time.Duration(metrics.AverageDelayMs * 2 * float64(time.Millisecond))
			if observed > out.MinDelayBetweenRequests {
				out.MinDelayBetweenRequests = observed
			}
		}
	}

	if n := banCount(rec); n >= 3 {
		out.MaxRequestsPerHour /= 2
		out.MinDelayBetweenRequests *= 2
		out.Notes = append(out.Notes, fmt.Sprintf("%d bans on record", n))
	}
	return finish(out)
}

// finish keeps the policy internally consistent: the delay never allows
// more requests than the hourly cap.
func finish(out model.StrategyRecommendation) model.StrategyRecommendation {
	if out.MaxRequestsPerHour < 1 {
		out.MaxRequestsPerHour = 1
	}
	if spacing := time.Hour / time.Duration(out.MaxRequestsPerHour); spacing > out.MinDelayBetweenRequests {
		out.MinDelayBetweenRequests = spacing
	}
	return out
}

func banCount(rec model.AccountRecord) int {
	n := len(rec.BanHistory)
	if rec.BanInfo != nil {
		n += max(1, len(rec.BanInfo.Events))
	}
	return n
}

func dominantErrorType(types map[string]int) string {
	keys := make([]string, 0, len(types))
	for k := range types {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	top, best := "", 0
	for _, k := range keys {
		if types[k] > best {
			top, best = k, types[k]
		}
	}
	return top
}
