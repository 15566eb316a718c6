// Package report parses violation reports off the wire into the one
// canonical record the rest of the pipeline speaks. Two formats exist in
// the wild: the legacy single-object csp-report shape and the modern
// Reporting API envelope that batches several reports per request. Both
// collapse into NormalizedViolation here and nowhere else.
package report

import (
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"cspipe/internal/core/dedupe"
	perr "cspipe/internal/platform/errors"
)

// Content types accepted by the front door
const (
	ContentTypeCSPReport   = "application/csp-report"
	ContentTypeReportsJSON = "application/reports+json"
)

// NormalizedViolation is the canonical record that flows through the
// broker and lands in the analytical store.
type NormalizedViolation struct {
	EventID           string    `json:"event_id"`
	EventTime         time.Time `json:"event_time"`
	DocumentURI       string    `json:"document_uri"`
	ViolatedDirective string    `json:"violated_directive"`
	BlockedURI        string    `json:"blocked_uri"`
	BlockedHost       string    `json:"blocked_host"`
	UserAgent         string    `json:"user_agent"`
	OriginalPolicy    string    `json:"original_policy"`
	DedupHash         string    `json:"dedup_hash"`
}

// Encode serializes a violation for the broker
func Encode(v NormalizedViolation) ([]byte, error) {
	return json.Marshal(v)
}

// Decode parses a broker payload back into a violation
func Decode(payload []byte) (NormalizedViolation, error) {
	var v NormalizedViolation
	if err := json.Unmarshal(payload, &v); err != nil {
		return NormalizedViolation{}, perr.MalformedReportf("decode broker payload: %v", err)
	}
	return v, nil
}

// legacy wire shape: {"csp-report": {...}}
type legacyEnvelope struct {
	Report legacyBody `json:"csp-report"`
}

type legacyBody struct {
	DocumentURI        string `json:"document-uri"`
	ViolatedDirective  string `json:"violated-directive"`
	EffectiveDirective string `json:"effective-directive"`
	BlockedURI         string `json:"blocked-uri"`
	OriginalPolicy     string `json:"original-policy"`
}

// modern Reporting API shape: [{"type":"csp-violation","body":{...}}, ...]
type modernEnvelope struct {
	Type string     `json:"type"`
	Body modernBody `json:"body"`
}

type modernBody struct {
	DocumentURL        string `json:"documentURL"`
	EffectiveDirective string `json:"effectiveDirective"`
	BlockedURL         string `json:"blockedURL"`
	OriginalPolicy     string `json:"originalPolicy"`
	UserAgent          string `json:"userAgent"`
}

// Normalize parses body according to contentType and returns every
// violation the payload carried. userAgent comes from the request header
// and receivedAt is the server receipt time; neither participates in the
// dedup hash. A payload that yields zero violations is malformed.
func Normalize(body []byte, contentType, userAgent string, receivedAt time.Time) ([]NormalizedViolation, error) {
	switch mediaType(contentType) {
	case ContentTypeCSPReport:
		return normalizeLegacy(body, userAgent, receivedAt)
	case ContentTypeReportsJSON:
		return normalizeModern(body, userAgent, receivedAt)
	default:
		return nil, perr.MalformedReportf("unsupported content type %q", contentType)
	}
}

func normalizeLegacy(body []byte, userAgent string, receivedAt time.Time) ([]NormalizedViolation, error) {
	var env legacyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, perr.MalformedReportf("parse csp-report: %v", err)
	}

	directive := env.Report.ViolatedDirective
	if directive == "" {
		directive = env.Report.EffectiveDirective
	}
	v, err := build(env.Report.DocumentURI, directive, env.Report.BlockedURI,
		env.Report.OriginalPolicy, userAgent, receivedAt)
	if err != nil {
		return nil, err
	}
	return []NormalizedViolation{v}, nil
}

func normalizeModern(body []byte, userAgent string, receivedAt time.Time) ([]NormalizedViolation, error) {
	var envs []modernEnvelope
	if err := json.Unmarshal(body, &envs); err != nil {
		return nil, perr.MalformedReportf("parse reports envelope: %v", err)
	}

	out := make([]NormalizedViolation, 0, len(envs))
	for _, env := range envs {
		// the Reporting API multiplexes report types; only csp matters here
		if env.Type != "csp-violation" {
			continue
		}
		ua := env.Body.UserAgent
		if ua == "" {
			ua = userAgent
		}
		v, err := build(env.Body.DocumentURL, env.Body.EffectiveDirective, env.Body.BlockedURL,
			env.Body.OriginalPolicy, ua, receivedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, perr.MalformedReportf("reports envelope carried no csp violations")
	}
	return out, nil
}

func build(documentURI, directive, blockedURI, policy, userAgent string, receivedAt time.Time) (NormalizedViolation, error) {
	documentURI = strings.TrimSpace(documentURI)
	directive = strings.TrimSpace(directive)
	if documentURI == "" {
		return NormalizedViolation{}, perr.MalformedReportf("missing document uri")
	}
	if directive == "" {
		return NormalizedViolation{}, perr.MalformedReportf("missing violated directive")
	}

	return NormalizedViolation{
		EventID:           uuid.NewString(),
		EventTime:         receivedAt.UTC(),
		DocumentURI:       documentURI,
		ViolatedDirective: directive,
		BlockedURI:        blockedURI,
		BlockedHost:       BlockedHost(blockedURI),
		UserAgent:         userAgent,
		OriginalPolicy:    policy,
		DedupHash:         dedupe.Key(documentURI, directive, blockedURI, userAgent),
	}, nil
}

// BlockedHost reduces a blocked-uri to an aggregatable host. Browsers
// send bare keywords for non-network blocks (inline, eval, data) and
// those pass through as-is; an empty blocked-uri means an inline block.
func BlockedHost(blockedURI string) string {
	s := strings.TrimSpace(blockedURI)
	if s == "" {
		return "inline"
	}
	if !strings.Contains(s, "://") {
		// keyword or bare scheme such as "inline", "eval", "data", "blob"
		return strings.ToLower(strings.TrimSuffix(s, ":"))
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return strings.ToLower(s)
	}
	return strings.ToLower(u.Hostname())
}

func mediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}
