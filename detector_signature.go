package gateguard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// AttackType identifies the signature family that matched.
type AttackType string

const (
	AttackSQLInjection     AttackType = "sql_injection"
	AttackXSS              AttackType = "xss"
	AttackPathTraversal    AttackType = "path_traversal"
	AttackCommandInjection AttackType = "command_injection"
	AttackHeaderInjection  AttackType = "header_injection"
)

// attackPatterns holds one compiled alternation per family. Input is
// length-bounded and percent-decoded before matching, so the patterns can
// stay on the decoded form.
var attackPatterns = map[AttackType]*regexp.Regexp{
	AttackSQLInjection: regexp.MustCompile(`(?i)(\bunion\b(\s+all)?\s+\bselect\b|\bselect\b.+\bfrom\b|\binsert\s+into\b|\bdelete\s+from\b|\bdrop\s+(table|database)\b|\bupdate\b\s+\w+\s+\bset\b|['"]\s*(or|and)\s+['"]?[\w\s]*['"]?\s*(=|like|<|>)|['"]\s*(or|and)\s+\d+\s*=\s*\d+|--\s|/\*.*\*/|;\s*(select|insert|update|delete|drop)\b|\bsleep\s*\(|\bbenchmark\s*\(|\bwaitfor\s+delay\b|\binformation_schema\b|\bload_file\s*\(|\binto\s+(out|dump)file\b)`),
	AttackXSS:          regexp.MustCompile(`(?i)(<script[\s>]|</script>|javascript\s*:|vbscript\s*:|\bon(error|load|click|mouseover|focus|blur|submit)\s*=|<iframe[\s>]|<object[\s>]|<embed[\s>]|<svg[^>]*\bon\w+|document\.(cookie|write|location)|\beval\s*\(|\bexpression\s*\(|base64\s*,)`),
	AttackPathTraversal: regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/|\.%2e/|%252e|/etc/(passwd|shadow|hosts)|/proc/self|c:\\windows|boot\.ini|win\.ini|\bfile://)`),
	AttackCommandInjection: regexp.MustCompile("(?i)([;&|]\\s*(cat|ls|id|whoami|uname|wget|curl|nc|netcat|bash|sh|cmd|powershell|ping)\\b|\\$\\([^)]*\\)|\\x60[^\\x60]*\\x60|%0a\\s*(cat|ls|id|wget)|\\|\\s*(cat|ls|id)\\b)"),
	AttackHeaderInjection:  regexp.MustCompile(`[\r\n]`),
}

// attackMeta maps a family to its correlation event and severity.
var attackMeta = map[AttackType]struct {
	event    string
	severity Severity
}{
	AttackSQLInjection:     {"SQL_INJECTION", SeverityCritical},
	AttackXSS:              {"XSS_ATTEMPT", SeverityHigh},
	AttackPathTraversal:    {"PATH_TRAVERSAL", SeverityHigh},
	AttackCommandInjection: {"COMMAND_INJECTION", SeverityCritical},
	AttackHeaderInjection:  {"HEADER_INJECTION", SeverityHigh},
}

// Families checked per surface. CRLF in header values is the structural
// detector's job; here every header is scanned for content attacks.
var contentAttacks = []AttackType{
	AttackSQLInjection, AttackXSS, AttackPathTraversal, AttackCommandInjection,
}

type signatureSettings struct {
	MaxScanBytes int `mapstructure:"max_scan_bytes"`
	MaxJSONDepth int `mapstructure:"max_json_depth"`
}

// SignatureDetector is the content inspection stage: known attack
// signatures over every attacker-controlled surface of the request.
type SignatureDetector struct {
	settings signatureSettings
	log      *logrus.Logger
}

func NewSignatureDetector(dc DetectorConfig, log *logrus.Logger) (*SignatureDetector, error) {
	s := signatureSettings{MaxScanBytes: 4096, MaxJSONDepth: 5}
	if err := decodeSettings(dc.Settings, &s); err != nil {
		return nil, fmt.Errorf("signature detector: %w", err)
	}
	return &SignatureDetector{settings: s, log: log}, nil
}

func (d *SignatureDetector) Name() string  { return "signature" }
func (d *SignatureDetector) Priority() int { return 50 }

func (d *SignatureDetector) Inspect(_ context.Context, req *RequestContext, _ ClientStore) Verdict {
	if m := d.scan(req); m != nil {
		meta := attackMeta[m.attack]
		d.log.WithFields(logrus.Fields{
			"identity": req.Identity,
			"attack":   string(m.attack),
			"surface":  m.surface,
			"match":    m.sample,
		}).Warn("attack signature matched")

		v := Deny(d.Name(), CategoryPolicy, meta.severity, 403, meta.event, "Request blocked")
		v.Detail = fmt.Sprintf("%s in %s: %s", m.attack, m.surface, m.sample)
		return v
	}
	return Allow()
}

type signatureMatch struct {
	attack  AttackType
	surface string
	sample  string
}

func (d *SignatureDetector) scan(req *RequestContext) *signatureMatch {
	if m := d.scanValue(req.Path, "path"); m != nil {
		return m
	}
	if m := d.scanValue(req.RawQuery, "query"); m != nil {
		return m
	}
	for name, values := range req.Query {
		for _, v := range values {
			if m := d.scanValue(v, "query:"+name); m != nil {
				return m
			}
		}
	}
	for name, values := range req.Form {
		for _, v := range values {
			if m := d.scanValue(v, "form:"+name); m != nil {
				return m
			}
		}
	}
	for name, v := range req.Cookies {
		if m := d.scanValue(v, "cookie:"+name); m != nil {
			return m
		}
	}
	for name, values := range req.Headers {
		if strings.EqualFold(name, "Cookie") {
			continue // cookies are scanned individually above
		}
		for _, v := range values {
			if m := d.scanValue(v, "header:"+name); m != nil {
				return m
			}
		}
	}
	if len(req.Body) > 0 && strings.Contains(req.Header("Content-Type"), "json") {
		if m := d.scanJSON(req.Body); m != nil {
			return m
		}
	}
	return nil
}

func (d *SignatureDetector) scanValue(value, surface string) *signatureMatch {
	if value == "" {
		return nil
	}
	bounded := boundString(value, d.settings.MaxScanBytes)
	candidates := []string{bounded}
	if decoded, err := url.QueryUnescape(bounded); err == nil && decoded != bounded {
		candidates = append(candidates, decoded)
	}
	for _, candidate := range candidates {
		for _, attack := range contentAttacks {
			if loc := attackPatterns[attack].FindString(candidate); loc != "" {
				return &signatureMatch{attack: attack, surface: surface, sample: truncateDetail(loc, 100)}
			}
		}
	}
	return nil
}

func (d *SignatureDetector) scanJSON(body []byte) *signatureMatch {
	var doc any
	if err := json.Unmarshal(boundBytes(body, d.settings.MaxScanBytes*4), &doc); err != nil {
		return nil // structural concerns are not this detector's call
	}
	return d.walkJSON(doc, 0)
}

func (d *SignatureDetector) walkJSON(node any, depth int) *signatureMatch {
	if depth > d.settings.MaxJSONDepth {
		return nil
	}
	switch v := node.(type) {
	case string:
		return d.scanValue(v, "body")
	case map[string]any:
		for key, child := range v {
			if m := d.scanValue(key, "body"); m != nil {
				return m
			}
			if m := d.walkJSON(child, depth+1); m != nil {
				return m
			}
		}
	case []any:
		for _, child := range v {
			if m := d.walkJSON(child, depth+1); m != nil {
				return m
			}
		}
	}
	return nil
}

func boundBytes(b []byte, max int) []byte {
	if len(b) <= max {
		return b
	}
	return b[:max]
}
