package gateguard

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

var (
	allowedMethods = map[string]bool{
		"GET": true, "POST": true, "PUT": true, "DELETE": true,
		"PATCH": true, "OPTIONS": true, "HEAD": true,
	}
	paramNameRe = regexp.MustCompile(`^[a-zA-Z0-9_\-\[\]\.]+$`)
)

type structuralSettings struct {
	MaxBodyBytes   int  `mapstructure:"max_body_bytes"`
	MaxHeaderBytes int  `mapstructure:"max_header_bytes"`
	MaxQueryBytes  int  `mapstructure:"max_query_bytes"`
	MaxFormBytes   int  `mapstructure:"max_form_bytes"`
	MaxParamName   int  `mapstructure:"max_param_name"`
	RequirePostCT  bool `mapstructure:"require_post_content_type"`
}

// StructuralDetector rejects requests that are malformed at the protocol
// level before any content inspection runs: unknown methods, oversized
// bodies and headers, header values carrying CRLF, parameter names and
// values outside sane bounds, invalid UTF-8. Malformed traffic is a 400
// with no reputation penalty.
type StructuralDetector struct {
	settings structuralSettings
	log      *logrus.Logger
}

func NewStructuralDetector(p *PipelineConfig, dc DetectorConfig, log *logrus.Logger) (*StructuralDetector, error) {
	s := structuralSettings{
		MaxBodyBytes:   p.MaxBodyBytes,
		MaxHeaderBytes: p.MaxHeaderBytes,
		MaxQueryBytes:  p.MaxQueryBytes,
		MaxFormBytes:   p.MaxFormBytes,
		MaxParamName:   100,
		RequirePostCT:  true,
	}
	if err := decodeSettings(dc.Settings, &s); err != nil {
		return nil, fmt.Errorf("structural detector: %w", err)
	}
	return &StructuralDetector{settings: s, log: log}, nil
}

func (d *StructuralDetector) Name() string  { return "structural" }
func (d *StructuralDetector) Priority() int { return 20 }

func (d *StructuralDetector) Inspect(_ context.Context, req *RequestContext, _ ClientStore) Verdict {
	if reason := d.check(req); reason != "" {
		v := Deny(d.Name(), CategoryMalformed, SeverityLow, 400, "INVALID_REQUEST", "Invalid request")
		v.Detail = reason
		return v
	}
	return Allow()
}

func (d *StructuralDetector) check(req *RequestContext) string {
	if !allowedMethods[req.Method] {
		return "method not allowed: " + req.Method
	}
	if len(req.Body) > d.settings.MaxBodyBytes {
		return fmt.Sprintf("body exceeds %d bytes", d.settings.MaxBodyBytes)
	}
	if d.settings.RequirePostCT && req.Method == "POST" && req.Header("Content-Type") == "" {
		return "POST without Content-Type"
	}

	// Both Content-Length and Transfer-Encoding present is the classic
	// request-smuggling ambiguity.
	if req.Header("Content-Length") != "" && req.Header("Transfer-Encoding") != "" {
		return "conflicting Content-Length and Transfer-Encoding"
	}

	for name, values := range req.Headers {
		for _, v := range values {
			if len(v) > d.settings.MaxHeaderBytes {
				return "header too long: " + name
			}
			if strings.ContainsAny(v, "\r\n") {
				return "CRLF in header: " + name
			}
		}
		if isSingletonHeader(name) && len(values) > 1 {
			return "duplicate header: " + name
		}
	}

	if reason := d.checkParams(req.Query, d.settings.MaxQueryBytes, "query"); reason != "" {
		return reason
	}
	if reason := d.checkParams(req.Form, d.settings.MaxFormBytes, "form"); reason != "" {
		return reason
	}
	return ""
}

func (d *StructuralDetector) checkParams(params map[string][]string, maxValue int, kind string) string {
	for name, values := range params {
		if len(name) > d.settings.MaxParamName {
			return kind + " parameter name too long"
		}
		if name == "" || !paramNameRe.MatchString(name) {
			return kind + " parameter name invalid: " + truncateDetail(name, 40)
		}
		for _, v := range values {
			if len(v) > maxValue {
				return fmt.Sprintf("%s parameter %s exceeds %d bytes", kind, name, maxValue)
			}
			if !utf8.ValidString(v) {
				return kind + " parameter " + name + " is not valid UTF-8"
			}
		}
	}
	return ""
}

func isSingletonHeader(name string) bool {
	switch strings.ToLower(name) {
	case "content-length", "content-type", "host", "authorization":
		return true
	}
	return false
}
