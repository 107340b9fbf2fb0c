package gateguard

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStructuralDetector(t *testing.T) *StructuralDetector {
	t.Helper()
	d, err := NewStructuralDetector(testPipelineConfig(), DetectorConfig{Name: "structural"}, testLogger())
	require.NoError(t, err)
	return d
}

func TestStructuralDetector(t *testing.T) {
	d := newStructuralDetector(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		mutate   func(req *RequestContext)
		wantDeny bool
	}{
		{"plain GET", func(req *RequestContext) {}, false},
		{
			"unknown method",
			func(req *RequestContext) { req.Method = "TRACE" },
			true,
		},
		{
			"oversized body",
			func(req *RequestContext) { req.Body = bytes.Repeat([]byte("a"), 10*1024+1) },
			true,
		},
		{
			"post without content type",
			func(req *RequestContext) { req.Method = "POST" },
			true,
		},
		{
			"post with content type",
			func(req *RequestContext) {
				req.Method = "POST"
				req.Headers["Content-Type"] = []string{"application/json"}
			},
			false,
		},
		{
			"smuggling ambiguity",
			func(req *RequestContext) {
				req.Headers["Content-Length"] = []string{"10"}
				req.Headers["Transfer-Encoding"] = []string{"chunked"}
			},
			true,
		},
		{
			"crlf in header",
			func(req *RequestContext) {
				req.Headers["X-Custom"] = []string{"value\r\nSet-Cookie: pwned=1"}
			},
			true,
		},
		{
			"duplicate host header",
			func(req *RequestContext) { req.Headers["Host"] = []string{"a.example", "b.example"} },
			true,
		},
		{
			"query param name with spaces",
			func(req *RequestContext) { req.Query["bad name"] = []string{"x"} },
			true,
		},
		{
			"query value too long",
			func(req *RequestContext) {
				req.Query["q"] = []string{string(bytes.Repeat([]byte("a"), 2001))}
			},
			true,
		},
		{
			"invalid utf8 in form value",
			func(req *RequestContext) { req.Form["name"] = []string{string([]byte{0xff, 0xfe})} },
			true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := newTestRequest("10.0.0.1", "GET", "/api/discussions")
			tc.mutate(req)

			v := d.Inspect(ctx, req, nil)
			assert.Equal(t, tc.wantDeny, v.Deny)
			if tc.wantDeny {
				assert.Equal(t, CategoryMalformed, v.Category)
				assert.Equal(t, 400, v.Status)
				assert.Equal(t, SeverityLow, v.Severity)
				assert.Equal(t, "INVALID_REQUEST", v.EventType)
			}
		})
	}
}
