package gateguard

import (
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Action classes used for per-action rate budgets.
const (
	ActionLogin   = "login"
	ActionSignup  = "signup"
	ActionCTF     = "ctf"
	ActionAPI     = "api"
	ActionGeneral = "general"
)

// RequestContext is an immutable view of one request, captured once by the
// pipeline and handed to every detector. Values are normalized (null bytes
// stripped, body bounded) before any detector sees them.
type RequestContext struct {
	Identity   string
	ClientIP   string
	UserID     string
	Method     string
	Path       string
	RawQuery   string
	Query      map[string][]string
	Headers    map[string][]string
	Cookies    map[string]string
	Form       map[string][]string
	Body       []byte
	Action     string
	ReceivedAt time.Time
}

// ClientIP resolves the client address the way the rest of the system
// trusts it: CDN header first, then the first hop of X-Forwarded-For, then
// X-Real-IP, then the socket peer. Only syntactically valid addresses win.
func ClientIP(c *fiber.Ctx) string {
	if ip := strings.TrimSpace(c.Get("CF-Connecting-IP")); validIP(ip) {
		return ip
	}
	if xff := c.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if validIP(first) {
			return first
		}
	}
	if ip := strings.TrimSpace(c.Get("X-Real-IP")); validIP(ip) {
		return ip
	}
	return c.IP()
}

func validIP(s string) bool {
	return s != "" && net.ParseIP(s) != nil
}

// classifyAction buckets a path into a rate-budget action.
func classifyAction(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/login"):
		return ActionLogin
	case strings.HasPrefix(path, "/api/signup"):
		return ActionSignup
	case strings.HasPrefix(path, "/api/ctf/"):
		return ActionCTF
	case strings.HasPrefix(path, "/api/"):
		return ActionAPI
	default:
		return ActionGeneral
	}
}

// CaptureRequest snapshots a fiber request into a RequestContext. The body
// is copied up to maxBody bytes; fiber has already buffered it, so this
// never blocks on the wire.
func CaptureRequest(c *fiber.Ctx, maxBody int, now time.Time) *RequestContext {
	req := &RequestContext{
		ClientIP:   ClientIP(c),
		Method:     c.Method(),
		Path:       stripNulls(c.Path()),
		RawQuery:   stripNulls(string(c.Request().URI().QueryString())),
		Query:      map[string][]string{},
		Headers:    map[string][]string{},
		Cookies:    map[string]string{},
		Form:       map[string][]string{},
		Action:     classifyAction(c.Path()),
		ReceivedAt: now,
	}
	req.Identity = req.ClientIP

	c.Request().URI().QueryArgs().VisitAll(func(k, v []byte) {
		key := stripNulls(string(k))
		req.Query[key] = append(req.Query[key], stripNulls(string(v)))
	})
	c.Request().Header.VisitAll(func(k, v []byte) {
		key := stripNulls(string(k))
		req.Headers[key] = append(req.Headers[key], stripNulls(string(v)))
	})
	c.Request().Header.VisitAllCookie(func(k, v []byte) {
		req.Cookies[stripNulls(string(k))] = stripNulls(string(v))
	})

	body := c.Body()
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	req.Body = append([]byte(nil), body...)

	ct := c.Get(fiber.HeaderContentType)
	if strings.HasPrefix(ct, fiber.MIMEApplicationForm) {
		if form, err := url.ParseQuery(string(req.Body)); err == nil {
			for k, vs := range form {
				key := stripNulls(k)
				for _, v := range vs {
					req.Form[key] = append(req.Form[key], stripNulls(v))
				}
			}
		}
	}
	return req
}

// Header returns the first value of a header, case-insensitively.
func (r *RequestContext) Header(name string) string {
	for k, vs := range r.Headers {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

func (r *RequestContext) UserAgent() string { return r.Header(fiber.HeaderUserAgent) }

func stripNulls(s string) string {
	if !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}
