package gateguard

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestRequest(identity, method, path string) *RequestContext {
	return &RequestContext{
		Identity: identity,
		ClientIP: identity,
		Method:   method,
		Path:     path,
		Query:    map[string][]string{},
		Headers: map[string][]string{
			"User-Agent":      {"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36"},
			"Accept":          {"text/html,application/json"},
			"Accept-Language": {"en-US,en;q=0.9"},
		},
		Cookies:    map[string]string{},
		Form:       map[string][]string{},
		Action:     classifyAction(path),
		ReceivedAt: time.Now(),
	}
}

func testPipelineConfig() *PipelineConfig {
	cfg := DefaultConfig().Pipeline
	return &cfg
}
