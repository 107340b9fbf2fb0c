package gateguard

import (
	"crypto/subtle"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// flagNoise strips the characters players legitimately vary: wrapper
// braces, dashes and whitespace. Comparison happens on the residue.
var flagNoise = regexp.MustCompile(`[-\s{}]`)

func normalizeFlag(s string) string {
	return flagNoise.ReplaceAllString(strings.ToLower(s), "")
}

// CTFHandler checks submitted flags. Correct flags only ever live in the
// challenges table; responses never echo them back.
type CTFHandler struct {
	store      *ForumStore
	auth       *AuthHandler
	correlator *Correlator
	log        *logrus.Logger
	now        func() time.Time
}

func NewCTFHandler(store *ForumStore, auth *AuthHandler, correlator *Correlator, log *logrus.Logger) *CTFHandler {
	return &CTFHandler{store: store, auth: auth, correlator: correlator, log: log, now: time.Now}
}

func (h *CTFHandler) Register(app *fiber.App) {
	app.Post("/api/ctf/check", h.Check)
}

type flagSubmission struct {
	ID   int64  `json:"id" form:"id"`
	Flag string `json:"flag" form:"flag"`
}

func (h *CTFHandler) Check(c *fiber.Ctx) error {
	user := h.auth.CurrentUser(c)
	if user == nil {
		return jsonError(c, fiber.StatusUnauthorized, "Login required")
	}

	var sub flagSubmission
	if err := c.BodyParser(&sub); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "Invalid JSON")
	}
	if sub.ID <= 0 || sub.Flag == "" {
		return jsonError(c, fiber.StatusBadRequest, "Invalid input")
	}

	challenge, err := h.store.ChallengeByID(sub.ID)
	if errors.Is(err, ErrNotFound) {
		return jsonError(c, fiber.StatusBadRequest, "Unknown challenge")
	}
	if err != nil {
		h.log.WithError(err).Error("challenge lookup failed")
		return jsonError(c, fiber.StatusInternalServerError, "Database error")
	}

	submitted := normalizeFlag(sub.Flag)
	expected := normalizeFlag(challenge.Flag)
	ok := subtle.ConstantTimeCompare([]byte(submitted), []byte(expected)) == 1

	if !ok {
		identity, _ := c.Locals("identity").(string)
		if identity == "" {
			identity = ClientIP(c)
		}
		if _, cerr := h.correlator.Record(c.UserContext(), identity, "CTF_FAILED", map[string]string{
			"challenge": strconv.FormatInt(sub.ID, 10),
			"user":      user.Username,
		}); cerr != nil {
			h.log.WithError(cerr).Warn("failed flag check not correlated")
		}
		return c.JSON(fiber.Map{"ok": false, "error": "Incorrect flag"})
	}

	if err := h.store.RecordSolve(user.ID, challenge.ID, challenge.Points, h.now()); err != nil {
		h.log.WithError(err).Error("solve record failed")
		return jsonError(c, fiber.StatusInternalServerError, "Database error")
	}
	h.log.WithFields(logrus.Fields{
		"user":      user.Username,
		"challenge": challenge.ID,
		"points":    challenge.Points,
	}).Info("challenge solved")
	return c.JSON(fiber.Map{"ok": true, "error": nil})
}
