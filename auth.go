package gateguard

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionCookie = "session"
	sessionTTL    = 24 * time.Hour
)

// AuthHandler serves signup, login and logout. Failed logins feed the
// correlator; together with the login rate budget that is what turns a
// credential-stuffing run into a ban.
type AuthHandler struct {
	store      *ForumStore
	correlator *Correlator
	log        *logrus.Logger
	now        func() time.Time
}

func NewAuthHandler(store *ForumStore, correlator *Correlator, log *logrus.Logger) *AuthHandler {
	return &AuthHandler{store: store, correlator: correlator, log: log, now: time.Now}
}

func (h *AuthHandler) Register(app *fiber.App) {
	app.Post("/api/signup", h.Signup)
	app.Post("/api/login", h.Login)
	app.Post("/api/logout", h.Logout)
	app.Get("/api/me", h.Me)
}

type credentials struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

func (h *AuthHandler) Signup(c *fiber.Ctx) error {
	var creds credentials
	if err := c.BodyParser(&creds); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "Invalid input")
	}
	if len(creds.Username) < 3 || len(creds.Username) > 32 {
		return jsonError(c, fiber.StatusBadRequest, "Username must be 3-32 characters")
	}
	if len(creds.Password) < 8 || len(creds.Password) > 128 {
		return jsonError(c, fiber.StatusBadRequest, "Password must be 8-128 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "Signup failed")
	}
	user, err := h.store.CreateUser(creds.Username, string(hash), h.now())
	if errors.Is(err, ErrUsernameUsed) {
		return jsonError(c, fiber.StatusConflict, "Username already taken")
	}
	if err != nil {
		h.log.WithError(err).Error("signup failed")
		return jsonError(c, fiber.StatusInternalServerError, "Signup failed")
	}
	return h.startSession(c, user)
}

func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var creds credentials
	if err := c.BodyParser(&creds); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "Invalid input")
	}

	user, err := h.store.UserByName(creds.Username)
	if err == nil {
		err = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password))
	}
	if err != nil {
		identity, _ := c.Locals("identity").(string)
		if identity == "" {
			identity = ClientIP(c)
		}
		if _, cerr := h.correlator.Record(c.UserContext(), identity, "FAILED_LOGIN", map[string]string{
			"username": truncateDetail(creds.Username, 64),
		}); cerr != nil {
			h.log.WithError(cerr).Warn("failed login not correlated")
		}
		return jsonError(c, fiber.StatusUnauthorized, "Invalid username or password")
	}
	return h.startSession(c, user)
}

func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	if token := c.Cookies(sessionCookie); token != "" {
		if err := h.store.DeleteSession(token); err != nil {
			h.log.WithError(err).Warn("session delete failed")
		}
	}
	c.ClearCookie(sessionCookie)
	return c.JSON(fiber.Map{"ok": true})
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user := h.CurrentUser(c)
	if user == nil {
		return jsonError(c, fiber.StatusUnauthorized, "Not logged in")
	}
	return c.JSON(fiber.Map{"ok": true, "user": user})
}

func (h *AuthHandler) startSession(c *fiber.Ctx, user *User) error {
	token := uuid.NewString()
	if err := h.store.CreateSession(token, user.ID, h.now(), sessionTTL); err != nil {
		h.log.WithError(err).Error("session create failed")
		return jsonError(c, fiber.StatusInternalServerError, "Login failed")
	}
	c.Cookie(&fiber.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Expires:  h.now().Add(sessionTTL),
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return c.JSON(fiber.Map{"ok": true, "user": user})
}

// CurrentUser resolves the session cookie, or nil.
func (h *AuthHandler) CurrentUser(c *fiber.Ctx) *User {
	token := c.Cookies(sessionCookie)
	if token == "" {
		return nil
	}
	user, err := h.store.UserBySession(token, h.now())
	if err != nil {
		return nil
	}
	return user
}

// SessionIdentity adapts CurrentUser for the pipeline's identity upgrade.
func (h *AuthHandler) SessionIdentity(c *fiber.Ctx) string {
	if user := h.CurrentUser(c); user != nil {
		return user.Username
	}
	return ""
}

func jsonError(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"ok": false, "error": msg})
}
