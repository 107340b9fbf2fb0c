package gateguard

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// ForumHandler is the discussion board JSON API. The admission pipeline
// sits in front of every route; handlers only do business validation.
type ForumHandler struct {
	store *ForumStore
	auth  *AuthHandler
	log   *logrus.Logger
}

func NewForumHandler(store *ForumStore, auth *AuthHandler, log *logrus.Logger) *ForumHandler {
	return &ForumHandler{store: store, auth: auth, log: log}
}

func (h *ForumHandler) Register(app *fiber.App) {
	app.Get("/api/discussions", h.List)
	app.Get("/api/discussions/:id", h.View)
	app.Post("/api/discussions", h.Create)
	app.Post("/api/discussions/:id/replies", h.Reply)
	app.Delete("/api/discussions/:id", h.Delete)
}

func (h *ForumHandler) List(c *fiber.Ctx) error {
	discussions, err := h.store.ListDiscussions()
	if err != nil {
		h.log.WithError(err).Error("list discussions failed")
		return jsonError(c, fiber.StatusInternalServerError, "Database error")
	}
	if discussions == nil {
		discussions = []Discussion{}
	}
	return c.JSON(fiber.Map{"ok": true, "discussions": discussions})
}

func (h *ForumHandler) View(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return jsonError(c, fiber.StatusBadRequest, "Invalid id")
	}
	thread, replies, err := h.store.GetDiscussion(id)
	if errors.Is(err, ErrNotFound) {
		return jsonError(c, fiber.StatusNotFound, "Not found")
	}
	if err != nil {
		h.log.WithError(err).Error("view discussion failed")
		return jsonError(c, fiber.StatusInternalServerError, "Database error")
	}
	return c.JSON(fiber.Map{
		"ok":          true,
		"thread":      thread,
		"replies":     replies,
		"reply_count": len(replies),
	})
}

type discussionInput struct {
	Title    string `json:"title" form:"title"`
	Category string `json:"category" form:"category"`
	Content  string `json:"content" form:"content"`
}

func (h *ForumHandler) Create(c *fiber.Ctx) error {
	user := h.auth.CurrentUser(c)
	if user == nil {
		return jsonError(c, fiber.StatusUnauthorized, "Login required")
	}

	var in discussionInput
	if err := c.BodyParser(&in); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "Invalid input")
	}
	in.Title = strings.TrimSpace(in.Title)
	in.Content = strings.TrimSpace(in.Content)
	if in.Title == "" || in.Content == "" {
		return jsonError(c, fiber.StatusBadRequest, "Missing fields")
	}

	thread, err := h.store.CreateDiscussion(in.Title, strings.TrimSpace(in.Category), in.Content, user.Username, h.auth.now())
	if err != nil {
		h.log.WithError(err).Error("create discussion failed")
		return jsonError(c, fiber.StatusInternalServerError, "Database error")
	}
	return c.JSON(fiber.Map{"ok": true, "thread": thread})
}

type replyInput struct {
	Content string `json:"content" form:"content"`
}

func (h *ForumHandler) Reply(c *fiber.Ctx) error {
	user := h.auth.CurrentUser(c)
	if user == nil {
		return jsonError(c, fiber.StatusUnauthorized, "Login required")
	}
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return jsonError(c, fiber.StatusBadRequest, "Invalid id")
	}

	var in replyInput
	if err := c.BodyParser(&in); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "Invalid input")
	}
	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" {
		return jsonError(c, fiber.StatusBadRequest, "Missing fields")
	}

	reply, err := h.store.CreateReply(id, user.Username, in.Content, h.auth.now())
	if errors.Is(err, ErrNotFound) {
		return jsonError(c, fiber.StatusNotFound, "Not found")
	}
	if err != nil {
		h.log.WithError(err).Error("create reply failed")
		return jsonError(c, fiber.StatusInternalServerError, "Database error")
	}
	return c.JSON(fiber.Map{"ok": true, "reply": reply})
}

func (h *ForumHandler) Delete(c *fiber.Ctx) error {
	user := h.auth.CurrentUser(c)
	if user == nil {
		return jsonError(c, fiber.StatusUnauthorized, "Login required")
	}
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return jsonError(c, fiber.StatusBadRequest, "Invalid id")
	}

	switch err := h.store.DeleteDiscussion(id, user.Username); {
	case errors.Is(err, ErrNotFound):
		return jsonError(c, fiber.StatusNotFound, "Not found")
	case errors.Is(err, ErrNotAuthor):
		return jsonError(c, fiber.StatusForbidden, "Only the author can delete")
	case err != nil:
		h.log.WithError(err).Error("delete discussion failed")
		return jsonError(c, fiber.StatusInternalServerError, "Database error")
	}
	return c.JSON(fiber.Map{"ok": true})
}
