package gateguard

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrNotAuthor    = errors.New("not the author")
	ErrUsernameUsed = errors.New("username already taken")
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	token      TEXT PRIMARY KEY,
	user_id    INTEGER NOT NULL REFERENCES users(id),
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS discussions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	title      TEXT NOT NULL,
	category   TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL,
	author     TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	views      INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS replies (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	discussion_id INTEGER NOT NULL REFERENCES discussions(id),
	author        TEXT NOT NULL,
	content       TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS challenges (
	id     INTEGER PRIMARY KEY,
	name   TEXT NOT NULL,
	flag   TEXT NOT NULL,
	points INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS solves (
	user_id      INTEGER NOT NULL REFERENCES users(id),
	challenge_id INTEGER NOT NULL REFERENCES challenges(id),
	points       INTEGER NOT NULL,
	solved_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, challenge_id)
);
CREATE TABLE IF NOT EXISTS audit_events (
	id       TEXT PRIMARY KEY,
	type     TEXT NOT NULL,
	severity TEXT NOT NULL,
	identity TEXT NOT NULL,
	message  TEXT NOT NULL,
	time     TIMESTAMP NOT NULL,
	context  TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_replies_discussion ON replies(discussion_id);
CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_events(time);
`

type User struct {
	ID           int64     `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

type Discussion struct {
	ID         int64     `db:"id" json:"id"`
	Title      string    `db:"title" json:"title"`
	Category   string    `db:"category" json:"category"`
	Content    string    `db:"content" json:"content"`
	Author     string    `db:"author" json:"author"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	Views      int       `db:"views" json:"views"`
	ReplyCount int       `db:"reply_count" json:"reply_count"`
}

type Reply struct {
	ID           int64     `db:"id" json:"id"`
	DiscussionID int64     `db:"discussion_id" json:"discussion_id"`
	Author       string    `db:"author" json:"author"`
	Content      string    `db:"content" json:"content"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

type Challenge struct {
	ID     int64  `db:"id" json:"id"`
	Name   string `db:"name" json:"name"`
	Flag   string `db:"flag" json:"-"`
	Points int    `db:"points" json:"points"`
}

// ForumStore is the relational side of the system: users, sessions,
// discussions, replies, CTF challenges and solves.
type ForumStore struct {
	db *sqlx.DB
}

func OpenForumStore(path string) (*ForumStore, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &ForumStore{db: db}, nil
}

func (s *ForumStore) DB() *sqlx.DB { return s.db }
func (s *ForumStore) Close() error { return s.db.Close() }

// ---- users & sessions ----

func (s *ForumStore) CreateUser(username, passwordHash string, now time.Time) (*User, error) {
	res, err := s.db.Exec(
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, passwordHash, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameUsed
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, _ := res.LastInsertId()
	return &User{ID: id, Username: username, PasswordHash: passwordHash, CreatedAt: now}, nil
}

func (s *ForumStore) UserByName(username string) (*User, error) {
	var u User
	err := s.db.Get(&u, `SELECT * FROM users WHERE username = ?`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return &u, nil
}

func (s *ForumStore) CreateSession(token string, userID int64, now time.Time, ttl time.Duration) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		token, userID, now, now.Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *ForumStore) UserBySession(token string, now time.Time) (*User, error) {
	var u User
	err := s.db.Get(&u,
		`SELECT u.* FROM users u JOIN sessions s ON s.user_id = u.id
		 WHERE s.token = ? AND s.expires_at > ?`, token, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &u, nil
}

func (s *ForumStore) DeleteSession(token string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE token = ?`, token)
	return err
}

// ---- discussions ----

func (s *ForumStore) ListDiscussions() ([]Discussion, error) {
	var out []Discussion
	err := s.db.Select(&out, `
		SELECT d.*, (SELECT COUNT(*) FROM replies r WHERE r.discussion_id = d.id) AS reply_count
		FROM discussions d ORDER BY d.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list discussions: %w", err)
	}
	return out, nil
}

// GetDiscussion loads one thread with its replies and counts the view.
func (s *ForumStore) GetDiscussion(id int64) (*Discussion, []Reply, error) {
	var d Discussion
	err := s.db.Get(&d, `
		SELECT d.*, (SELECT COUNT(*) FROM replies r WHERE r.discussion_id = d.id) AS reply_count
		FROM discussions d WHERE d.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load discussion: %w", err)
	}

	if _, err := s.db.Exec(`UPDATE discussions SET views = views + 1 WHERE id = ?`, id); err != nil {
		return nil, nil, fmt.Errorf("count view: %w", err)
	}
	d.Views++

	replies := []Reply{}
	if err := s.db.Select(&replies,
		`SELECT * FROM replies WHERE discussion_id = ? ORDER BY id ASC`, id); err != nil {
		return nil, nil, fmt.Errorf("load replies: %w", err)
	}
	return &d, replies, nil
}

func (s *ForumStore) CreateDiscussion(title, category, content, author string, now time.Time) (*Discussion, error) {
	res, err := s.db.Exec(
		`INSERT INTO discussions (title, category, content, author, created_at, views) VALUES (?, ?, ?, ?, ?, 0)`,
		title, category, content, author, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create discussion: %w", err)
	}
	id, _ := res.LastInsertId()
	return &Discussion{ID: id, Title: title, Category: category, Content: content, Author: author, CreatedAt: now}, nil
}

func (s *ForumStore) CreateReply(discussionID int64, author, content string, now time.Time) (*Reply, error) {
	var exists int
	if err := s.db.Get(&exists, `SELECT COUNT(*) FROM discussions WHERE id = ?`, discussionID); err != nil {
		return nil, fmt.Errorf("check discussion: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}
	res, err := s.db.Exec(
		`INSERT INTO replies (discussion_id, author, content, created_at) VALUES (?, ?, ?, ?)`,
		discussionID, author, content, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create reply: %w", err)
	}
	id, _ := res.LastInsertId()
	return &Reply{ID: id, DiscussionID: discussionID, Author: author, Content: content, CreatedAt: now}, nil
}

// DeleteDiscussion removes a thread and its replies in one transaction.
// Only the author may delete.
func (s *ForumStore) DeleteDiscussion(id int64, author string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.Get(&owner, `SELECT author FROM discussions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load discussion: %w", err)
	}
	if owner != author {
		return ErrNotAuthor
	}

	if _, err := tx.Exec(`DELETE FROM replies WHERE discussion_id = ?`, id); err != nil {
		return fmt.Errorf("delete replies: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM discussions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete discussion: %w", err)
	}
	return tx.Commit()
}

// ---- challenges ----

func (s *ForumStore) ChallengeByID(id int64) (*Challenge, error) {
	var c Challenge
	err := s.db.Get(&c, `SELECT * FROM challenges WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	return &c, nil
}

func (s *ForumStore) UpsertChallenge(c Challenge) error {
	_, err := s.db.Exec(
		`INSERT INTO challenges (id, name, flag, points) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, flag = excluded.flag, points = excluded.points`,
		c.ID, c.Name, c.Flag, c.Points,
	)
	return err
}

// RecordSolve is idempotent per (user, challenge).
func (s *ForumStore) RecordSolve(userID, challengeID int64, points int, now time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO solves (user_id, challenge_id, points, solved_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, challenge_id) DO NOTHING`,
		userID, challengeID, points, now,
	)
	if err != nil {
		return fmt.Errorf("record solve: %w", err)
	}
	return nil
}

func (s *ForumStore) UserScore(userID int64) (int, error) {
	var score sql.NullInt64
	if err := s.db.Get(&score, `SELECT SUM(points) FROM solves WHERE user_id = ?`, userID); err != nil {
		return 0, fmt.Errorf("user score: %w", err)
	}
	return int(score.Int64), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
