package gateguard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// AuditRecord is one security event as kept for operators, separate from
// the correlation events clients accumulate.
type AuditRecord struct {
	ID       string            `db:"id" json:"id"`
	Type     string            `db:"type" json:"type"`
	Severity Severity          `db:"severity" json:"severity"`
	Identity string            `db:"identity" json:"identity"`
	Message  string            `db:"message" json:"message"`
	Time     time.Time         `db:"time" json:"time"`
	Context  map[string]string `db:"-" json:"context,omitempty"`
}

// AuditLog keeps the most recent records in a fixed ring for the admin
// surface and optionally persists each record to the database. Every
// record is also emitted through the structured logger.
type AuditLog struct {
	mu   sync.Mutex
	ring []AuditRecord
	next int
	full bool

	db  *sqlx.DB
	log *logrus.Logger
}

func NewAuditLog(size int, db *sqlx.DB, log *logrus.Logger) *AuditLog {
	if size <= 0 {
		size = 1000
	}
	return &AuditLog{ring: make([]AuditRecord, size), db: db, log: log}
}

func (a *AuditLog) Record(rec AuditRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	a.mu.Lock()
	a.ring[a.next] = rec
	a.next = (a.next + 1) % len(a.ring)
	if a.next == 0 {
		a.full = true
	}
	a.mu.Unlock()

	a.log.WithFields(logrus.Fields{
		"id":       rec.ID,
		"type":     rec.Type,
		"severity": string(rec.Severity),
		"identity": rec.Identity,
		"context":  rec.Context,
	}).Info(rec.Message)

	if a.db != nil {
		a.persist(rec)
	}
}

func (a *AuditLog) persist(rec AuditRecord) {
	ctxJSON, _ := json.Marshal(rec.Context)
	_, err := a.db.Exec(
		`INSERT INTO audit_events (id, type, severity, identity, message, time, context) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Type, string(rec.Severity), rec.Identity, rec.Message, rec.Time, string(ctxJSON),
	)
	if err != nil {
		a.log.WithError(err).Warn("audit persist failed")
	}
}

// Snapshot returns the retained records, newest first.
func (a *AuditLog) Snapshot() []AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := len(a.ring)
	count := a.next
	if a.full {
		count = size
	}
	out := make([]AuditRecord, 0, count)
	for i := 0; i < count; i++ {
		idx := (a.next - 1 - i + size) % size
		out = append(out, a.ring[idx])
	}
	return out
}
