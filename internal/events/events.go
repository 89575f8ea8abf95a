// Package events publishes upload lifecycle events to NATS so downstream
// consumers (symbolication caches, indexers) can react without polling the
// database. Publishing is optional and best effort.
package events

import (
	"encoding/json"
	"time"

	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go"

	"github.com/adrianosela/tecken/internal/db"
)

// Event types.
const (
	TypeUploadCreated   = "upload.created"
	TypeUploadCompleted = "upload.completed"
	TypeUploadFailed    = "upload.failed"
)

// UploadEvent is the JSON payload published for every upload lifecycle
// transition.
type UploadEvent struct {
	Type       string    `json:"type"`
	ID         int64     `json:"id"`
	User       string    `json:"user"`
	Filename   string    `json:"filename"`
	Bucket     string    `json:"bucket"`
	Size       int64     `json:"size"`
	TrySymbols bool      `json:"try_symbols"`
	Attempts   int       `json:"attempts,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher publishes upload events to a NATS subject. The zero value and a
// Publisher constructed without a NATS URL are no-ops, so callers never have
// to branch on whether eventing is enabled.
type Publisher struct {
	logger  logr.Logger
	conn    *nats.Conn
	subject string
}

// NewPublisher connects to natsURL and returns a Publisher for subject. An
// empty natsURL returns a disabled Publisher and no error.
func NewPublisher(logger logr.Logger, natsURL, subject string) (*Publisher, error) {
	if natsURL == "" {
		return &Publisher{logger: logger}, nil
	}

	conn, err := nats.Connect(natsURL,
		nats.Name("tecken"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}

	logger.Info("Connected to NATS", "url", natsURL, "subject", subject)
	return &Publisher{logger: logger, conn: conn, subject: subject}, nil
}

// Enabled reports whether events are actually published.
func (p *Publisher) Enabled() bool {
	return p != nil && p.conn != nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p.Enabled() {
		p.conn.Drain()
	}
}

// UploadCreated publishes an upload.created event.
func (p *Publisher) UploadCreated(u *db.Upload) {
	p.publish(eventFor(TypeUploadCreated, u, nil))
}

// UploadCompleted publishes an upload.completed event.
func (p *Publisher) UploadCompleted(u *db.Upload) {
	p.publish(eventFor(TypeUploadCompleted, u, nil))
}

// UploadFailed publishes an upload.failed event.
func (p *Publisher) UploadFailed(u *db.Upload, err error) {
	p.publish(eventFor(TypeUploadFailed, u, err))
}

func eventFor(eventType string, u *db.Upload, err error) UploadEvent {
	event := UploadEvent{
		Type:       eventType,
		ID:         u.ID,
		User:       u.UserEmail,
		Filename:   u.Filename,
		Bucket:     u.BucketName,
		Size:       u.Size,
		TrySymbols: u.TrySymbols,
		Attempts:   u.Attempts,
		Timestamp:  time.Now().UTC(),
	}
	if err != nil {
		event.Error = err.Error()
	}
	return event
}

func (p *Publisher) publish(event UploadEvent) {
	if !p.Enabled() {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error(err, "Failed to marshal upload event", "type", event.Type, "id", event.ID)
		return
	}

	if err := p.conn.Publish(p.subject, data); err != nil {
		p.logger.Error(err, "Failed to publish upload event", "type", event.Type, "id", event.ID)
	}
}
