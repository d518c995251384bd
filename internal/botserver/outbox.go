package botserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anatolykoptev/go_vidbot/internal/delivery"
)

// maxQueued caps how many undelivered items are kept per user; the oldest
// are dropped first.
const maxQueued = 20

// Delivery is one item handed to the transport for a user.
type Delivery struct {
	Kind      string            `json:"kind"` // "file" or "text"
	Path      string            `json:"path,omitempty"`
	Caption   *delivery.Caption `json:"caption,omitempty"`
	Text      string            `json:"text,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Outbox is the MCP transport's delivery.Deliverer. MCP has no push
// channel to a chat user, so deliveries queue here until the client
// drains them with the vidbot_outbox tool. Files are copied into dir
// because the caller removes the original once DeliverFile returns.
type Outbox struct {
	dir   string
	mu    sync.Mutex
	queue map[string][]Delivery
}

// NewOutbox creates an outbox that keeps delivered files under dir.
func NewOutbox(dir string) (*Outbox, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("outbox: create dir: %w", err)
	}
	return &Outbox{dir: dir, queue: make(map[string][]Delivery)}, nil
}

// Dir is where delivered files are kept.
func (o *Outbox) Dir() string { return o.dir }

// DeliverFile copies path into the outbox and queues it for userID.
func (o *Outbox) DeliverFile(_ context.Context, userID, path string, c delivery.Caption) error {
	dst := filepath.Join(o.dir, filepath.Base(path))
	if err := copyFile(path, dst); err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	o.push(userID, Delivery{Kind: "file", Path: dst, Caption: &c, CreatedAt: time.Now()})
	slog.Info("outbox: file queued", slog.String("user", userID), slog.String("path", dst))
	return nil
}

// DeliverText queues a text message for userID.
func (o *Outbox) DeliverText(_ context.Context, userID, text string) error {
	o.push(userID, Delivery{Kind: "text", Text: text, CreatedAt: time.Now()})
	return nil
}

func (o *Outbox) push(userID string, d Delivery) {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := append(o.queue[userID], d)
	if len(q) > maxQueued {
		q = q[len(q)-maxQueued:]
	}
	o.queue[userID] = q
}

// Drain returns and forgets everything queued for userID.
func (o *Outbox) Drain(userID string) []Delivery {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queue[userID]
	delete(o.queue, userID)
	if q == nil {
		return []Delivery{}
	}
	return q
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
