// Package eventbus implements the subject-based publish/subscribe contract
// (spec.md §4.2) over NATS core pub/sub: hierarchical subjects shaped
// "<domain>.<version>.<update|remove>.<server-id>[.<entity-id>]", update and removal frames
// per domain, at-least-once delivery within one process.
package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/simrail-mirror/collector/internal/logger"
)

// Domain is one of the three event-bus domains.
type Domain string

const (
	DomainServer       Domain = "server"
	DomainJourney      Domain = "journey"
	DomainDispatchPost Domain = "dispatchpost"
)

const subjectVersion = "v1"

// UpdateSubject builds "<domain>.v1.update.<serverID>[.<entityID>]".
// entityID is empty for the server domain, which has no parent.
func UpdateSubject(domain Domain, serverID, entityID string) string {
	if entityID == "" {
		return fmt.Sprintf("%s.%s.update.%s", domain, subjectVersion, serverID)
	}
	return fmt.Sprintf("%s.%s.update.%s.%s", domain, subjectVersion, serverID, entityID)
}

// RemoveSubject builds the removal counterpart of UpdateSubject.
func RemoveSubject(domain Domain, serverID, entityID string) string {
	if entityID == "" {
		return fmt.Sprintf("%s.%s.remove.%s", domain, subjectVersion, serverID)
	}
	return fmt.Sprintf("%s.%s.remove.%s.%s", domain, subjectVersion, serverID, entityID)
}

// Bus wraps a NATS connection with the collector's publish/subscribe
// conventions. Reconnection uses the client's built-in reconnect loop
// with a fixed 2s wait between attempts and no attempt limit.
type Bus struct {
	conn *nats.Conn
	log  *logger.Logger
}

// Connect dials url with reconnect-forever semantics.
func Connect(url, clientName string, log *logger.Logger) (*Bus, error) {
	conn, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if log != nil && err != nil {
				log.WithError(err).Warn("event bus disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if log != nil {
				log.Info("event bus reconnected")
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to event bus: %w", err)
	}
	return &Bus{conn: conn, log: log}, nil
}

// Close closes the connection without draining it first.
func (b *Bus) Close() {
	b.conn.Close()
}

// PublishUpdate publishes a binary-encoded update frame. Publish is a
// non-blocking emit into NATS's bounded internal queue (spec.md §5); the
// error returned here reflects only local marshaling/connection issues,
// not delivery confirmation.
func (b *Bus) PublishUpdate(ctx context.Context, domain Domain, serverID, entityID string, payload []byte) error {
	subject := UpdateSubject(domain, serverID, entityID)
	if err := b.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publishing update on %s: %w", subject, err)
	}
	return nil
}

// PublishRemove publishes a removal frame carrying only the entity id.
func (b *Bus) PublishRemove(ctx context.Context, domain Domain, serverID, entityID string, payload []byte) error {
	subject := RemoveSubject(domain, serverID, entityID)
	if err := b.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publishing removal on %s: %w", subject, err)
	}
	return nil
}

// Handler processes one delivered message. Handlers must be idempotent:
// delivery is at-least-once within a process and best-effort across
// processes (spec.md §4.2).
type Handler func(ctx context.Context, subject string, payload []byte)

// Subscribe registers handler against a wildcard subject pattern, e.g.
// "journey.v1.update.*.*" for every journey update across every server.
func (b *Bus) Subscribe(pattern string, handler Handler) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(pattern, func(msg *nats.Msg) {
		handler(context.Background(), msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", pattern, err)
	}
	return sub, nil
}
