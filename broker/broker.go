// Package broker carries downstream work units from the gateway to the
// consumers of each connection.
//
// Work units are isolated per connection name and delivered in publish order.
// Subscribers may resume after a previously observed event id.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Attribute keys attached to every work unit.
const (
	AttrSubject    = "jwt.subject"
	AttrIssuer     = "jwt.issuer"
	AttrScopes     = "jwt.scopes"
	AttrRoles      = "jwt.roles"
	AttrAuthorized = "jwt.authorized"
)

var (
	// ErrUnknownEventID is returned by Subscribe when lastEventID is not
	// retained by the broker.
	ErrUnknownEventID = errors.New("broker: unknown event id")
	// ErrClosed is returned when the connection's stream was cleaned up.
	ErrClosed = errors.New("broker: connection closed")
)

// WorkUnit is one accepted request handed to the host platform.
type WorkUnit struct {
	ID          string            `json:"id" jsonschema:"description=Unique work unit identifier"`
	Connection  string            `json:"connection" jsonschema:"description=Downstream routing label"`
	Route       string            `json:"route"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Query       string            `json:"query,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	Body        []byte            `json:"body,omitempty" jsonschema:"description=Request body (base64 in JSON)"`
	Attributes  map[string]string `json:"attributes" jsonschema:"description=Token attributes keyed jwt.subject jwt.issuer jwt.scopes jwt.roles jwt.authorized"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Envelope pairs a work unit with the broker-assigned event id.
type Envelope struct {
	ID   string   `json:"id"`
	Unit WorkUnit `json:"unit"`
}

// Handler receives envelopes in order. Returning an error stops the
// subscription and is returned from Subscribe.
type Handler func(ctx context.Context, env Envelope) error

// Broker queues work units per connection.
type Broker interface {
	// Publish appends unit to the connection's stream and returns its event id.
	Publish(ctx context.Context, connection string, unit WorkUnit) (eventID string, err error)

	// Subscribe delivers units published after lastEventID, or after the call
	// when lastEventID is empty, until ctx is done or h fails.
	Subscribe(ctx context.Context, connection string, lastEventID string, h Handler) error

	// Cleanup removes the connection's stream and stops its subscribers.
	Cleanup(ctx context.Context, connection string) error
}

// Encode serializes a work unit for transports that store bytes.
func Encode(u WorkUnit) ([]byte, error) { return json.Marshal(u) }

// Decode reverses Encode.
func Decode(b []byte) (WorkUnit, error) {
	var u WorkUnit
	err := json.Unmarshal(b, &u)
	return u, err
}
