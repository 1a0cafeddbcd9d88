// Package codec maps requests to and from their wire form for transport adapters.
// The dispatcher never uses it; only the code that moves requests across a process
// boundary does.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/pborman/uuid"

	cbus "github.com/next-trace/scg-reply-bus/contract/bus"
	berr "github.com/next-trace/scg-reply-bus/contract/errors"
)

// Transport header names shared by every adapter.
const (
	HeaderRequestType = "x-request-type"
	HeaderRequestID   = "x-request-id"
	HeaderReplyTo     = "x-reply-to"
)

// ErrDuplicateName is returned when a wire name or request type is registered twice.
var ErrDuplicateName = errors.New("codec: duplicate registration")

// Registry maps wire names to concrete request types.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]decodeFunc
	byType map[reflect.Type]string
}

type decodeFunc func(payload []byte) (cbus.AnyRequest, error)

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byName: make(map[string]decodeFunc),
		byType: make(map[reflect.Type]string),
	}
}

// Register maps name to the request type Q. Q may be a pointer type, in which case
// decoded requests are pointers too.
func Register[Q cbus.AnyRequest](c *Registry, name string) error {
	t := reflect.TypeFor[Q]()
	if name == "" {
		return fmt.Errorf("register %s: empty name", t)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byName[name]; ok {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateName)
	}

	if prev, ok := c.byType[t]; ok {
		return fmt.Errorf("register %s as %q: already %q: %w", t, name, prev, ErrDuplicateName)
	}

	c.byName[name] = func(payload []byte) (cbus.AnyRequest, error) {
		var q Q
		if err := json.Unmarshal(payload, &q); err != nil {
			return nil, err
		}

		return q, nil
	}
	c.byType[t] = name

	return nil
}

// Names lists registered wire names in sorted order.
func (c *Registry) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.byName))
	for n := range c.byName {
		out = append(out, n)
	}

	sort.Strings(out)

	return out
}

// NameOf returns the wire name registered for the runtime type of req.
func (c *Registry) NameOf(req cbus.AnyRequest) (string, error) {
	t := reflect.TypeOf(req)

	c.mu.RLock()
	name, ok := c.byType[t]
	c.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("name of %v: %w", t, berr.ErrUnknownRequest)
	}

	return name, nil
}

// Decode builds a new request of the type registered under name from its JSON payload.
func (c *Registry) Decode(name string, payload []byte) (cbus.AnyRequest, error) {
	c.mu.RLock()
	dec, ok := c.byName[name]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("decode %q: %w", name, berr.ErrUnknownRequest)
	}

	if len(payload) == 0 {
		payload = []byte("{}")
	}

	req, err := dec(payload)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", name, errors.Join(berr.ErrSerializationFailed, err))
	}

	if cbus.IsNil(req) {
		return nil, fmt.Errorf("decode %q: null request: %w", name, berr.ErrSerializationFailed)
	}

	return req, nil
}

// Envelope is the wire form of a request.
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeRequest wraps req in an Envelope with a fresh id.
func (c *Registry) EncodeRequest(req cbus.AnyRequest) (Envelope, error) {
	name, err := c.NameOf(req)
	if err != nil {
		return Envelope{}, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %q: %w", name, errors.Join(berr.ErrSerializationFailed, err))
	}

	return Envelope{ID: uuid.New(), Type: name, Payload: payload}, nil
}

// Open decodes the request carried by env.
func (c *Registry) Open(env Envelope) (cbus.AnyRequest, error) {
	return c.Decode(env.Type, env.Payload)
}

// Marshal encodes env as JSON.
func (env Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	return b, nil
}

// UnmarshalEnvelope decodes an Envelope from JSON.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	return env, nil
}

// Reply is the wire form of an execution outcome.
type Reply struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// RemoteError is a failure reported by the executing side. It matches the sentinel of
// its code with errors.Is.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string { return e.Message }

// Unwrap returns the sentinel error for e.Code.
func (e *RemoteError) Unwrap() error { return berr.Code(e.Code) }

// Err returns the reported failure, or nil on success.
func (r Reply) Err() error {
	if r.Error == nil {
		return nil
	}

	return r.Error
}

// NewReply builds the Reply for an outcome. A result that cannot be encoded turns
// the reply into a serialization failure.
func NewReply(id string, result any, err error) Reply {
	if err != nil {
		return Reply{ID: id, Error: &RemoteError{Code: berr.CodeOf(err), Message: err.Error()}}
	}

	if result == nil {
		return Reply{ID: id}
	}

	b, merr := json.Marshal(result)
	if merr != nil {
		return Reply{ID: id, Error: &RemoteError{
			Code:    berr.ErrCodeSerializationFailed,
			Message: fmt.Sprintf("encode result %T: %v", result, merr),
		}}
	}

	return Reply{ID: id, Result: b}
}

// EncodeReply is NewReply followed by JSON encoding.
func EncodeReply(id string, result any, err error) ([]byte, error) {
	b, merr := json.Marshal(NewReply(id, result, err))
	if merr != nil {
		return nil, fmt.Errorf("encode reply %s: %w", id, errors.Join(berr.ErrSerializationFailed, merr))
	}

	return b, nil
}

// DecodeReply decodes a Reply from JSON.
func DecodeReply(b []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(b, &r); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	return r, nil
}

// ResultAs decodes the result of r into R, or returns the reported failure.
func ResultAs[R any](r Reply) (R, error) {
	var out R
	if err := r.Err(); err != nil {
		return out, err
	}

	if len(r.Result) == 0 {
		return out, nil
	}

	if err := json.Unmarshal(r.Result, &out); err != nil {
		return out, fmt.Errorf("decode result %s: %w", r.ID, errors.Join(berr.ErrSerializationFailed, err))
	}

	return out, nil
}
