package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Envelope is the wire form of an event. Payload holds the typed event
// after a successful decode.
type Envelope struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

func NewEnvelope(event Event) Envelope {
	return Envelope{
		ID:         uuid.NewString(),
		Name:       event.EventName(),
		OccurredAt: event.OccurredAt(),
		Payload:    event,
	}
}

// Event returns the decoded payload.
func (e Envelope) Event() (Event, bool) {
	event, ok := e.Payload.(Event)
	return event, ok
}

type DecodeErr struct {
	error
}

func WithDecodeErr(err error) error {
	return DecodeErr{err}
}

type Codec interface {
	Marshal(envelope Envelope) ([]byte, error)
	Unmarshal(data []byte) (Envelope, error)
}

func NewJSONCodec(types TypeRegistry) Codec {
	return &jsonCodec{types: types}
}

type jsonCodec struct {
	types TypeRegistry
}

func (c *jsonCodec) Marshal(envelope Envelope) ([]byte, error) {
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding envelope of %s", envelope.Name)
	}
	return data, nil
}

func (c *jsonCodec) Unmarshal(data []byte) (Envelope, error) {
	var envelope Envelope

	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, WithDecodeErr(err)
	}

	// the payload arrives as map[string]interface{} and is filled into
	// the registered type, so handlers can type-assert it back
	event, err := c.types.New(envelope.Name)
	if err != nil {
		return Envelope{}, WithDecodeErr(err)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		Squash:     true,
		TagName:    "json",
		Result:     event,
	})
	if err != nil {
		return Envelope{}, WithDecodeErr(errors.WithStack(err))
	}

	if err := decoder.Decode(envelope.Payload); err != nil {
		return Envelope{}, WithDecodeErr(errors.Wrapf(err, "decoding payload of %s", envelope.Name))
	}

	envelope.Payload = event
	return envelope, nil
}
