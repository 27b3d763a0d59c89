package ledgersync

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const defaultSignatureTolerance = 5 * time.Minute

// SignatureVerifier checks provider webhook signatures of the form
// "t=<unix seconds>,v1=<hex hmac-sha256>" where the MAC covers
// "<t>.<raw body>".
type SignatureVerifier struct {
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

func (v SignatureVerifier) Verify(payload []byte, header string) error {
	if strings.TrimSpace(v.Secret) == "" {
		return fmt.Errorf("%w: no signing secret configured", ErrSignatureInvalid)
	}
	timestamp, signatures := parseSignatureHeader(header)
	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("%w: malformed signature header", ErrSignatureInvalid)
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp", ErrSignatureInvalid)
	}
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = defaultSignatureTolerance
	}
	delta := now.Sub(time.Unix(unix, 0))
	if delta < 0 {
		delta = -delta
	}
	if delta > tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	}

	expectedHex := computeSignature(v.Secret, timestamp, payload)
	for _, candidate := range signatures {
		if hmac.Equal([]byte(strings.ToLower(candidate)), []byte(expectedHex)) {
			return nil
		}
	}
	return fmt.Errorf("%w: signature mismatch", ErrSignatureInvalid)
}

// SignPayload builds a signature header for payload. Used by test senders and
// the local development provider.
func SignPayload(secret string, payload []byte, at time.Time) string {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	return "t=" + timestamp + ",v1=" + computeSignature(secret, timestamp, payload)
}

func computeSignature(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (string, []string) {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(name) {
		case "t":
			timestamp = strings.TrimSpace(value)
		case "v1":
			if value = strings.TrimSpace(value); value != "" {
				signatures = append(signatures, value)
			}
		}
	}
	return timestamp, signatures
}

const eventSchemaURL = "https://ledgersync.local/schemas/provider-event.json"

const eventSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "type", "data"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "type": {"type": "string", "minLength": 1},
    "created": {"type": "integer", "minimum": 0},
    "data": {
      "type": "object",
      "required": ["object"],
      "properties": {
        "object": {
          "type": "object",
          "required": ["id"],
          "properties": {
            "id": {"type": "string", "minLength": 1},
            "object": {"type": "string"},
            "customer": {"type": ["string", "null"]},
            "status": {"type": ["string", "null"]}
          }
        }
      }
    }
  }
}`

var (
	eventSchemaOnce sync.Once
	eventSchema     *jsonschema.Schema
	eventSchemaErr  error
)

func compiledEventSchema() (*jsonschema.Schema, error) {
	eventSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchemaJSON))
		if err != nil {
			eventSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(eventSchemaURL, doc); err != nil {
			eventSchemaErr = err
			return
		}
		eventSchema, eventSchemaErr = c.Compile(eventSchemaURL)
	})
	return eventSchema, eventSchemaErr
}

// ProviderEvent is a verified and parsed provider webhook.
type ProviderEvent struct {
	ID         string
	Kind       string
	Created    time.Time
	SubjectRef string
	ObjectID   string
	ObjectType string
	Object     map[string]any
	Raw        json.RawMessage
}

type providerEventEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object map[string]any `json:"object"`
	} `json:"data"`
}

// ParseProviderEvent validates payload against the event envelope schema and
// extracts the fields routing depends on.
func ParseProviderEvent(payload []byte) (ProviderEvent, error) {
	schema, err := compiledEventSchema()
	if err != nil {
		return ProviderEvent{}, fmt.Errorf("compile event schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return ProviderEvent{}, fmt.Errorf("%w: event is not valid JSON: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(inst); err != nil {
		return ProviderEvent{}, fmt.Errorf("%w: event envelope: %v", ErrInvalidInput, err)
	}
	var envelope providerEventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ProviderEvent{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	object := envelope.Data.Object
	event := ProviderEvent{
		ID:         strings.TrimSpace(envelope.ID),
		Kind:       strings.TrimSpace(envelope.Type),
		ObjectID:   stringField(object, "id"),
		ObjectType: stringField(object, "object"),
		Object:     object,
		Raw:        append(json.RawMessage(nil), payload...),
	}
	if envelope.Created > 0 {
		event.Created = time.Unix(envelope.Created, 0).UTC()
	}
	if event.ObjectType == "customer" {
		event.SubjectRef = event.ObjectID
	} else {
		event.SubjectRef = stringField(object, "customer")
	}
	return event, nil
}

func stringField(m map[string]any, name string) string {
	if m == nil {
		return ""
	}
	value, _ := m[name].(string)
	return strings.TrimSpace(value)
}
