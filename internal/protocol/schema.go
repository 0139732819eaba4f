// ABOUTME: JSON-schema validation for the structured payloads frames carry
// ABOUTME: Schemas compile once at construction; validation is advisory reject-and-log

package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrPayloadSchema is returned when a payload fails schema validation.
var ErrPayloadSchema = errors.New("payload schema violation")

const notificationSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {
      "type": "string",
      "enum": [
        "agent_joined",
        "agent_left",
        "task_assigned",
        "task_completed",
        "task_cancelled",
        "conversation_started",
        "conversation_ended"
      ]
    }
  }
}`

const taskSpecSchema = `{
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "params": {"type": "object"}
  }
}`

const initializeSchema = `{
  "type": "object",
  "required": ["agent"],
  "properties": {
    "agent": {
      "type": "object",
      "required": ["id", "name"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string", "minLength": 1},
        "capabilities": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

// SchemaValidator checks structured payloads against their JSON schemas.
// Frames without a schema-bound shape pass through untouched.
type SchemaValidator struct {
	notification *gojsonschema.Schema
	taskSpec     *gojsonschema.Schema
	initialize   *gojsonschema.Schema
}

// NewSchemaValidator compiles the payload schemas.
func NewSchemaValidator() (*SchemaValidator, error) {
	v := &SchemaValidator{}
	var err error
	if v.notification, err = compileSchema(notificationSchema); err != nil {
		return nil, fmt.Errorf("compile notification schema: %w", err)
	}
	if v.taskSpec, err = compileSchema(taskSpecSchema); err != nil {
		return nil, fmt.Errorf("compile task spec schema: %w", err)
	}
	if v.initialize, err = compileSchema(initializeSchema); err != nil {
		return nil, fmt.Errorf("compile initialize schema: %w", err)
	}
	return v, nil
}

func compileSchema(raw string) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader([]byte(raw)))
}

// ValidateMessage checks the payload of frames that have a bound schema:
// notifications, assign_task requests, and initialize requests.
func (v *SchemaValidator) ValidateMessage(m *Message) error {
	switch {
	case m.Type == MessageTypeNotification:
		return v.check(v.notification, m.Payload, "notification")
	case m.Type == MessageTypeRequest && m.Method == MethodAssignTask:
		return v.check(v.taskSpec, m.Payload, "task spec")
	case m.Type == MessageTypeRequest && m.Method == MethodInitialize:
		return v.check(v.initialize, m.Payload, "initialize")
	}
	return nil
}

func (v *SchemaValidator) check(schema *gojsonschema.Schema, payload map[string]any, kind string) error {
	if payload == nil {
		return fmt.Errorf("%w: %s payload missing", ErrPayloadSchema, kind)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return fmt.Errorf("validate %s payload: %w", kind, err)
	}
	if result.Valid() {
		return nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return fmt.Errorf("%w: %s: %s", ErrPayloadSchema, kind, strings.Join(details, "; "))
}
