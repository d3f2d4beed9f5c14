package calsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const notificationSchemaURL = "https://relaycal.dev/schemas/webhook-notification.json"

const notificationSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["providerEventId", "provider", "operation"],
  "properties": {
    "providerEventId": {"type": "string", "minLength": 1},
    "provider": {"type": "string", "minLength": 1},
    "operation": {"enum": ["created", "updated", "deleted"]},
    "title": {"type": "string"},
    "description": {"type": "string"},
    "startDate": {"type": "string", "format": "date-time"},
    "endDate": {"type": "string", "format": "date-time"},
    "allDay": {"type": "boolean"},
    "location": {"type": "string"},
    "attendees": {"type": "array", "items": {"type": "string"}},
    "lastModified": {"type": "string", "format": "date-time"},
    "etag": {"type": "string"},
    "deliveryId": {"type": "string"},
    "calendarId": {"type": "string"}
  },
  "if": {"properties": {"operation": {"enum": ["created", "updated"]}}},
  "then": {"required": ["title", "startDate", "endDate", "lastModified"]}
}`

var (
	notificationSchemaOnce sync.Once
	notificationSchema     *jsonschema.Schema
	notificationSchemaErr  error
)

func compiledNotificationSchema() (*jsonschema.Schema, error) {
	notificationSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(notificationSchemaJSON))
		if err != nil {
			notificationSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		c.AssertFormat()
		if err := c.AddResource(notificationSchemaURL, doc); err != nil {
			notificationSchemaErr = err
			return
		}
		notificationSchema, notificationSchemaErr = c.Compile(notificationSchemaURL)
	})
	return notificationSchema, notificationSchemaErr
}

// DecodeNotification validates a webhook body and decodes it. The provider
// named in the URL wins over the one in the payload when both are set.
func DecodeNotification(body []byte, provider string) (Notification, error) {
	sch, err := compiledNotificationSchema()
	if err != nil {
		return Notification{}, fmt.Errorf("compile notification schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := sch.Validate(inst); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if provider = strings.TrimSpace(provider); provider != "" {
		n.Provider = provider
	}
	return n, nil
}
