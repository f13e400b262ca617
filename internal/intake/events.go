package intake

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// EventTypeBlobCreated is the only notification type this worker
// processes; everything else is skipped without error.
const EventTypeBlobCreated = "Microsoft.Storage.BlobCreated"

// Notification is the externally-owned storage-change event shape.
type Notification struct {
	ID        string `json:"id"`
	EventType string `json:"eventType"`
	Subject   string `json:"subject"`
	Data      struct {
		URL string `json:"url"`
	} `json:"data"`
}

// Payloads must at minimum carry an eventType; everything else stays
// optional so that a malformed event is rejected by the processor with a
// precise error code instead of failing the whole message here.
const notificationSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"oneOf": [
		{"$ref": "#/$defs/event"},
		{"type": "array", "items": {"$ref": "#/$defs/event"}}
	],
	"$defs": {
		"event": {
			"type": "object",
			"required": ["eventType"],
			"properties": {
				"id": {"type": "string"},
				"eventType": {"type": "string"},
				"subject": {"type": "string"},
				"data": {
					"type": "object",
					"properties": {
						"url": {"type": "string"}
					}
				}
			}
		}
	}
}`

var (
	notificationSchemaOnce sync.Once
	notificationSchemaVal  *jsonschema.Schema
	notificationSchemaErr  error
)

func compiledNotificationSchema() (*jsonschema.Schema, error) {
	notificationSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(notificationSchema))
		if err != nil {
			notificationSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("notification.json", doc); err != nil {
			notificationSchemaErr = err
			return
		}
		notificationSchemaVal, notificationSchemaErr = compiler.Compile("notification.json")
	})
	return notificationSchemaVal, notificationSchemaErr
}

// DecodeNotifications parses a queue message body into events. The body
// is tried as raw JSON first and as base64-wrapped JSON second; whichever
// candidate passes schema validation wins. Both failing is a hard error
// for the message.
func DecodeNotifications(payload string) ([]Notification, error) {
	schema, err := compiledNotificationSchema()
	if err != nil {
		return nil, err
	}

	candidates := []string{payload}
	if decoded, decodeErr := base64.StdEncoding.DecodeString(strings.TrimSpace(payload)); decodeErr == nil {
		candidates = append(candidates, string(decoded))
	}

	var lastErr error
	for _, candidate := range candidates {
		instance, instErr := jsonschema.UnmarshalJSON(strings.NewReader(candidate))
		if instErr != nil {
			lastErr = instErr
			continue
		}
		if validateErr := schema.Validate(instance); validateErr != nil {
			lastErr = validateErr
			continue
		}
		trimmed := strings.TrimSpace(candidate)
		if strings.HasPrefix(trimmed, "[") {
			var events []Notification
			if err := json.Unmarshal([]byte(candidate), &events); err != nil {
				lastErr = err
				continue
			}
			return events, nil
		}
		var event Notification
		if err := json.Unmarshal([]byte(candidate), &event); err != nil {
			lastErr = err
			continue
		}
		return []Notification{event}, nil
	}
	if lastErr == nil {
		lastErr = ErrInvalidInput
	}
	return nil, fmt.Errorf("unable to parse notification payload: %w", lastErr)
}

var subjectPattern = regexp.MustCompile(`/containers/([^/]+)/blobs/(.+)`)

// ParseTenant extracts the tenant identifier from an event subject. The
// blob path's first segment must be "tenant=<id>" under the expected
// container.
func ParseTenant(subject, container string) (string, bool) {
	match := subjectPattern.FindStringSubmatch(subject)
	if match == nil {
		return "", false
	}
	if match[1] != container {
		return "", false
	}
	decoded, err := url.PathUnescape(match[2])
	if err != nil {
		return "", false
	}
	firstSegment, _, _ := strings.Cut(decoded, "/")
	if !strings.HasPrefix(firstSegment, "tenant=") {
		return "", false
	}
	tenantID := strings.TrimPrefix(firstSegment, "tenant=")
	if tenantID == "" {
		return "", false
	}
	return tenantID, true
}

// BlobNameFromURL returns the final path segment of an absolute blob URL.
func BlobNameFromURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse blob url: %w", err)
	}
	decoded, err := url.PathUnescape(parsed.Path)
	if err != nil {
		return "", fmt.Errorf("unescape blob path: %w", err)
	}
	return path.Base(decoded), nil
}

// ExtensionOf returns the lowercased extension of a blob name without
// the leading dot; empty when the name has none.
func ExtensionOf(blobName string) string {
	return NormalizeExtension(path.Ext(blobName))
}
