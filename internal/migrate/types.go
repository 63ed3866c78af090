package migrate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnsupportedKind = errors.New("no payload mapping for kind")
	ErrTicketNotMapped = errors.New("ticket has no destination mapping")
	ErrQueueFull       = errors.New("queue full")
)

// EntityKind names one of the migratable record types.
type EntityKind string

const (
	KindRequest           EntityKind = "request"
	KindContact           EntityKind = "contact"
	KindAnswer            EntityKind = "answer"
	KindComment           EntityKind = "comment"
	KindDepartment        EntityKind = "department"
	KindCustomField       EntityKind = "custom_field"
	KindCustomFieldOption EntityKind = "custom_field_option"
)

var allKinds = []EntityKind{
	KindRequest,
	KindContact,
	KindAnswer,
	KindComment,
	KindDepartment,
	KindCustomField,
	KindCustomFieldOption,
}

func ParseEntityKind(raw string) (EntityKind, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_")
	switch normalized {
	case "request", "requests", "ticket", "tickets":
		return KindRequest, nil
	case "contact", "contacts", "user", "users":
		return KindContact, nil
	case "answer", "answers", "post", "posts":
		return KindAnswer, nil
	case "comment", "comments":
		return KindComment, nil
	case "department", "departments":
		return KindDepartment, nil
	case "custom_field", "custom_fields":
		return KindCustomField, nil
	case "custom_field_option", "custom_field_options":
		return KindCustomFieldOption, nil
	default:
		return "", fmt.Errorf("%w: unknown entity kind %q", ErrInvalidInput, raw)
	}
}

type SendStatus string

const (
	StatusNotSent SendStatus = "not_sent"
	StatusSent    SendStatus = "sent"
)

// StagedRecord is one extracted source record awaiting upload. (Kind, ExternalID)
// is the identity; RawPayload is the source document exactly as received.
type StagedRecord struct {
	Kind          EntityKind     `json:"kind"`
	ExternalID    int64          `json:"externalId"`
	RawPayload    map[string]any `json:"rawPayload"`
	SendStatus    SendStatus     `json:"sendStatus"`
	DestinationID *int64         `json:"destinationId,omitempty"`
	LastError     string         `json:"lastError,omitempty"`
	StagedAt      time.Time      `json:"stagedAt"`
}

type IdentifierMapping struct {
	Kind          EntityKind `json:"kind"`
	ExternalID    int64      `json:"externalId"`
	DestinationID int64      `json:"destinationId"`
}

// KindCounts reports how many records of one kind are staged and how many of
// those have been delivered.
type KindCounts struct {
	Staged int `json:"staged"`
	Sent   int `json:"sent"`
}

// Summary is the result shape every trigger operation returns.
type Summary struct {
	Success    bool   `json:"success"`
	SavedCount int    `json:"saved_count"`
	Message    string `json:"message"`
}

type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(format string, args ...any) {}

// rawInt64 reads a numeric field out of a decoded JSON document. JSON numbers
// arrive as float64; staged documents round-tripped through Go may carry int or
// int64 instead.
func rawInt64(doc map[string]any, field string) (int64, bool) {
	value, ok := doc[field]
	if !ok || value == nil {
		return 0, false
	}
	return numericValue(value)
}

func numericValue(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		parsed, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func rawString(doc map[string]any, field string) string {
	value, ok := doc[field]
	if !ok || value == nil {
		return ""
	}
	s, _ := value.(string)
	return s
}
