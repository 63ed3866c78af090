package migrate

import (
	"context"
	"fmt"
	"time"
)

// correspondenceTimeLayout is the embedded timestamp format the source system
// puts in date_created: time-of-day, then day.month.year.
const correspondenceTimeLayout = "15:04:05 02.01.2006"

func parseCorrespondenceTime(raw string) (time.Time, error) {
	return time.Parse(correspondenceTimeLayout, raw)
}

type TransformerOptions struct {
	Store     StagingStore
	Mapper    IdentifierMapper
	Validator *PayloadValidator
	Logger    Logger
}

// Transformer turns a staged record's raw source document into the request
// body the destination API expects. Each kind has a fixed field mapping;
// cross-entity references go through the identifier mapper. Fields left nil or
// empty-string after mapping are dropped; arrays survive even when empty.
type Transformer struct {
	store     StagingStore
	mapper    IdentifierMapper
	validator *PayloadValidator
	logger    Logger
}

func NewTransformer(opts TransformerOptions) (*Transformer, error) {
	if opts.Store == nil || opts.Mapper == nil {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Transformer{
		store:     opts.Store,
		mapper:    opts.Mapper,
		validator: opts.Validator,
		logger:    logger,
	}, nil
}

func (t *Transformer) Transform(ctx context.Context, kind EntityKind, raw map[string]any) (map[string]any, error) {
	var payload map[string]any
	switch kind {
	case KindRequest:
		payload = t.requestPayload(ctx, raw)
	case KindContact:
		payload = t.contactPayload(raw)
	case KindComment:
		payload = t.commentPayload(ctx, raw)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	if t.validator != nil {
		if err := t.validator.Validate(kind, payload); err != nil {
			return nil, fmt.Errorf("payload for %s failed validation: %w", kind, err)
		}
	}
	return payload, nil
}

func (t *Transformer) requestPayload(ctx context.Context, raw map[string]any) map[string]any {
	userID, _ := rawInt64(raw, "user_id")
	owner := t.mapper.Resolve(ctx, KindContact, userID, int64Ptr(1))
	payload := map[string]any{
		"title":         raw["title"],
		"description":   t.requestDescription(ctx, raw),
		"status_id":     raw["status_id"],
		"priority_id":   raw["priority_id"],
		"type_id":       raw["type_id"],
		"department_id": orDefault(raw["department_id"], int64(1)),
		"owner_id":      owner,
		"user_id":       owner,
		"user_email":    raw["user_email"],
		"tags":          orDefault(raw["tags"], []any{}),
	}
	return cleanPayload(payload)
}

func (t *Transformer) contactPayload(raw map[string]any) map[string]any {
	payload := map[string]any{
		"name":          raw["name"],
		"lastname":      raw["lastname"],
		"alias":         raw["alias"],
		"email":         raw["email"],
		"phone":         raw["phone"],
		"website":       raw["website"],
		"organization":  nestedField(raw, "organization", "name"),
		"organiz_id":    nestedField(raw, "organization", "id"),
		"status":        orDefault(raw["status"], "active"),
		"language":      raw["language"],
		"notifications": orDefault(raw["notifications"], int64(0)),
		"user_status":   raw["user_status"],
		"group_id":      nestedField(raw, "group", "id"),
		"department":    raw["department"],
		"custom_fields": orDefault(raw["custom_fields"], []any{}),
		"password":      "password",
	}
	return cleanPayload(payload)
}

func (t *Transformer) commentPayload(ctx context.Context, raw map[string]any) map[string]any {
	userID, _ := rawInt64(raw, "user_id")
	payload := map[string]any{
		"text":    raw["text"],
		"user_id": t.mapper.Resolve(ctx, KindContact, userID, int64Ptr(1)),
	}
	if files, ok := raw["files"].([]any); ok && len(files) > 0 {
		payload["files"] = files
	}
	return payload
}

// requestDescription seeds the destination ticket's description with the text
// of the oldest answer on the source ticket, and marks that answer Sent so the
// conversation upload does not repeat it. Tickets with no answers get a single
// space (the destination rejects an empty description).
func (t *Transformer) requestDescription(ctx context.Context, raw map[string]any) string {
	ticketID, ok := rawInt64(raw, "id")
	if !ok {
		return " "
	}
	answers, err := t.store.ListByKind(ctx, KindAnswer)
	if err != nil {
		t.logger.Printf("listing answers for ticket %d failed: %v", ticketID, err)
		return " "
	}
	var oldest *StagedRecord
	var oldestAt time.Time
	for i := range answers {
		answer := answers[i]
		answerTicket, ok := rawInt64(answer.RawPayload, "ticket_id")
		if !ok || answerTicket != ticketID {
			continue
		}
		created, err := parseCorrespondenceTime(rawString(answer.RawPayload, "date_created"))
		if err != nil {
			continue
		}
		if oldest == nil || created.Before(oldestAt) {
			oldest = &answers[i]
			oldestAt = created
		}
	}
	if oldest == nil {
		return " "
	}
	if err := t.store.MarkSent(ctx, KindAnswer, oldest.ExternalID, nil); err != nil {
		t.logger.Printf("marking seed answer %d sent failed: %v", oldest.ExternalID, err)
	}
	return rawString(oldest.RawPayload, "text")
}

// cleanPayload drops nil values and empty strings. Arrays and objects stay,
// empty or not.
func cleanPayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for field, value := range payload {
		if value == nil {
			continue
		}
		if s, ok := value.(string); ok && s == "" {
			continue
		}
		out[field] = value
	}
	return out
}

func orDefault(value, fallback any) any {
	if value == nil {
		return fallback
	}
	if s, ok := value.(string); ok && s == "" {
		return fallback
	}
	return value
}

func nestedField(raw map[string]any, object, field string) any {
	nested, ok := raw[object].(map[string]any)
	if !ok {
		return nil
	}
	return nested[field]
}
