package migrate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultMaxAttempts   = 2
	defaultRetryDelay    = time.Second
	defaultMaxTextLength = 15000
)

type UploadWorkerOptions struct {
	Store       StagingStore
	Mapper      IdentifierMapper
	Transformer *Transformer
	Validator   *PayloadValidator
	Client      *HelpDeskClient
	Logger      Logger

	MaxAttempts   int
	RetryDelay    time.Duration
	MaxTextLength int
}

// UploadWorker delivers one staged record to the destination API: transform,
// POST, record the assigned destination id, mark the record Sent. Failures are
// recorded on the record and retried a small fixed number of times inside one
// invocation; a record whose attempts are exhausted stays NotSent so the next
// pipeline run picks it up again.
type UploadWorker struct {
	store       StagingStore
	mapper      IdentifierMapper
	transformer *Transformer
	validator   *PayloadValidator
	client      *HelpDeskClient
	logger      Logger

	maxAttempts   int
	retryDelay    time.Duration
	maxTextLength int
}

func NewUploadWorker(opts UploadWorkerOptions) (*UploadWorker, error) {
	if opts.Store == nil || opts.Mapper == nil || opts.Transformer == nil || opts.Client == nil {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	maxTextLength := opts.MaxTextLength
	if maxTextLength <= 0 {
		maxTextLength = defaultMaxTextLength
	}
	return &UploadWorker{
		store:         opts.Store,
		mapper:        opts.Mapper,
		transformer:   opts.Transformer,
		validator:     opts.Validator,
		client:        opts.Client,
		logger:        logger,
		maxAttempts:   maxAttempts,
		retryDelay:    retryDelay,
		maxTextLength: maxTextLength,
	}, nil
}

func (w *UploadWorker) UploadRecord(ctx context.Context, record StagedRecord) error {
	switch record.Kind {
	case KindRequest:
		return w.uploadCreate(ctx, record, "tickets/")
	case KindContact:
		return w.uploadCreate(ctx, record, "users/")
	case KindComment:
		return w.uploadComment(ctx, record)
	case KindAnswer:
		return w.uploadAnswer(ctx, record)
	default:
		err := fmt.Errorf("%w: %s", ErrUnsupportedKind, record.Kind)
		_ = w.store.MarkFailed(ctx, record.Kind, record.ExternalID, err.Error())
		return err
	}
}

// uploadCreate handles kinds whose destination endpoint assigns a new id that
// later records reference: the id mapping is saved before the record is
// marked Sent.
func (w *UploadWorker) uploadCreate(ctx context.Context, record StagedRecord, endpoint string) error {
	payload, err := w.transformer.Transform(ctx, record.Kind, record.RawPayload)
	if err != nil {
		_ = w.store.MarkFailed(ctx, record.Kind, record.ExternalID, err.Error())
		return err
	}
	return w.withAttempts(ctx, func() error {
		created, err := w.client.Create(ctx, endpoint, payload)
		if err != nil {
			if record.Kind == KindContact && w.adoptExistingContact(ctx, record, payload, err) {
				return nil
			}
			_ = w.store.MarkFailed(ctx, record.Kind, record.ExternalID, err.Error())
			return err
		}
		destinationID, ok := rawInt64(created, "id")
		if !ok {
			err := fmt.Errorf("create response for %s %d carries no id", record.Kind, record.ExternalID)
			_ = w.store.MarkFailed(ctx, record.Kind, record.ExternalID, err.Error())
			return backoff.Permanent(err)
		}
		if err := w.mapper.Save(ctx, record.Kind, record.ExternalID, destinationID); err != nil {
			_ = w.store.MarkFailed(ctx, record.Kind, record.ExternalID, err.Error())
			return err
		}
		if err := w.store.MarkSent(ctx, record.Kind, record.ExternalID, &destinationID); err != nil {
			return err
		}
		w.logger.Printf("uploaded %s %d as destination id %d", record.Kind, record.ExternalID, destinationID)
		return nil
	})
}

func (w *UploadWorker) uploadComment(ctx context.Context, record StagedRecord) error {
	ticketID, ok := rawInt64(record.RawPayload, "ticket_id")
	if !ok {
		err := fmt.Errorf("comment %d carries no ticket_id", record.ExternalID)
		_ = w.store.MarkFailed(ctx, KindComment, record.ExternalID, err.Error())
		return err
	}
	destinationTicket := w.mapper.Resolve(ctx, KindRequest, ticketID, nil)
	payload, err := w.transformer.Transform(ctx, KindComment, record.RawPayload)
	if err != nil {
		_ = w.store.MarkFailed(ctx, KindComment, record.ExternalID, err.Error())
		return err
	}
	endpoint := fmt.Sprintf("tickets/%d/comments/", destinationTicket)
	return w.withAttempts(ctx, func() error {
		created, err := w.client.Create(ctx, endpoint, payload)
		if err != nil {
			_ = w.store.MarkFailed(ctx, KindComment, record.ExternalID, err.Error())
			return err
		}
		var destinationID *int64
		if id, ok := rawInt64(created, "id"); ok {
			destinationID = &id
		}
		if err := w.store.MarkSent(ctx, KindComment, record.ExternalID, destinationID); err != nil {
			return err
		}
		w.logger.Printf("uploaded comment %d to destination ticket %d", record.ExternalID, destinationTicket)
		return nil
	})
}

// uploadAnswer splits long answer text into ordered chunks and posts them as
// a sequence of dependent calls. The record is Sent only once every chunk has
// landed; a failed chunk aborts the rest of that attempt.
func (w *UploadWorker) uploadAnswer(ctx context.Context, record StagedRecord) error {
	ticketID, ok := rawInt64(record.RawPayload, "ticket_id")
	if !ok {
		err := fmt.Errorf("answer %d carries no ticket_id", record.ExternalID)
		_ = w.store.MarkFailed(ctx, KindAnswer, record.ExternalID, err.Error())
		return err
	}
	destinationTicket := w.mapper.Resolve(ctx, KindRequest, ticketID, nil)
	userID, _ := rawInt64(record.RawPayload, "user_id")
	destinationUser := w.mapper.Resolve(ctx, KindContact, userID, int64Ptr(1))
	chunks := splitText(rawString(record.RawPayload, "text"), w.maxTextLength)
	endpoint := fmt.Sprintf("tickets/%d/posts/", destinationTicket)

	return w.withAttempts(ctx, func() error {
		for _, chunk := range chunks {
			payload := map[string]any{"text": chunk, "user_id": destinationUser}
			if w.validator != nil {
				if err := w.validator.Validate(KindAnswer, payload); err != nil {
					_ = w.store.MarkFailed(ctx, KindAnswer, record.ExternalID, err.Error())
					return backoff.Permanent(err)
				}
			}
			if _, err := w.client.Create(ctx, endpoint, payload); err != nil {
				_ = w.store.MarkFailed(ctx, KindAnswer, record.ExternalID, err.Error())
				return err
			}
		}
		if err := w.store.MarkSent(ctx, KindAnswer, record.ExternalID, nil); err != nil {
			return err
		}
		w.logger.Printf("uploaded answer %d to destination ticket %d in %d parts", record.ExternalID, destinationTicket, len(chunks))
		return nil
	})
}

// adoptExistingContact reconciles a duplicate-email rejection: if the
// destination already has a user with this email, that user's id becomes the
// mapping and the record counts as delivered.
func (w *UploadWorker) adoptExistingContact(ctx context.Context, record StagedRecord, payload map[string]any, cause error) bool {
	if !isEmailConflict(cause) {
		return false
	}
	email, _ := payload["email"].(string)
	if email == "" {
		return false
	}
	existing, err := w.findUserByEmail(ctx, email)
	if err != nil {
		w.logger.Printf("looking up destination user %s failed: %v", email, err)
		return false
	}
	if existing == nil {
		return false
	}
	destinationID, ok := rawInt64(existing, "id")
	if !ok {
		return false
	}
	if err := w.mapper.Save(ctx, KindContact, record.ExternalID, destinationID); err != nil {
		w.logger.Printf("saving adopted mapping for contact %d failed: %v", record.ExternalID, err)
		return false
	}
	if err := w.store.MarkSent(ctx, KindContact, record.ExternalID, &destinationID); err != nil {
		w.logger.Printf("marking adopted contact %d sent failed: %v", record.ExternalID, err)
		return false
	}
	w.logger.Printf("contact %d already exists on destination as %d, adopted", record.ExternalID, destinationID)
	return true
}

func (w *UploadWorker) findUserByEmail(ctx context.Context, email string) (map[string]any, error) {
	page := 1
	for {
		envelope, err := w.client.ListPage(ctx, "users/", page)
		if err != nil {
			return nil, err
		}
		for _, user := range envelope.Data {
			if rawString(user, "email") == email {
				return user, nil
			}
		}
		totalPages := envelope.Pagination.TotalPages
		if totalPages < 1 {
			totalPages = 1
		}
		page++
		if page > totalPages {
			return nil, nil
		}
	}
}

func (w *UploadWorker) withAttempts(ctx context.Context, attempt func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(w.retryDelay), uint64(w.maxAttempts-1)),
		ctx,
	)
	return backoff.Retry(attempt, policy)
}

func isEmailConflict(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	if httpErr.StatusCode == http.StatusConflict {
		return true
	}
	if httpErr.StatusCode < 400 || httpErr.StatusCode >= 500 {
		return false
	}
	body := strings.ToLower(httpErr.Body)
	return strings.Contains(body, "email") &&
		(strings.Contains(body, "exist") || strings.Contains(body, "taken") || strings.Contains(body, "duplicate"))
}

// splitText chunks by runes so a multi-byte character never straddles two
// uploads.
func splitText(text string, maxLength int) []string {
	runes := []rune(text)
	if len(runes) <= maxLength {
		return []string{text}
	}
	chunks := make([]string, 0, (len(runes)+maxLength-1)/maxLength)
	for start := 0; start < len(runes); start += maxLength {
		end := start + maxLength
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
