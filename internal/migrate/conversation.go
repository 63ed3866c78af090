package migrate

import (
	"context"
	"fmt"
	"sort"
	"time"
)

type ConversationMergerOptions struct {
	Store    StagingStore
	Mapper   IdentifierMapper
	Uploader *UploadWorker
	Logger   Logger
}

// ConversationMerger rebuilds one ticket's correspondence on the destination
// side: every unsent comment and answer belonging to the ticket, uploaded in
// chronological order. The parent ticket must already be migrated and mapped;
// that dependency is hard, unlike the soft pass-through used for field
// references.
type ConversationMerger struct {
	store    StagingStore
	mapper   IdentifierMapper
	uploader *UploadWorker
	logger   Logger
}

func NewConversationMerger(opts ConversationMergerOptions) (*ConversationMerger, error) {
	if opts.Store == nil || opts.Mapper == nil || opts.Uploader == nil {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &ConversationMerger{
		store:    opts.Store,
		mapper:   opts.Mapper,
		uploader: opts.Uploader,
		logger:   logger,
	}, nil
}

func (m *ConversationMerger) UploadConversation(ctx context.Context, sourceTicketID int64, stopOnError bool) error {
	if _, ok := m.mapper.Lookup(ctx, KindRequest, sourceTicketID); !ok {
		return fmt.Errorf("%w: source ticket %d", ErrTicketNotMapped, sourceTicketID)
	}
	items, err := m.gatherUnsent(ctx, &sourceTicketID, &sourceTicketID)
	if err != nil {
		return err
	}
	sortChronologically(items)

	for _, item := range items {
		if err := m.uploader.UploadRecord(ctx, item); err != nil {
			m.logger.Printf("uploading %s %d for ticket %d failed: %v", item.Kind, item.ExternalID, sourceTicketID, err)
			if stopOnError {
				return err
			}
		}
	}
	return nil
}

// UploadConversations groups every unsent comment and answer by its embedded
// ticket id (optionally restricted to a ticket id window) and merges each
// group. One ticket's failure is logged; its siblings still run.
func (m *ConversationMerger) UploadConversations(ctx context.Context, fromID, toID *int64) (Summary, error) {
	items, err := m.gatherUnsent(ctx, fromID, toID)
	if err != nil {
		return Summary{}, err
	}
	ticketIDs := make([]int64, 0)
	seen := map[int64]struct{}{}
	for _, item := range items {
		ticketID, ok := rawInt64(item.RawPayload, "ticket_id")
		if !ok {
			continue
		}
		if _, dup := seen[ticketID]; dup {
			continue
		}
		seen[ticketID] = struct{}{}
		ticketIDs = append(ticketIDs, ticketID)
	}
	sort.Slice(ticketIDs, func(i, j int) bool { return ticketIDs[i] < ticketIDs[j] })

	for _, ticketID := range ticketIDs {
		if ctx.Err() != nil {
			return Summary{}, ctx.Err()
		}
		if err := m.UploadConversation(ctx, ticketID, true); err != nil {
			m.logger.Printf("conversation for ticket %d failed: %v", ticketID, err)
		}
	}
	return Summary{
		Success:    true,
		SavedCount: len(ticketIDs),
		Message:    fmt.Sprintf("processed conversations for %d tickets", len(ticketIDs)),
	}, nil
}

// gatherUnsent returns unsent comments and answers whose embedded ticket id
// falls inside the window. The window applies to the ticket id the record
// references, not the record's own id.
func (m *ConversationMerger) gatherUnsent(ctx context.Context, fromTicketID, toTicketID *int64) ([]StagedRecord, error) {
	out := make([]StagedRecord, 0)
	for _, kind := range []EntityKind{KindComment, KindAnswer} {
		records, err := m.store.ListUnsent(ctx, kind, nil, nil)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			ticketID, ok := rawInt64(record.RawPayload, "ticket_id")
			if !ok {
				continue
			}
			if fromTicketID != nil && ticketID < *fromTicketID {
				continue
			}
			if toTicketID != nil && ticketID > *toTicketID {
				continue
			}
			out = append(out, record)
		}
	}
	return out, nil
}

// sortChronologically orders records by their embedded date_created timestamp.
// Records whose timestamp fails to parse sort first so they surface early
// instead of silently trailing the conversation.
func sortChronologically(records []StagedRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return correspondenceTime(records[i]).Before(correspondenceTime(records[j]))
	})
}

func correspondenceTime(record StagedRecord) time.Time {
	created, err := parseCorrespondenceTime(rawString(record.RawPayload, "date_created"))
	if err != nil {
		return time.Time{}
	}
	return created
}
