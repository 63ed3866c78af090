package migrate

import (
	"context"
	"fmt"
)

type ExtractorOptions struct {
	Store  StagingStore
	Client *HelpDeskClient
	Logger Logger
}

// Extractor pulls paginated entity lists from the source help desk and stages
// every item. Staging is an idempotent upsert, so a re-run fills in pages that
// failed previously without touching records already seen.
type Extractor struct {
	store  StagingStore
	client *HelpDeskClient
	logger Logger
}

func NewExtractor(opts ExtractorOptions) (*Extractor, error) {
	if opts.Store == nil || opts.Client == nil {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Extractor{store: opts.Store, client: opts.Client, logger: logger}, nil
}

func (e *Extractor) Extract(ctx context.Context, kind EntityKind) (Summary, error) {
	switch kind {
	case KindRequest:
		return e.extractPages(ctx, "tickets/", kind)
	case KindContact:
		return e.extractPages(ctx, "users/", kind)
	case KindDepartment:
		return e.extractPages(ctx, "departments/", kind)
	case KindCustomField:
		return e.extractPages(ctx, "custom_fields/", kind)
	case KindAnswer:
		return e.extractTicketScoped(ctx, "posts/", kind)
	case KindComment:
		return e.extractTicketScoped(ctx, "comments/", kind)
	case KindCustomFieldOption:
		return e.extractFieldOptions(ctx)
	default:
		return Summary{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
}

func (e *Extractor) extractPages(ctx context.Context, endpoint string, kind EntityKind) (Summary, error) {
	page, err := e.client.ListPage(ctx, endpoint, 1)
	if err != nil {
		return Summary{}, err
	}
	totalPages := page.Pagination.TotalPages
	if totalPages < 1 {
		totalPages = 1
	}
	saved := e.stageItems(ctx, kind, page.Data)
	e.logger.Printf("extracting %d pages of %s", totalPages, kind)

	for pageNum := 2; pageNum <= totalPages; pageNum++ {
		page, err := e.client.ListPage(ctx, endpoint, pageNum)
		if err != nil {
			if ctx.Err() != nil {
				return Summary{}, ctx.Err()
			}
			e.logger.Printf("page %d of %s failed, skipping: %v", pageNum, kind, err)
			continue
		}
		saved += e.stageItems(ctx, kind, page.Data)
	}

	return Summary{
		Success:    true,
		SavedCount: saved,
		Message:    fmt.Sprintf("extracted %d pages of %s", totalPages, kind),
	}, nil
}

// extractTicketScoped walks every staged ticket and pulls its nested
// collection (answers or comments). One ticket's failure never aborts the
// sweep.
func (e *Extractor) extractTicketScoped(ctx context.Context, endpoint string, kind EntityKind) (Summary, error) {
	tickets, err := e.store.ListByKind(ctx, KindRequest)
	if err != nil {
		return Summary{}, err
	}
	saved := 0
	for _, ticket := range tickets {
		if ctx.Err() != nil {
			return Summary{}, ctx.Err()
		}
		ticketID, ok := rawInt64(ticket.RawPayload, "id")
		if !ok {
			continue
		}
		saved += e.extractParentPages(ctx, fmt.Sprintf("tickets/%d/%s", ticketID, endpoint), kind, ticketID)
	}
	return Summary{
		Success:    true,
		SavedCount: saved,
		Message:    fmt.Sprintf("saved %d %s records across %d tickets", saved, kind, len(tickets)),
	}, nil
}

func (e *Extractor) extractFieldOptions(ctx context.Context) (Summary, error) {
	fields, err := e.store.ListByKind(ctx, KindCustomField)
	if err != nil {
		return Summary{}, err
	}
	saved := 0
	for _, field := range fields {
		if ctx.Err() != nil {
			return Summary{}, ctx.Err()
		}
		fieldID, ok := rawInt64(field.RawPayload, "id")
		if !ok {
			continue
		}
		saved += e.extractParentPages(ctx, fmt.Sprintf("custom_fields/%d/options/", fieldID), KindCustomFieldOption, fieldID)
	}
	return Summary{
		Success:    true,
		SavedCount: saved,
		Message:    fmt.Sprintf("processed options for %d fields", len(fields)),
	}, nil
}

func (e *Extractor) extractParentPages(ctx context.Context, endpoint string, kind EntityKind, parentID int64) int {
	page, err := e.client.ListPage(ctx, endpoint, 1)
	if err != nil {
		e.logger.Printf("fetching %s for parent %d failed, skipping: %v", kind, parentID, err)
		return 0
	}
	totalPages := page.Pagination.TotalPages
	if totalPages < 1 {
		totalPages = 1
	}
	saved := e.stageItems(ctx, kind, page.Data)

	for pageNum := 2; pageNum <= totalPages; pageNum++ {
		page, err := e.client.ListPage(ctx, endpoint, pageNum)
		if err != nil {
			e.logger.Printf("page %d of %s for parent %d failed, skipping: %v", pageNum, kind, parentID, err)
			continue
		}
		saved += e.stageItems(ctx, kind, page.Data)
	}
	return saved
}

func (e *Extractor) stageItems(ctx context.Context, kind EntityKind, items []map[string]any) int {
	saved := 0
	for _, item := range items {
		externalID, ok := rawInt64(item, "id")
		if !ok {
			e.logger.Printf("skipping %s item without id", kind)
			continue
		}
		if _, err := e.store.Upsert(ctx, kind, externalID, item); err != nil {
			e.logger.Printf("staging %s %d failed: %v", kind, externalID, err)
			continue
		}
		saved++
	}
	return saved
}
