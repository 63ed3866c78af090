package migrate

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

const defaultUploadWorkers = 4

type PipelineOptions struct {
	Store             StagingStore
	Mapper            IdentifierMapper
	Queue             TaskQueue
	Extractor         *Extractor
	Uploader          *UploadWorker
	Merger            *ConversationMerger
	DestinationClient *HelpDeskClient
	Progress          *ProgressBroker
	Logger            Logger

	UploadWorkers int
}

// Pipeline ties the stages together and is what the trigger surface calls.
// Each operation is independently runnable and idempotent against the staging
// store, so an interrupted migration resumes by re-running the same trigger.
type Pipeline struct {
	store      StagingStore
	mapper     IdentifierMapper
	queue      TaskQueue
	extractor  *Extractor
	uploader   *UploadWorker
	merger     *ConversationMerger
	destClient *HelpDeskClient
	progress   *ProgressBroker
	logger     Logger
	workers    int
}

func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Store == nil || opts.Mapper == nil || opts.Queue == nil ||
		opts.Extractor == nil || opts.Uploader == nil || opts.Merger == nil || opts.DestinationClient == nil {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	workers := opts.UploadWorkers
	if workers <= 0 {
		workers = defaultUploadWorkers
	}
	return &Pipeline{
		store:      opts.Store,
		mapper:     opts.Mapper,
		queue:      opts.Queue,
		extractor:  opts.Extractor,
		uploader:   opts.Uploader,
		merger:     opts.Merger,
		destClient: opts.DestinationClient,
		progress:   opts.Progress,
		logger:     logger,
		workers:    workers,
	}, nil
}

func (p *Pipeline) Extract(ctx context.Context, kind EntityKind) (Summary, error) {
	p.progress.Publish(ProgressEvent{Stage: "extract", Kind: kind, Message: "started"})
	summary, err := p.extractor.Extract(ctx, kind)
	if err != nil {
		p.progress.Publish(ProgressEvent{Stage: "extract", Kind: kind, Message: err.Error()})
		return Summary{}, err
	}
	p.progress.Publish(ProgressEvent{Stage: "extract", Kind: kind, Count: summary.SavedCount, Message: "finished"})
	return summary, nil
}

// Upload enqueues every unsent record of the kind (optionally windowed by
// external id) and drains the queue with a bounded worker pool. Individual
// record failures are recorded on the record and logged; only infrastructure
// errors abort the run.
func (p *Pipeline) Upload(ctx context.Context, kind EntityKind, fromID, toID *int64) (Summary, error) {
	records, err := p.store.ListUnsent(ctx, kind, fromID, toID)
	if err != nil {
		return Summary{}, err
	}
	p.progress.Publish(ProgressEvent{Stage: "upload", Kind: kind, Count: len(records), Message: "queueing"})

	queued := 0
	for _, record := range records {
		if !p.queue.Enqueue(ctx, UploadTask{Kind: record.Kind, ExternalID: record.ExternalID}) {
			return Summary{}, fmt.Errorf("%w: queueing %s %d", ErrQueueFull, record.Kind, record.ExternalID)
		}
		queued++
	}

	var sent atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		group.Go(func() error {
			for {
				if groupCtx.Err() != nil {
					return groupCtx.Err()
				}
				task, ok := p.queue.TryDequeue()
				if !ok {
					return nil
				}
				record, err := p.store.Get(groupCtx, task.Kind, task.ExternalID)
				if err != nil {
					p.logger.Printf("loading %s %d for upload failed: %v", task.Kind, task.ExternalID, err)
					continue
				}
				if record.SendStatus == StatusSent {
					continue
				}
				if err := p.uploader.UploadRecord(groupCtx, record); err != nil {
					p.logger.Printf("uploading %s %d failed: %v", task.Kind, task.ExternalID, err)
					continue
				}
				sent.Add(1)
				p.progress.Publish(ProgressEvent{Stage: "upload", Kind: task.Kind, Count: int(sent.Load())})
			}
		})
	}
	if err := group.Wait(); err != nil {
		return Summary{}, err
	}

	p.progress.Publish(ProgressEvent{Stage: "upload", Kind: kind, Count: int(sent.Load()), Message: "finished"})
	return Summary{
		Success:    true,
		SavedCount: int(sent.Load()),
		Message:    fmt.Sprintf("uploaded %d of %d queued %s records", sent.Load(), queued, kind),
	}, nil
}

func (p *Pipeline) UploadConversations(ctx context.Context, fromID, toID *int64) (Summary, error) {
	p.progress.Publish(ProgressEvent{Stage: "conversations", Message: "started"})
	summary, err := p.merger.UploadConversations(ctx, fromID, toID)
	if err != nil {
		return Summary{}, err
	}
	p.progress.Publish(ProgressEvent{Stage: "conversations", Count: summary.SavedCount, Message: "finished"})
	return summary, nil
}

// UpdateStatuses pushes each migrated ticket's source status to its
// destination counterpart. Tickets created on the destination open regardless
// of their source state, so this runs as a separate pass once the ticket and
// its conversation have landed.
func (p *Pipeline) UpdateStatuses(ctx context.Context) (Summary, error) {
	return p.updateTickets(ctx, "statuses", func(record StagedRecord) (map[string]any, bool) {
		statusID, ok := rawInt64(record.RawPayload, "status_id")
		if !ok {
			return nil, false
		}
		return map[string]any{"status_id": statusID}, true
	})
}

// UpdateOwners re-points each migrated ticket at the destination id of its
// source owner. Owners can only be assigned once the contacts have migrated,
// which is why creation falls back to the default user.
func (p *Pipeline) UpdateOwners(ctx context.Context) (Summary, error) {
	return p.updateTickets(ctx, "owners", func(record StagedRecord) (map[string]any, bool) {
		ownerID, ok := rawInt64(record.RawPayload, "owner_id")
		if !ok {
			return nil, false
		}
		destinationOwner, ok := p.mapper.Lookup(ctx, KindContact, ownerID)
		if !ok {
			return nil, false
		}
		return map[string]any{"owner_id": destinationOwner}, true
	})
}

// UpdateFollowers rewrites each migrated ticket's follower list through the
// contact mapping. Followers without a mapping are dropped rather than pointed
// at the default user.
func (p *Pipeline) UpdateFollowers(ctx context.Context) (Summary, error) {
	return p.updateTickets(ctx, "followers", func(record StagedRecord) (map[string]any, bool) {
		followers, ok := record.RawPayload["followers"].([]any)
		if !ok || len(followers) == 0 {
			return nil, false
		}
		mapped := make([]any, 0, len(followers))
		for _, follower := range followers {
			followerID, ok := numericValue(follower)
			if !ok {
				continue
			}
			if destinationID, ok := p.mapper.Lookup(ctx, KindContact, followerID); ok {
				mapped = append(mapped, destinationID)
			}
		}
		if len(mapped) == 0 {
			return nil, false
		}
		return map[string]any{"followers": mapped}, true
	})
}

func (p *Pipeline) updateTickets(ctx context.Context, pass string, build func(StagedRecord) (map[string]any, bool)) (Summary, error) {
	records, err := p.store.ListByKind(ctx, KindRequest)
	if err != nil {
		return Summary{}, err
	}
	updated := 0
	for _, record := range records {
		if ctx.Err() != nil {
			return Summary{}, ctx.Err()
		}
		destinationID, ok := p.mapper.Lookup(ctx, KindRequest, record.ExternalID)
		if !ok {
			continue
		}
		payload, ok := build(record)
		if !ok {
			continue
		}
		endpoint := fmt.Sprintf("tickets/%d/", destinationID)
		if err := p.destClient.Update(ctx, endpoint, payload); err != nil {
			p.logger.Printf("updating %s for ticket %d (destination %d) failed: %v", pass, record.ExternalID, destinationID, err)
			continue
		}
		updated++
	}
	p.progress.Publish(ProgressEvent{Stage: "update_" + pass, Count: updated, Message: "finished"})
	return Summary{
		Success:    true,
		SavedCount: updated,
		Message:    fmt.Sprintf("updated %s on %d tickets", pass, updated),
	}, nil
}

// StatusReport is the GET /v1/status response body.
type StatusReport struct {
	Counts     map[EntityKind]KindCounts `json:"counts"`
	QueueDepth int                       `json:"queueDepth"`
	Kinds      []EntityKind              `json:"kinds"`
}

func (p *Pipeline) Status(ctx context.Context) (StatusReport, error) {
	counts, err := p.store.Counts(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{
		Counts:     counts,
		QueueDepth: p.queue.Depth(),
		Kinds:      append([]EntityKind(nil), allKinds...),
	}, nil
}

func (p *Pipeline) Progress() *ProgressBroker {
	return p.progress
}
