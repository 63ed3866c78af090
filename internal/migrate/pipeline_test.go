package migrate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func newTestPipeline(t *testing.T, store StagingStore, mapper IdentifierMapper, sourceURL, destURL string) *Pipeline {
	t.Helper()
	validator, err := NewPayloadValidator()
	if err != nil {
		t.Fatalf("building validator failed: %v", err)
	}
	transformer, err := NewTransformer(TransformerOptions{Store: store, Mapper: mapper, Validator: validator})
	if err != nil {
		t.Fatalf("building transformer failed: %v", err)
	}
	extractor, err := NewExtractor(ExtractorOptions{Store: store, Client: newTestClient(sourceURL)})
	if err != nil {
		t.Fatalf("building extractor failed: %v", err)
	}
	destClient := newTestClient(destURL)
	uploader, err := NewUploadWorker(UploadWorkerOptions{
		Store:       store,
		Mapper:      mapper,
		Transformer: transformer,
		Validator:   validator,
		Client:      destClient,
		MaxAttempts: 2,
		RetryDelay:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("building uploader failed: %v", err)
	}
	merger, err := NewConversationMerger(ConversationMergerOptions{Store: store, Mapper: mapper, Uploader: uploader})
	if err != nil {
		t.Fatalf("building merger failed: %v", err)
	}
	pipeline, err := NewPipeline(PipelineOptions{
		Store:             store,
		Mapper:            mapper,
		Queue:             NewInMemoryTaskQueue(64),
		Extractor:         extractor,
		Uploader:          uploader,
		Merger:            merger,
		DestinationClient: destClient,
		Progress:          NewProgressBroker(),
		UploadWorkers:     2,
	})
	if err != nil {
		t.Fatalf("building pipeline failed: %v", err)
	}
	return pipeline
}

func TestPipelineUploadDrainsQueue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		// Echo a destination id derived from the email local part length so
		// each contact gets a distinct id.
		email, _ := payload["email"].(string)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 100 + len(email)})
	}))
	defer server.Close()

	store := NewMemoryStagingStore()
	mapper := NewMemoryIdentifierMapper()
	pipeline := newTestPipeline(t, store, mapper, server.URL, server.URL)
	ctx := context.Background()

	emails := []string{"a@x.io", "bb@x.io", "ccc@x.io"}
	for i, email := range emails {
		id := int64(i + 1)
		if _, err := store.Upsert(ctx, KindContact, id, map[string]any{"id": float64(id), "email": email}); err != nil {
			t.Fatalf("staging failed: %v", err)
		}
	}

	summary, err := pipeline.Upload(ctx, KindContact, nil, nil)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if summary.SavedCount != 3 {
		t.Fatalf("expected 3 uploaded, got %d", summary.SavedCount)
	}
	unsent, err := store.ListUnsent(ctx, KindContact, nil, nil)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(unsent) != 0 {
		t.Fatalf("expected no unsent contacts, got %d", len(unsent))
	}
	for i := range emails {
		if _, ok := mapper.Lookup(ctx, KindContact, int64(i+1)); !ok {
			t.Fatalf("contact %d has no mapping after upload", i+1)
		}
	}
}

func TestPipelineUploadWindowed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 1})
	}))
	defer server.Close()

	store := NewMemoryStagingStore()
	pipeline := newTestPipeline(t, store, NewMemoryIdentifierMapper(), server.URL, server.URL)
	ctx := context.Background()

	for _, id := range []int64{1, 5, 9} {
		if _, err := store.Upsert(ctx, KindContact, id, map[string]any{"id": float64(id), "email": "e@x.io"}); err != nil {
			t.Fatalf("staging failed: %v", err)
		}
	}

	summary, err := pipeline.Upload(ctx, KindContact, int64Ptr(2), int64Ptr(8))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if summary.SavedCount != 1 {
		t.Fatalf("expected only id 5 in the window, got %d", summary.SavedCount)
	}
	edge, err := store.Get(ctx, KindContact, 9)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if edge.SendStatus != StatusNotSent {
		t.Fatalf("records outside the window must stay unsent")
	}
}

func TestPipelineFailedRecordsStayForNextRun(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	store := NewMemoryStagingStore()
	pipeline := newTestPipeline(t, store, NewMemoryIdentifierMapper(), server.URL, server.URL)
	ctx := context.Background()

	if _, err := store.Upsert(ctx, KindContact, 1, map[string]any{"id": float64(1), "email": "e@x.io"}); err != nil {
		t.Fatalf("staging failed: %v", err)
	}

	summary, err := pipeline.Upload(ctx, KindContact, nil, nil)
	if err != nil {
		t.Fatalf("a record failure must not abort the run: %v", err)
	}
	if summary.SavedCount != 0 {
		t.Fatalf("expected 0 uploaded, got %d", summary.SavedCount)
	}
	record, err := store.Get(ctx, KindContact, 1)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if record.SendStatus != StatusNotSent || record.LastError == "" {
		t.Fatalf("failed record must stay unsent with the error recorded: %+v", record)
	}
}

func TestUpdateStatusesPutsMappedTickets(t *testing.T) {
	var mu sync.Mutex
	puts := map[string]map[string]any{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)
		mu.Lock()
		puts[r.URL.Path] = payload
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := NewMemoryStagingStore()
	mapper := NewMemoryIdentifierMapper()
	pipeline := newTestPipeline(t, store, mapper, server.URL, server.URL)
	ctx := context.Background()

	if _, err := store.Upsert(ctx, KindRequest, 1, map[string]any{"id": float64(1), "status_id": float64(3)}); err != nil {
		t.Fatalf("staging failed: %v", err)
	}
	if _, err := store.Upsert(ctx, KindRequest, 2, map[string]any{"id": float64(2), "status_id": float64(4)}); err != nil {
		t.Fatalf("staging failed: %v", err)
	}
	// Only ticket 1 is mapped.
	if err := mapper.Save(ctx, KindRequest, 1, 101); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	summary, err := pipeline.UpdateStatuses(ctx)
	if err != nil {
		t.Fatalf("update statuses failed: %v", err)
	}
	if summary.SavedCount != 1 {
		t.Fatalf("expected 1 ticket updated, got %d", summary.SavedCount)
	}
	mu.Lock()
	defer mu.Unlock()
	payload, ok := puts["/tickets/101/"]
	if !ok {
		t.Fatalf("expected PUT to /tickets/101/, got %v", puts)
	}
	if status, _ := rawInt64(payload, "status_id"); status != 3 {
		t.Fatalf("expected status_id 3, got %v", payload)
	}
}

func TestUpdateOwnersUsesContactMapping(t *testing.T) {
	var mu sync.Mutex
	puts := map[string]map[string]any{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)
		mu.Lock()
		puts[r.URL.Path] = payload
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := NewMemoryStagingStore()
	mapper := NewMemoryIdentifierMapper()
	pipeline := newTestPipeline(t, store, mapper, server.URL, server.URL)
	ctx := context.Background()

	if _, err := store.Upsert(ctx, KindRequest, 1, map[string]any{"id": float64(1), "owner_id": float64(7)}); err != nil {
		t.Fatalf("staging failed: %v", err)
	}
	if err := mapper.Save(ctx, KindRequest, 1, 101); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := mapper.Save(ctx, KindContact, 7, 70); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	summary, err := pipeline.UpdateOwners(ctx)
	if err != nil {
		t.Fatalf("update owners failed: %v", err)
	}
	if summary.SavedCount != 1 {
		t.Fatalf("expected 1 ticket updated, got %d", summary.SavedCount)
	}
	mu.Lock()
	defer mu.Unlock()
	if owner, _ := rawInt64(puts["/tickets/101/"], "owner_id"); owner != 70 {
		t.Fatalf("expected mapped owner 70, got %v", puts)
	}
}

func TestPipelineStatusReportsCountsAndDepth(t *testing.T) {
	store := NewMemoryStagingStore()
	pipeline := newTestPipeline(t, store, NewMemoryIdentifierMapper(), "http://example.invalid", "http://example.invalid")
	ctx := context.Background()

	if _, err := store.Upsert(ctx, KindRequest, 1, map[string]any{"id": float64(1)}); err != nil {
		t.Fatalf("staging failed: %v", err)
	}

	report, err := pipeline.Status(ctx)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if report.Counts[KindRequest].Staged != 1 {
		t.Fatalf("expected 1 staged request, got %+v", report.Counts)
	}
	if len(report.Kinds) != len(allKinds) {
		t.Fatalf("status must list every kind")
	}
}
