package migrate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestApplyMappingOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	content := `mappings:
  - kind: contact
    external_id: 42
    destination_id: 1017
  - kind: tickets
    external_id: 7
    destination_id: 700
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing overrides failed: %v", err)
	}

	mapper := NewMemoryIdentifierMapper()
	ctx := context.Background()
	applied, err := ApplyMappingOverrides(ctx, path, mapper)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if applied != 2 {
		t.Fatalf("expected 2 overrides applied, got %d", applied)
	}

	if got, ok := mapper.Lookup(ctx, KindContact, 42); !ok || got != 1017 {
		t.Fatalf("contact override missing, got %d ok=%v", got, ok)
	}
	// Plural and alias kind spellings normalize.
	if got, ok := mapper.Lookup(ctx, KindRequest, 7); !ok || got != 700 {
		t.Fatalf("request override missing, got %d ok=%v", got, ok)
	}
}

func TestApplyMappingOverridesMissingFileIsNoop(t *testing.T) {
	mapper := NewMemoryIdentifierMapper()
	applied, err := ApplyMappingOverrides(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"), mapper)
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if applied != 0 {
		t.Fatalf("expected 0 applied, got %d", applied)
	}
}

func TestApplyMappingOverridesRejectsBadKindAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	content := `mappings:
  - kind: contact
    external_id: 1
    destination_id: 10
  - kind: martian
    external_id: 2
    destination_id: 20
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing overrides failed: %v", err)
	}

	mapper := NewMemoryIdentifierMapper()
	ctx := context.Background()
	if _, err := ApplyMappingOverrides(ctx, path, mapper); err == nil {
		t.Fatalf("expected bad kind to fail the load")
	}
	if _, ok := mapper.Lookup(ctx, KindContact, 1); ok {
		t.Fatalf("a failed load must not half-apply")
	}
}
