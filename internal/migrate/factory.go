package migrate

import (
	"fmt"
	"strings"
)

// Backend profiles select the persistence flavor from a single string so the
// binary can move between laptop runs and real deployments without code
// changes:
//
//	memory://            ephemeral, test and dry-run use
//	file:///path/dir     JSON snapshots under dir, single node
//	postgres://...       shared database, multi node
func NewStagingStoreFromProfile(profile string) (StagingStore, error) {
	profile = strings.TrimSpace(profile)
	switch {
	case profile == "" || profile == "memory://":
		return NewMemoryStagingStore(), nil
	case strings.HasPrefix(profile, "file://"):
		dir := strings.TrimPrefix(profile, "file://")
		if strings.TrimSpace(dir) == "" {
			return nil, fmt.Errorf("%w: file profile needs a directory", ErrInvalidInput)
		}
		return NewFileStagingStore(joinProfilePath(dir, "staging.json"))
	case strings.HasPrefix(profile, "postgres://") || strings.HasPrefix(profile, "postgresql://"):
		return NewPostgresStagingStore(profile)
	default:
		return nil, fmt.Errorf("%w: unsupported backend profile %q", ErrInvalidInput, profile)
	}
}

func NewIdentifierMapperFromProfile(profile string) (IdentifierMapper, error) {
	profile = strings.TrimSpace(profile)
	switch {
	case profile == "" || profile == "memory://":
		return NewMemoryIdentifierMapper(), nil
	case strings.HasPrefix(profile, "file://"):
		dir := strings.TrimPrefix(profile, "file://")
		if strings.TrimSpace(dir) == "" {
			return nil, fmt.Errorf("%w: file profile needs a directory", ErrInvalidInput)
		}
		return NewFileIdentifierMapper(joinProfilePath(dir, "idmap.json"))
	case strings.HasPrefix(profile, "postgres://") || strings.HasPrefix(profile, "postgresql://"):
		return NewPostgresIdentifierMapper(profile)
	default:
		return nil, fmt.Errorf("%w: unsupported backend profile %q", ErrInvalidInput, profile)
	}
}

func NewTaskQueueFromProfile(profile string, capacity int) (TaskQueue, error) {
	profile = strings.TrimSpace(profile)
	switch {
	case profile == "" || profile == "memory://":
		return NewInMemoryTaskQueue(capacity), nil
	case strings.HasPrefix(profile, "file://"):
		dir := strings.TrimPrefix(profile, "file://")
		if strings.TrimSpace(dir) == "" {
			return nil, fmt.Errorf("%w: file profile needs a directory", ErrInvalidInput)
		}
		return NewFileTaskQueue(joinProfilePath(dir, "queue.json"), capacity)
	case strings.HasPrefix(profile, "postgres://") || strings.HasPrefix(profile, "postgresql://"):
		return NewPostgresTaskQueue(profile, capacity)
	default:
		return nil, fmt.Errorf("%w: unsupported backend profile %q", ErrInvalidInput, profile)
	}
}

func joinProfilePath(dir, name string) string {
	dir = strings.TrimRight(strings.TrimSpace(dir), "/")
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
