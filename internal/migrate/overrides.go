package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Mapping overrides let operators pin specific source ids to destination ids
// ahead of a run, for records that were created on the destination manually or
// by an earlier partial migration. The file is YAML:
//
//	mappings:
//	  - kind: contact
//	    external_id: 42
//	    destination_id: 1017
type overrideFile struct {
	Mappings []overrideEntry `yaml:"mappings"`
}

type overrideEntry struct {
	Kind          string `yaml:"kind"`
	ExternalID    int64  `yaml:"external_id"`
	DestinationID int64  `yaml:"destination_id"`
}

// ApplyMappingOverrides reads the override file and saves every entry into the
// mapper. A missing file is not an error; a malformed entry fails the whole
// load so a typo never half-applies.
func ApplyMappingOverrides(ctx context.Context, path string, mapper IdentifierMapper) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var file overrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parsing overrides %s: %w", path, err)
	}
	entries := make([]overrideEntry, 0, len(file.Mappings))
	for i, entry := range file.Mappings {
		kind, err := ParseEntityKind(entry.Kind)
		if err != nil {
			return 0, fmt.Errorf("override entry %d: %w", i, err)
		}
		if entry.DestinationID <= 0 {
			return 0, fmt.Errorf("%w: override entry %d has no destination_id", ErrInvalidInput, i)
		}
		entries = append(entries, overrideEntry{Kind: string(kind), ExternalID: entry.ExternalID, DestinationID: entry.DestinationID})
	}
	for _, entry := range entries {
		if err := mapper.Save(ctx, EntityKind(entry.Kind), entry.ExternalID, entry.DestinationID); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

type OverrideWatcherOptions struct {
	Path   string
	Mapper IdentifierMapper
	Logger Logger
}

// OverrideWatcher re-applies the override file whenever it changes on disk, so
// an operator can add a mapping mid-run without restarting the service.
type OverrideWatcher struct {
	path    string
	mapper  IdentifierMapper
	logger  Logger
	watcher *fsnotify.Watcher
	started bool
	done    chan struct{}
}

func NewOverrideWatcher(opts OverrideWatcherOptions) (*OverrideWatcher, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" || opts.Mapper == nil {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors replace files on save and a
	// watch on the old inode goes stale.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return &OverrideWatcher{
		path:    path,
		mapper:  opts.Mapper,
		logger:  logger,
		watcher: watcher,
		done:    make(chan struct{}),
	}, nil
}

func (w *OverrideWatcher) Start(ctx context.Context) {
	w.started = true
	go w.run(ctx)
}

func (w *OverrideWatcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			applied, err := ApplyMappingOverrides(ctx, w.path, w.mapper)
			if err != nil {
				w.logger.Printf("reloading mapping overrides failed: %v", err)
				continue
			}
			w.logger.Printf("applied %d mapping overrides from %s", applied, w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("override watcher error: %v", err)
		}
	}
}

func (w *OverrideWatcher) Close() error {
	if w == nil || w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	if w.started {
		<-w.done
	}
	return err
}
