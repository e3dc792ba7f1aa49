package main

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gamma-omg/observable-extractor/docstore"
	"github.com/gamma-omg/observable-extractor/observables"
	"github.com/gamma-omg/observable-extractor/readers"
)

var ErrNoStore = errors.New("no observable store configured")

var errUnreadable = errors.New("unreadable document")

type DocStore interface {
	Injest(ctx context.Context, doc docstore.Doc) error
	Lookup(ctx context.Context, value string) ([]docstore.Match, error)
	Forget(ctx context.Context, doc docstore.InjestedDoc) error
	GetInjested(ctx context.Context) ([]docstore.InjestedDoc, error)
	Observables(ctx context.Context, file string) (*observables.Set, error)
}

type FileReader interface {
	CanRead(path string) bool
	ReadText(path string) (string, error)
}

// DocRegistry keeps the observable store in line with the documents under
// root. Store paths are relative to root.
type DocRegistry struct {
	log              *slog.Logger
	root             string
	mergeEventsDelay time.Duration
	store            DocStore
	kinds            []observables.Kind
	readers          []FileReader

	mu    sync.Mutex
	known map[string]uint32
}

type DiskDoc struct {
	File string
	Crc  uint32
}

type diskDocs map[string]DiskDoc
type dbDocs map[string]docstore.InjestedDoc

func (dr *DocRegistry) RegisterReader(readers ...FileReader) {
	dr.readers = append(dr.readers, readers...)
}

// ExtractFile converts a single file to text and extracts its observables.
func (dr *DocRegistry) ExtractFile(path string) (*observables.Set, error) {
	reader, err := dr.findReader(path)
	if err != nil {
		return nil, err
	}

	text, err := reader.ReadText(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", path, err)
	}

	return observables.Extract(text, dr.kinds...), nil
}

func (dr *DocRegistry) Lookup(ctx context.Context, value string) ([]docstore.Match, error) {
	if dr.store == nil {
		return nil, ErrNoStore
	}

	return dr.store.Lookup(ctx, value)
}

// Observables returns the stored observables of an indexed document. file
// is either relative to the document root or an absolute path inside it.
func (dr *DocRegistry) Observables(ctx context.Context, file string) (*observables.Set, error) {
	if dr.store == nil {
		return nil, ErrNoStore
	}

	if filepath.IsAbs(file) {
		rel, err := dr.relPath(file)
		if err != nil {
			return nil, err
		}
		file = rel
	}

	return dr.store.Observables(ctx, filepath.Clean(file))
}

func (dr *DocRegistry) Sync(ctx context.Context) error {
	if dr.store == nil {
		return ErrNoStore
	}

	disk, err := dr.collectDocs()
	if err != nil {
		return err
	}

	diskMap := make(diskDocs)
	for _, d := range disk {
		diskMap[d.File] = d
	}

	db, err := dr.store.GetInjested(ctx)
	if err != nil {
		return err
	}

	dbMap := make(dbDocs)
	for _, d := range db {
		dbMap[d.File] = d
	}

	// changed documents are forgotten before they are injested again
	err = dr.forgetRemovedDocuments(ctx, diskMap, dbMap)
	if err != nil {
		return err
	}

	failed, err := dr.injestNewDocuments(ctx, diskMap, dbMap)
	if err != nil {
		return err
	}

	// unreadable documents stay unknown so the next sync or event retries them
	dr.mu.Lock()
	dr.known = make(map[string]uint32, len(diskMap))
	for _, d := range diskMap {
		if _, ok := failed[d.File]; !ok {
			dr.known[d.File] = d.Crc
		}
	}
	dr.mu.Unlock()

	dr.log.Info("documents synced", "root", dr.root, "documents", len(diskMap), "failed", len(failed))
	return nil
}

func (dr *DocRegistry) collectDocs() (docs []DiskDoc, err error) {
	err = filepath.WalkDir(dr.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		if _, e := dr.findReader(path); e != nil {
			dr.log.Warn(fmt.Sprintf("unsupported file: %s", path))
			return nil
		}

		crc, e := fileCrc(path)
		if e != nil {
			return e
		}

		rel, e := dr.relPath(path)
		if e != nil {
			return e
		}

		docs = append(docs, DiskDoc{
			File: rel,
			Crc:  crc,
		})

		return nil
	})

	return
}

// injestNewDocuments stores new and changed documents. Documents that cannot
// be converted are logged and returned in failed; store errors abort.
func (dr *DocRegistry) injestNewDocuments(ctx context.Context, disk diskDocs, db dbDocs) (failed map[string]struct{}, err error) {
	failed = make(map[string]struct{})
	for _, diskDoc := range disk {
		dbDoc, ok := db[diskDoc.File]
		if ok && dbDoc.Crc == diskDoc.Crc {
			continue
		}

		err := dr.injest(ctx, diskDoc)
		if errors.Is(err, errUnreadable) {
			dr.log.Error("failed to injest document", "file", diskDoc.File, "error", err)
			failed[diskDoc.File] = struct{}{}
			continue
		}
		if err != nil {
			return nil, err
		}
	}

	return failed, nil
}

func (dr *DocRegistry) forgetRemovedDocuments(ctx context.Context, disk diskDocs, db dbDocs) error {
	for _, dbDoc := range db {
		diskDoc, ok := disk[dbDoc.File]
		if ok && diskDoc.Crc == dbDoc.Crc {
			continue
		}

		err := dr.store.Forget(ctx, dbDoc)
		if err != nil {
			return fmt.Errorf("failed to remove document %s from store: %w", dbDoc.File, err)
		}
	}

	return nil
}

func (dr *DocRegistry) injest(ctx context.Context, doc DiskDoc) error {
	path := filepath.Join(dr.root, doc.File)
	set, err := dr.ExtractFile(path)
	if err != nil {
		return fmt.Errorf("%w: %w", errUnreadable, err)
	}

	err = dr.store.Injest(ctx, docstore.Doc{
		File:        doc.File,
		Crc:         doc.Crc,
		MimeType:    readers.DetectMimeType(path),
		Observables: set,
	})
	if err != nil {
		return fmt.Errorf("failed to store document %s: %w", doc.File, err)
	}

	dr.log.Info("document injested", "file", doc.File, "observables", set.Len())
	return nil
}

// Watch starts watching root in the background until ctx is done. Events
// for a path are merged for mergeEventsDelay before the path is re-examined.
func (dr *DocRegistry) Watch(ctx context.Context) error {
	if dr.store == nil {
		return ErrNoStore
	}

	dr.mu.Lock()
	if dr.known == nil {
		db, err := dr.store.GetInjested(ctx)
		if err != nil {
			dr.mu.Unlock()
			return err
		}

		dr.known = make(map[string]uint32, len(db))
		for _, d := range db {
			dr.known[d.File] = d.Crc
		}
	}
	dr.mu.Unlock()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := dr.addWatches(w, dr.root); err != nil {
		w.Close()
		return err
	}

	go dr.watchLoop(ctx, w)
	return nil
}

func (dr *DocRegistry) addWatches(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}

		if err := w.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}

		return nil
	})
}

func (dr *DocRegistry) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer w.Close()

	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}

			if ev.Has(fsnotify.Create) {
				dr.watchNewDir(w, ev.Name, pending)
			}
			pending[ev.Name] = struct{}{}

			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(dr.mergeEventsDelay)
			timerC = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			dr.log.Error("watcher error", "error", err)

		case <-timerC:
			timerC = nil
			for path := range pending {
				if err := dr.refresh(ctx, path); err != nil {
					dr.log.Error("failed to refresh document", "file", path, "error", err)
				}
			}
			clear(pending)
		}
	}
}

// watchNewDir starts watching a directory created after Watch was called
// and queues the files it already holds.
func (dr *DocRegistry) watchNewDir(w *fsnotify.Watcher, path string, pending map[string]struct{}) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}

	if err := dr.addWatches(w, path); err != nil {
		dr.log.Error("failed to watch new directory", "dir", path, "error", err)
		return
	}

	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			pending[p] = struct{}{}
		}
		return nil
	})
}

func (dr *DocRegistry) refresh(ctx context.Context, path string) error {
	rel, err := dr.relPath(path)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return dr.forgetUnder(ctx, rel)
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}

	if _, err := dr.findReader(path); err != nil {
		dr.log.Debug("ignoring unsupported file", "file", rel)
		return nil
	}

	crc, err := fileCrc(path)
	if err != nil {
		return err
	}

	dr.mu.Lock()
	oldCrc, ok := dr.known[rel]
	dr.mu.Unlock()

	if ok && oldCrc == crc {
		return nil
	}

	if ok {
		if err := dr.forget(ctx, docstore.InjestedDoc{File: rel, Crc: oldCrc}); err != nil {
			return err
		}
	}

	doc := DiskDoc{File: rel, Crc: crc}
	if err := dr.injest(ctx, doc); err != nil {
		return err
	}

	dr.mu.Lock()
	dr.known[rel] = crc
	dr.mu.Unlock()

	return nil
}

// forgetUnder forgets rel and, if rel was a directory, everything below it.
func (dr *DocRegistry) forgetUnder(ctx context.Context, rel string) error {
	var gone []docstore.InjestedDoc
	prefix := rel + string(filepath.Separator)

	dr.mu.Lock()
	for file, crc := range dr.known {
		if file == rel || strings.HasPrefix(file, prefix) {
			gone = append(gone, docstore.InjestedDoc{File: file, Crc: crc})
		}
	}
	dr.mu.Unlock()

	for _, doc := range gone {
		if err := dr.forget(ctx, doc); err != nil {
			return err
		}
	}

	return nil
}

func (dr *DocRegistry) forget(ctx context.Context, doc docstore.InjestedDoc) error {
	if err := dr.store.Forget(ctx, doc); err != nil {
		return fmt.Errorf("failed to remove document %s from store: %w", doc.File, err)
	}

	dr.mu.Lock()
	delete(dr.known, doc.File)
	dr.mu.Unlock()

	dr.log.Info("document forgotten", "file", doc.File)
	return nil
}

func (dr *DocRegistry) findReader(file string) (FileReader, error) {
	for _, r := range dr.readers {
		if r.CanRead(file) {
			return r, nil
		}
	}

	return nil, &readers.UnsupportedTypeError{MimeType: readers.DetectMimeType(file)}
}

func (dr *DocRegistry) relPath(path string) (string, error) {
	rel, err := filepath.Rel(dr.root, path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s against %s: %w", path, dr.root, err)
	}

	return rel, nil
}

func fileCrc(path string) (uint32, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return crc32.Checksum(buf, crc32.IEEETable), nil
}
