package main

import (
	"context"
	"errors"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/gamma-omg/observable-extractor/docstore"
	"github.com/gamma-omg/observable-extractor/observables"
	"github.com/gamma-omg/observable-extractor/readers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testSha1 = "51e3d9c9d88791cb75ded83396e0b72ad723ded9"

type mockFileReader struct {
	mock.Mock
}

func (r *mockFileReader) CanRead(path string) bool {
	args := r.Called(path)
	return args.Bool(0)
}

func (r *mockFileReader) ReadText(path string) (string, error) {
	args := r.Called(path)
	return args.String(0), args.Error(1)
}

type mockDocStore struct {
	mock.Mock
}

func (s *mockDocStore) Injest(ctx context.Context, doc docstore.Doc) error {
	return s.Called(ctx, doc).Error(0)
}

func (s *mockDocStore) Lookup(ctx context.Context, value string) ([]docstore.Match, error) {
	args := s.Called(ctx, value)
	res, _ := args.Get(0).([]docstore.Match)
	return res, args.Error(1)
}

func (s *mockDocStore) Forget(ctx context.Context, doc docstore.InjestedDoc) error {
	return s.Called(ctx, doc).Error(0)
}

func (s *mockDocStore) GetInjested(ctx context.Context) ([]docstore.InjestedDoc, error) {
	args := s.Called(ctx)
	res, _ := args.Get(0).([]docstore.InjestedDoc)
	return res, args.Error(1)
}

func (s *mockDocStore) Observables(ctx context.Context, file string) (*observables.Set, error) {
	args := s.Called(ctx, file)
	res, _ := args.Get(0).(*observables.Set)
	return res, args.Error(1)
}

type fakeDocStore struct {
	mu           sync.Mutex
	injested     []docstore.InjestedDoc
	injestCalls  []docstore.Doc
	foregetCalls []docstore.InjestedDoc
}

func (s *fakeDocStore) Injest(ctx context.Context, doc docstore.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.injested = append(s.injested, docstore.InjestedDoc{
		File: doc.File,
		Crc:  doc.Crc,
	})
	s.injestCalls = append(s.injestCalls, doc)
	return nil
}

func (s *fakeDocStore) Lookup(ctx context.Context, value string) ([]docstore.Match, error) {
	panic("not implemented")
}

func (s *fakeDocStore) Forget(ctx context.Context, doc docstore.InjestedDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.injested = slices.DeleteFunc(s.injested, func(d docstore.InjestedDoc) bool {
		return d.File == doc.File && d.Crc == doc.Crc
	})
	s.foregetCalls = append(s.foregetCalls, doc)
	return nil
}

func (s *fakeDocStore) GetInjested(ctx context.Context) ([]docstore.InjestedDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.injested), nil
}

func (s *fakeDocStore) Observables(ctx context.Context, file string) (*observables.Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.injestCalls) - 1; i >= 0; i-- {
		if s.injestCalls[i].File == file {
			return s.injestCalls[i].Observables, nil
		}
	}

	return nil, docstore.ErrNotIndexed
}

func (s *fakeDocStore) getInjestCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	calls := make([]string, 0, len(s.injestCalls))
	for _, d := range s.injestCalls {
		calls = append(calls, d.File)
	}

	return calls
}

func (s *fakeDocStore) getForgetCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	calls := make([]string, 0, len(s.foregetCalls))
	for _, d := range s.foregetCalls {
		calls = append(calls, d.File)
	}

	return calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func Test_ExtractFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("c2 at 203.0.113.9, dropper "+testSha1), 0o644))

	reg := DocRegistry{log: discardLogger()}
	reg.RegisterReader(&readers.UniversalFileReader{})

	set, err := reg.ExtractFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.9"}, set.Values(observables.IP))
	assert.Equal(t, []string{testSha1}, set.Values(observables.SHA1))

	reg.kinds = []observables.Kind{observables.SHA1}
	set, err = reg.ExtractFile(path)
	require.NoError(t, err)
	assert.Empty(t, set.Values(observables.IP))
	assert.Equal(t, 1, set.Len())
}

func Test_ExtractFile_Unsupported(t *testing.T) {
	reg := DocRegistry{log: discardLogger()}
	reg.RegisterReader(&readers.UniversalFileReader{})

	_, err := reg.ExtractFile("picture.png")
	require.Error(t, err)

	var unsupported *readers.UnsupportedTypeError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "image/png", unsupported.MimeType)
}

func Test_Sync(t *testing.T) {
	tmp := t.TempDir()

	createFile := func(name string, content string) DiskDoc {
		buff := []byte(content)
		e := os.WriteFile(filepath.Join(tmp, name), buff, 0o644)
		require.NoError(t, e)
		return DiskDoc{
			File: name,
			Crc:  crc32.Checksum(buff, crc32.IEEETable),
		}
	}

	createFile("f1.txt", "f1 10.0.0.1")
	createFile("f3.csv", "f3")
	createFile("unsupported.png", "f5")
	f2 := createFile("f2.txt", "f2")

	store := &fakeDocStore{
		injested: []docstore.InjestedDoc{
			{File: "f2.txt", Crc: f2.Crc},
			{File: "f3.csv", Crc: 0},
			{File: "f4.txt", Crc: 4},
		},
	}

	reg := DocRegistry{
		log:   discardLogger(),
		store: store,
		root:  tmp,
	}
	reg.RegisterReader(&readers.UniversalFileReader{})

	require.NoError(t, reg.Sync(context.Background()))

	assert.ElementsMatch(t, []string{"f1.txt", "f3.csv"}, store.getInjestCalls())
	assert.ElementsMatch(t, []string{"f3.csv", "f4.txt"}, store.getForgetCalls())

	for _, d := range store.injestCalls {
		if d.File == "f1.txt" {
			assert.Equal(t, []string{"10.0.0.1"}, d.Observables.Values(observables.IP))
			assert.Equal(t, readers.MimeText, d.MimeType)
		}
	}

	injested, err := store.GetInjested(context.Background())
	require.NoError(t, err)
	assert.Len(t, injested, 3)
}

func Test_Sync_NoStore(t *testing.T) {
	reg := DocRegistry{log: discardLogger()}
	assert.ErrorIs(t, reg.Sync(context.Background()), ErrNoStore)
	assert.ErrorIs(t, reg.Watch(context.Background()), ErrNoStore)

	_, err := reg.Lookup(context.Background(), "10.0.0.1")
	assert.ErrorIs(t, err, ErrNoStore)
}

func Test_Sync_WithBoltStore(t *testing.T) {
	tmp := t.TempDir()
	docs := filepath.Join(tmp, "docs")
	require.NoError(t, os.MkdirAll(filepath.Join(docs, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "a.txt"), []byte("see http://bad.example.com/x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "sub", "b.csv"), []byte("ip,198.51.100.1"), 0o644))

	store, err := docstore.NewBoltStore(filepath.Join(tmp, "observables.db"), false)
	require.NoError(t, err)
	defer store.Close()

	reg := DocRegistry{
		log:   discardLogger(),
		store: store,
		root:  docs,
	}
	reg.RegisterReader(&readers.UniversalFileReader{})
	ctx := context.Background()

	require.NoError(t, reg.Sync(ctx))

	res, err := reg.Lookup(ctx, "198.51.100.1")
	require.NoError(t, err)
	assert.Equal(t, []docstore.Match{{File: filepath.Join("sub", "b.csv"), Kind: observables.IP, Value: "198.51.100.1"}}, res)

	require.NoError(t, os.Remove(filepath.Join(docs, "a.txt")))
	require.NoError(t, reg.Sync(ctx))

	res, err = reg.Lookup(ctx, "http://bad.example.com/x")
	require.NoError(t, err)
	assert.Empty(t, res)
}

func Test_Sync_SkipsUnreadable(t *testing.T) {
	tmp := t.TempDir()
	docs := filepath.Join(tmp, "docs")
	require.NoError(t, os.MkdirAll(docs, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "a.txt"), []byte("a 10.0.0.1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "broken.pdf"), []byte("not a pdf"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "z.txt"), []byte("z 10.0.0.2"), 0o644))

	store, err := docstore.NewBoltStore(filepath.Join(tmp, "observables.db"), false)
	require.NoError(t, err)
	defer store.Close()

	reg := DocRegistry{
		log:   discardLogger(),
		store: store,
		root:  docs,
	}
	reg.RegisterReader(&readers.UniversalFileReader{})
	ctx := context.Background()

	require.NoError(t, reg.Sync(ctx))

	injested, err := store.GetInjested(ctx)
	require.NoError(t, err)

	files := make([]string, 0, len(injested))
	for _, d := range injested {
		files = append(files, d.File)
	}
	assert.ElementsMatch(t, []string{"a.txt", "z.txt"}, files)

	reg.mu.Lock()
	_, known := reg.known["broken.pdf"]
	reg.mu.Unlock()
	assert.False(t, known)

	res, err := reg.Lookup(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, []docstore.Match{{File: "z.txt", Kind: observables.IP, Value: "10.0.0.2"}}, res)
}

func Test_Observables(t *testing.T) {
	tmp := t.TempDir()
	docs := filepath.Join(tmp, "docs")
	require.NoError(t, os.MkdirAll(filepath.Join(docs, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "sub", "b.csv"), []byte("ip,198.51.100.1\nsha1,"+testSha1), 0o644))

	store, err := docstore.NewBoltStore(filepath.Join(tmp, "observables.db"), false)
	require.NoError(t, err)
	defer store.Close()

	reg := DocRegistry{
		log:   discardLogger(),
		store: store,
		root:  docs,
	}
	reg.RegisterReader(&readers.UniversalFileReader{})
	ctx := context.Background()

	require.NoError(t, reg.Sync(ctx))

	set, err := reg.Observables(ctx, filepath.Join("sub", "b.csv"))
	require.NoError(t, err)
	assert.Equal(t, []string{"198.51.100.1"}, set.Values(observables.IP))
	assert.Equal(t, []string{testSha1}, set.Values(observables.SHA1))

	set, err = reg.Observables(ctx, filepath.Join(docs, "sub", "b.csv"))
	require.NoError(t, err)
	assert.Equal(t, []string{"198.51.100.1"}, set.Values(observables.IP))

	_, err = reg.Observables(ctx, "missing.txt")
	assert.ErrorIs(t, err, docstore.ErrNotIndexed)
}

func Test_Observables_NoStore(t *testing.T) {
	reg := DocRegistry{log: discardLogger()}

	_, err := reg.Observables(context.Background(), "a.txt")
	assert.ErrorIs(t, err, ErrNoStore)
}

func Test_Watch(t *testing.T) {
	tmp := t.TempDir()

	createFile := func(name string, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(tmp, name), []byte(content), 0o644))
	}
	removeFile := func(name string) {
		require.NoError(t, os.Remove(filepath.Join(tmp, name)))
	}
	renameFile := func(oldname, newname string) {
		require.NoError(t, os.Rename(
			filepath.Join(tmp, oldname),
			filepath.Join(tmp, newname)))
	}

	store := &fakeDocStore{}

	reg := DocRegistry{
		log:              discardLogger(),
		root:             tmp,
		mergeEventsDelay: 50 * time.Millisecond,
		store:            store,
	}
	reg.RegisterReader(&readers.UniversalFileReader{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, reg.Watch(ctx))
	time.Sleep(100 * time.Millisecond)

	createFile("f1.txt", "f1")
	time.Sleep(200 * time.Millisecond)

	createFile("f2.txt", "f2")
	time.Sleep(200 * time.Millisecond)

	createFile("f1.txt", "new f1")
	time.Sleep(200 * time.Millisecond)

	renameFile("f1.txt", "f3.txt")
	time.Sleep(200 * time.Millisecond)

	removeFile("f2.txt")
	time.Sleep(200 * time.Millisecond)

	createFile("ignored.png", "png")
	time.Sleep(200 * time.Millisecond)

	assert.ElementsMatch(t, []string{"f1.txt", "f2.txt", "f1.txt", "f3.txt"}, store.getInjestCalls())
	assert.ElementsMatch(t, []string{"f1.txt", "f1.txt", "f2.txt"}, store.getForgetCalls())
}

func Test_Watch_NewDirectory(t *testing.T) {
	tmp := t.TempDir()
	store := &fakeDocStore{}

	reg := DocRegistry{
		log:              discardLogger(),
		root:             tmp,
		mergeEventsDelay: 50 * time.Millisecond,
		store:            store,
	}
	reg.RegisterReader(&readers.UniversalFileReader{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, reg.Watch(ctx))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.Mkdir(filepath.Join(tmp, "sub"), 0o755))
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(tmp, "sub", "f1.txt"), []byte("f1"), 0o644))

	assert.Eventually(t, func() bool {
		return slices.Equal([]string{filepath.Join("sub", "f1.txt")}, store.getInjestCalls())
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, os.RemoveAll(filepath.Join(tmp, "sub")))

	assert.Eventually(t, func() bool {
		return slices.Equal([]string{filepath.Join("sub", "f1.txt")}, store.getForgetCalls())
	}, 2*time.Second, 20*time.Millisecond)
}

func Test_injestNewDocuments(t *testing.T) {
	store := new(mockDocStore)

	reader := new(mockFileReader)
	reader.On("CanRead", mock.Anything).Return(true)
	reader.On("ReadText", "f1.txt").Return("f1 content 10.1.2.3", nil)

	reg := DocRegistry{
		log:   discardLogger(),
		store: store,
	}
	reg.RegisterReader(reader)

	disk := diskDocs{
		"f1.txt": DiskDoc{File: "f1.txt", Crc: 12345},
		"f2.txt": DiskDoc{File: "f2.txt", Crc: 23456},
	}
	db := dbDocs{
		"f2.txt": docstore.InjestedDoc{File: "f2.txt", Crc: 23456},
		"f3.txt": docstore.InjestedDoc{File: "f3.txt", Crc: 34567},
	}

	store.On("Injest", mock.Anything, mock.MatchedBy(func(doc docstore.Doc) bool {
		return doc.File == "f1.txt" &&
			doc.Crc == 12345 &&
			doc.Observables.Has(observables.IP, "10.1.2.3")
	})).Return(nil)

	failed, err := reg.injestNewDocuments(context.Background(), disk, db)
	require.NoError(t, err)
	assert.Empty(t, failed)

	store.AssertExpectations(t)
	reader.AssertExpectations(t)
}

func Test_injestNewDocuments_Unreadable(t *testing.T) {
	store := new(mockDocStore)

	reader := new(mockFileReader)
	reader.On("CanRead", mock.Anything).Return(true)
	reader.On("ReadText", "a.txt").Return("a 10.0.0.1", nil)
	reader.On("ReadText", "broken.pdf").Return("", errors.New("not a PDF file"))
	reader.On("ReadText", "z.txt").Return("z 10.0.0.2", nil)

	reg := DocRegistry{
		log:   discardLogger(),
		store: store,
	}
	reg.RegisterReader(reader)

	disk := diskDocs{
		"a.txt":      DiskDoc{File: "a.txt", Crc: 1},
		"broken.pdf": DiskDoc{File: "broken.pdf", Crc: 2},
		"z.txt":      DiskDoc{File: "z.txt", Crc: 3},
	}

	store.On("Injest", mock.Anything, mock.MatchedBy(func(doc docstore.Doc) bool {
		return doc.File == "a.txt" || doc.File == "z.txt"
	})).Return(nil).Times(2)

	failed, err := reg.injestNewDocuments(context.Background(), disk, dbDocs{})
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"broken.pdf": {}}, failed)

	store.AssertExpectations(t)
}

func Test_injestNewDocuments_StoreError(t *testing.T) {
	store := new(mockDocStore)

	reader := new(mockFileReader)
	reader.On("CanRead", mock.Anything).Return(true)
	reader.On("ReadText", "a.txt").Return("a 10.0.0.1", nil)

	reg := DocRegistry{
		log:   discardLogger(),
		store: store,
	}
	reg.RegisterReader(reader)

	store.On("Injest", mock.Anything, mock.Anything).Return(errors.New("store is down"))

	_, err := reg.injestNewDocuments(context.Background(), diskDocs{"a.txt": DiskDoc{File: "a.txt", Crc: 1}}, dbDocs{})
	assert.ErrorContains(t, err, "store is down")
	assert.False(t, errors.Is(err, errUnreadable))
}

func Test_forgetRemovedDocuments(t *testing.T) {
	store := new(mockDocStore)
	reg := DocRegistry{store: store}

	disk := diskDocs{
		"f1.txt": DiskDoc{File: "f1.txt", Crc: 12345},
		"f2.txt": DiskDoc{File: "f2.txt", Crc: 23456},
	}
	db := dbDocs{
		"f2.txt": docstore.InjestedDoc{File: "f2.txt", Crc: 23456},
		"f3.txt": docstore.InjestedDoc{File: "f3.txt", Crc: 34567},
	}

	expectedDocument := docstore.InjestedDoc{
		File: "f3.txt",
		Crc:  34567,
	}
	store.On("Forget", mock.Anything, expectedDocument).Return(nil)

	require.NoError(t, reg.forgetRemovedDocuments(context.Background(), disk, db))

	store.AssertExpectations(t)
}

func Test_collectDocs(t *testing.T) {
	tmp := t.TempDir()

	createFile := func(name string, content string) {
		path := filepath.Join(tmp, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	createFile("f1.txt", "f1 content")
	createFile("f2.txt", "f2 content")
	createFile("f3.pdf", "f3 content")
	createFile("unsupported.bin", "f3 content")

	reader := new(mockFileReader)
	reader.
		On("CanRead", mock.MatchedBy(func(path string) bool {
			ext := filepath.Ext(path)
			return ext == ".txt" || ext == ".pdf"
		})).
		Return(true)
	reader.On("CanRead", mock.Anything).Return(false)

	reg := DocRegistry{
		log:  discardLogger(),
		root: tmp,
	}
	reg.RegisterReader(reader)

	docs, err := reg.collectDocs()
	require.NoError(t, err)

	var files []string
	for _, d := range docs {
		files = append(files, d.File)
	}

	assert.ElementsMatch(t, files, []string{"f1.txt", "f2.txt", "f3.pdf"})
	reader.AssertExpectations(t)
}
