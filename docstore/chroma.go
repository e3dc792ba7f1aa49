package docstore

import (
	"context"
	"errors"
	"fmt"

	chroma "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"
	"github.com/gamma-omg/observable-extractor/observables"
)

// ChromaStore stores one Chroma document per observable so that the index
// can be searched semantically as well as by exact value.
type ChromaStore struct {
	results     int
	requestSize int
	col         chroma.Collection
}

type ChromaStoreConfig struct {
	BaseURL       string
	Collection    string
	EmbeddingFunc embeddings.EmbeddingFunction
	Results       int
	RequestSize   int
	Reset         bool
}

const (
	FilePath        = "file_path"
	FileCrc         = "file_crc"
	ObservableKind  = "kind"
	ObservableValue = "value"
)

func NewChromaStore(ctx context.Context, cfg ChromaStoreConfig) (*ChromaStore, error) {
	client, err := chroma.NewHTTPClient(chroma.WithBaseURL(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create chroma client: %w", err)
	}

	if cfg.Reset {
		// the collection may not exist yet
		_ = client.DeleteCollection(ctx, cfg.Collection)
	}

	col, err := client.GetOrCreateCollection(ctx, cfg.Collection,
		chroma.WithEmbeddingFunctionCreate(cfg.EmbeddingFunc))
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %s: %w", cfg.Collection, err)
	}

	return &ChromaStore{
		results:     cfg.Results,
		requestSize: cfg.RequestSize,
		col:         col,
	}, nil
}

func (ds *ChromaStore) Injest(ctx context.Context, doc Doc) error {
	if doc.Observables == nil {
		return nil
	}

	all := doc.Observables.All()
	for _, bucket := range splitToBuckets(all, ds.requestSize) {
		texts := make([]string, 0, len(bucket))
		metas := make([]chroma.DocumentMetadata, 0, len(bucket))
		for _, o := range bucket {
			texts = append(texts, observableText(o))
			metas = append(metas, chroma.NewDocumentMetadata(
				chroma.NewStringAttribute(FilePath, doc.File),
				chroma.NewIntAttribute(FileCrc, int64(doc.Crc)),
				chroma.NewStringAttribute(ObservableKind, string(o.Kind)),
				chroma.NewStringAttribute(ObservableValue, o.Value),
			))
		}

		err := ds.col.Add(ctx,
			chroma.WithTexts(texts...),
			chroma.WithIDGenerator(chroma.NewULIDGenerator()),
			chroma.WithMetadatas(metas...),
		)
		if err != nil {
			return fmt.Errorf("failed to add observables of %s: %w", doc.File, err)
		}
	}

	return nil
}

func observableText(o observables.Observable) string {
	return fmt.Sprintf("%s %s", o.Kind, o.Value)
}

// splitToBuckets groups observables so that the text of a single request
// does not exceed size characters. A zero size disables splitting.
func splitToBuckets(all []observables.Observable, size int) [][]observables.Observable {
	if len(all) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]observables.Observable{all}
	}

	var res [][]observables.Observable
	var cur []observables.Observable
	curSize := 0
	for _, o := range all {
		l := len(observableText(o))
		if len(cur) > 0 && curSize+l > size {
			res = append(res, cur)
			cur = nil
			curSize = 0
		}

		cur = append(cur, o)
		curSize += l
	}

	return append(res, cur)
}

func (ds *ChromaStore) Lookup(ctx context.Context, value string) ([]Match, error) {
	r, err := ds.col.Get(ctx, chroma.WithWhereGet(chroma.EqString(ObservableValue, value)))
	if err != nil {
		return nil, fmt.Errorf("failed to lookup %s: %w", value, err)
	}

	var res []Match
	for _, meta := range r.GetMetadatas() {
		res = append(res, matchFromMetadata(meta))
	}

	return res, nil
}

// Observables collects the observables stored for file.
func (ds *ChromaStore) Observables(ctx context.Context, file string) (*observables.Set, error) {
	r, err := ds.col.Get(ctx, chroma.WithWhereGet(chroma.EqString(FilePath, file)))
	if err != nil {
		return nil, fmt.Errorf("failed to get observables of %s: %w", file, err)
	}

	metas := r.GetMetadatas()
	if len(metas) == 0 {
		return nil, fmt.Errorf("%s: %w", file, ErrNotIndexed)
	}

	set := observables.NewSet()
	for _, meta := range metas {
		m := matchFromMetadata(meta)
		set.Add(m.Kind, m.Value)
	}

	return set, nil
}

func (ds *ChromaStore) Search(ctx context.Context, query string) ([]Match, error) {
	r, err := ds.col.Query(ctx,
		chroma.WithQueryTexts(query),
		chroma.WithNResults(ds.results),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search observables: %w", err)
	}

	metadatas := r.GetMetadatasGroups()
	scores := r.GetDistancesGroups()
	if len(metadatas) == 0 || len(scores) == 0 {
		return nil, errors.New("empty query result")
	}

	res := make([]Match, 0, ds.results)
	for i, meta := range metadatas[0] {
		m := matchFromMetadata(meta)
		if i < len(scores[0]) {
			m.Score = float32(scores[0][i])
		}
		res = append(res, m)
	}

	return res, nil
}

func matchFromMetadata(meta chroma.DocumentMetadata) Match {
	file, _ := meta.GetString(FilePath)
	kind, _ := meta.GetString(ObservableKind)
	value, _ := meta.GetString(ObservableValue)

	return Match{
		File:  file,
		Kind:  observables.Kind(kind),
		Value: value,
	}
}

func (ds *ChromaStore) Forget(ctx context.Context, doc InjestedDoc) error {
	err := ds.col.Delete(ctx, chroma.WithWhereDelete(chroma.EqString(FilePath, doc.File)))
	if err != nil {
		return fmt.Errorf("failed to forget doc %s: %w", doc.File, err)
	}

	return nil
}

func (ds *ChromaStore) GetInjested(ctx context.Context) ([]InjestedDoc, error) {
	res, err := ds.col.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list docs: %w", err)
	}

	var docs []InjestedDoc
	seen := make(map[InjestedDoc]struct{})

	for _, meta := range res.GetMetadatas() {
		path, _ := meta.GetString(FilePath)
		crc, _ := meta.GetInt(FileCrc)
		doc := InjestedDoc{
			File: path,
			Crc:  uint32(crc),
		}

		if _, ok := seen[doc]; ok {
			continue
		}

		seen[doc] = struct{}{}
		docs = append(docs, doc)
	}

	return docs, nil
}
