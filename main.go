package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amikos-tech/chroma-go/pkg/embeddings"
	gemini "github.com/amikos-tech/chroma-go/pkg/embeddings/gemini"
	openai "github.com/amikos-tech/chroma-go/pkg/embeddings/openai"
	"github.com/gamma-omg/observable-extractor/docstore"
	"github.com/gamma-omg/observable-extractor/observables"
	"github.com/gamma-omg/observable-extractor/readers"
	"github.com/mark3labs/mcp-go/server"
)

func createEmbeddingFunction(cfg *Config) (embeddings.EmbeddingFunction, error) {
	if cfg.OpenAI != nil {
		ef, err := openai.NewOpenAIEmbeddingFunction(
			cfg.OpenAI.ApiKey,
			openai.WithModel(openai.EmbeddingModel(cfg.OpenAI.Model)))
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI embedding function: %w", err)
		}

		return ef, nil
	}

	if cfg.Gemini != nil {
		ef, err := gemini.NewGeminiEmbeddingFunction(
			gemini.WithAPIKey(cfg.Gemini.ApiKey),
			gemini.WithDefaultModel(embeddings.EmbeddingModel(cfg.Gemini.Model)))
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini embedding function: %w", err)
		}

		return ef, nil
	}

	return nil, errors.New("invalid embeddings provider configuration")
}

type storeHandle struct {
	store    DocStore
	searcher observableSearcher
	closer   io.Closer
}

func initDocStore(cfg *Config, reset bool) (*storeHandle, error) {
	if cfg.Store.BoltPath != "" {
		store, err := docstore.NewBoltStore(cfg.Store.BoltPath, reset)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize bolt store: %w", err)
		}

		return &storeHandle{store: store, closer: store}, nil
	}

	if cfg.Store.Chroma == nil {
		return nil, ErrNoStore
	}

	ef, err := createEmbeddingFunction(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding function: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := docstore.NewChromaStore(ctx, docstore.ChromaStoreConfig{
		BaseURL:       cfg.Store.Chroma.Addr,
		Collection:    cfg.Store.Chroma.Collection,
		EmbeddingFunc: ef,
		Results:       cfg.Store.Chroma.Results,
		RequestSize:   cfg.Store.Chroma.RequestSize,
		Reset:         reset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Chroma doc store: %w", err)
	}

	return &storeHandle{store: store, searcher: store}, nil
}

func (h *storeHandle) Close() error {
	if h.closer == nil {
		return nil
	}

	return h.closer.Close()
}

func newLogger(cfg *Config) (*slog.Logger, *os.File, error) {
	if cfg == nil {
		return slog.New(slog.NewTextHandler(os.Stderr, nil)), nil, nil
	}

	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogFile == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil, nil
	}

	logFile, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return slog.New(slog.NewJSONHandler(logFile, opts)), logFile, nil
}

// extractOne is the single document mode: print the observables of path,
// or its MIME type when the type is not supported.
func extractOne(w io.Writer, reg *DocRegistry, path string, format string) error {
	set, err := reg.ExtractFile(path)
	if err != nil {
		var unsupported *readers.UnsupportedTypeError
		if errors.As(err, &unsupported) {
			_, err = fmt.Fprintln(w, unsupported.MimeType)
			return err
		}
		return err
	}

	if format == "json" {
		return observables.WriteJSON(w, set)
	}

	return observables.WriteText(w, set)
}

// showDocument prints what the store holds for file without reading it.
func showDocument(ctx context.Context, w io.Writer, reg *DocRegistry, file string, format string) error {
	set, err := reg.Observables(ctx, file)
	if err != nil {
		return err
	}

	if format == "json" {
		return observables.WriteJSON(w, set)
	}

	return observables.WriteText(w, set)
}

func printMatches(w io.Writer, matches []docstore.Match) error {
	for _, m := range matches {
		if _, err := fmt.Fprintf(w, "%s: %s %s\n", m.Kind, m.Value, m.File); err != nil {
			return err
		}
	}

	return nil
}

func main() {
	input := flag.String("input", "", "Document to extract observables from")
	format := flag.String("format", "text", "Output format: text or json")
	types := flag.String("types", "", "Comma separated observable types: sha512,sha256,sha1,md5,ip,url")
	cfgPath := flag.String("config", "", "Configuration file, required by -sync, -watch, -serve, -lookup and -show")
	doSync := flag.Bool("sync", false, "Index the documents of doc_root and exit")
	watch := flag.Bool("watch", false, "Index doc_root and keep the index up to date")
	serve := flag.Bool("serve", false, "Index doc_root, keep it up to date and serve the MCP tools")
	lookup := flag.String("lookup", "", "Print the indexed documents containing this observable")
	show := flag.String("show", "", "Print the indexed observables of this document")
	reset := flag.Bool("reset", false, "Reinitialize the store from scratch if set")
	flag.Parse()

	if *format != "text" && *format != "json" {
		log.Fatalf("unknown format %q", *format)
	}

	var cfg *Config
	if *cfgPath != "" {
		c, err := readConfig(*cfgPath)
		if err != nil {
			log.Fatal(err)
		}
		cfg = c
	}

	logger, logFile, err := newLogger(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	typeFilter := *types
	if typeFilter == "" && cfg != nil {
		typeFilter = cfg.Types
	}
	kinds, err := observables.ParseKinds(typeFilter)
	if err != nil {
		log.Fatal(err)
	}

	reg := &DocRegistry{
		log:   logger,
		kinds: kinds,
	}
	reg.RegisterReader(&readers.UniversalFileReader{})

	if *input != "" {
		if err := extractOne(os.Stdout, reg, *input, *format); err != nil {
			log.Fatal(err)
		}
		return
	}

	if cfg == nil {
		flag.Usage()
		os.Exit(2)
	}

	handle, err := initDocStore(cfg, *reset)
	if err != nil {
		log.Fatal(err)
	}
	defer handle.Close()

	reg.root = cfg.DocRoot
	reg.mergeEventsDelay = time.Duration(cfg.MergeEventsMs) * time.Millisecond
	reg.store = handle.store

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch {
	case *lookup != "":
		matches, err := reg.Lookup(ctx, *lookup)
		if err != nil {
			log.Fatal(err)
		}
		if err := printMatches(os.Stdout, matches); err != nil {
			log.Fatal(err)
		}

	case *show != "":
		if err := showDocument(ctx, os.Stdout, reg, *show, *format); err != nil {
			log.Fatal(err)
		}

	case *doSync:
		if err := reg.Sync(ctx); err != nil {
			log.Fatal(err)
		}

	case *watch:
		if err := reg.Sync(ctx); err != nil {
			log.Fatal(err)
		}
		if err := reg.Watch(ctx); err != nil {
			log.Fatal(err)
		}
		<-ctx.Done()

	case *serve:
		go func() {
			if err := reg.Sync(ctx); err != nil {
				logger.Error("initial sync failed", "error", err)
			}

			if err := reg.Watch(ctx); err != nil {
				logger.Error("watch failed", "error", err)
			}
		}()

		srv := NewObservableServer(reg, handle.searcher, cfg.DocRoot)
		if cfg.Transport == "stdio" {
			if err := server.ServeStdio(srv); err != nil {
				logger.Error("stdio server stopped", "error", err)
			}
			return
		}

		sse := server.NewSSEServer(srv, server.WithBaseURL(fmt.Sprintf("http://%s", cfg.ServerAddr)))
		go func() {
			<-ctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			sse.Shutdown(shutdownCtx)
		}()

		logger.Info("serving MCP", "addr", cfg.ServerAddr)
		log.Println(sse.Start(cfg.ServerAddr))

	default:
		flag.Usage()
		os.Exit(2)
	}
}
