// Package importertest provides test doubles for the importer package.
package importertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/DavieBik/questify-glow-sub000/core"
	"github.com/DavieBik/questify-glow-sub000/core/importer"
)

// Gateway is a scripted importer.Gateway recording every call.
// Zero values answer with a successful, error-free import.
type Gateway struct {
	mu sync.Mutex

	UploadErr      error
	FetchErr       error
	DryRunErr      error
	FetchErrorsErr error
	CommitErr      error
	DryRunResult   importer.DryRunResult
	Errors         []importer.ImportError
	CommitResult   importer.CommitResult
	Status         string
	IDs            []string      // job IDs returned by successive uploads
	Block          chan struct{} // when set, DryRunImport and CommitImport wait for it or for ctx
	Calls          map[string]int
	LastMapping    importer.FieldMapping
	LastKind       importer.Kind
	LastFile       importer.File
	uploads        int
}

var _ importer.Gateway = (*Gateway)(nil)

func NewGateway() *Gateway {
	return &Gateway{Calls: make(map[string]int)}
}

func (g *Gateway) record(op string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Calls == nil {
		g.Calls = make(map[string]int)
	}
	g.Calls[op]++
}

// CallCount returns how many times op was called.
func (g *Gateway) CallCount(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Calls[op]
}

func (g *Gateway) wait(ctx context.Context) error {
	if g.Block == nil {
		return nil
	}
	select {
	case <-g.Block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) UploadImportFile(_ context.Context, file importer.File, kind importer.Kind) (string, error) {
	g.record("upload")
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.UploadErr != nil {
		return "", g.UploadErr
	}
	g.LastFile = file
	g.LastKind = kind
	g.uploads++
	if len(g.IDs) >= g.uploads {
		return g.IDs[g.uploads-1], nil
	}
	return fmt.Sprintf("job-%d", g.uploads), nil
}

func (g *Gateway) FetchImportJob(_ context.Context, jobID string) (importer.Job, error) {
	g.record("fetch")
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FetchErr != nil {
		return importer.Job{}, g.FetchErr
	}
	status := g.Status
	if status == "" {
		status = importer.StatusUploaded
	}
	return importer.Job{
		ID:               jobID,
		Kind:             g.LastKind,
		Source:           "test",
		Status:           status,
		OriginalFilename: g.LastFile.Name,
		CreatedAt:        time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}, nil
}

func (g *Gateway) DryRunImport(ctx context.Context, _ string, mapping importer.FieldMapping) (importer.DryRunResult, error) {
	g.record("dryRun")
	if err := g.wait(ctx); err != nil {
		return importer.DryRunResult{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.LastMapping = mapping
	if g.DryRunErr != nil {
		return importer.DryRunResult{}, g.DryRunErr
	}
	return g.DryRunResult, nil
}

func (g *Gateway) FetchImportErrors(_ context.Context, _ string) ([]importer.ImportError, error) {
	g.record("fetchErrors")
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FetchErrorsErr != nil {
		return nil, g.FetchErrorsErr
	}
	return append([]importer.ImportError(nil), g.Errors...), nil
}

func (g *Gateway) CommitImport(ctx context.Context, _ string, mapping importer.FieldMapping) (importer.CommitResult, error) {
	g.record("commit")
	if err := g.wait(ctx); err != nil {
		return importer.CommitResult{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.LastMapping = mapping
	if g.CommitErr != nil {
		return importer.CommitResult{}, g.CommitErr
	}
	return g.CommitResult, nil
}

// Logger is a core.Logger keeping messages in memory.
type Logger struct {
	mu       sync.Mutex
	Messages []string
}

var _ core.Logger = (*Logger)(nil)

func (l *Logger) log(level, msg string) {
	l.mu.Lock()
	l.Messages = append(l.Messages, level+": "+msg)
	l.mu.Unlock()
}

func (l *Logger) Debug(msg string, _ ...interface{}) { l.log("DEBUG", msg) }
func (l *Logger) Info(msg string, _ ...interface{})  { l.log("INFO", msg) }
func (l *Logger) Warn(msg string, _ ...interface{})  { l.log("WARN", msg) }
func (l *Logger) Error(msg string, _ ...interface{}) { l.log("ERROR", msg) }
func (l *Logger) Fatal(msg string, _ ...interface{}) { l.log("FATAL", msg) }
