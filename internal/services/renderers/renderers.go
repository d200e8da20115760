// Package renderers converts bound HTML into report files, one adapter per format.
package renderers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/neurareport/internal/common"
	"github.com/ternarybob/neurareport/internal/interfaces"
	"github.com/ternarybob/neurareport/internal/models"
)

const stagingSuffix = ".partial"

// writeOutput writes data atomically and describes the result
func writeOutput(format models.Format, path string, data []byte) (models.RenderOutput, error) {
	if err := common.WriteFileAtomic(path, data); err != nil {
		return models.RenderOutput{}, fmt.Errorf("failed to write %s output: %w", format, err)
	}
	return describe(format, path)
}

func describe(format models.Format, path string) (models.RenderOutput, error) {
	hash, size, err := common.HashFile(path)
	if err != nil {
		return models.RenderOutput{}, fmt.Errorf("failed to hash %s output: %w", format, err)
	}
	return models.RenderOutput{
		Format:      format,
		Path:        path,
		ContentHash: hash,
		SizeBytes:   size,
		ProducedAt:  time.Now().UTC(),
	}, nil
}

// Guarded runs a renderer off the caller's goroutine under a per-render
// timeout and a shared start rate. The inner renderer writes to a staging
// file that is promoted only when the render finishes in time, so an abandoned
// render never leaves a file at the final path. In-flight renders are not
// interrupted: on timeout the caller moves on and the late result is discarded.
type Guarded struct {
	inner   interfaces.FormatRenderer
	timeout time.Duration
	limiter *rate.Limiter
	logger  arbor.ILogger
}

var _ interfaces.FormatRenderer = (*Guarded)(nil)

// NewGuarded wraps inner. A nil limiter means unlimited.
func NewGuarded(inner interfaces.FormatRenderer, timeout time.Duration, limiter *rate.Limiter, logger arbor.ILogger) *Guarded {
	return &Guarded{inner: inner, timeout: timeout, limiter: limiter, logger: logger}
}

func (g *Guarded) Format() models.Format {
	return g.inner.Format()
}

type renderResult struct {
	output models.RenderOutput
	err    error
}

func (g *Guarded) Render(ctx context.Context, boundHTML string, outputPath string) (models.RenderOutput, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return models.RenderOutput{}, ctx.Err()
			}
			return models.RenderOutput{}, fmt.Errorf("%w: %v", models.ErrRendererBusy, err)
		}
	}

	staging := outputPath + stagingSuffix
	done := make(chan renderResult, 1)

	var (
		mu        sync.Mutex
		abandoned bool
		finished  bool
	)

	go func() {
		var res renderResult
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error().
					Str("format", string(g.inner.Format())).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", common.StackTrace()).
					Msg("Renderer panicked")
				res = renderResult{err: fmt.Errorf("renderer panic: %v", r)}
			}

			mu.Lock()
			late := abandoned
			finished = true
			mu.Unlock()

			if late {
				_ = os.Remove(staging)
				g.logger.Warn().
					Str("format", string(g.inner.Format())).
					Str("path", outputPath).
					Msg("Discarded late render result")
				return
			}
			done <- res
		}()

		// Cancellation is cooperative and checked by the caller before a render starts
		res.output, res.err = g.inner.Render(context.WithoutCancel(ctx), boundHTML, staging)
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	abandon := func() {
		mu.Lock()
		abandoned = true
		late := finished
		mu.Unlock()
		// Finished between the timer firing and the flag being set
		if late {
			_ = os.Remove(staging)
		}
	}

	select {
	case res := <-done:
		if res.err != nil {
			_ = os.Remove(staging)
			return models.RenderOutput{}, res.err
		}
		if err := os.Rename(staging, outputPath); err != nil {
			_ = os.Remove(staging)
			return models.RenderOutput{}, fmt.Errorf("failed to promote %s output: %w", g.inner.Format(), err)
		}
		res.output.Path = outputPath
		return res.output, nil
	case <-timer.C:
		abandon()
		return models.RenderOutput{}, fmt.Errorf("%w: %s render exceeded %s", models.ErrRendererTimeout, g.inner.Format(), g.timeout)
	case <-ctx.Done():
		abandon()
		return models.RenderOutput{}, ctx.Err()
	}
}

// Registry holds one renderer per format
type Registry struct {
	renderers map[models.Format]interfaces.FormatRenderer
	closers   []func() error
}

// NewRegistry builds the guarded adapters configured for this process
func NewRegistry(cfg *common.RendererConfig, logger arbor.ILogger) *Registry {
	timeout := common.ParseDurationOr(cfg.Timeout, 60*time.Second)

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	r := &Registry{renderers: make(map[models.Format]interfaces.FormatRenderer)}

	var pdf interfaces.FormatRenderer
	if cfg.PDFEngine == "native" {
		pdf = NewNativePDFRenderer(cfg.VerifyPDF, logger)
	} else {
		chrome := NewChromePDFRenderer(cfg.ChromePath, cfg.VerifyPDF, logger)
		r.closers = append(r.closers, chrome.Close)
		pdf = chrome
	}

	for _, inner := range []interfaces.FormatRenderer{
		NewHTMLRenderer(),
		pdf,
		NewDOCXRenderer(logger),
		NewXLSXRenderer(logger),
	} {
		r.renderers[inner.Format()] = NewGuarded(inner, timeout, limiter, logger)
	}

	logger.Info().
		Str("pdf_engine", cfg.PDFEngine).
		Dur("timeout", timeout).
		Str("rate_limit", fmt.Sprintf("%g/s", cfg.RateLimit)).
		Msg("Renderers initialized")
	return r
}

// NewRegistryFrom builds a registry around explicit renderers, used by tests and embedders
func NewRegistryFrom(renderers ...interfaces.FormatRenderer) *Registry {
	r := &Registry{renderers: make(map[models.Format]interfaces.FormatRenderer, len(renderers))}
	for _, renderer := range renderers {
		r.renderers[renderer.Format()] = renderer
	}
	return r
}

// Get returns the renderer for a format
func (r *Registry) Get(format models.Format) (interfaces.FormatRenderer, bool) {
	renderer, ok := r.renderers[format]
	return renderer, ok
}

// Close releases external resources such as the headless browser
func (r *Registry) Close() error {
	var errs []error
	for _, closeFn := range r.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OutputPath is the canonical file location for one (batch, format) pair
func OutputPath(outputDir, jobID, batchID string, format models.Format) (string, error) {
	rel, err := common.SanitizeKey(jobID + "/" + batchID + "." + string(format))
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}
	return filepath.Join(outputDir, filepath.FromSlash(rel)), nil
}
