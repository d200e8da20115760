package renderers

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/neurareport/internal/models"
)

// chromeHardLimit stops a wedged browser tab; the per-render timeout in
// Guarded is what callers observe
const chromeHardLimit = 5 * time.Minute

// ChromePDFRenderer prints bound HTML to PDF with a shared headless browser.
// The browser starts on first use and every render gets its own tab.
type ChromePDFRenderer struct {
	chromePath string
	verify     bool
	logger     arbor.ILogger

	mu              sync.Mutex
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
}

func NewChromePDFRenderer(chromePath string, verify bool, logger arbor.ILogger) *ChromePDFRenderer {
	return &ChromePDFRenderer{chromePath: chromePath, verify: verify, logger: logger}
}

func (r *ChromePDFRenderer) Format() models.Format {
	return models.FormatPDF
}

func (r *ChromePDFRenderer) browser() (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browserCtx != nil && r.browserCtx.Err() == nil {
		return r.browserCtx, nil
	}

	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if r.chromePath != "" {
		opts = append(opts, chromedp.ExecPath(r.chromePath))
	}

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	start := time.Now()
	if err := chromedp.Run(browserCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("%w: browser failed to start: %v", models.ErrRendererBusy, err)
	}

	r.browserCtx = browserCtx
	r.browserCancel = browserCancel
	r.allocatorCancel = allocatorCancel

	r.logger.Info().Dur("startup_time", time.Since(start)).Msg("Headless browser started")
	return browserCtx, nil
}

func (r *ChromePDFRenderer) Render(ctx context.Context, boundHTML string, outputPath string) (models.RenderOutput, error) {
	browserCtx, err := r.browser()
	if err != nil {
		return models.RenderOutput{}, err
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer tabCancel()
	tabCtx, cancel := context.WithTimeout(tabCtx, chromeHardLimit)
	defer cancel()

	var pdf []byte
	err = chromedp.Run(tabCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, boundHTML).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			if err != nil {
				return err
			}
			pdf = buf
			return nil
		}),
	)
	if err != nil {
		return models.RenderOutput{}, fmt.Errorf("%w: print to PDF failed: %v", models.ErrRendererBusy, err)
	}

	output, err := writeOutput(models.FormatPDF, outputPath, pdf)
	if err != nil {
		return models.RenderOutput{}, err
	}
	if r.verify {
		if _, err := verifyPDF(outputPath); err != nil {
			_ = os.Remove(outputPath)
			return models.RenderOutput{}, err
		}
	}
	return output, nil
}

// Close shuts the browser down
func (r *ChromePDFRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browserCancel != nil {
		r.browserCancel()
		r.allocatorCancel()
		r.browserCtx = nil
	}
	return nil
}
