package export

import (
	"context"
	"encoding/base64"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// Binaries tried in order when looking for a headless browser.
var chromeBinaries = []string{"chromium-browser", "chromium", "google-chrome-stable", "google-chrome"}

const (
	pdfTimeout    = 30 * time.Second
	a4WidthInches = 8.27
	a4HeightInch  = 11.69
	maxNameLength = 50
)

// findChrome returns the first browser binary lookPath can resolve.
func findChrome(lookPath func(string) (string, error)) (string, error) {
	for _, name := range chromeBinaries {
		if path, err := lookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: none of %s on PATH", ErrPDFDependencyMissing, strings.Join(chromeBinaries, ", "))
}

// reportDataURL embeds a rendered report so the browser can load it without a server.
func reportDataURL(html string) string {
	return "data:text/html;charset=utf-8;base64," + base64.StdEncoding.EncodeToString([]byte(html))
}

// renderPDF prints a report page to A4 through headless Chrome.
func renderPDF(parent context.Context, html string) ([]byte, error) {
	chrome, err := findChrome(exec.LookPath)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(parent, pdfTimeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(chrome),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var out []byte
	printPage := chromedp.ActionFunc(func(ctx context.Context) error {
		data, _, err := page.PrintToPDF().
			WithPrintBackground(true).
			WithPaperWidth(a4WidthInches).
			WithPaperHeight(a4HeightInch).
			WithPreferCSSPageSize(true).
			Do(ctx)
		out = data
		return err
	})
	if err := chromedp.Run(browserCtx, chromedp.Navigate(reportDataURL(html)), chromedp.WaitReady("body"), printPage); err != nil {
		return nil, fmt.Errorf("print report: %w", err)
	}
	return out, nil
}

// reportFileName builds the download name for a revision report, without extension.
// The proof title loses its file extension and anything outside [A-Za-z0-9_-].
func reportFileName(title string, sequence int) string {
	base := strings.TrimSuffix(title, filepath.Ext(title))
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '-'
		}
		return -1
	}, base)
	if len(slug) > maxNameLength {
		slug = slug[:maxNameLength]
	}
	if slug == "" {
		slug = "proof"
	}
	return fmt.Sprintf("%s-r%d", slug, sequence)
}
