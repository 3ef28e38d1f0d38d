package notify

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/spindleworks/spindle/synclog"
)

// TemplateData is the variable set subject and body templates may reference,
// e.g. {{.Pipeline}}, {{.Status}}, {{.Metrics.RowsStaged}} or, on per-store
// emails, {{.StoreCode}} and {{.Store.Succeeded}}.
type TemplateData struct {
	RunID      string
	Pipeline   string
	Env        string
	ReportDate string
	Status     string
	Summary    string

	Metrics synclog.Metrics

	// StoreCode and Store are set on per-store emails only.
	StoreCode string
	Store     synclog.StoreMetrics

	// StatusLines is a prebuilt block with one line per store in scope and
	// one per attached file.
	StatusLines string
}

// render executes one template source against |data|. Rendering failures are
// per-plan delivery failures, never panics.
func render(name, source string, data TemplateData) (string, error) {
	var tpl, err = template.New(name).Parse(source)
	if err != nil {
		return "", fmt.Errorf("parsing %s template: %w", name, err)
	}
	var out strings.Builder
	if err := tpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("rendering %s template: %w", name, err)
	}
	return out.String(), nil
}

// storeLine formats one store's outcome counts for email bodies.
func storeLine(code string, sm synclog.StoreMetrics) string {
	var line = fmt.Sprintf("%s: %d succeeded, %d partial, %d failed, %d skipped (%d rows staged)",
		code, sm.Succeeded, sm.Partial, sm.Failed, sm.Skipped, sm.RowsStaged)
	if sm.LastError != "" {
		line += " - " + sm.LastError
	}
	return line
}

// statusLines builds the per-store and per-file block for one email. For
// global emails |only| is empty and every store in |metrics| is listed; for
// per-store emails it narrows to that store.
func statusLines(metrics synclog.Metrics, only string, attachments []Document) string {
	var lines []string

	if only != "" {
		lines = append(lines, storeLine(only, metrics.PerStore[only]))
	} else {
		var codes = make([]string, 0, len(metrics.PerStore))
		for code := range metrics.PerStore {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			lines = append(lines, storeLine(code, metrics.PerStore[code]))
		}
	}

	for _, doc := range attachments {
		lines = append(lines, "attached: "+filepath.Base(doc.Path))
	}
	return strings.Join(lines, "\n")
}
