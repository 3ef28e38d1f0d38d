// Package notify turns finished runs into emails. Routing lives in the
// database (profiles bind a pipeline to a scope and attach mode, templates
// hold the copy, recipients are filtered per environment) so operators tune
// delivery without a deploy. Delivery trouble never fails a run: it is
// counted, logged, recorded in the dispatch log, and downgrades a clean run
// to warning.
package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/spindleworks/spindle/synclog"
)

// Dispatcher resolves and delivers the notifications of one run.
type Dispatcher struct {
	Routing *Routing
	Runs    *synclog.Runs
	Mailer  Mailer
	// Env filters recipients; it normally matches the run's run_env.
	Env string
}

// Report tallies one Dispatch invocation.
type Report struct {
	// Profiles is the number of active profiles bound to the pipeline.
	Profiles int
	// SkippedProfiles already had a dispatch-log row for this run.
	SkippedProfiles int
	Sent            int
	Failed          int
	// Downgraded is set when delivery failures moved the run ok to warning.
	Downgraded bool
}

// Dispatch sends every email the run's routing resolves to. It is safe to
// invoke twice for one run: each profile dispatches exactly once, guarded by
// the dispatch log.
func (d *Dispatcher) Dispatch(ctx context.Context, runID, pipelineName string) (Report, error) {
	var report Report

	summary, err := d.Runs.Get(ctx, runID)
	if err != nil {
		return report, err
	}
	if summary.OverallStatus == synclog.RunRunning {
		return report, fmt.Errorf("run %s has not finished; nothing to dispatch", runID)
	}
	if pipelineName == "" {
		pipelineName = summary.PipelineName
	}

	metrics, err := summary.Metrics()
	if err != nil {
		return report, err
	}
	documents, err := d.Routing.DocumentsForRun(ctx, runID)
	if err != nil {
		return report, err
	}
	profiles, err := d.Routing.ActiveProfiles(ctx, pipelineName)
	if err != nil {
		return report, err
	}
	report.Profiles = len(profiles)

	for _, profile := range profiles {
		done, err := d.Routing.AlreadyDispatched(ctx, runID, profile.ID)
		if err != nil {
			return report, err
		}
		if done {
			report.SkippedProfiles++
			log.WithFields(log.Fields{
				"run":     runID,
				"profile": profile.Name,
			}).Info("profile already dispatched for this run; skipping")
			continue
		}

		sent, failed, err := d.dispatchProfile(ctx, profile, summary, metrics, documents)
		if err != nil {
			return report, err
		}
		report.Sent += sent
		report.Failed += failed

		if err := d.Routing.RecordDispatch(ctx, runID, profile.ID, sent, failed); err != nil {
			return report, err
		}
	}

	if report.Failed > 0 && summary.OverallStatus == synclog.RunOK {
		if err := d.Runs.Downgrade(ctx, runID, synclog.RunOK, synclog.RunWarning); err != nil {
			return report, err
		}
		report.Downgraded = true
	}
	return report, nil
}

// dispatchProfile resolves one profile into emails and sends them. Rendering
// and transport failures count against |failed|; only infrastructure errors
// (the routing tables themselves failing) propagate.
func (d *Dispatcher) dispatchProfile(ctx context.Context, profile Profile,
	summary synclog.RunSummary, metrics synclog.Metrics, documents []Document) (sent, failed int, err error) {

	var logger = log.WithFields(log.Fields{
		"run":     summary.RunID,
		"profile": profile.Name,
	})

	tpl, err := d.Routing.ActiveTemplate(ctx, profile.ID)
	if errors.Is(err, sql.ErrNoRows) {
		logger.Warn("profile has no active template; nothing sent")
		return 0, 0, nil
	} else if err != nil {
		return 0, 0, err
	}

	recipients, err := d.Routing.ActiveRecipients(ctx, profile.ID, d.Env)
	if err != nil {
		return 0, 0, err
	}

	var plans = buildPlans(profile, metrics, documents, recipients)
	if len(plans) == 0 {
		logger.Info("profile resolved to no deliverable emails")
		return 0, 0, nil
	}

	for _, pl := range plans {
		email, renderErr := renderPlan(profile, tpl, summary, metrics, pl)
		if renderErr != nil {
			logger.WithFields(log.Fields{
				"store": pl.storeCode,
				"error": renderErr,
			}).Error("failed to render notification")
			failed++
			continue
		}
		if sendErr := d.Mailer.Send(ctx, email); sendErr != nil {
			logger.WithFields(log.Fields{
				"store": pl.storeCode,
				"error": sendErr,
			}).Error("failed to deliver notification")
			failed++
			continue
		}
		sent++
		logger.WithFields(log.Fields{
			"store":       pl.storeCode,
			"recipients":  len(email.To),
			"attachments": len(email.Attachments),
		}).Info("notification sent")
	}
	return sent, failed, nil
}

// plan is one unrendered email: its audience and attachments.
type plan struct {
	storeCode   string
	to          []string
	attachments []Document
}

func buildPlans(profile Profile, metrics synclog.Metrics, documents []Document, recipients []Recipient) []plan {
	if profile.Scope == ScopePerStore {
		return perStorePlans(profile, metrics, documents, recipients)
	}
	return globalPlans(profile, documents, recipients)
}

// globalPlans resolves to one email addressed to the profile's global
// recipients, with every run document attached under AttachAll.
func globalPlans(profile Profile, documents []Document, recipients []Recipient) []plan {
	var to []string
	for _, r := range recipients {
		if !r.StoreCode.Valid || r.StoreCode.String == "" {
			to = append(to, r.Email)
		}
	}
	if len(to) == 0 {
		return nil
	}
	var p = plan{to: to}
	if profile.AttachMode == AttachAll {
		p.attachments = documents
	}
	return []plan{p}
}

// perStorePlans resolves to one email per store that participated in the run
// and has matching recipients. AttachPerStorePDF additionally requires the
// store's PDF; a store without one is skipped rather than mailed empty.
func perStorePlans(profile Profile, metrics synclog.Metrics, documents []Document, recipients []Recipient) []plan {
	var byStore = make(map[string][]string)
	for _, r := range recipients {
		if r.StoreCode.Valid && r.StoreCode.String != "" {
			byStore[r.StoreCode.String] = append(byStore[r.StoreCode.String], r.Email)
		}
	}

	var codes = make([]string, 0, len(metrics.PerStore))
	for code := range metrics.PerStore {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var out []plan
	for _, code := range codes {
		var to = byStore[code]
		if len(to) == 0 {
			continue
		}
		var p = plan{storeCode: code, to: to}
		switch profile.AttachMode {
		case AttachPerStorePDF:
			var pdf, ok = storePDF(documents, code)
			if !ok {
				continue
			}
			p.attachments = []Document{pdf}
		case AttachAll:
			for _, doc := range documents {
				if doc.StoreCode == code {
					p.attachments = append(p.attachments, doc)
				}
			}
		}
		out = append(out, p)
	}
	return out
}

// storePDF picks the store's PDF document, keeping the newest when the
// reporting collaborator wrote more than one.
func storePDF(documents []Document, storeCode string) (Document, bool) {
	var found Document
	var ok bool
	for _, doc := range documents {
		if doc.StoreCode == storeCode && strings.EqualFold(doc.Type, "pdf") {
			found, ok = doc, true
		}
	}
	return found, ok
}

func renderPlan(profile Profile, tpl Template, summary synclog.RunSummary,
	metrics synclog.Metrics, pl plan) (Email, error) {

	var data = TemplateData{
		RunID:       summary.RunID,
		Pipeline:    summary.PipelineName,
		Env:         summary.RunEnv,
		ReportDate:  summary.ReportDate.String(),
		Status:      string(summary.OverallStatus),
		Summary:     summary.SummaryText,
		Metrics:     metrics,
		StoreCode:   pl.storeCode,
		StatusLines: statusLines(metrics, pl.storeCode, pl.attachments),
	}
	if pl.storeCode != "" {
		data.Store = metrics.PerStore[pl.storeCode]
	}

	subject, err := render("subject", tpl.Subject, data)
	if err != nil {
		return Email{}, err
	}
	body, err := render("body", tpl.Body, data)
	if err != nil {
		return Email{}, err
	}

	var email = Email{
		Profile:   profile.Name,
		StoreCode: pl.storeCode,
		To:        pl.to,
		Subject:   subject,
		Body:      body,
	}
	for _, doc := range pl.attachments {
		email.Attachments = append(email.Attachments, doc.Path)
	}
	return email, nil
}
