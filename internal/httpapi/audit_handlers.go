package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"hisadmin.org/internal/apperr"
	"hisadmin.org/internal/audit"
	"hisadmin.org/internal/iam"
)

const dateLayout = "2006-01-02"

// parseInstant accepts RFC3339 or a bare date. A bare date used as an upper
// bound covers the whole day.
func parseInstant(raw string, upper bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	d, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, audit.ErrInvalidFilter.With("bad time %q", raw)
	}
	if upper {
		d = d.AddDate(0, 0, 1)
	}
	return &d, nil
}

func filterFromQuery(q url.Values) (audit.Filter, error) {
	f := audit.Filter{
		Username:   q.Get("username"),
		Action:     audit.Action(q.Get("action")),
		Module:     audit.Module(q.Get("module")),
		EntityType: q.Get("entityType"),
		EntityID:   q.Get("entityId"),
		IP:         q.Get("ip"),
		Outcome:    audit.Outcome(q.Get("outcome")),
	}
	var err error
	if f.From, err = parseInstant(q.Get("from"), false); err != nil {
		return f, err
	}
	if f.To, err = parseInstant(q.Get("to"), true); err != nil {
		return f, err
	}
	return f, nil
}

func (a *API) handleAuditSearch(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	f, err := filterFromQuery(r.URL.Query())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	page, ok := queryInt(w, r, "page", 1)
	if !ok {
		return
	}
	size, ok := queryInt(w, r, "size", audit.DefaultPageSize)
	if !ok {
		return
	}
	res, err := a.deps.Trail.Search(r.Context(), f, page, size)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if res.Items == nil {
		res.Items = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleAuditStatistics(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	q := r.URL.Query()
	start, err := parseInstant(q.Get("start"), false)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	end, err := parseInstant(q.Get("end"), true)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	st, err := a.deps.Trail.Statistics(r.Context(), start, end)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleAuditExport streams the matching events as an XLSX workbook, capped
// at exportLimit rows.
func (a *API) handleAuditExport(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	f, err := filterFromQuery(r.URL.Query())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var events []audit.Event
	for page := 1; len(events) < a.exportLimit; page++ {
		res, err := a.deps.Trail.Search(r.Context(), f, page, audit.MaxPageSize)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		events = append(events, res.Items...)
		if len(res.Items) < audit.MaxPageSize || len(events) >= res.Total {
			break
		}
	}
	if len(events) > a.exportLimit {
		events = events[:a.exportLimit]
	}

	var buf bytes.Buffer
	if err := audit.WriteXLSX(&buf, events); err != nil {
		a.fail(w, r, err)
		return
	}
	name := fmt.Sprintf("audit-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Export-Rows", strconv.Itoa(len(events)))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		a.logger.Warn("audit export write", zap.Error(err))
	}
}

func (a *API) handleAuditVerify(w http.ResponseWriter, r *http.Request, _ iam.Principal) {
	checked, err := a.deps.Trail.Verify(r.Context())
	if err != nil && !errors.Is(err, audit.ErrChainBroken) {
		a.fail(w, r, err)
		return
	}
	body := map[string]any{"ok": err == nil, "checked": checked}
	if err != nil {
		body["error"] = apperr.Code(err)
		body["message"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}
