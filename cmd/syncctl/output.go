package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"

	"github.com/kimhsiao/medisync/internal/models"
	"github.com/kimhsiao/medisync/internal/sync/orchestrator"
)

// response is the JSON envelope of every command.
type response struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
}

// output renders command results as text or JSON.
type output struct {
	format string
	w      io.Writer
}

func (o *output) isJSON() bool { return o.format == "json" }

// emit writes data as JSON, or calls text for the human-readable form.
func (o *output) emit(data interface{}, text func(w io.Writer)) error {
	if o.isJSON() {
		enc := json.NewEncoder(o.w)
		enc.SetIndent("", "  ")
		return enc.Encode(response{Status: "ok", Data: data})
	}
	text(o.w)
	return nil
}

func when(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return humanize.Time(*t)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func writeStatus(w io.Writer, st *orchestrator.Status) {
	stability := "settling"
	if st.Connection.IsStable {
		stability = "stable"
	}
	metered := ""
	if st.Connection.IsMetered {
		metered = ", metered"
	}
	fmt.Fprintf(w, "Connection:       %s (%s%s)\n", st.Connection.Quality, stability, metered)
	fmt.Fprintf(w, "Can sync:         %s\n", yesNo(st.CanSync))
	fmt.Fprintf(w, "Auto sync:        %s\n", yesNo(st.AutoSync))
	fmt.Fprintf(w, "Last sync:        %s\n", when(st.LastSyncAt))
	fmt.Fprintf(w, "Last attempt:     %s\n", when(st.LastAttemptAt))
	if st.Cursor.IsZero() {
		fmt.Fprintf(w, "Cursor:           none\n")
	} else {
		fmt.Fprintf(w, "Cursor:           %s\n", st.Cursor.Format(time.RFC3339Nano))
	}
	fmt.Fprintf(w, "Pending uploads:  %s\n", humanize.Comma(int64(st.PendingUploads)))
	fmt.Fprintf(w, "Queue:            %s pending, %s in flight, %s failed\n",
		humanize.Comma(int64(st.Queue.Pending)),
		humanize.Comma(int64(st.Queue.InFlight)),
		humanize.Comma(int64(st.Queue.Failed)))
	fmt.Fprintf(w, "Conflicts:        %s awaiting review\n", humanize.Comma(int64(st.PendingConflicts)))
	if st.LastError != "" {
		fmt.Fprintf(w, "Last error:       %s\n", st.LastError)
	}
}

func writePass(w io.Writer, res *orchestrator.PassResult) {
	if res.Skipped {
		fmt.Fprintf(w, "Skipped: %s\n", res.SkipReason)
		return
	}
	s := res.Sync
	fmt.Fprintf(w, "Uploaded %s (%s), downloaded %s in %s\n",
		humanize.Comma(int64(s.Uploaded)),
		humanize.Bytes(uint64(s.BytesUploaded)),
		humanize.Comma(int64(s.Downloaded)),
		s.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Applied %d, resolved %d, held for review %d, unchanged %d\n",
		s.Applied, s.Resolved, s.Conflicted, s.Unchanged)
	if s.Deferred > 0 || s.Held > 0 {
		fmt.Fprintf(w, "Waiting: %d backing off, %d held\n", s.Deferred, s.Held)
	}
	if n := s.Failed(); n > 0 || s.DownloadErr != nil {
		fmt.Fprintf(w, "Failed: %d entities, %d requeued, %d exhausted\n", n, res.Requeued, res.Exhausted)
		for _, f := range s.BatchFailures {
			fmt.Fprintf(w, "  batch %d (%s): %v\n", f.Index, strings.Join(f.EntityIDs, ", "), f.Err)
		}
		if s.DownloadErr != nil {
			fmt.Fprintf(w, "  download: %v\n", s.DownloadErr)
		}
		for _, f := range s.EntityFailures {
			fmt.Fprintf(w, "  %s: %v\n", f.EntityID, f.Err)
		}
	}
	if s.CursorAdvanced {
		fmt.Fprintf(w, "Cursor advanced to %s\n", s.NewCursor.Format(time.RFC3339Nano))
	}
}

func writeConflicts(w io.Writer, records []*models.ConflictRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No conflicts.")
		return
	}
	for _, rec := range records {
		fields := "-"
		if len(rec.CollidingFields) > 0 {
			fields = strings.Join(rec.CollidingFields, ",")
		}
		review := ""
		if rec.RequiresReview {
			review = "  needs review"
		}
		fmt.Fprintf(w, "%s  %s  %s  confidence %.2f  fields %s  %s%s\n",
			rec.EntityID, rec.EntityType, rec.Strategy, rec.Confidence, fields,
			humanize.Time(rec.ResolvedAt), review)
	}
}

func writeOperations(w io.Writer, ops []*models.QueuedOperation) {
	if len(ops) == 0 {
		fmt.Fprintln(w, "Queue is empty.")
		return
	}
	for _, op := range ops {
		next := ""
		if op.Status == models.OperationPending {
			next = "  next " + humanize.Time(op.NextEligibleAt)
		}
		lastErr := ""
		if op.LastError != "" {
			lastErr = "  " + op.LastError
		}
		fmt.Fprintf(w, "%s  %-8s  %-10s  %s  p%d  attempts %d/%d%s%s\n",
			op.ID, op.Kind, op.Status, op.EntityID, op.Priority,
			op.AttemptCount, op.MaxAttempts, next, lastErr)
	}
}
