package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/progress"

	"github.com/statcandb/statcandb/internal/reconcile"
	"github.com/statcandb/statcandb/pkg/types"
)

// progressReporter renders a product progress bar on stderr and prints
// skipped and failed products on stdout.
type progressReporter struct {
	out     io.Writer
	pw      progress.Writer
	tracker *progress.Tracker
}

func newProgressReporter(stdout, stderr io.Writer) *progressReporter {
	pw := progress.NewWriter()
	pw.SetOutputWriter(stderr)
	pw.SetAutoStop(false)
	pw.SetTrackerLength(30)
	pw.SetUpdateFrequency(200 * time.Millisecond)
	pw.SetStyle(progress.StyleDefault)
	pw.Style().Visibility.ETA = true
	pw.Style().Visibility.Percentage = true
	return &progressReporter{out: stdout, pw: pw}
}

func (p *progressReporter) Start(total int) {
	if total == 0 {
		return
	}
	p.tracker = &progress.Tracker{Message: "products", Total: int64(total), Units: progress.UnitsDefault}
	p.pw.AppendTracker(p.tracker)
	go p.pw.Render()
	// Stop is a no-op until rendering has begun.
	for !p.pw.IsRenderInProgress() {
		time.Sleep(time.Millisecond)
	}
}

func (p *progressReporter) Begin(m types.ProductMetadata) {
	if p.tracker != nil {
		p.tracker.UpdateMessage(strconv.FormatInt(m.ProductID, 10))
	}
}

func (p *progressReporter) Done(r reconcile.Result) {
	if r.Status != reconcile.StatusOk {
		fmt.Fprintln(p.out, r.Message())
	}
	if p.tracker != nil {
		p.tracker.Increment(1)
	}
}

func (p *progressReporter) Finish(*reconcile.Report) {
	if p.tracker == nil {
		return
	}
	p.tracker.MarkAsDone()
	p.pw.Stop()
	for p.pw.IsRenderInProgress() {
		time.Sleep(10 * time.Millisecond)
	}
}

// messageReporter only prints skipped and failed products.
type messageReporter struct {
	out io.Writer
}

func newMessageReporter(out io.Writer) *messageReporter {
	return &messageReporter{out: out}
}

func (m *messageReporter) Start(int) {}

func (m *messageReporter) Begin(types.ProductMetadata) {}

func (m *messageReporter) Done(r reconcile.Result) {
	if r.Status != reconcile.StatusOk {
		fmt.Fprintln(m.out, r.Message())
	}
}

func (m *messageReporter) Finish(*reconcile.Report) {}
