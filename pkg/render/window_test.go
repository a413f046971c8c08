package render_test

import (
	"strings"
	"testing"
	"time"

	"github.com/studycircle/chatkit/pkg/render"
	"github.com/studycircle/chatkit/pkg/state"
)

func msg(id, content string) state.Message {
	return state.Message{ID: id, Content: content, CreatedAt: time.Now()}
}

func TestEstimatorShapes(t *testing.T) {
	short := msg("m-1", "hi")
	long := msg("m-2", strings.Repeat("x", 200))
	attachment := msg("m-3", "")
	attachment.File = &state.FileMeta{Name: "notes.pdf"}

	if render.DefaultEstimator(short) >= render.DefaultEstimator(long) {
		t.Error("long text must estimate taller than short text")
	}
	if render.DefaultEstimator(long) >= render.DefaultEstimator(attachment) {
		t.Error("attachments must estimate taller than long text")
	}
}

func TestMeasurementOverridesEstimate(t *testing.T) {
	w := render.NewWindow(nil, 0, nil)
	m := msg("m-1", "hi")

	est := w.SizeFor(m)
	if !w.ReportSize("m-1", est+30) {
		t.Fatal("first measurement must report a change")
	}
	if got := w.SizeFor(m); got != est+30 {
		t.Errorf("SizeFor = %d, want measured %d", got, est+30)
	}
	if w.ReportSize("m-1", est+30) {
		t.Error("re-reporting the same height must not signal a change")
	}
	if !w.ReportSize("m-1", est+60) {
		t.Error("a new height after an image load must signal a change")
	}
}

func TestInvalidateAffectsSingleRow(t *testing.T) {
	w := render.NewWindow(nil, 0, nil)
	a, b := msg("m-1", "hi"), msg("m-2", "ho")
	w.ReportSize("m-1", 100)
	w.ReportSize("m-2", 120)

	w.Invalidate("m-1")
	if got := w.SizeFor(a); got != render.DefaultEstimator(a) {
		t.Errorf("invalidated row must fall back to the estimate, got %d", got)
	}
	if got := w.SizeFor(b); got != 120 {
		t.Errorf("neighbouring row lost its measurement: %d", got)
	}
}

func TestRekeyCarriesMeasurementAcrossReconciliation(t *testing.T) {
	w := render.NewWindow(nil, 0, nil)
	w.ReportSize("temp-abc", 140)

	w.Rekey("temp-abc", "m-9")
	confirmed := msg("m-9", "hi")
	if got := w.SizeFor(confirmed); got != 140 {
		t.Errorf("measurement lost across rekey, got %d", got)
	}
	if got := w.SizeFor(msg("temp-abc", "hi")); got == 140 {
		t.Error("old key must not retain the measurement")
	}

	// rekey of an unmeasured row is a no-op
	w.Rekey("nope", "m-10")
	if got := w.SizeFor(msg("m-10", "hi")); got != render.DefaultEstimator(msg("m-10", "hi")) {
		t.Errorf("phantom measurement appeared: %d", got)
	}
}

func TestPrefetchFiresNearTop(t *testing.T) {
	fired := 0
	w := render.NewWindow(nil, 5, func() { fired++ })

	w.OnVisible(20)
	if fired != 0 {
		t.Fatal("prefetch fired while well below the margin")
	}
	w.OnVisible(5)
	w.OnVisible(0)
	if fired != 2 {
		t.Errorf("prefetch fired %d times, want 2", fired)
	}
}

func TestAnchorPreservesScrollAcrossPrepend(t *testing.T) {
	w := render.NewWindow(nil, 0, nil)
	visible := []state.Message{msg("m-3", "c"), msg("m-4", "d")}
	w.ReportSize("m-3", 50)
	w.ReportSize("m-4", 70)

	anchor := w.CaptureAnchor(visible)

	older := []state.Message{msg("m-1", "a"), msg("m-2", "b")}
	merged := append(older, visible...)
	shift := w.RestoreOffset(anchor, merged)

	want := w.SizeFor(older[0]) + w.SizeFor(older[1])
	if shift != want {
		t.Errorf("scroll shift = %d, want the prepended height %d", shift, want)
	}
}

func TestTotalHeightMixesMeasuredAndEstimated(t *testing.T) {
	w := render.NewWindow(nil, 0, nil)
	a, b := msg("m-1", "hi"), msg("m-2", "ho")
	w.ReportSize("m-1", 75)

	want := 75 + render.DefaultEstimator(b)
	if got := w.TotalHeight([]state.Message{a, b}); got != want {
		t.Errorf("TotalHeight = %d, want %d", got, want)
	}
}
