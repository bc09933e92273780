package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floegence/redeven-research/internal/events"
	"github.com/floegence/redeven-research/internal/markup"
)

func rawRecord(kind events.RawKind, id string, name string, parents ...string) events.Raw {
	return events.Raw{Kind: kind, RunID: id, Name: name, ParentIDs: parents}
}

func TestAttributionTracker_ClassifiesByMembership(t *testing.T) {
	t.Parallel()

	tr := newAttributionTracker("R", DefaultDelegationTool)
	seen := func(r events.Raw) attribution {
		tr.Begin(r)
		got := tr.Classify(r)
		tr.End(r)
		return got
	}

	assert.Equal(t, attrPrimaryModel, seen(rawRecord(events.RawModelStart, "M1", "m", "R")))
	assert.Equal(t, attrPrimaryModel, seen(rawRecord(events.RawModelStream, "M1", "m", "R")))
	assert.Equal(t, attrPrimaryModel, seen(rawRecord(events.RawModelEnd, "M1", "m", "R")))
	// Ended ids are forgotten.
	assert.Equal(t, attrForeign, tr.Classify(rawRecord(events.RawModelStream, "M1", "m", "R")))

	assert.Equal(t, attrOwnTool, seen(rawRecord(events.RawToolStart, "T1", "fetch_page", "M1", "R")))
	assert.Equal(t, attrAuxModel, seen(rawRecord(events.RawModelStart, "A1", "aux", "T1", "M1", "R")))
	assert.Equal(t, attrAuxModel, seen(rawRecord(events.RawModelEnd, "A1", "aux", "T1", "M1", "R")))
	assert.Equal(t, attrOwnTool, seen(rawRecord(events.RawCustom, "T1", "fetch_page", "M1", "R")))

	assert.Equal(t, attrDelegation, seen(rawRecord(events.RawToolStart, "D1", DefaultDelegationTool, "M1", "R")))

	// Records of the child run under D1 share the feed but are not ours.
	child := []string{"C", "D1", "M1", "R"}
	assert.Equal(t, attrForeign, seen(rawRecord(events.RawModelStart, "CM", "m", child...)))
	assert.Equal(t, attrForeign, seen(rawRecord(events.RawModelEnd, "CM", "m", child...)))
	assert.Equal(t, attrForeign, seen(rawRecord(events.RawToolStart, "CT", "web_search", append([]string{"CM"}, child...)...)))
	assert.Equal(t, attrForeign, seen(rawRecord(events.RawModelStart, "CA", "aux", append([]string{"CT", "CM"}, child...)...)))
	assert.Equal(t, attrForeign, seen(rawRecord(events.RawCustom, "C", "", "D1", "M1", "R")))
	assert.Equal(t, attrForeign, seen(rawRecord(events.RawToolEnd, "CT", "web_search", append([]string{"CM"}, child...)...)))

	assert.Equal(t, attrDelegation, seen(rawRecord(events.RawCustom, "D1", DefaultDelegationTool, "M1", "R")))
	assert.Equal(t, attrSelf, seen(rawRecord(events.RawCustom, "R", "")))

	assert.Equal(t, 2, tr.active())
	assert.Equal(t, attrOwnTool, seen(rawRecord(events.RawToolEnd, "T1", "fetch_page", "M1", "R")))
	assert.Equal(t, attrDelegation, seen(rawRecord(events.RawToolEnd, "D1", DefaultDelegationTool, "M1", "R")))
	assert.Zero(t, tr.active())
}

func TestAttributionTracker_UsageReadBeforeRemoval(t *testing.T) {
	t.Parallel()

	tr := newAttributionTracker("R", DefaultDelegationTool)
	start := rawRecord(events.RawModelStart, "M1", "m", "R")
	end := rawRecord(events.RawModelEnd, "M1", "m", "R")
	tr.Begin(start)
	tr.End(start)

	tr.Begin(end)
	assert.Equal(t, attrPrimaryModel, tr.Classify(end))
	tr.End(end)
	assert.Equal(t, attrForeign, tr.Classify(end))
}

func TestAttributionTracker_ChildRunSeesOnlyItself(t *testing.T) {
	t.Parallel()

	// The child tracker is rooted at the child run and never sees the
	// parent's nodes as its own.
	tr := newAttributionTracker("C", DefaultDelegationTool)
	for _, r := range []events.Raw{
		rawRecord(events.RawModelStart, "M1", "m", "R"),
		rawRecord(events.RawToolStart, "T1", "web_search", "M1", "R"),
	} {
		tr.Begin(r)
		assert.Equal(t, attrForeign, tr.Classify(r))
	}
	cm := rawRecord(events.RawModelStart, "CM", "m", "C", "D1", "M1", "R")
	tr.Begin(cm)
	assert.Equal(t, attrPrimaryModel, tr.Classify(cm))
}

func TestToolCallTracker_RoundTrip(t *testing.T) {
	t.Parallel()

	tr := newToolCallTracker()
	doc := markup.New()
	doc.AppendText("Looking. ")
	block := tr.Started("call_1", "video_search", []markup.Attr{{Key: "query", Value: "rust"}, {Key: "status", Value: "bogus"}})
	require.NoError(t, doc.AppendBlock(block))
	assert.Equal(t, `Looking. <ToolCall id="call_1" type="video_search" status="running" query="rust" />`, doc.String())
	assert.Equal(t, 1, tr.Running())

	assert.True(t, doc.Apply(tr.Ended("call_1", toolStatusSuccess, "", map[string]any{"videoId": "abc"})))
	assert.Zero(t, tr.Running())
	got, ok := doc.Block("call_1")
	require.True(t, ok)
	status, _ := got.Attr("status")
	extra, _ := got.Attr("extra")
	assert.Equal(t, toolStatusSuccess, status)
	assert.JSONEq(t, `{"videoId":"abc"}`, extra)

	// The rendered document parses back to the same blocks.
	back, err := markup.Parse(doc.String())
	require.NoError(t, err)
	assert.Equal(t, doc.String(), back.String())
}

func TestToolCallTracker_UnknownIDIsNoOp(t *testing.T) {
	t.Parallel()

	tr := newToolCallTracker()
	doc := markup.New()
	require.NoError(t, doc.AppendBlock(tr.Started("a", "web_search", nil)))
	before := doc.String()
	assert.False(t, doc.Apply(tr.Ended("ghost", toolStatusError, "x", nil)))
	assert.Equal(t, before, doc.String())
	assert.Equal(t, 1, tr.Running())
}

func TestToolCallTracker_ErrorIsTruncated(t *testing.T) {
	t.Parallel()

	tr := newToolCallTracker()
	doc := markup.New()
	require.NoError(t, doc.AppendBlock(tr.Started("a", "fetch_page", nil)))
	require.True(t, doc.Apply(tr.Ended("a", toolStatusError, strings.Repeat("é", 900), nil)))
	b, _ := doc.Block("a")
	msg, _ := b.Attr("error")
	assert.Equal(t, maxToolErrorRunes, len([]rune(strings.TrimSuffix(msg, "\n... (truncated)"))))
}

func TestStream_ClosesAfterTerminal(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := NewStream(rec)
	assert.True(t, s.Emit(events.Response("a")))
	assert.False(t, s.Closed())
	assert.True(t, s.Emit(events.End()))
	assert.False(t, s.Emit(events.Response("late")))
	assert.False(t, s.Emit(events.Failure(events.CodeRunFailed, "late")))
	assert.True(t, s.Closed())
	<-s.Done()
	assert.Len(t, rec.all(), 2)
}

func TestStream_HeartbeatStopsOnClose(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := NewStream(rec)
	s.Heartbeat(2 * time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.ofType(events.TypePing)) >= 2 }, time.Second, time.Millisecond)
	s.Emit(events.End())
	n := len(rec.all())
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, rec.all(), n)
}

func TestController(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	c := newController(cancel, nil)
	assert.True(t, c.SoftStop())
	assert.False(t, c.SoftStop())
	assert.True(t, c.SoftStopped())

	c.Cancel("")
	c.Cancel(CancelReasonTimedOut)
	assert.Equal(t, CancelReasonCanceled, c.CancelReason())
	assert.Error(t, ctx.Err())

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	done := newController(cancel2, nil)
	done.markTerminated()
	assert.False(t, done.SoftStop())
	done.Cancel(CancelReasonCanceled)
	assert.NoError(t, ctx2.Err())
	assert.Empty(t, done.CancelReason())

	var parentStopped bool
	child := newController(func() {}, func() bool { return parentStopped })
	assert.False(t, child.SoftStopped())
	parentStopped = true
	assert.True(t, child.SoftStopped())
}

func TestRawFeed(t *testing.T) {
	t.Parallel()

	f := newRawFeed()
	f.push(events.Raw{RunID: "a"})
	f.push(events.Raw{RunID: "b"})
	f.close()
	f.push(events.Raw{RunID: "dropped"})

	var got []string
	for {
		r, ok := f.next(context.Background())
		if !ok {
			break
		}
		got = append(got, r.RunID)
	}
	assert.Equal(t, []string{"a", "b"}, got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := newRawFeed().next(ctx)
	assert.False(t, ok)
}
