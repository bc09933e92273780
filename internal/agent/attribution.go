package agent

import (
	"github.com/floegence/redeven-research/internal/events"
)

// attribution is what a raw record means to the run that consumes it.
type attribution int

const (
	attrForeign attribution = iota
	// attrPrimaryModel is a model call of the run's own reasoning step.
	attrPrimaryModel
	// attrAuxModel is a model call made inside one of the run's own tools.
	attrAuxModel
	attrOwnTool
	// attrDelegation is the run's own delegation tool node.
	attrDelegation
	// attrSelf is a record the run's loop emitted under the root id.
	attrSelf
)

func (a attribution) String() string {
	switch a {
	case attrPrimaryModel:
		return "primary_model"
	case attrAuxModel:
		return "aux_model"
	case attrOwnTool:
		return "own_tool"
	case attrDelegation:
		return "delegation"
	case attrSelf:
		return "self"
	default:
		return "foreign"
	}
}

type idSet map[string]struct{}

func (s idSet) has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s idSet) anyOf(ids []string) bool {
	for _, id := range ids {
		if _, ok := s[id]; ok {
			return true
		}
	}
	return false
}

// attributionTracker classifies the records of a shared raw feed. Child runs
// mirror their records into their parent's feed, so the feed carries records
// of several runs; membership in the three sets is the only thing that tells
// them apart. Each run owns its own tracker and only its consumer touches it.
type attributionTracker struct {
	rootID         string
	delegationTool string

	childAgentRunIDs     idSet
	parentToolNodeRunIDs idSet
	parentModelRunIDs    idSet
}

func newAttributionTracker(rootID string, delegationTool string) *attributionTracker {
	return &attributionTracker{
		rootID:               rootID,
		delegationTool:       delegationTool,
		childAgentRunIDs:     idSet{},
		parentToolNodeRunIDs: idSet{},
		parentModelRunIDs:    idSet{},
	}
}

// owned reports whether parents descends from this run without passing
// through one of its delegation nodes.
func (t *attributionTracker) owned(parents []string) bool {
	if t.childAgentRunIDs.anyOf(parents) {
		return false
	}
	for _, id := range parents {
		if id == t.rootID {
			return true
		}
	}
	return false
}

// Begin registers the ids a start record introduces. It runs before the
// record is processed.
func (t *attributionTracker) Begin(raw events.Raw) {
	switch raw.Kind {
	case events.RawToolStart:
		if !t.owned(raw.ParentIDs) {
			return
		}
		if raw.Name == t.delegationTool {
			t.childAgentRunIDs[raw.RunID] = struct{}{}
			return
		}
		t.parentToolNodeRunIDs[raw.RunID] = struct{}{}
	case events.RawModelStart:
		if raw.ParentID() == t.rootID {
			t.parentModelRunIDs[raw.RunID] = struct{}{}
		}
	}
}

// Classify maps a record to its meaning for this run. Only set membership is
// consulted.
func (t *attributionTracker) Classify(raw events.Raw) attribution {
	switch raw.Kind {
	case events.RawModelStart, events.RawModelStream, events.RawModelEnd, events.RawModelError:
		if t.parentModelRunIDs.has(raw.RunID) {
			return attrPrimaryModel
		}
		// Model calls made inside the run's own tools stay parented to a
		// registered tool node for their whole lifetime.
		if t.parentToolNodeRunIDs.has(raw.ParentID()) {
			return attrAuxModel
		}
	case events.RawToolStart, events.RawToolEnd, events.RawToolError, events.RawCustom:
		if raw.Kind == events.RawCustom && raw.RunID == t.rootID {
			return attrSelf
		}
		if t.childAgentRunIDs.has(raw.RunID) {
			return attrDelegation
		}
		if t.parentToolNodeRunIDs.has(raw.RunID) {
			return attrOwnTool
		}
	}
	return attrForeign
}

// End deregisters the ids an end record closes. It runs strictly after the
// record was processed, so a model call's usage is read while its id is
// still registered.
func (t *attributionTracker) End(raw events.Raw) {
	switch raw.Kind {
	case events.RawToolEnd, events.RawToolError:
		delete(t.childAgentRunIDs, raw.RunID)
		delete(t.parentToolNodeRunIDs, raw.RunID)
	case events.RawModelEnd, events.RawModelError:
		delete(t.parentModelRunIDs, raw.RunID)
	}
}

func (t *attributionTracker) active() int {
	return len(t.childAgentRunIDs) + len(t.parentToolNodeRunIDs) + len(t.parentModelRunIDs)
}
