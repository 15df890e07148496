// Package audit builds entries for a task's append-only note log.
//
// Every mutating lifecycle call records at least one entry: a timestamped
// (UTC), attributed, stage-tagged note. Stage transitions use a fixed set of
// system phrases; caller-supplied notes are recorded verbatim as separate
// entries after the transition entry.
package audit

import (
	"fmt"
	"time"

	"github.com/tasklane/tasklane/internal/types"
)

// Canonical system phrases for each lifecycle edge.
const (
	PhraseCreated   = "task created"
	PhraseReleased  = "released"
	PhraseTaken     = "taken"
	PhraseSubmitted = "submitted for review"
	PhraseApproved  = "approved"
	PhraseReturned  = "returned"
	PhraseRejected  = "rejected"
)

type edge struct {
	from, to types.Stage
}

var phrases = map[edge]string{
	{types.StageOpen, types.StageTodo}:   PhraseReleased,
	{types.StageTodo, types.StageDoing}:  PhraseTaken,
	{types.StageDoing, types.StageDone}:  PhraseSubmitted,
	{types.StageDone, types.StageClosed}: PhraseApproved,
	{types.StageDoing, types.StageTodo}:  PhraseReturned,
	{types.StageDone, types.StageDoing}:  PhraseRejected,
}

// TransitionPhrase returns the canonical phrase for a lifecycle edge.
// Unknown edges return an empty string; callers validate edges before
// recording them.
func TransitionPhrase(from, to types.Stage) string {
	return phrases[edge{from, to}]
}

// TransitionEntry builds the system entry recorded when a task moves from
// one stage to another. The entry is tagged with the stage the task moved to.
func TransitionEntry(actor string, from, to types.Stage, now time.Time) types.NoteEntry {
	phrase := TransitionPhrase(from, to)
	if phrase == "" {
		phrase = fmt.Sprintf("moved from %s to %s", from.Display(), to.Display())
	}
	return types.NoteEntry{
		Author:    actor,
		Stage:     to,
		Text:      phrase,
		System:    true,
		CreatedAt: now.UTC(),
	}
}

// CreationEntry builds the first entry of a task's note log.
func CreationEntry(actor string, now time.Time) types.NoteEntry {
	return types.NoteEntry{
		Author:    actor,
		Stage:     types.StageOpen,
		Text:      PhraseCreated,
		System:    true,
		CreatedAt: now.UTC(),
	}
}

// UserEntry builds an entry for a caller-supplied note, tagged with the
// stage the task occupies when the note is written.
func UserEntry(actor string, stage types.Stage, text string, now time.Time) types.NoteEntry {
	return types.NoteEntry{
		Author:    actor,
		Stage:     stage,
		Text:      text,
		CreatedAt: now.UTC(),
	}
}

// PlanEntry builds the system entry recorded on plan (re)assignment.
func PlanEntry(actor string, stage types.Stage, plan string, now time.Time) types.NoteEntry {
	text := "removed from plan"
	if plan != "" {
		text = fmt.Sprintf("assigned to plan %q", plan)
	}
	return types.NoteEntry{
		Author:    actor,
		Stage:     stage,
		Text:      text,
		System:    true,
		CreatedAt: now.UTC(),
	}
}
