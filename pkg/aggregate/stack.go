// Package aggregate keeps the override stack: every version of a form id, in load order.
package aggregate

import (
	"github.com/twinfer/espscan/pkg/record"
	"github.com/twinfer/espscan/pkg/stats"
)

// Stack collects records by global form id. The last record of each stack is the winner.
// Append must be called in load order; Stack is not safe for concurrent use.
type Stack struct {
	stacks map[string][]*record.ParsedRecord
	order  []string
	report *stats.Report
}

// New creates an empty stack. report may be nil; otherwise every appended record is
// counted as processed in it.
func New(report *stats.Report) *Stack {
	return &Stack{stacks: make(map[string][]*record.ParsedRecord), report: report}
}

// Append pushes rec onto the stack of its form id and returns the stored copy, whose
// StackOrder is its position in that stack.
func (s *Stack) Append(rec *record.ParsedRecord) *record.ParsedRecord {
	id := rec.Meta.FormID
	list, seen := s.stacks[id]
	if !seen {
		s.order = append(s.order, id)
	}
	cp := *rec
	cp.Meta.StackOrder = len(list)
	s.stacks[id] = append(list, &cp)
	if s.report != nil {
		s.report.CountProcessed(string(rec.Meta.Type), rec.Meta.SourceFile)
	}
	return &cp
}

// Winner returns the last record appended for id.
func (s *Stack) Winner(id string) (*record.ParsedRecord, bool) {
	list := s.stacks[id]
	if len(list) == 0 {
		return nil, false
	}
	return list[len(list)-1], true
}

// Stack returns every record for id, oldest first.
func (s *Stack) Stack(id string) []*record.ParsedRecord {
	return append([]*record.ParsedRecord(nil), s.stacks[id]...)
}

// FormIDs returns the form ids in the order they were first seen.
func (s *Stack) FormIDs() []string {
	return append([]string(nil), s.order...)
}

// Winners returns one record per form id, in first-seen order.
func (s *Stack) Winners() []*record.ParsedRecord {
	out := make([]*record.ParsedRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.stacks[id][len(s.stacks[id])-1])
	}
	return out
}

// Len is the number of distinct form ids.
func (s *Stack) Len() int { return len(s.order) }

// Overrides counts records that replaced an earlier version.
func (s *Stack) Overrides() int {
	n := 0
	for _, list := range s.stacks {
		n += len(list) - 1
	}
	return n
}
