package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudharness/commander/types"
)

// Categories is the closed set of valid task categories.
var Categories = map[string]bool{
	"security":       true,
	"oidc":           true,
	"roles":          true,
	"infrastructure": true,
	"cli":            true,
	"testing":        true,
	"docs":           true,
	"functional":     true,
	"style":          true,
	"api":            true,
	"database":       true,
	"auth":           true,
	"ui":             true,
}

// HandoffMeta is the metadata block of a handoff document.
type HandoffMeta struct {
	Project string `json:"project"`
	Phase   string `json:"phase"`
	Source  string `json:"source"`
	Lock    bool   `json:"lock"`
}

// Task is a single task in the handoff contract. After handoff creation
// only Passes may change, and only from false to true.
type Task struct {
	ID                 string   `json:"id"`
	Category           string   `json:"category"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Passes             bool     `json:"passes"`
	FilesExpected      []string `json:"files_expected,omitempty"`
	Steps              []string `json:"steps,omitempty"`
}

// Handoff is the structured task plan consumed and partially mutated by
// the agent. It is always serialized in the modern form.
type Handoff struct {
	Meta  HandoffMeta `json:"meta"`
	Tasks []Task      `json:"tasks"`
}

// rawTask mirrors Task with a pointer Passes so an absent field can be
// distinguished from an explicit false, and non-boolean values fail
// decoding instead of coercing.
type rawTask struct {
	ID                 string   `json:"id"`
	Category           string   `json:"category"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Passes             *bool    `json:"passes"`
	FilesExpected      []string `json:"files_expected"`
	Steps              []string `json:"steps"`
}

// ParseHandoff parses and validates a handoff document. Both input forms
// are accepted: the modern object with meta and tasks, and the legacy
// bare array of tasks.
func ParseHandoff(data []byte) (*Handoff, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, types.NewError(types.KindSchemaError, "handoff is empty")
	}

	var h Handoff

	switch trimmed[0] {
	case '[':
		var raw []rawTask
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, schemaErr(err)
		}
		h.Meta = HandoffMeta{Project: "Unknown", Phase: "", Source: "legacy", Lock: false}
		h.Tasks = cookTasks(raw)
	case '{':
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(data, &probe); err != nil {
			return nil, schemaErr(err)
		}
		if _, ok := probe["meta"]; !ok {
			return nil, types.NewError(types.KindSchemaError, "root object missing 'meta'")
		}
		if _, ok := probe["tasks"]; !ok {
			return nil, types.NewError(types.KindSchemaError, "root object missing 'tasks'")
		}
		var doc struct {
			Meta  HandoffMeta `json:"meta"`
			Tasks []rawTask   `json:"tasks"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, schemaErr(err)
		}
		h.Meta = doc.Meta
		h.Tasks = cookTasks(doc.Tasks)
	default:
		return nil, types.NewError(types.KindSchemaError, "root must be an object with meta and tasks, or an array of tasks")
	}

	if errs := h.Validate(); len(errs) > 0 {
		return nil, types.Errorf(types.KindSchemaError, "invalid handoff: %s", strings.Join(errs, "; "))
	}
	return &h, nil
}

func schemaErr(err error) error {
	return types.NewError(types.KindSchemaError, "invalid JSON").WithErr(err)
}

// cookTasks applies defaulting rules: missing IDs are synthesized as
// TASK-<n> with a 1-based index, absent passes means false.
func cookTasks(raw []rawTask) []Task {
	tasks := make([]Task, 0, len(raw))
	for i, r := range raw {
		t := Task{
			ID:                 r.ID,
			Category:           r.Category,
			Title:              r.Title,
			Description:        r.Description,
			AcceptanceCriteria: r.AcceptanceCriteria,
			FilesExpected:      r.FilesExpected,
			Steps:              r.Steps,
		}
		if t.ID == "" {
			t.ID = fmt.Sprintf("TASK-%03d", i+1)
		}
		if r.Passes != nil {
			t.Passes = *r.Passes
		}
		tasks = append(tasks, t)
	}
	return tasks
}

// Validate checks the handoff against the schema rules and returns every
// problem found, in document order.
func (h *Handoff) Validate() []string {
	var errs []string

	if len(h.Tasks) == 0 {
		return []string{"handoff has no tasks"}
	}

	seen := map[string]bool{}
	for _, t := range h.Tasks {
		if seen[t.ID] {
			errs = append(errs, fmt.Sprintf("duplicate task id %q", t.ID))
		}
		seen[t.ID] = true

		if t.Category == "" {
			errs = append(errs, fmt.Sprintf("task %s: missing 'category'", t.ID))
		} else if !Categories[t.Category] {
			errs = append(errs, fmt.Sprintf("task %s: invalid category %q (valid: %s)", t.ID, t.Category, categoryList()))
		}
		if t.Title == "" {
			errs = append(errs, fmt.Sprintf("task %s: missing 'title'", t.ID))
		}
		if t.Description == "" {
			errs = append(errs, fmt.Sprintf("task %s: missing 'description'", t.ID))
		}
		if len(t.AcceptanceCriteria) == 0 {
			errs = append(errs, fmt.Sprintf("task %s: 'acceptance_criteria' must have at least one entry", t.ID))
		}
		for _, c := range t.AcceptanceCriteria {
			if strings.TrimSpace(c) == "" {
				errs = append(errs, fmt.Sprintf("task %s: empty acceptance criterion", t.ID))
				break
			}
		}
	}
	return errs
}

func categoryList() string {
	names := make([]string, 0, len(Categories))
	for c := range Categories {
		names = append(names, c)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// CountPassing returns how many tasks pass and the total task count.
func (h *Handoff) CountPassing() (passing, total int) {
	for _, t := range h.Tasks {
		if t.Passes {
			passing++
		}
	}
	return passing, len(h.Tasks)
}

// Task returns the task with the given ID, or nil.
func (h *Handoff) Task(id string) *Task {
	for i := range h.Tasks {
		if h.Tasks[i].ID == id {
			return &h.Tasks[i]
		}
	}
	return nil
}

// MarkPass flips a task's passes flag to true. The transition is
// monotonic: a passing task cannot be reverted.
func (h *Handoff) MarkPass(taskID string) error {
	t := h.Task(taskID)
	if t == nil {
		return types.Errorf(types.KindSchemaError, "no task %q in handoff", taskID)
	}
	t.Passes = true
	return nil
}

// Marshal serializes the handoff in the modern form with stable
// indentation.
func (h *Handoff) Marshal() ([]byte, error) {
	out := *h
	if out.Tasks == nil {
		out.Tasks = []Task{}
	}
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal handoff: %w", err)
	}
	return append(data, '\n'), nil
}

// TemplateHandoff returns the canonical starter handoff for a project.
func TemplateHandoff(project, source string) *Handoff {
	return &Handoff{
		Meta: HandoffMeta{Project: project, Phase: "Phase 1", Source: source, Lock: false},
		Tasks: []Task{
			{
				ID:          "TASK-001",
				Category:    "functional",
				Title:       "Define the first unit of work",
				Description: "Replace this task with the first concrete change the agent should make.",
				AcceptanceCriteria: []string{
					"The change is implemented and committed on the run branch",
				},
				Passes: false,
			},
		},
	}
}
