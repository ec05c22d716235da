package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ProjectStatus represents the lifecycle status of a project.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectArchived ProjectStatus = "archived"
)

// RunState represents the lifecycle state of a run.
type RunState string

const (
	RunCreated  RunState = "created"
	RunRunning  RunState = "running"
	RunFinished RunState = "finished"
	// RunParked and RunMissing are terminal-until-reconciled states used
	// when Git reality contradicts the registry.
	RunParked  RunState = "parked"
	RunMissing RunState = "missing"
)

// TriageStatus is the triage outcome of an inbox item.
type TriageStatus string

const (
	TriagePromoted  TriageStatus = "promoted"
	TriageDismissed TriageStatus = "dismissed"
)

// Project is a registered repository.
type Project struct {
	ID            string        `json:"id" validate:"required,uuid4"`
	Name          string        `json:"name" validate:"required"`
	RepoPath      string        `json:"repoPath" validate:"required"`
	Status        ProjectStatus `json:"status" validate:"required,oneof=active archived"`
	LastTouchedAt time.Time     `json:"lastTouchedAt"`
}

// Run is an isolated unit of agent work, one-to-one with a Git worktree
// and a branch.
type Run struct {
	ID            string    `json:"id" validate:"required,uuid4"`
	ProjectID     string    `json:"projectId" validate:"required,uuid4"`
	RunName       string    `json:"runName" validate:"required"`
	WorktreePath  string    `json:"worktreePath,omitempty"`
	BranchName    string    `json:"branchName,omitempty"`
	State         RunState  `json:"state" validate:"required,oneof=created running finished parked missing"`
	LastCommand   string    `json:"lastCommand,omitempty"`
	LastResult    string    `json:"lastResult,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastTouchedAt time.Time `json:"lastTouchedAt"`
}

// BoardTask is a registry-level task created by inbox promotion. It is
// distinct from a handoff Task: board tasks track intent on the project
// board, handoff tasks are the agent contract inside a worktree.
type BoardTask struct {
	ID        string    `json:"id" validate:"required,uuid4"`
	ProjectID string    `json:"projectId" validate:"required,uuid4"`
	Title     string    `json:"title" validate:"required"`
	Column    string    `json:"column" validate:"required,oneof=todo doing preview blocked done"`
	CreatedAt time.Time `json:"createdAt"`
}

// InboxItem is a captured thought awaiting triage.
type InboxItem struct {
	ID           string       `json:"id" validate:"required,uuid4"`
	Text         string       `json:"text" validate:"required"`
	CreatedAt    time.Time    `json:"createdAt"`
	TriageStatus TriageStatus `json:"triageStatus,omitempty"`
}

// State is the complete registry document.
type State struct {
	FocusProjectID string      `json:"focusProjectId,omitempty"`
	Projects       []Project   `json:"projects"`
	Runs           []Run       `json:"runs"`
	Tasks          []BoardTask `json:"tasks"`
	Inbox          []InboxItem `json:"inbox"`
}

// NewState returns an empty registry.
func NewState() *State {
	return &State{
		Projects: []Project{},
		Runs:     []Run{},
		Tasks:    []BoardTask{},
		Inbox:    []InboxItem{},
	}
}

// Project returns the project with the given ID, or nil.
func (s *State) Project(id string) *Project {
	for i := range s.Projects {
		if s.Projects[i].ID == id {
			return &s.Projects[i]
		}
	}
	return nil
}

// ProjectByPath returns the project registered at repoPath, or nil.
func (s *State) ProjectByPath(repoPath string) *Project {
	for i := range s.Projects {
		if s.Projects[i].RepoPath == repoPath {
			return &s.Projects[i]
		}
	}
	return nil
}

// ProjectByName returns the project with the given name, or nil.
func (s *State) ProjectByName(name string) *Project {
	for i := range s.Projects {
		if s.Projects[i].Name == name {
			return &s.Projects[i]
		}
	}
	return nil
}

// Run returns the run with the given ID, or nil.
func (s *State) Run(id string) *Run {
	for i := range s.Runs {
		if s.Runs[i].ID == id {
			return &s.Runs[i]
		}
	}
	return nil
}

// RunByName returns the run with the given name, or nil. Run names are
// unique per project; the projectID filter is optional ("" matches any).
func (s *State) RunByName(projectID, runName string) *Run {
	for i := range s.Runs {
		if s.Runs[i].RunName != runName {
			continue
		}
		if projectID == "" || s.Runs[i].ProjectID == projectID {
			return &s.Runs[i]
		}
	}
	return nil
}

// InboxItemByID returns the inbox item with the given ID, or nil. A
// short unique prefix of the ID is accepted.
func (s *State) InboxItemByID(id string) *InboxItem {
	var match *InboxItem
	for i := range s.Inbox {
		if s.Inbox[i].ID == id {
			return &s.Inbox[i]
		}
		if len(id) >= 8 && len(s.Inbox[i].ID) > len(id) && s.Inbox[i].ID[:len(id)] == id {
			if match != nil {
				return nil // ambiguous prefix
			}
			match = &s.Inbox[i]
		}
	}
	return match
}

// RemoveRun deletes the run with the given ID from the registry.
func (s *State) RemoveRun(id string) {
	out := s.Runs[:0]
	for _, r := range s.Runs {
		if r.ID != id {
			out = append(out, r)
		}
	}
	s.Runs = out
}

var validate = validator.New()

// Validate checks the registry document against its field constraints.
func (s *State) Validate() error {
	return validate.Struct(s)
}

// NewID generates a UUID v4 identifier string.
func NewID() string {
	return uuid.NewString()
}
