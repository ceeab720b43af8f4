package types

// Step statuses. A step only moves forward: pending -> in-progress ->
// completed/failed. Skipped is terminal and reachable from pending only.
const (
	StepPending    = "pending"
	StepInProgress = "in-progress"
	StepCompleted  = "completed"
	StepFailed     = "failed"
	StepSkipped    = "skipped"
)

// Step is one unit of a task plan. DependsOn forms a DAG over step ids.
type Step struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Status    string   `json:"status"`
	Tool      string   `json:"tool,omitempty"`
	Args      string   `json:"args,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
	Result    string   `json:"result,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Plan is the full step DAG for one task.
type Plan struct {
	Steps []Step `json:"steps"`
}

// Find returns a pointer to the step with the given id, or nil.
func (p *Plan) Find(stepID string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == stepID {
			return &p.Steps[i]
		}
	}
	return nil
}

// Apply patches one step by id, honoring the monotonic status rule. Illegal
// transitions are dropped rather than applied.
func (p *Plan) Apply(update StepUpdate) bool {
	step := p.Find(update.StepID)
	if step == nil {
		return false
	}
	if !validTransition(step.Status, update.Status) {
		return false
	}
	step.Status = update.Status
	if update.Result != "" {
		step.Result = update.Result
	}
	if update.Error != "" {
		step.Error = update.Error
	}
	return true
}

// Done reports whether every step reached a terminal status.
func (p *Plan) Done() bool {
	if len(p.Steps) == 0 {
		return false
	}
	for _, step := range p.Steps {
		switch step.Status {
		case StepCompleted, StepFailed, StepSkipped:
		default:
			return false
		}
	}
	return true
}

func validTransition(from, to string) bool {
	if from == to {
		return true
	}
	switch from {
	case StepPending:
		return to == StepInProgress || to == StepSkipped
	case StepInProgress:
		return to == StepCompleted || to == StepFailed
	default:
		return false
	}
}
