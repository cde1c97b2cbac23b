package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// FileSource serves the task catalogue from a JSON file. The file holds an
// array of Task objects; the catalogue is loaded once and kept in memory.
type FileSource struct {
	byID  map[string]Task
	order []string
}

// NewFileSource loads the catalogue at path.
func NewFileSource(path string) (*FileSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task catalogue: %w", err)
	}
	return NewFileSourceFromBytes(data)
}

// NewFileSourceFromBytes builds a catalogue from raw JSON.
func NewFileSourceFromBytes(data []byte) (*FileSource, error) {
	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parse task catalogue: %w", err)
	}
	s := &FileSource{byID: make(map[string]Task, len(tasks))}
	for _, t := range tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task catalogue entry missing id")
		}
		if _, dup := s.byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		if err := validate(t); err != nil {
			return nil, fmt.Errorf("task %s: %w", t.ID, err)
		}
		s.byID[t.ID] = t
		s.order = append(s.order, t.ID)
	}
	return s, nil
}

func validate(t Task) error {
	if t.Type == "" {
		return fmt.Errorf("missing type")
	}
	if t.Question == "" {
		return fmt.Errorf("missing question")
	}
	if t.Evaluator == "" {
		return fmt.Errorf("missing evaluator")
	}
	if t.ExpectedAnswers < 0 {
		return fmt.Errorf("expected_answers must be >= 0")
	}
	if !t.ReadOnly && len(t.Writes) == 0 && t.WriteCondition == nil {
		return fmt.Errorf("write task declares no expected writes")
	}
	if c := t.WriteCondition; c != nil {
		switch c.Kind {
		case "", ConditionThreshold, ConditionStaleness:
		default:
			return fmt.Errorf("unknown write condition kind %q", c.Kind)
		}
		switch c.Op {
		case "", CompareLTE, CompareLT:
		default:
			return fmt.Errorf("unknown write condition op %q", c.Op)
		}
	}
	return nil
}

// Get implements Source.
func (s *FileSource) Get(_ context.Context, id string) (Task, error) {
	t, ok := s.byID[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// List implements Source. Results are ordered by task id for stable output.
func (s *FileSource) List(_ context.Context, taskType string) ([]Task, error) {
	var out []Task
	for _, id := range s.order {
		t := s.byID[id]
		if taskType == "" || t.Type == taskType {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Types returns the distinct task types in the catalogue, sorted.
func (s *FileSource) Types() []string {
	seen := make(map[string]bool)
	var types []string
	for _, t := range s.byID {
		if !seen[t.Type] {
			seen[t.Type] = true
			types = append(types, t.Type)
		}
	}
	sort.Strings(types)
	return types
}
