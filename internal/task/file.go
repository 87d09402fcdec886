package task

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// taskFile is the batch form: a top-level "tasks" list.
type taskFile struct {
	Tasks []Task `yaml:"tasks"`
}

// LoadFile reads task definitions from a YAML file. The file holds either
// one task mapping, a sequence of tasks, or a mapping with a "tasks" list.
// Relative workspaces are resolved against the file's directory.
func LoadFile(path string) ([]Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}
	tasks, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i := range tasks {
		if tasks[i].Workspace != "" && !filepath.IsAbs(tasks[i].Workspace) {
			tasks[i].Workspace = filepath.Join(dir, tasks[i].Workspace)
		}
	}
	return tasks, nil
}

// Parse decodes task definitions. Duplicate IDs are rejected.
func Parse(data []byte) ([]Task, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parsing tasks: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("no tasks defined")
	}

	var tasks []Task
	switch doc := root.Content[0]; doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&tasks); err != nil {
			return nil, fmt.Errorf("decoding tasks: %w", err)
		}
	case yaml.MappingNode:
		if hasKey(doc, "tasks") {
			var f taskFile
			if err := doc.Decode(&f); err != nil {
				return nil, fmt.Errorf("decoding tasks: %w", err)
			}
			tasks = f.Tasks
			break
		}
		var t Task
		if err := doc.Decode(&t); err != nil {
			return nil, fmt.Errorf("decoding task: %w", err)
		}
		tasks = []Task{t}
	default:
		return nil, fmt.Errorf("unexpected YAML document kind")
	}

	if len(tasks) == 0 {
		return nil, fmt.Errorf("no tasks defined")
	}
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
	}
	return tasks, nil
}

func hasKey(m *yaml.Node, key string) bool {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return true
		}
	}
	return false
}
