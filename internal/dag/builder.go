// Package dag flattens a user-supplied Task tree into the map and
// dependency-entry adjacency list the scheduler operates on.
package dag

import (
	"fmt"

	"github.com/Nirmata/workflow/internal/ids"
	"github.com/Nirmata/workflow/internal/types"
)

// Build visits every node of root exactly once, rejecting duplicate
// TaskIds, and returns the flattened task map plus dependency entries that
// types.RunnableTask expects. A node's Children become parent -> child
// edges; its DependsOn list adds further edges from parents declared
// elsewhere in the tree, so multi-parent joins don't need the node
// repeated. Every referenced id must resolve to a node in the submission.
func Build(runID string, root *types.Task) (map[string]*types.ExecutableTask, []types.DependencyEntry, error) {
	tasks := make(map[string]*types.ExecutableTask)
	var deps []types.DependencyEntry

	var visit func(node *types.Task, parentID string) error
	visit = func(node *types.Task, parentID string) error {
		id := node.ID
		if id == "" {
			id = ids.TaskID()
		}
		if _, exists := tasks[id]; exists {
			return fmt.Errorf("duplicate task id %q in submission", id)
		}

		et := &types.ExecutableTask{
			RunID:        runID,
			TaskID:       id,
			Type:         node.Type,
			Metadata:     node.Metadata,
			IsExecutable: node.Type.Executable(),
		}
		tasks[id] = et

		if parentID != "" {
			deps = append(deps, types.DependencyEntry{Parent: parentID, Child: id})
		}
		for _, dep := range node.DependsOn {
			deps = append(deps, types.DependencyEntry{Parent: dep, Child: id})
		}

		for _, child := range node.Children {
			if err := visit(child, id); err != nil {
				return err
			}
		}
		return nil
	}

	if err := visit(root, ""); err != nil {
		return nil, nil, err
	}

	for _, e := range deps {
		if _, ok := tasks[e.Parent]; !ok {
			return nil, nil, fmt.Errorf("dependency entry references unknown parent %q", e.Parent)
		}
		if _, ok := tasks[e.Child]; !ok {
			return nil, nil, fmt.Errorf("dependency entry references unknown child %q", e.Child)
		}
	}

	return tasks, deps, nil
}
