package store

import (
	"fmt"

	"github.com/loomworks/loom/internal/entities"
)

// Validate checks the document shape invariants that must hold after
// every write. Violations roll the mutation back.
func Validate(d *Data) error {
	seenSessionKeys := make(map[string]string) // sessionKey -> taskID

	for id, strand := range d.Strands {
		if strand.ID != id {
			return fmt.Errorf("strand map key %q does not match id %q", id, strand.ID)
		}
		if strand.UpdatedAtMs < strand.CreatedAtMs {
			return fmt.Errorf("strand %s: updatedAtMs before createdAtMs", id)
		}
	}

	for id, goal := range d.Goals {
		if goal.ID != id {
			return fmt.Errorf("goal map key %q does not match id %q", id, goal.ID)
		}
		if goal.StrandID != "" {
			if _, ok := d.Strands[goal.StrandID]; !ok {
				return fmt.Errorf("goal %s references missing strand %s", id, goal.StrandID)
			}
		}
		if goal.UpdatedAtMs < goal.CreatedAtMs {
			return fmt.Errorf("goal %s: updatedAtMs before createdAtMs", id)
		}

		for _, dep := range goal.DependsOn {
			other, ok := d.Goals[dep]
			if !ok {
				return fmt.Errorf("goal %s depends on missing goal %s", id, dep)
			}
			if other.StrandID != goal.StrandID {
				return fmt.Errorf("goal %s depends on goal %s in a different strand", id, dep)
			}
		}

		siblings := make(map[string]bool, len(goal.Tasks))
		for _, t := range goal.Tasks {
			siblings[t.ID] = true
		}

		for _, t := range goal.Tasks {
			if (t.Status == entities.TaskStatusDone) != t.Done {
				return fmt.Errorf("task %s: done flag out of sync with status %s", t.ID, t.Status)
			}
			if t.UpdatedAtMs < t.CreatedAtMs {
				return fmt.Errorf("task %s: updatedAtMs before createdAtMs", t.ID)
			}
			for _, dep := range t.DependsOn {
				if !siblings[dep] {
					return fmt.Errorf("task %s depends on non-sibling task %s", t.ID, dep)
				}
			}
			if t.SessionKey != "" {
				if owner, dup := seenSessionKeys[t.SessionKey]; dup {
					return fmt.Errorf("session key %s owned by both task %s and task %s", t.SessionKey, owner, t.ID)
				}
				seenSessionKeys[t.SessionKey] = t.ID

				_, inGoalIdx := d.SessionIndex[t.SessionKey]
				_, inStrandIdx := d.SessionStrandIndex[t.SessionKey]
				if inGoalIdx && inStrandIdx {
					return fmt.Errorf("session key %s indexed in both sessionIndex and sessionStrandIndex", t.SessionKey)
				}
				if !inGoalIdx && !inStrandIdx {
					return fmt.Errorf("live session key %s (task %s) missing from both indices", t.SessionKey, t.ID)
				}
			}
		}

		if goal.Status == entities.GoalStatusDone && len(goal.Tasks) > 0 {
			for _, t := range goal.Tasks {
				if !t.IsTerminal() {
					return fmt.Errorf("goal %s is done but task %s has status %s", id, t.ID, t.Status)
				}
			}
		}
	}

	for key, ref := range d.SessionIndex {
		if _, ok := d.Goals[ref.GoalID]; !ok {
			return fmt.Errorf("sessionIndex entry %s references missing goal %s", key, ref.GoalID)
		}
	}
	for key, strandID := range d.SessionStrandIndex {
		if _, ok := d.Strands[strandID]; !ok {
			return fmt.Errorf("sessionStrandIndex entry %s references missing strand %s", key, strandID)
		}
	}

	return nil
}
