package orchestrator

import (
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/entities"
	"github.com/loomworks/loom/internal/store"
)

// Context builders assemble the prompt blocks injected into agent
// sessions. Workers get the full assignment context at spawn;
// before_agent_start injects the lighter strand/goal contexts into
// sessions that attach later.

// buildProjectSummary lists every goal of the strand, marking the one
// the reader is working on.
func buildProjectSummary(d *store.Data, strand *entities.Strand, currentGoalID string) string {
	if strand == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<project name=%q>\n", strand.Name)
	if strand.Description != "" {
		fmt.Fprintf(&b, "%s\n", strand.Description)
	}
	for _, goal := range d.GoalsForStrand(strand.ID) {
		marker := ""
		if goal.ID == currentGoalID {
			marker = "  ← this goal"
		}
		fmt.Fprintf(&b, "- [%s] %s%s\n", goal.Status, goal.Title, marker)
	}
	b.WriteString("</project>")
	return b.String()
}

// buildGoalTaskList lists the goal's tasks, marking the reader's own.
func buildGoalTaskList(goal *entities.Goal, currentTaskID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<goal title=%q status=%q>\n", goal.Title, goal.Status)
	if goal.Description != "" {
		fmt.Fprintf(&b, "%s\n", goal.Description)
	}
	for _, task := range goal.Tasks {
		marker := ""
		if task.ID == currentTaskID {
			marker = "  ← you"
		}
		fmt.Fprintf(&b, "- [%s] %s%s\n", task.Status, task.Text, marker)
	}
	b.WriteString("</goal>")
	return b.String()
}

// buildTaskContext is the full worker spawn prompt: project summary,
// goal breakdown, saved PM plan, the assignment itself, working
// directory, autonomy directive, plan file location, and the
// goal_update reminder.
func buildTaskContext(d *store.Data, strand *entities.Strand, goal *entities.Goal, task *entities.Task, autonomy entities.AutonomyMode, workDir, planFile string) string {
	var blocks []string

	if summary := buildProjectSummary(d, strand, goal.ID); summary != "" {
		blocks = append(blocks, summary)
	}
	blocks = append(blocks, buildGoalTaskList(goal, task.ID))

	if strand != nil && strand.PMPlanContent != "" {
		blocks = append(blocks, "<project-plan>\n"+strand.PMPlanContent+"\n</project-plan>")
	}

	var assignment strings.Builder
	fmt.Fprintf(&assignment, "Your assignment: %s", task.Text)
	if task.Description != "" {
		fmt.Fprintf(&assignment, "\n%s", task.Description)
	}
	if task.EstimatedTime != "" {
		fmt.Fprintf(&assignment, "\nEstimated time: %s", task.EstimatedTime)
	}
	blocks = append(blocks, assignment.String())

	if workDir != "" {
		blocks = append(blocks, fmt.Sprintf("Work in this directory:\ncd %s", workDir))
	}
	if strand != nil && strand.Description != "" {
		blocks = append(blocks, "Project context: "+strand.Description)
	}

	switch autonomy {
	case entities.AutonomyFull:
		blocks = append(blocks, "Autonomy: full. Execute the task end to end without waiting for approval.")
	default:
		blocks = append(blocks, "Autonomy: plan. Propose a step plan and wait for approval before making changes.")
	}

	if planFile != "" {
		blocks = append(blocks, fmt.Sprintf("Write your step plan to %s and keep it updated as you work.", planFile))
	}

	blocks = append(blocks,
		"When the task is complete, call goal_update with status=done and a short summary. "+
			"If you are blocked, call goal_update with status=blocked and explain why.")

	return strings.Join(blocks, "\n\n")
}

// buildStrandContext is injected into strand-bound sessions: the strand
// header plus every goal as a nested block, with the reader's current
// task marked.
func buildStrandContext(d *store.Data, strand *entities.Strand, sessionKey string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<strand name=%q>\n", strand.Name)
	if strand.Description != "" {
		fmt.Fprintf(&b, "%s\n", strand.Description)
	}
	if strand.Workspace != nil {
		fmt.Fprintf(&b, "Workspace: %s\n", strand.Workspace.Path)
	}
	for _, goal := range d.GoalsForStrand(strand.ID) {
		currentTaskID := ""
		if task := goal.TaskBySessionKey(sessionKey); task != nil {
			currentTaskID = task.ID
		}
		b.WriteString(buildGoalTaskList(goal, currentTaskID))
		b.WriteString("\n")
	}
	b.WriteString("</strand>")
	return b.String()
}

// buildGoalSessionContext is injected into goal-attached sessions: the
// goal breakdown plus the project summary when the goal lives in a
// strand.
func buildGoalSessionContext(d *store.Data, goal *entities.Goal, sessionKey string) string {
	currentTaskID := ""
	if task := goal.TaskBySessionKey(sessionKey); task != nil {
		currentTaskID = task.ID
	}

	var blocks []string
	if strand := d.Strands[goal.StrandID]; strand != nil {
		if summary := buildProjectSummary(d, strand, goal.ID); summary != "" {
			blocks = append(blocks, summary)
		}
	}
	blocks = append(blocks, buildGoalTaskList(goal, currentTaskID))
	return strings.Join(blocks, "\n\n")
}
