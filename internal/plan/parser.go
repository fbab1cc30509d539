// Package plan parses PM plan markdown into structured goals and tasks.
// Parsing is a pure function of the input string.
//
// A plan document looks like:
//
//	---
//	phase: 1
//	agent: backend
//	---
//	## Goals
//	- **Backend API** - REST surface for the app [phase 1]
//	  - Set up routing
//	  - Add persistence
//	- **Frontend** - UI shell [phase 2]
//
//	## Tasks
//	- [ ] Scaffold the server (agent: backend, est: 2h)
//	- [ ] Wire the database
//
// Front matter supplies defaults; per-item markers override them.
package plan

import (
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// GoalEntry is one parsed goal.
type GoalEntry struct {
	Title          string
	Description    string
	Priority       int
	Phase          int // 0 means no phase
	SuggestedTasks []string
}

// TaskEntry is one parsed task.
type TaskEntry struct {
	Text        string
	Description string
	Agent       string
	Time        string
}

// Plan is the parse result. A detected but empty plan yields
// HasPlan=true with empty slices.
type Plan struct {
	HasPlan bool
	Goals   []GoalEntry
	Tasks   []TaskEntry
}

// frontMatter carries document-level defaults.
type frontMatter struct {
	Phase    int    `yaml:"phase"`
	Agent    string `yaml:"agent"`
	Priority int    `yaml:"priority"`
}

var (
	headingRe   = regexp.MustCompile(`^#{1,4}\s+(.+?)\s*$`)
	bulletRe    = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(.*)$`)
	checkboxRe  = regexp.MustCompile(`^\[([ xX])\]\s*(.*)$`)
	boldTitleRe = regexp.MustCompile(`^\*\*(.+?)\*\*\s*(?:[-:–—]\s*)?(.*)$`)
	phaseRe     = regexp.MustCompile(`(?i)\[\s*phase\s+(\d+)\s*\]`)
	metaRe      = regexp.MustCompile(`\(([^()]*)\)\s*$`)
)

type section int

const (
	sectionNone section = iota
	sectionGoals
	sectionTasks
)

// Parse parses plan markdown. It never fails: unusable input yields
// HasPlan=false.
func Parse(markdown string) Plan {
	body, fm := stripFrontMatter(markdown)

	var p Plan
	current := sectionNone
	var lastGoal *GoalEntry

	for _, rawLine := range strings.Split(body, "\n") {
		line := strings.TrimRight(rawLine, " \t")
		if line == "" {
			continue
		}

		if m := headingRe.FindStringSubmatch(line); m != nil {
			switch classifyHeading(m[1]) {
			case sectionGoals:
				current = sectionGoals
				p.HasPlan = true
			case sectionTasks:
				current = sectionTasks
				p.HasPlan = true
			default:
				current = sectionNone
			}
			lastGoal = nil
			continue
		}

		m := bulletRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		item := strings.TrimSpace(m[1])
		indented := strings.HasPrefix(rawLine, "  ") || strings.HasPrefix(rawLine, "\t")

		switch current {
		case sectionGoals:
			if indented && lastGoal != nil {
				lastGoal.SuggestedTasks = append(lastGoal.SuggestedTasks, stripCheckbox(item))
				continue
			}
			goal := parseGoalItem(item, fm)
			p.Goals = append(p.Goals, goal)
			lastGoal = &p.Goals[len(p.Goals)-1]
		case sectionTasks:
			if indented {
				continue
			}
			task := parseTaskItem(item, fm)
			if task.Text != "" {
				p.Tasks = append(p.Tasks, task)
			}
		}
	}

	return p
}

// stripFrontMatter removes a leading YAML front-matter block and decodes
// its defaults. Malformed front matter is ignored.
func stripFrontMatter(markdown string) (string, frontMatter) {
	var fm frontMatter
	trimmed := strings.TrimLeft(markdown, "\n\r \t")
	if !strings.HasPrefix(trimmed, "---") {
		return markdown, fm
	}
	rest := trimmed[3:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return markdown, fm
	}
	block := rest[:idx]
	body := rest[idx+4:]
	if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
		return markdown, frontMatter{}
	}
	return body, fm
}

func classifyHeading(text string) section {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "goal"), strings.Contains(lower, "milestone"), strings.Contains(lower, "deliverable"):
		return sectionGoals
	case strings.Contains(lower, "task"), strings.Contains(lower, "step"), strings.Contains(lower, "todo"):
		return sectionTasks
	default:
		return sectionNone
	}
}

func stripCheckbox(item string) string {
	if m := checkboxRe.FindStringSubmatch(item); m != nil {
		return strings.TrimSpace(m[2])
	}
	return item
}

func parseGoalItem(item string, fm frontMatter) GoalEntry {
	goal := GoalEntry{Phase: fm.Phase, Priority: fm.Priority}

	item = stripCheckbox(item)

	if m := phaseRe.FindStringSubmatch(item); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			goal.Phase = n
		}
		item = strings.TrimSpace(phaseRe.ReplaceAllString(item, ""))
	}

	if m := boldTitleRe.FindStringSubmatch(item); m != nil {
		goal.Title = strings.TrimSpace(m[1])
		goal.Description = strings.TrimSpace(m[2])
		return goal
	}

	title, description := splitTitle(item)
	goal.Title = title
	goal.Description = description
	return goal
}

func parseTaskItem(item string, fm frontMatter) TaskEntry {
	task := TaskEntry{Agent: fm.Agent}

	item = stripCheckbox(item)

	if m := metaRe.FindStringSubmatch(item); m != nil {
		if agent, est, ok := parseTaskMeta(m[1]); ok {
			if agent != "" {
				task.Agent = agent
			}
			task.Time = est
			item = strings.TrimSpace(strings.TrimSuffix(item, m[0]))
		}
	}

	title, description := splitTitle(item)
	task.Text = title
	task.Description = description
	return task
}

// parseTaskMeta decodes "agent: backend, est: 2h" style annotations. The
// boolean is false when the parenthetical is plain prose.
func parseTaskMeta(meta string) (agent, est string, ok bool) {
	for _, part := range strings.Split(meta, ",") {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		value := strings.TrimSpace(kv[1])
		switch key {
		case "agent", "assignee", "role":
			agent = value
			ok = true
		case "est", "estimate", "time", "eta":
			est = value
			ok = true
		}
	}
	return agent, est, ok
}

// splitTitle separates "Title: rest" or "Title - rest" into title and
// description.
func splitTitle(item string) (string, string) {
	for _, sep := range []string{" - ", " — ", ": "} {
		if idx := strings.Index(item, sep); idx > 0 {
			return strings.TrimSpace(item[:idx]), strings.TrimSpace(item[idx+len(sep):])
		}
	}
	return strings.TrimSpace(item), ""
}
