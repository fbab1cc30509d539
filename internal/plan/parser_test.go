package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGoalsAndTasks(t *testing.T) {
	p := Parse(`## Goals
- **Backend API** - REST surface for the app [phase 1]
  - Set up routing
  - Add persistence
- **Frontend** - UI shell [phase 2]

## Tasks
- [ ] Scaffold the server (agent: backend, est: 2h)
- [ ] Wire the database
`)

	require.True(t, p.HasPlan)
	require.Len(t, p.Goals, 2)

	assert.Equal(t, "Backend API", p.Goals[0].Title)
	assert.Equal(t, "REST surface for the app", p.Goals[0].Description)
	assert.Equal(t, 1, p.Goals[0].Phase)
	assert.Equal(t, []string{"Set up routing", "Add persistence"}, p.Goals[0].SuggestedTasks)

	assert.Equal(t, "Frontend", p.Goals[1].Title)
	assert.Equal(t, 2, p.Goals[1].Phase)
	assert.Empty(t, p.Goals[1].SuggestedTasks)

	require.Len(t, p.Tasks, 2)
	assert.Equal(t, "Scaffold the server", p.Tasks[0].Text)
	assert.Equal(t, "backend", p.Tasks[0].Agent)
	assert.Equal(t, "2h", p.Tasks[0].Time)
	assert.Equal(t, "Wire the database", p.Tasks[1].Text)
	assert.Empty(t, p.Tasks[1].Agent)
}

func TestParseFrontMatterDefaults(t *testing.T) {
	p := Parse(`---
phase: 3
agent: backend
---
## Goals
- First goal
- Second goal [phase 5]

## Tasks
- Do the thing
`)

	require.True(t, p.HasPlan)
	require.Len(t, p.Goals, 2)
	assert.Equal(t, 3, p.Goals[0].Phase)
	assert.Equal(t, 5, p.Goals[1].Phase)

	require.Len(t, p.Tasks, 1)
	assert.Equal(t, "backend", p.Tasks[0].Agent)
}

func TestParseNumberedAndCheckboxForms(t *testing.T) {
	p := Parse(`## Tasks
1. First step
2) Second step
- [x] Third step
* Fourth step
`)

	require.True(t, p.HasPlan)
	require.Len(t, p.Tasks, 4)
	assert.Equal(t, "First step", p.Tasks[0].Text)
	assert.Equal(t, "Second step", p.Tasks[1].Text)
	assert.Equal(t, "Third step", p.Tasks[2].Text)
	assert.Equal(t, "Fourth step", p.Tasks[3].Text)
}

func TestParseHeadingSynonyms(t *testing.T) {
	p := Parse(`## Milestones
- Alpha release

### Steps
- Write the code
`)

	require.True(t, p.HasPlan)
	require.Len(t, p.Goals, 1)
	assert.Equal(t, "Alpha release", p.Goals[0].Title)
	require.Len(t, p.Tasks, 1)
	assert.Equal(t, "Write the code", p.Tasks[0].Text)
}

func TestParseDetectedButEmptyPlan(t *testing.T) {
	p := Parse("## Goals\n\nnothing here yet, just prose\n")

	assert.True(t, p.HasPlan)
	assert.Empty(t, p.Goals)
	assert.Empty(t, p.Tasks)
}

func TestParseProseYieldsNoPlan(t *testing.T) {
	p := Parse("I think we should talk about the architecture first.\n\n- a stray bullet\n")

	assert.False(t, p.HasPlan)
	assert.Empty(t, p.Goals)
	assert.Empty(t, p.Tasks)
}

func TestParseEmptyInput(t *testing.T) {
	p := Parse("")
	assert.False(t, p.HasPlan)
}

func TestParsePlainTitleSplitting(t *testing.T) {
	p := Parse(`## Goals
- Search: full-text search over documents
`)

	require.Len(t, p.Goals, 1)
	assert.Equal(t, "Search", p.Goals[0].Title)
	assert.Equal(t, "full-text search over documents", p.Goals[0].Description)
}

func TestParseProseParentheticalIsKept(t *testing.T) {
	p := Parse(`## Tasks
- Refactor the parser (the old one is slow)
`)

	require.Len(t, p.Tasks, 1)
	assert.Equal(t, "Refactor the parser (the old one is slow)", p.Tasks[0].Text)
	assert.Empty(t, p.Tasks[0].Agent)
}

func TestParseMalformedFrontMatterIgnored(t *testing.T) {
	p := Parse(`---
phase: [not, a, number
---
## Tasks
- Still parses
`)

	require.True(t, p.HasPlan)
	require.Len(t, p.Tasks, 1)
	assert.Zero(t, p.Tasks[0].Agent)
}
