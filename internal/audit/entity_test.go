package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityState_MergeIdempotent(t *testing.T) {
	report := EntityReport{
		Characters: []CharacterReport{
			{Name: "Mara", Status: StatusAlive, Injuries: []string{"broken arm"}, FirstAppearance: 1, LastAppearance: 3},
		},
		Locations: []LocationReport{
			{Name: "Harrow Keep", FirstMention: 2, Characteristics: []string{"northern fortress"}},
		},
	}

	state := NewEntityState()
	state.Merge(report)
	state.Merge(report)

	c := state.Character("Mara")
	require.NotNil(t, c)
	assert.Equal(t, []string{"broken arm"}, c.Injuries)
	assert.Equal(t, 1, c.FirstAppearance)
	assert.Equal(t, 3, c.LastAppearance)

	l := state.Location("Harrow Keep")
	require.NotNil(t, l)
	assert.Equal(t, 2, l.FirstMention)
	assert.Len(t, state.Locations(), 1)
}

func TestEntityState_DeadIsSticky(t *testing.T) {
	state := NewEntityState()
	state.Merge(EntityReport{Characters: []CharacterReport{
		{Name: "Tomas", Status: StatusDead, LastAppearance: 4},
	}})
	state.Merge(EntityReport{Characters: []CharacterReport{
		{Name: "Tomas", Status: StatusAlive, LastAppearance: 9},
	}})

	c := state.Character("Tomas")
	require.NotNil(t, c)
	assert.Equal(t, StatusDead, c.Status)
	assert.Equal(t, 9, c.LastAppearance, "appearance bound still extends")
}

func TestEntityState_InjuriesUnion(t *testing.T) {
	state := NewEntityState()
	state.Merge(EntityReport{Characters: []CharacterReport{
		{Name: "Mara", Status: StatusAlive, Injuries: []string{"broken arm"}},
	}})
	state.Merge(EntityReport{Characters: []CharacterReport{
		{Name: "Mara", Status: StatusAlive, Injuries: []string{"Broken Arm", "scarred cheek"}},
	}})

	c := state.Character("Mara")
	require.NotNil(t, c)
	assert.Equal(t, []string{"broken arm", "scarred cheek"}, c.Injuries)
}

func TestEntityState_CaseFoldedNames(t *testing.T) {
	state := NewEntityState()
	state.Merge(EntityReport{Characters: []CharacterReport{
		{Name: "MARA", Status: StatusAlive, FirstAppearance: 1},
	}})
	state.Merge(EntityReport{Characters: []CharacterReport{
		{Name: "mara", Status: StatusDead, LastAppearance: 5},
	}})

	assert.Len(t, state.Characters(), 1)
	c := state.Character("Mara")
	require.NotNil(t, c)
	assert.Equal(t, StatusDead, c.Status)
}

func TestEntityState_FirstMentionWinsForLocations(t *testing.T) {
	state := NewEntityState()
	state.Merge(EntityReport{Locations: []LocationReport{
		{Name: "Harrow Keep", FirstMention: 2, Characteristics: []string{"northern fortress"}},
	}})
	state.Merge(EntityReport{Locations: []LocationReport{
		{Name: "harrow keep", FirstMention: 7, Characteristics: []string{"southern palace"}},
	}})

	l := state.Location("Harrow Keep")
	require.NotNil(t, l)
	assert.Equal(t, 2, l.FirstMention)
	assert.Equal(t, []string{"northern fortress"}, l.Characteristics)
}

func TestEntityState_TimelineAppendedNotDeduplicated(t *testing.T) {
	state := NewEntityState()
	event := TimelineEvent{Event: "the bridge collapses", Chapter: 3, Importance: "major"}
	state.Merge(EntityReport{Timeline: []TimelineEvent{event}})
	state.Merge(EntityReport{Timeline: []TimelineEvent{event}})

	assert.Len(t, state.Timeline(), 2)
}

func TestEntityState_SummarizeEmpty(t *testing.T) {
	state := NewEntityState()
	assert.Equal(t, noPriorContext, state.Summarize())
}

func TestEntityState_SummarizeContents(t *testing.T) {
	state := NewEntityState()
	state.Merge(EntityReport{
		Characters: []CharacterReport{
			{Name: "Tomas", Status: StatusDead, LastAppearance: 4},
		},
		Locations: []LocationReport{
			{Name: "Harrow Keep", FirstMention: 2},
		},
	})

	summary := state.Summarize()
	assert.Contains(t, summary, "Tomas: dead")
	assert.Contains(t, summary, "Harrow Keep")
}
