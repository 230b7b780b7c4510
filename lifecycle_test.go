package txbus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trickstertwo/txbus"
)

func TestState_Transitions(t *testing.T) {
	allowed := [][2]txbus.State{
		{txbus.StateCreated, txbus.StateQueued},
		{txbus.StateQueued, txbus.StateDropped},
		{txbus.StateQueued, txbus.StateSent},
		{txbus.StateSent, txbus.StateAcked},
		{txbus.StateSent, txbus.StateCommitted},
		{txbus.StateSent, txbus.StateLost},
		{txbus.StateLost, txbus.StateCheckPending},
		{txbus.StateCheckPending, txbus.StateRolledBack},
	}
	for _, tr := range allowed {
		assert.True(t, tr[0].CanTransition(tr[1]), "%s -> %s", tr[0], tr[1])
	}

	forbidden := [][2]txbus.State{
		{txbus.StateDropped, txbus.StateSent},
		{txbus.StateCommitted, txbus.StateRolledBack},
		{txbus.StateLost, txbus.StateCommitted},
		{txbus.StateCreated, txbus.StateAcked},
	}
	for _, tr := range forbidden {
		assert.False(t, tr[0].CanTransition(tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []txbus.State{txbus.StateDropped, txbus.StateAcked, txbus.StateCommitted, txbus.StateRolledBack} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []txbus.State{txbus.StateCreated, txbus.StateQueued, txbus.StateSent, txbus.StateLost, txbus.StateCheckPending} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestVerdict(t *testing.T) {
	assert.True(t, txbus.VerdictCommit.Final())
	assert.True(t, txbus.VerdictRollback.Final())
	assert.False(t, txbus.VerdictUnknown.Final())
	assert.True(t, txbus.Committed().IsCommit())
	assert.False(t, txbus.RolledBack(nil).IsCommit())
}
