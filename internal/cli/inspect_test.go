package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowsess/internal/ir"
)

func TestInspect_List(t *testing.T) {
	path := seedStore(t)

	out, err := execute(t, "inspect", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, "s1")
	assert.Contains(t, out, "INITIATOR")
	assert.Contains(t, out, "CONFIRMED")
	assert.Contains(t, out, "bob")
	assert.Contains(t, out, "pending outbox records: 0")
}

func TestInspect_ListJSON(t *testing.T) {
	path := seedStore(t)

	out, err := execute(t, "--format", "json", "inspect", "--db", path)
	require.NoError(t, err)

	var resp struct {
		Data InspectResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Sessions, 1)
	s := resp.Data.Sessions[0]
	assert.Equal(t, "s1", s.SessionID)
	assert.Equal(t, ir.RoleInitiator, s.Role)
	assert.Equal(t, ir.StatusConfirmed, s.Status)
	assert.Equal(t, "bob", s.Peer)
	assert.Zero(t, s.SendBuffer, "bob acked init and data")
}

func TestInspect_Session(t *testing.T) {
	path := seedStore(t)

	out, err := execute(t, "inspect", "--db", path, "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "session:   s1")
	assert.Contains(t, out, "status:    CONFIRMED")
	assert.Contains(t, out, "send: last processed 2")
}

func TestInspect_SessionJSON(t *testing.T) {
	path := seedStore(t)

	out, err := execute(t, "--format", "json", "inspect", "--db", path, "s1")
	require.NoError(t, err)

	var resp struct {
		Data SessionDetail `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Data.State)
	assert.Equal(t, int64(2), resp.Data.State.SendEventsState.LastProcessedSequenceNumber)
}

func TestInspect_UnknownSession(t *testing.T) {
	path := seedStore(t)

	out, err := execute(t, "inspect", "--db", path, "nope")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E006]")
}

func TestInspect_MissingDatabaseFlag(t *testing.T) {
	_, err := execute(t, "inspect")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}
