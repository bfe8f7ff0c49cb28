package ir

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionEventJSONRoundTrip(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []SessionEvent{
		{SessionID: "s1", SequenceNumber: 1, Timestamp: at, Payload: Init{Props: map[string]string{"k": "v"}, Body: []byte("go")},
			Context: &ContextIdentifiers{InitiatingIdentity: "alice", InitiatedIdentity: "bob"}},
		{SessionID: "s1", SequenceNumber: 2, Timestamp: at, Payload: Data{Body: []byte("hello")}},
		{SessionID: "s1", Timestamp: at, Payload: Ack{SequenceNumbers: []int64{1, 2}}},
		{SessionID: "s1", SequenceNumber: 3, Timestamp: at, Payload: Close{}},
		{SessionID: "s1", Timestamp: at, Payload: Error{Reason: "boom"}},
		{SessionID: "s1", Timestamp: at, Payload: Heartbeat{}},
	}

	for _, ev := range events {
		t.Run(string(ev.Kind()), func(t *testing.T) {
			data, err := json.Marshal(ev)
			require.NoError(t, err)

			var got SessionEvent
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, ev, got)
		})
	}
}

func TestSessionEventJSONShape(t *testing.T) {
	ev := SessionEvent{
		SessionID:      "s1",
		SequenceNumber: 2,
		Timestamp:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:        Data{Body: []byte("hi")},
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"session_id":"s1","seq":2,"timestamp":"2024-01-01T00:00:00Z","kind":"data","payload":{"body":"aGk="}}`, string(data))
}

func TestSessionEventJSONErrors(t *testing.T) {
	_, err := json.Marshal(SessionEvent{SessionID: "s1"})
	assert.Error(t, err, "missing payload")

	var ev SessionEvent
	err = json.Unmarshal([]byte(`{"session_id":"s1","kind":"bogus"}`), &ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown payload kind")
}

func TestSessionStateJSONRoundTrip(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	state := SessionState{
		SessionID:    "s1",
		Role:         RoleResponder,
		Status:       StatusClosing,
		Counterparty: ContextIdentifiers{InitiatingIdentity: "alice", InitiatedIdentity: "bob"},
		ReceivedEventsState: DirectionalEventState{
			UndeliveredMessages:         []SessionEvent{{SessionID: "s1", SequenceNumber: 3, Timestamp: at, Payload: Close{}}},
			LastProcessedSequenceNumber: 2,
			CloseSequenceNumber:         3,
		},
		SendEventsState:  DirectionalEventState{LastProcessedSequenceNumber: 4},
		StartTime:        at,
		LastReceivedTime: at.Add(time.Second),
		LastSentTime:     at.Add(2 * time.Second),
		LastResendTime:   at,
		PendingAcks:      []int64{2},
	}

	data, err := json.Marshal(state)
	require.NoError(t, err)

	var got SessionState
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, state, got)
}
