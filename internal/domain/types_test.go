package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskInputTimestampOmittedWhenUnset(t *testing.T) {
	task := Task{
		Options: TaskOptions{TaskID: "TQ-1"},
		Input:   TaskInput{EventType: "deal.created", ObjectID: "42"},
	}
	b, err := json.Marshal(task)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "timestamp")

	var back Task
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Nil(t, back.Input.Timestamp)
}

func TestTaskInputTimestampRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b, err := json.Marshal(TaskInput{EventType: "deal.created", ObjectID: "42", Timestamp: &ts})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"timestamp":"2024-05-01T12:00:00Z"`)

	var back TaskInput
	require.NoError(t, json.Unmarshal(b, &back))
	require.NotNil(t, back.Timestamp)
	assert.True(t, ts.Equal(*back.Timestamp))
}
