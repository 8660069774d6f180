package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-task-platform/internal/models"
)

func TestTaskRecordOmitsEmptyOptionals(t *testing.T) {
	task := models.NewTask("summarize", models.PriorityHigh, nil)
	rec := taskToRecord(task)

	for _, key := range []string{fieldAgentID, fieldUserID, fieldDeadline, fieldResult, fieldError, fieldProcessingTime, fieldCompletedAt} {
		_, ok := rec[key]
		assert.False(t, ok, "%s should be omitted", key)
	}
	assert.Equal(t, 3, rec[fieldPriority])
	assert.Equal(t, map[string]any{}, rec[fieldData])
}

func TestTaskDecodesFromJSONShape(t *testing.T) {
	raw := `{"id":"t1","type":"x","priority":4,"data":{"a":1},"mode":"auto","created_at":"2026-01-02T03:04:05.678Z",
		"max_retries":3,"retry_count":1,"status":"failed","error":"boom","processing_time":2.5}`
	rec, err := DecodeDocument([]byte(raw))
	require.NoError(t, err)

	task, err := recordToTask(rec)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": int64(1)}, task.Data)
	assert.Equal(t, models.PriorityUrgent, task.Priority)
	assert.Equal(t, models.TaskFailed, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 678e6, time.UTC), task.CreatedAt)
	require.NotNil(t, task.ProcessingTime)
	assert.Equal(t, 2.5, *task.ProcessingTime)
	assert.Nil(t, task.Deadline)
	assert.Nil(t, task.Result)
}

func TestTaskDecodeRejectsUnknownStatus(t *testing.T) {
	_, err := recordToTask(Record{fieldID: "t1", fieldStatus: "running", fieldCreatedAt: "2026-01-02T03:04:05Z"})
	assert.Error(t, err)
}

func TestContextHistoryRoundTrip(t *testing.T) {
	c := models.NewContext("u1")
	c.ConversationHistory = append(c.ConversationHistory, models.ConversationTurn{
		Role: "assistant", Content: "hello", AgentID: "a1", Timestamp: models.Now(),
	})
	rec, err := contextToRecord(c)
	require.NoError(t, err)

	got, err := recordToContext(rec)
	require.NoError(t, err)
	assert.Equal(t, c.ConversationHistory, got.ConversationHistory)
	assert.Equal(t, []string{}, got.ActiveAgents)
}

func TestValueHelpers(t *testing.T) {
	assert.Equal(t, 7, asInt(int32(7)))
	assert.Equal(t, 7, asInt(float64(7)))
	assert.Equal(t, 7, asInt(json.Number("7")))
	assert.Equal(t, 1.5, asFloat(json.Number("1.5")))
	assert.Equal(t, []string{"a", "b"}, asStrings([]any{"a", "b"}))
	assert.Equal(t, map[string]any{"k": "v"}, asMap(Record{"k": "v"}))

	_, err := asTime(nil)
	assert.Error(t, err)
	ptr, err := asTimePtr(nil)
	require.NoError(t, err)
	assert.Nil(t, ptr)
}

func TestEncodeValueNormalizesTime(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	got, err := EncodeValue(at)
	require.NoError(t, err)
	assert.Equal(t, `"2026-05-01T10:00:00Z"`, got)

	fromString, err := EncodeValue("2026-05-01T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, got, fromString)
}

func TestDecodeDocumentKeepsIntegers(t *testing.T) {
	rec, err := DecodeDocument([]byte(`{"big":9007199254740993,"list":[1,2.5],"nested":{"n":-4},"f":1e3}`))
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), rec["big"])
	assert.Equal(t, []any{int64(1), 2.5}, rec["list"])
	assert.Equal(t, map[string]any{"n": int64(-4)}, rec["nested"])
	assert.Equal(t, 1000.0, rec["f"])

	_, err = DecodeDocument([]byte(`[1]`))
	assert.Error(t, err)
}
