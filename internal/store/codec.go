package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"ai-task-platform/internal/models"
)

// Record field names shared by the manager and the backends' filters.
const (
	fieldID             = "id"
	fieldType           = "type"
	fieldPriority       = "priority"
	fieldData           = "data"
	fieldMode           = "mode"
	fieldAgentID        = "agent_id"
	fieldUserID         = "user_id"
	fieldCreatedAt      = "created_at"
	fieldUpdatedAt      = "updated_at"
	fieldDeadline       = "deadline"
	fieldMaxRetries     = "max_retries"
	fieldRetryCount     = "retry_count"
	fieldStatus         = "status"
	fieldResult         = "result"
	fieldError          = "error"
	fieldProcessingTime = "processing_time"
	fieldCompletedAt    = "completed_at"

	fieldName         = "name"
	fieldCapabilities = "capabilities"
	fieldConfig       = "config"
	fieldMetadata     = "metadata"
	fieldLastActiveAt = "last_active_at"

	fieldSessionID    = "session_id"
	fieldHistory      = "conversation_history"
	fieldActiveAgents = "active_agents"
	fieldCurrentMode  = "current_mode"
	fieldPreferences  = "preferences"
	fieldVersion      = "version"

	fieldMetricName = "metric_name"
	fieldValue      = "value"
	fieldTimestamp  = "timestamp"
)

func taskToRecord(t models.AITask) Record {
	r := Record{
		fieldID:         t.ID,
		fieldType:       t.Type,
		fieldPriority:   int(t.Priority),
		fieldData:       mapOrEmpty(t.Data),
		fieldMode:       t.Mode,
		fieldCreatedAt:  t.CreatedAt.UTC(),
		fieldMaxRetries: t.MaxRetries,
		fieldRetryCount: t.RetryCount,
		fieldStatus:     string(t.Status),
	}
	setIf(r, fieldAgentID, t.AgentID)
	setIf(r, fieldUserID, t.UserID)
	setIf(r, fieldError, t.Error)
	if t.Deadline != nil {
		r[fieldDeadline] = t.Deadline.UTC()
	}
	if t.Result != nil {
		r[fieldResult] = t.Result
	}
	if t.ProcessingTime != nil {
		r[fieldProcessingTime] = *t.ProcessingTime
	}
	if t.CompletedAt != nil {
		r[fieldCompletedAt] = t.CompletedAt.UTC()
	}
	return r
}

func recordToTask(r Record) (models.AITask, error) {
	status, err := models.ParseTaskStatus(asString(r[fieldStatus]))
	if err != nil {
		return models.AITask{}, fmt.Errorf("decode task %v: %w", r[fieldID], err)
	}
	createdAt, err := asTime(r[fieldCreatedAt])
	if err != nil {
		return models.AITask{}, fmt.Errorf("decode task %v created_at: %w", r[fieldID], err)
	}
	t := models.AITask{
		ID:         asString(r[fieldID]),
		Type:       asString(r[fieldType]),
		Priority:   models.Priority(asInt(r[fieldPriority])),
		Data:       asMap(r[fieldData]),
		Mode:       asString(r[fieldMode]),
		AgentID:    asString(r[fieldAgentID]),
		UserID:     asString(r[fieldUserID]),
		CreatedAt:  createdAt,
		MaxRetries: asInt(r[fieldMaxRetries]),
		RetryCount: asInt(r[fieldRetryCount]),
		Status:     status,
		Error:      asString(r[fieldError]),
	}
	if t.Data == nil {
		t.Data = map[string]any{}
	}
	if v, ok := r[fieldResult]; ok && v != nil {
		t.Result = asMap(v)
	}
	if v, ok := r[fieldProcessingTime]; ok && v != nil {
		f := asFloat(v)
		t.ProcessingTime = &f
	}
	if t.Deadline, err = asTimePtr(r[fieldDeadline]); err != nil {
		return models.AITask{}, fmt.Errorf("decode task %v deadline: %w", t.ID, err)
	}
	if t.CompletedAt, err = asTimePtr(r[fieldCompletedAt]); err != nil {
		return models.AITask{}, fmt.Errorf("decode task %v completed_at: %w", t.ID, err)
	}
	return t, nil
}

func agentToRecord(a models.Agent) Record {
	capabilities := a.Capabilities
	if capabilities == nil {
		capabilities = []string{}
	}
	r := Record{
		fieldID:           a.ID,
		fieldName:         a.Name,
		fieldType:         a.Type,
		fieldStatus:       string(a.Status),
		fieldCapabilities: capabilities,
		fieldConfig:       mapOrEmpty(a.Config),
		fieldMetadata:     mapOrEmpty(a.Metadata),
		fieldCreatedAt:    a.CreatedAt.UTC(),
		fieldUpdatedAt:    a.UpdatedAt.UTC(),
	}
	if a.LastActiveAt != nil {
		r[fieldLastActiveAt] = a.LastActiveAt.UTC()
	}
	return r
}

func recordToAgent(r Record) (models.Agent, error) {
	createdAt, err := asTime(r[fieldCreatedAt])
	if err != nil {
		return models.Agent{}, fmt.Errorf("decode agent %v created_at: %w", r[fieldID], err)
	}
	updatedAt, err := asTime(r[fieldUpdatedAt])
	if err != nil {
		return models.Agent{}, fmt.Errorf("decode agent %v updated_at: %w", r[fieldID], err)
	}
	lastActive, err := asTimePtr(r[fieldLastActiveAt])
	if err != nil {
		return models.Agent{}, fmt.Errorf("decode agent %v last_active_at: %w", r[fieldID], err)
	}
	return models.Agent{
		ID:           asString(r[fieldID]),
		Name:         asString(r[fieldName]),
		Type:         asString(r[fieldType]),
		Status:       models.AgentStatus(asString(r[fieldStatus])),
		Capabilities: asStrings(r[fieldCapabilities]),
		Config:       asMap(r[fieldConfig]),
		Metadata:     asMap(r[fieldMetadata]),
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		LastActiveAt: lastActive,
	}, nil
}

func contextToRecord(c models.AIContext) (Record, error) {
	history, err := toJSONValue(c.ConversationHistory)
	if err != nil {
		return nil, fmt.Errorf("encode conversation history: %w", err)
	}
	active := c.ActiveAgents
	if active == nil {
		active = []string{}
	}
	r := Record{
		fieldSessionID:    c.SessionID,
		fieldHistory:      history,
		fieldActiveAgents: active,
		fieldCurrentMode:  c.CurrentMode,
		fieldPreferences:  mapOrEmpty(c.Preferences),
		fieldMetadata:     mapOrEmpty(c.Metadata),
		fieldCreatedAt:    c.CreatedAt.UTC(),
		fieldUpdatedAt:    c.UpdatedAt.UTC(),
		fieldVersion:      c.Version,
	}
	setIf(r, fieldUserID, c.UserID)
	return r, nil
}

func recordToContext(r Record) (models.AIContext, error) {
	createdAt, err := asTime(r[fieldCreatedAt])
	if err != nil {
		return models.AIContext{}, fmt.Errorf("decode context %v created_at: %w", r[fieldSessionID], err)
	}
	updatedAt, err := asTime(r[fieldUpdatedAt])
	if err != nil {
		return models.AIContext{}, fmt.Errorf("decode context %v updated_at: %w", r[fieldSessionID], err)
	}
	var history []models.ConversationTurn
	if v, ok := r[fieldHistory]; ok && v != nil {
		if err := fromJSONValue(v, &history); err != nil {
			return models.AIContext{}, fmt.Errorf("decode context %v history: %w", r[fieldSessionID], err)
		}
	}
	if history == nil {
		history = []models.ConversationTurn{}
	}
	active := asStrings(r[fieldActiveAgents])
	if active == nil {
		active = []string{}
	}
	return models.AIContext{
		SessionID:           asString(r[fieldSessionID]),
		UserID:              asString(r[fieldUserID]),
		ConversationHistory: history,
		ActiveAgents:        active,
		CurrentMode:         asString(r[fieldCurrentMode]),
		Preferences:         asMap(r[fieldPreferences]),
		Metadata:            asMap(r[fieldMetadata]),
		CreatedAt:           createdAt,
		UpdatedAt:           updatedAt,
		Version:             asInt(r[fieldVersion]),
	}, nil
}

func metricToRecord(m models.PerformanceMetric) Record {
	r := Record{
		fieldID:         m.ID,
		fieldMetricName: m.Name,
		fieldValue:      m.Value,
		fieldMetadata:   mapOrEmpty(m.Metadata),
		fieldTimestamp:  m.Timestamp.UTC(),
	}
	setIf(r, fieldAgentID, m.AgentID)
	return r
}

func recordToMetric(r Record) (models.PerformanceMetric, error) {
	ts, err := asTime(r[fieldTimestamp])
	if err != nil {
		return models.PerformanceMetric{}, fmt.Errorf("decode metric %v timestamp: %w", r[fieldID], err)
	}
	return models.PerformanceMetric{
		ID:        asString(r[fieldID]),
		AgentID:   asString(r[fieldAgentID]),
		Name:      asString(r[fieldMetricName]),
		Value:     asFloat(r[fieldValue]),
		Metadata:  asMap(r[fieldMetadata]),
		Timestamp: ts,
	}, nil
}

func setIf(r Record, key, value string) {
	if value != "" {
		r[key] = value
	}
}

func mapOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float64:
		return int(math.Round(t))
	case json.Number:
		n, _ := t.Int64()
		return int(n)
	default:
		return 0
	}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	default:
		return 0
	}
}

func asTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, err
		}
		return parsed.UTC(), nil
	case nil:
		return time.Time{}, fmt.Errorf("missing timestamp")
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
}

func asTimePtr(v any) (*time.Time, error) {
	if v == nil {
		return nil, nil
	}
	t, err := asTime(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func asMap(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case Record:
		return map[string]any(t)
	case nil:
		return nil
	}
	var out map[string]any
	if err := fromJSONValue(v, &out); err != nil {
		return nil
	}
	return out
}

func asStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, asString(item))
		}
		return out
	default:
		return nil
	}
}

// toJSONValue converts v into the generic shape DecodeJSON produces.
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return DecodeJSON(raw)
}

// DecodeJSON parses raw into generic values. Integral numbers become int64 so opaque
// maps keep exact values past 2^53; other numbers become float64.
func DecodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return exactNumbers(v), nil
}

// DecodeDocument parses a JSON object into a Record with DecodeJSON's number rules.
func DecodeDocument(raw []byte) (Record, error) {
	v, err := DecodeJSON(raw)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document is %T, not an object", v)
	}
	return Record(m), nil
}

func exactNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = exactNumbers(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = exactNumbers(item)
		}
		return t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	default:
		return v
	}
}

func fromJSONValue(v any, dst any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// EncodeValue renders a record value in its canonical JSON form. Backends without
// native document comparison use it for exact-match filters and expectations.
func EncodeValue(v any) (string, error) {
	if t, ok := v.(time.Time); ok {
		v = t.UTC()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
