package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewTaskEvent creates a new EngineEvent for a task lifecycle transition with type-safe data.
func NewTaskEvent(eventType EventType, severity EventSeverity, message string, data TaskEventData) (*EngineEvent, error) {
	event := &EngineEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Severity:  severity,
		Message:   message,
	}
	dataMap, err := structToMap(data)
	if err != nil {
		return nil, fmt.Errorf("failed to convert TaskEventData: %w", err)
	}
	event.Data = dataMap
	return event, nil
}

// NewCacheEvent creates a new EngineEvent for a cache operation with type-safe data.
func NewCacheEvent(eventType EventType, severity EventSeverity, message string, data CacheEventData) (*EngineEvent, error) {
	event := &EngineEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Severity:  severity,
		Message:   message,
	}
	dataMap, err := structToMap(data)
	if err != nil {
		return nil, fmt.Errorf("failed to convert CacheEventData: %w", err)
	}
	event.Data = dataMap
	return event, nil
}

// NewScopeEvent creates a new EngineEvent for an incremental analysis step with type-safe data.
func NewScopeEvent(eventType EventType, severity EventSeverity, message string, data ScopeEventData) (*EngineEvent, error) {
	event := &EngineEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Severity:  severity,
		Message:   message,
	}
	dataMap, err := structToMap(data)
	if err != nil {
		return nil, fmt.Errorf("failed to convert ScopeEventData: %w", err)
	}
	event.Data = dataMap
	return event, nil
}

// NewEvent creates a bare EngineEvent with no structured data attached.
func NewEvent(eventType EventType, severity EventSeverity, message string) *EngineEvent {
	return &EngineEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Severity:  severity,
		Message:   message,
	}
}

// GetTaskData retrieves TaskEventData from the Data field.
func (e *EngineEvent) GetTaskData() (*TaskEventData, error) {
	var data TaskEventData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse TaskEventData: %w", err)
	}
	return &data, nil
}

// GetCacheData retrieves CacheEventData from the Data field.
func (e *EngineEvent) GetCacheData() (*CacheEventData, error) {
	var data CacheEventData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse CacheEventData: %w", err)
	}
	return &data, nil
}

// GetScopeData retrieves ScopeEventData from the Data field.
func (e *EngineEvent) GetScopeData() (*ScopeEventData, error) {
	var data ScopeEventData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse ScopeEventData: %w", err)
	}
	return &data, nil
}

// structToMap converts a struct to map[string]interface{} using JSON marshaling.
func structToMap(data interface{}) (map[string]interface{}, error) {
	bytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(bytes, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// mapToStruct converts a map[string]interface{} to a struct using JSON unmarshaling.
func mapToStruct(dataMap map[string]interface{}, target interface{}) error {
	bytes, err := json.Marshal(dataMap)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, target)
}
