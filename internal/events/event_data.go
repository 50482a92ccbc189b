package events

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// EventAdmittedData contains data for EventAdmitted events
type EventAdmittedData struct {
	EventID   string `json:"event_id"`
	AccountID string `json:"account_id"`
	Command   string `json:"command"`
}

// EventType returns the event type for EventAdmittedData
func (d *EventAdmittedData) EventType() EventType {
	return EventAdmitted
}

// EventDeduplicatedData contains data for EventDeduplicated events
type EventDeduplicatedData struct {
	AccountID string `json:"account_id"`
	Command   string `json:"command"`
}

// EventType returns the event type for EventDeduplicatedData
func (d *EventDeduplicatedData) EventType() EventType {
	return EventDeduplicated
}

// EventCompletedData contains data for EventCompleted events
type EventCompletedData struct {
	EventID   string `json:"event_id"`
	AccountID string `json:"account_id"`
	Command   string `json:"command"`
	Attempts  int    `json:"attempts"`
}

// EventType returns the event type for EventCompletedData
func (d *EventCompletedData) EventType() EventType {
	return EventCompleted
}

// EventRequeuedData contains data for EventRequeued events
type EventRequeuedData struct {
	EventID     string `json:"event_id"`
	AccountID   string `json:"account_id"`
	Command     string `json:"command"`
	TimesQueued int    `json:"times_queued"`
	Error       string `json:"error,omitempty"`
}

// EventType returns the event type for EventRequeuedData
func (d *EventRequeuedData) EventType() EventType {
	return EventRequeued
}

// EventDelayedData contains data for EventDelayed events
type EventDelayedData struct {
	EventID      string `json:"event_id"`
	AccountID    string `json:"account_id"`
	Command      string `json:"command"`
	ExecuteAfter string `json:"execute_after"`
}

// EventType returns the event type for EventDelayedData
func (d *EventDelayedData) EventType() EventType {
	return EventDelayed
}

// EventRemovedData contains data for EventRemoved events
type EventRemovedData struct {
	EventID string `json:"event_id"`
}

// EventType returns the event type for EventRemovedData
func (d *EventRemovedData) EventType() EventType {
	return EventRemoved
}

// TriggerReceivedData contains data for TriggerReceived events
type TriggerReceivedData struct {
	AccountID string `json:"account_id"`
	Command   string `json:"command"`
	Channel   string `json:"channel,omitempty"`
}

// EventType returns the event type for TriggerReceivedData
func (d *TriggerReceivedData) EventType() EventType {
	return TriggerReceived
}

// OrderSubmittedData contains data for OrderSubmitted events
type OrderSubmittedData struct {
	AccountID string `json:"account_id"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Quantity  int64  `json:"quantity"`
	OrderID   string `json:"order_id,omitempty"`
	DryRun    bool   `json:"dry_run,omitempty"`
}

// EventType returns the event type for OrderSubmittedData
func (d *OrderSubmittedData) EventType() EventType {
	return OrderSubmitted
}

// OrdersCancelledData contains data for OrdersCancelled events
type OrdersCancelledData struct {
	AccountID string `json:"account_id"`
	Count     int    `json:"count"`
}

// EventType returns the event type for OrdersCancelledData
func (d *OrdersCancelledData) EventType() EventType {
	return OrdersCancelled
}

// BrokerConnectionData contains data for BrokerConnected/BrokerDisconnected events
type BrokerConnectionData struct {
	Connected bool   `json:"connected"`
	Mode      string `json:"mode,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// EventType returns the event type for BrokerConnectionData
func (d *BrokerConnectionData) EventType() EventType {
	if d.Connected {
		return BrokerConnected
	}
	return BrokerDisconnected
}

// BackupCompletedData contains data for BackupCompleted events
type BackupCompletedData struct {
	Key       string `json:"key"`
	SizeBytes int64  `json:"size_bytes"`
	Duration  string `json:"duration"`
}

// EventType returns the event type for BackupCompletedData
func (d *BackupCompletedData) EventType() EventType {
	return BackupCompleted
}
