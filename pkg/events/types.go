// oreon/defense · watchthelight <wtl>

package events

// LogBatchBuilder is a typed builder for log read batches.
type LogBatchBuilder struct {
	*Builder
}

// StartLogBatch creates a new log batch event builder.
func StartLogBatch(path string) *LogBatchBuilder {
	b := Start(EventTypeLogBatch, "logsource")
	b.Set(FieldPath, path)
	return &LogBatchBuilder{Builder: b}
}

// Lines sets the number of complete lines delivered.
func (b *LogBatchBuilder) Lines(count int) *LogBatchBuilder {
	b.Set(FieldLines, count)
	return b
}

// Offset sets the offset persisted after the batch.
func (b *LogBatchBuilder) Offset(offset int64) *LogBatchBuilder {
	b.Set(FieldOffset, offset)
	return b
}

// Reason records why the reader reopened the file (truncated, rotated).
func (b *LogBatchBuilder) Reason(reason string) *LogBatchBuilder {
	b.Set(FieldReason, reason)
	return b
}

// TriggerFiredBuilder is a typed builder for counter threshold events.
type TriggerFiredBuilder struct {
	*Builder
}

// StartTriggerFired creates a new trigger fired event builder.
func StartTriggerFired(triggerID, resultEvent string) *TriggerFiredBuilder {
	b := Start(EventTypeTriggerFired, "trigger")
	b.Set(FieldTriggerID, triggerID)
	b.Set(FieldEvent, resultEvent)
	return &TriggerFiredBuilder{Builder: b}
}

// Scope sets the grouping key that reached the threshold.
func (b *TriggerFiredBuilder) Scope(scope string) *TriggerFiredBuilder {
	b.Set(FieldScope, scope)
	return b
}

// Evidence sets the number of evidence lines carried by the result event.
func (b *TriggerFiredBuilder) Evidence(count int) *TriggerFiredBuilder {
	b.Set(FieldEvidence, count)
	return b
}

// BanBuilder is a typed builder for ban, unban and clear transitions.
type BanBuilder struct {
	*Builder
}

func startBan(eventType EventType, triggerID, offender string) *BanBuilder {
	b := Start(eventType, "trigger")
	b.Set(FieldTriggerID, triggerID)
	b.Set(FieldOffender, offender)
	return &BanBuilder{Builder: b}
}

// StartBan creates a new ban event builder.
func StartBan(triggerID, offender string) *BanBuilder {
	return startBan(EventTypeBan, triggerID, offender)
}

// StartUnban creates a new unban event builder.
func StartUnban(triggerID, offender string) *BanBuilder {
	return startBan(EventTypeUnban, triggerID, offender)
}

// StartBanCleared creates a builder for an offender leaving probation.
func StartBanCleared(triggerID, offender string) *BanBuilder {
	return startBan(EventTypeBanCleared, triggerID, offender)
}

// Episode sets the offender's trigger count.
func (b *BanBuilder) Episode(count int) *BanBuilder {
	b.Set(FieldEpisode, count)
	return b
}

// BanSeconds sets the length of the ban before probation.
func (b *BanBuilder) BanSeconds(seconds int64) *BanBuilder {
	b.Set(FieldBanSeconds, seconds)
	return b
}

// Backend sets the action backend that enacted the change.
func (b *BanBuilder) Backend(name string) *BanBuilder {
	b.Set(FieldBackend, name)
	return b
}

// Tolerated records an idempotent outcome such as "already present".
func (b *BanBuilder) Tolerated(reason string) *BanBuilder {
	b.Set(FieldTolerated, reason)
	return b
}

// IPCRequestBuilder is a typed builder for IPC request events.
type IPCRequestBuilder struct {
	*Builder
}

// StartIPCRequest creates a new IPC request event builder.
func StartIPCRequest(command, requestID string) *IPCRequestBuilder {
	b := Start(EventTypeIPCRequest, "ipc")
	b.Set(FieldCommand, command)
	b.Set(FieldRequestID, requestID)
	return &IPCRequestBuilder{Builder: b}
}

// ClientVersion sets the client protocol version.
func (b *IPCRequestBuilder) ClientVersion(version int) *IPCRequestBuilder {
	b.Set(FieldClientVersion, version)
	return b
}

// ResponseSize sets the response size in bytes.
func (b *IPCRequestBuilder) ResponseSize(bytes int) *IPCRequestBuilder {
	b.Set(FieldResponseSize, bytes)
	return b
}

// StateChangeBuilder is a typed builder for daemon lifecycle changes.
type StateChangeBuilder struct {
	*Builder
}

// StartStateChange creates a new state change event builder.
func StartStateChange(fromState, toState string) *StateChangeBuilder {
	b := Start(EventTypeStateChange, "daemon")
	b.Set(FieldFromState, fromState)
	b.Set(FieldToState, toState)
	return &StateChangeBuilder{Builder: b}
}

// Reason sets the reason for the state change.
func (b *StateChangeBuilder) Reason(reason string) *StateChangeBuilder {
	b.Set(FieldReason, reason)
	return b
}
