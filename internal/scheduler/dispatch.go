package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/joluben/iotdevsim-transmission/internal/adapter"
	"github.com/joluben/iotdevsim-transmission/internal/blobstore"
	"github.com/joluben/iotdevsim-transmission/internal/device"
	"github.com/joluben/iotdevsim-transmission/internal/metadatastore"
	"github.com/joluben/iotdevsim-transmission/internal/obs"
	"github.com/joluben/iotdevsim-transmission/internal/payload"
	"github.com/joluben/iotdevsim-transmission/internal/pool"
	"github.com/joluben/iotdevsim-transmission/internal/secrets"
)

func recoveredErr(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("scheduler: dispatch panicked: %w", err)
	}
	return fmt.Errorf("scheduler: dispatch panicked: %v", r)
}

// transmitForDevice implements the per-device transmit operation
// (spec.md §4.7): compute the due batch, publish it through the device's
// connection with retry and circuit-breaker gating, and persist the
// outcome. It returns the row index the caller should persist into the
// runtime map and a non-nil error only when the dispatch itself failed
// (used to drive the consecutive-error count in device.Map.EndDispatch).
func (e *Engine) transmitForDevice(ctx context.Context, state device.RuntimeState) (int, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.StartTransmitSpan(ctx, obs.TransmitSpanOptions{
			DeviceID:     state.DeviceID,
			ConnectionID: state.ConnectionID,
			BatchSize:    state.BatchSize,
		})
		defer span.End()
	}

	if len(state.DatasetRows) == 0 {
		return state.CurrentRowIndex, nil
	}

	startIndex := state.CurrentRowIndex
	if startIndex >= state.DatasetRowCount {
		if state.AutoReset {
			startIndex = 0
		} else {
			e.pauseDevice(ctx, state.DeviceID, state.CurrentRowIndex)
			return state.CurrentRowIndex, nil
		}
	}

	if _, breakerErr := e.breakers.Allow(state.ConnectionID); breakerErr != nil {
		// Circuit open, or a half-open probe already owned by another
		// dispatch: skip this tick silently, it will retry next tick.
		return state.CurrentRowIndex, nil
	}

	end := startIndex + state.BatchSize
	if end > state.DatasetRowCount {
		end = state.DatasetRowCount
	}
	batch := state.DatasetRows[startIndex:end]

	newIndex, dispatchErr := e.publishBatch(ctx, state, startIndex, batch)

	if dispatchErr == nil {
		e.breakers.RecordSuccess(state.ConnectionID)
	} else {
		e.breakers.RecordFailure(state.ConnectionID)
	}

	if dispatchErr != nil && state.MaxRetries > 0 && state.ConsecutiveErrorCount+1 >= state.MaxRetries {
		e.connPool.Invalidate(state.ConnectionID)
		e.logger.PoolEntryInvalidated(state.ConnectionID, "consecutive dispatch failures exceeded max_retries")
	}

	return newIndex, dispatchErr
}

// publishBatch resolves the connection, adapter, and pool handle for one
// dispatch, builds the payload for the whole batch (payload.Build decides
// single-row vs batched shape), runs publish-with-retry, and commits the
// transmission log plus device update in one store transaction
// (spec.md §4.7 steps 5-14).
func (e *Engine) publishBatch(ctx context.Context, state device.RuntimeState, startIndex int, batch []blobstore.Row) (int, error) {
	conn, cacheHit, err := e.connCache.GetWithHit(ctx, state.ConnectionID, e.store.GetConnection)
	if cacheHit {
		e.reporter.RecordCacheHit("connection")
	} else {
		e.reporter.RecordCacheMiss("connection")
	}
	if err == nil && e.tracer != nil {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("transmission.protocol", string(conn.Protocol)))
	}
	if err != nil {
		e.logger.DispatchFailed(state.DeviceID, "connection lookup failed", err)
		return state.CurrentRowIndex, err
	}

	a, ok := e.adapters.For(conn.Protocol)
	if !ok {
		err := fmt.Errorf("no adapter registered for protocol %q", conn.Protocol)
		e.logger.DispatchFailed(state.DeviceID, "unknown protocol", err)
		return state.CurrentRowIndex, err
	}

	decrypted, err := secrets.DecryptConfig(e.decryptor, conn.Config)
	if err != nil {
		// Non-fatal: proceed with the encrypted values rather than abort
		// the dispatch (spec.md §4.7 step 7).
		e.logger.DispatchFailed(state.DeviceID, "secret decrypt failed, using raw config", err)
		decrypted = conn.Config
	}

	topic := topicFor(conn.Protocol, decrypted)

	payloadRows := make([]payload.Row, len(batch))
	for i, r := range batch {
		payloadRows[i] = payload.Row{Index: startIndex + i, Data: r}
	}
	opts := payload.Options{
		DeviceRef:        state.DeviceRef,
		DeviceType:       state.DeviceType,
		IncludeDeviceID:  state.IncludeDeviceID,
		IncludeTimestamp: state.IncludeTimestamp,
	}
	now := time.Now()
	doc, _ := payload.Build(opts, payloadRows, now)
	body, err := payload.Marshal(doc)
	if err != nil {
		e.logger.DispatchFailed(state.DeviceID, "payload marshal failed", err)
		return state.CurrentRowIndex, err
	}

	result, retries, pubErr := e.publishWithRetry(ctx, a, decrypted, topic, body, state)

	logEntry := metadatastore.TransmissionLog{
		Timestamp:    now.UTC(),
		ProjectID:    state.ProjectID,
		DeviceID:     state.DeviceID,
		ConnectionID: state.ConnectionID,
		MessageType:  string(state.DeviceType),
		PayloadSize:  len(body),
		Protocol:     conn.Protocol,
		Topic:        topic,
		RetryCount:   retries,
		IsSimulated:  false,
		Metadata: map[string]any{
			"row_start": startIndex,
			"row_count": len(batch),
		},
	}
	if e.cfg.LogPayloadCapBytes <= 0 || len(body) <= e.cfg.LogPayloadCapBytes {
		logEntry.MessageContent = doc
	} else {
		logEntry.Metadata["content_omitted"] = true
	}

	var update metadatastore.DeviceUpdate
	status := metadatastore.StatusTransmitting
	lastTx := now.UTC()
	update.Status = &status
	update.LastTransmissionAt = &lastTx

	if pubErr == nil {
		logEntry.Direction = metadatastore.DirectionSent
		logEntry.Status = metadatastore.LogStatusSuccess
		logEntry.LatencyMs = float64(result.LatencyMs)
		e.reporter.RecordMessage(string(conn.Protocol), "success", len(body))
		e.reporter.RecordTransmissionLatency(string(conn.Protocol), float64(result.LatencyMs)/1000)
		if result.MessageID != "" {
			logEntry.Metadata["message_id"] = result.MessageID
		}
		newIndex := startIndex + len(batch)
		update.CurrentRowIndex = &newIndex
		dbStart := time.Now()
		if err := e.store.AppendTransmissionLogs(ctx, []metadatastore.TransmissionLog{logEntry}, state.DeviceID, update); err != nil {
			e.logger.DispatchFailed(state.DeviceID, "append transmission log failed", err)
		}
		e.reporter.RecordDBQuery("append_transmission_logs", time.Since(dbStart).Seconds())
		return newIndex, nil
	}

	logEntry.Direction = metadatastore.DirectionFailed
	logEntry.Status = metadatastore.LogStatusFailed
	logEntry.Metadata["error_message"] = adapter.Sanitize(pubErr.Error())
	logEntry.Metadata["error_code"] = string(errCode(pubErr))
	e.reporter.RecordMessage(string(conn.Protocol), "failed", len(body))
	errStatus := metadatastore.StatusError
	update.Status = &errStatus
	dbStart := time.Now()
	if err := e.store.AppendTransmissionLogs(ctx, []metadatastore.TransmissionLog{logEntry}, state.DeviceID, update); err != nil {
		e.logger.DispatchFailed(state.DeviceID, "append transmission log failed", err)
	}
	e.reporter.RecordDBQuery("append_transmission_logs", time.Since(dbStart).Seconds())
	return state.CurrentRowIndex, pubErr
}

// publishWithRetry sends one payload, making up to state.MaxRetries attempts
// in total (a single attempt if RetryOnError is false) with exponential backoff capped at
// cfg.RetryBackoffCap (spec.md §4.7 step 11). It prefers a pooled handle
// and falls back to a one-off dial when the pool can't supply one.
func (e *Engine) publishWithRetry(ctx context.Context, a adapter.Adapter, config map[string]any, topic string, body []byte, state device.RuntimeState) (adapter.PublishResult, int, error) {
	attempts := 1
	if state.RetryOnError && state.MaxRetries > 1 {
		attempts = state.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt, e.cfg.RetryBaseDelay, e.cfg.RetryBackoffCap)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return adapter.PublishResult{}, attempt, ctx.Err()
			}
		}

		result, err := e.publishOnce(ctx, a, state.ConnectionID, config, topic, body)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		if pubErr, ok := err.(*adapter.PublishError); ok {
			switch pubErr.Category {
			case adapter.CategoryAuth, adapter.CategoryConfig, adapter.CategoryRemoteRejected:
				return adapter.PublishResult{}, attempt + 1, err // not worth retrying
			}
		}
	}
	return adapter.PublishResult{}, attempts, lastErr
}

func (e *Engine) publishOnce(ctx context.Context, a adapter.Adapter, connectionID string, config map[string]any, topic string, body []byte) (adapter.PublishResult, error) {
	handle, release, err := e.connPool.Acquire(ctx, connectionID, config, e.factoryFor(a))
	if err != nil {
		// Pool couldn't supply a handle (e.g. dial failed): fall back to a
		// single, non-pooled publish attempt rather than failing outright.
		return a.Publish(ctx, config, topic, body)
	}
	defer release()
	return a.PublishPooled(ctx, handle, topic, body)
}

func (e *Engine) factoryFor(a adapter.Adapter) pool.Factory {
	return func(ctx context.Context, connectionID string, config map[string]any) (pool.Handle, error) {
		return a.Dial(ctx, connectionID, config)
	}
}

// pauseDevice implements spec.md §4.8's end-of-dataset pause: it marks the
// device idle and disabled in the store and drops its runtime state,
// without ever resetting current_row_index.
func (e *Engine) pauseDevice(ctx context.Context, deviceID string, rowIndex int) {
	idle := metadatastore.StatusIdle
	disabled := false
	update := metadatastore.DeviceUpdate{Status: &idle, TransmissionEnabled: &disabled}
	if err := e.store.AppendTransmissionLogs(ctx, nil, deviceID, update); err != nil {
		e.logger.DispatchFailed(deviceID, "pause update failed", err)
	}
	e.devices.Drop(deviceID)
	e.logger.DevicePaused(deviceID, rowIndex)
}

// topicFor resolves the publish target from connection config, per
// protocol (spec.md §4.7 step 8).
func topicFor(protocol metadatastore.Protocol, config map[string]any) string {
	switch protocol {
	case metadatastore.ProtocolMQTT:
		if v, ok := config["topic"].(string); ok && v != "" {
			return v
		}
		return "iot/data"
	case metadatastore.ProtocolKafka:
		if v, ok := config["topic"].(string); ok && v != "" {
			return v
		}
		return "iot.data"
	default: // http, https
		if v, ok := config["endpoint_url"].(string); ok && v != "" {
			return v
		}
		return ""
	}
}

func backoffDelay(attempt int, base, backoffCap time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base << uint(attempt-1)
	if backoffCap > 0 && delay > backoffCap {
		return backoffCap
	}
	return delay
}

// errCode resolves the canonical, spec-mandated error_code string reported
// in transmission log metadata (spec.md §4.5/§7). Errors that never went
// through an adapter (pool/store/context failures) report
// UNEXPECTED_ERROR, the taxonomy's catch-all.
func errCode(err error) adapter.ErrorCode {
	if pubErr, ok := err.(*adapter.PublishError); ok && pubErr.Code != "" {
		return pubErr.Code
	}
	return adapter.ErrorCodeUnexpectedError
}
