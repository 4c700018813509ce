package cwmp

import (
	"maps"
	"math"
	"slices"

	"github.com/cuemby/acs/pkg/events"
	"github.com/cuemby/acs/pkg/log"
	"github.com/cuemby/acs/pkg/types"
)

// RecordFault attributes fault to every channel. A channel that already
// carries a fault has its retry count bumped. When several channels fault
// together each first-time fault is marked for immediate retry, since the
// cause may belong to only one of them.
func (e *Engine) RecordFault(sc *types.SessionContext, fault *types.Fault, provisions [][]any, channels map[string]types.ProvisionSet) error {
	if len(channels) == 0 {
		return ErrNoChannel
	}
	sessionLogger := log.WithSessionID(sc.DeviceID, sc.SessionID)
	shared := len(channels) > 1

	for _, channel := range slices.Sorted(maps.Keys(channels)) {
		f := *fault
		f.Provisions = channels[channel].Select(provisions)
		f.RetryNow = false
		if prev, ok := sc.Faults[channel]; ok {
			f.Retries = prev.Retries + 1
		} else {
			f.Retries = 0
			f.RetryNow = shared
		}
		if task := findTask(sc, channel); task != nil {
			f.Expiry = task.Expiry
		}
		sc.Faults[channel] = &f
		sc.FaultsTouched[channel] = true

		logger := log.WithChannel(sessionLogger, channel)
		logger.Warn().
			Str("code", f.Code).
			Int("retries", f.Retries).
			Msg(f.Message)
		e.broker.Publish(events.NewEvent(events.EventFaultRecorded, sc.DeviceID, sc.SessionID, f.Message).
			With("channel", channel).
			With("code", f.Code))
	}
	return nil
}

// clearFault removes the fault of a channel that completed
func (e *Engine) clearFault(sc *types.SessionContext, channel string) {
	if _, ok := sc.Faults[channel]; !ok {
		return
	}
	delete(sc.Faults, channel)
	sc.FaultsTouched[channel] = true
	logger := log.WithChannel(log.WithSessionID(sc.DeviceID, sc.SessionID), channel)
	logger.Info().Msg("Fault cleared")
	e.broker.Publish(events.NewEvent(events.EventFaultCleared, sc.DeviceID, sc.SessionID, "fault cleared").
		With("channel", channel))
}

// RetryDeadline is the session time after which a faulted channel may be
// retried
func RetryDeadline(f *types.Fault, retryDelay int64) int64 {
	if f.RetryNow {
		return f.Timestamp
	}
	backoff := float64(retryDelay) * math.Pow(2, float64(f.Retries)) * 1000
	if backoff > math.MaxInt64/2 {
		return math.MaxInt64
	}
	return f.Timestamp + int64(backoff)
}

// whitelist picks the faulted channel with the earliest elapsed retry
// deadline. Channels that faulted in this session are not retried again.
func whitelist(sc *types.SessionContext, retryDelay int64) string {
	best := ""
	var bestDeadline int64
	for _, channel := range slices.Sorted(maps.Keys(sc.Faults)) {
		if sc.FaultsTouched[channel] {
			continue
		}
		deadline := RetryDeadline(sc.Faults[channel], retryDelay)
		if deadline > sc.Timestamp {
			continue
		}
		if best == "" || deadline < bestDeadline {
			best, bestDeadline = channel, deadline
		}
	}
	return best
}
