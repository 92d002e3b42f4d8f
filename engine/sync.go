package engine

import (
	"github.com/pithecene-io/sluice/clock"
	"github.com/pithecene-io/sluice/types"
)

// doSync timestamps buf and waits on the clock until it is due. It is
// called with the streaming and live locks held; the live lock is released
// while waiting. Buffers without a sync time, or engines without a clock,
// are not waited on and report clock.OK.
func (e *Engine) doSync(buf *types.Buffer) clock.Return {
	start := types.None
	if st, ok := e.source.(SyncTimer); ok {
		start, _ = st.SyncTimes(buf)
	}

	dts, pts := buf.DTS, buf.PTS
	timestamp := dts
	if timestamp == types.None {
		timestamp = pts
	}

	e.mu.Lock()
	if start == types.None && e.syncToClock && timestamp != types.None &&
		e.seg.Format == types.FormatTime {
		start = e.seg.ToRunningTime(timestamp)
	}

	live := e.live
	// A producer that reports sync times while live is pseudo-live: its
	// timestamps are shifted onto the clock's running time.
	pseudoLive := start != types.None && live
	first := e.latency == -1

	if timestamp != types.None && pseudoLive {
		latency := int64(0)
		if timestamp <= start {
			latency = start - timestamp
		}
		if !first && e.latency != latency {
			e.messages = append(e.messages, Message{Kind: MessageLatency, Latency: latency})
		}
		e.latency = latency
	} else if first {
		e.latency = 0
	}

	clk := e.clk
	if clk == nil {
		e.mu.Unlock()
		return clock.OK
	}
	baseTime := e.baseTime
	doTimestamp := e.doTimestamp
	segStart := e.seg.Start
	e.mu.Unlock()

	if first {
		runningTime := clk.Now() - baseTime
		tsOffset := int64(0)
		if pseudoLive && timestamp != types.None {
			tsOffset = runningTime - timestamp
		}
		e.mu.Lock()
		e.tsOffset = tsOffset
		e.mu.Unlock()

		if dts == types.None {
			switch {
			case doTimestamp:
				dts = runningTime
			case pts == types.None:
				dts = 0
				if segStart != types.None {
					dts = segStart
				}
			}
			buf.DTS = dts
		}
	} else if doTimestamp && dts == types.None {
		dts = clk.Now() - baseTime
		buf.DTS = dts
	}

	if pts == types.None {
		if !buf.HasFlag(types.BufferDeltaUnit) {
			pts = dts
		}
		buf.PTS = dts
	}

	if start == types.None {
		return clock.OK
	}

	if live {
		e.mu.Lock()
		tsOffset := e.tsOffset
		e.mu.Unlock()
		if pts != types.None {
			buf.PTS += tsOffset
		}
		if dts != types.None {
			buf.DTS += tsOffset
		}
		start += tsOffset
	}

	return e.waitClock(clk, start+baseTime)
}

// waitClock blocks on a single-shot wait at target with the live lock
// released. The wait is registered so flushing and SetPlaying can
// unschedule it.
func (e *Engine) waitClock(clk clock.Clock, target int64) clock.Return {
	if e.flushing {
		return clock.Unscheduled
	}

	w := clk.NewSingleShot(target)
	e.clockWait = w
	e.liveMu.Unlock()

	ret, jitter := w.Wait()

	e.liveMu.Lock()
	e.clockWait = nil

	e.collector.IncClockWait(ret.String())
	e.logDebug("clock wait done", map[string]any{
		"target": target,
		"result": ret.String(),
		"jitter": jitter,
	})
	return ret
}
