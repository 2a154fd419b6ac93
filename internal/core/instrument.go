package core

import (
	"sort"
	"sync"
	"time"

	"github.com/vk/dgsplice/internal/dgerr"
	"github.com/vk/dgsplice/internal/variant"
)

// Instrumentation result formats accepted by StopInstrumentation.
const (
	TimingFull             = "timing"
	TimingSimple           = "simpleTiming"
	TimingSimpleNoExternal = "simpleTimingNoExternal"
	TimingRaw              = "raw"
)

// bindingSample is one binding execution seen while instrumenting.
// external is the part of elapsed spent in host callbacks.
type bindingSample struct {
	operator string
	elapsed  time.Duration
	external time.Duration
	ok       bool
}

type instrumentation struct {
	mu       sync.Mutex
	active   bool
	started  time.Time
	samples  []bindingSample
	external time.Duration
}

// StartInstrumentation starts collecting per-binding timing. Calling it
// while instrumentation runs restarts it.
func (c *Client) StartInstrumentation() error {
	if err := c.check("client.StartInstrumentation"); err != nil {
		return err
	}
	c.instr.mu.Lock()
	c.instr.active = true
	c.instr.started = time.Now()
	c.instr.samples = nil
	c.instr.external = 0
	c.instr.mu.Unlock()
	c.logger.Debug("Instrumentation started.")
	return nil
}

// StopInstrumentation stops collecting and returns the results in the
// given format:
//
//	timing                  {elapsedSeconds, operators: {name: {calls, failures, totalSeconds, maxSeconds, meanSeconds}}}
//	simpleTiming            {name: totalSeconds}
//	simpleTimingNoExternal  {name: totalSeconds without host callback time}
//	raw                     [{operator, seconds, externalSeconds, success}] in execution order
//
// Without a running instrumentation the result is Null.
func (c *Client) StopInstrumentation(resultType string) (variant.Variant, error) {
	const op = "client.StopInstrumentation"
	if err := c.check(op); err != nil {
		return variant.Variant{}, err
	}
	switch resultType {
	case TimingFull, TimingSimple, TimingSimpleNoExternal, TimingRaw:
	default:
		return variant.Variant{}, dgerr.New(dgerr.Unsupported, op, "unknown instrumentation result type '%s'", resultType)
	}

	c.instr.mu.Lock()
	active := c.instr.active
	started := c.instr.started
	samples := c.instr.samples
	c.instr.active = false
	c.instr.samples = nil
	c.instr.mu.Unlock()
	if !active {
		return variant.Variant{}, nil
	}
	c.logger.Debug("Instrumentation stopped.", "samples", len(samples), "format", resultType)

	switch resultType {
	case TimingRaw:
		return rawTiming(samples), nil
	case TimingSimple:
		return simpleTiming(samples, false), nil
	case TimingSimpleNoExternal:
		return simpleTiming(samples, true), nil
	}
	return fullTiming(time.Since(started), samples), nil
}

// instrumenting returns the host callback time seen so far, and false when
// instrumentation is off.
func (c *Client) instrumenting() (time.Duration, bool) {
	c.instr.mu.Lock()
	defer c.instr.mu.Unlock()
	return c.instr.external, c.instr.active
}

func (c *Client) recordExternal(d time.Duration) {
	c.instr.mu.Lock()
	if c.instr.active {
		c.instr.external += d
	}
	c.instr.mu.Unlock()
}

func (c *Client) recordSample(operator string, elapsed time.Duration, externalBefore time.Duration, err error) {
	c.instr.mu.Lock()
	defer c.instr.mu.Unlock()
	if !c.instr.active {
		return
	}
	external := c.instr.external - externalBefore
	if external < 0 || external > elapsed {
		external = 0
	}
	c.instr.samples = append(c.instr.samples, bindingSample{
		operator: operator,
		elapsed:  elapsed,
		external: external,
		ok:       err == nil,
	})
}

func rawTiming(samples []bindingSample) variant.Variant {
	out := variant.NewArray()
	for _, s := range samples {
		rec := variant.NewDict()
		putField(&rec, "operator", variant.NewString(s.operator))
		putField(&rec, "seconds", variant.NewFloat64(s.elapsed.Seconds()))
		putField(&rec, "externalSeconds", variant.NewFloat64(s.external.Seconds()))
		putField(&rec, "success", variant.NewBool(s.ok))
		_ = out.AppendTake(&rec)
	}
	return out
}

type operatorTiming struct {
	calls    int
	failures int
	total    time.Duration
	max      time.Duration
}

func aggregate(samples []bindingSample, withoutExternal bool) ([]string, map[string]*operatorTiming) {
	byOp := make(map[string]*operatorTiming)
	for _, s := range samples {
		t, ok := byOp[s.operator]
		if !ok {
			t = &operatorTiming{}
			byOp[s.operator] = t
		}
		d := s.elapsed
		if withoutExternal {
			d -= s.external
		}
		t.calls++
		if !s.ok {
			t.failures++
		}
		t.total += d
		if d > t.max {
			t.max = d
		}
	}
	names := make([]string, 0, len(byOp))
	for name := range byOp {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, byOp
}

func simpleTiming(samples []bindingSample, withoutExternal bool) variant.Variant {
	names, byOp := aggregate(samples, withoutExternal)
	out := variant.NewDict()
	for _, name := range names {
		putField(&out, name, variant.NewFloat64(byOp[name].total.Seconds()))
	}
	return out
}

func fullTiming(elapsed time.Duration, samples []bindingSample) variant.Variant {
	names, byOp := aggregate(samples, false)
	ops := variant.NewDict()
	for _, name := range names {
		t := byOp[name]
		rec := variant.NewDict()
		putField(&rec, "calls", variant.NewUInt64(uint64(t.calls)))
		putField(&rec, "failures", variant.NewUInt64(uint64(t.failures)))
		putField(&rec, "totalSeconds", variant.NewFloat64(t.total.Seconds()))
		putField(&rec, "maxSeconds", variant.NewFloat64(t.max.Seconds()))
		putField(&rec, "meanSeconds", variant.NewFloat64(t.total.Seconds()/float64(t.calls)))
		putField(&ops, name, rec)
	}
	out := variant.NewDict()
	putField(&out, "elapsedSeconds", variant.NewFloat64(elapsed.Seconds()))
	putField(&out, "operators", ops)
	return out
}
