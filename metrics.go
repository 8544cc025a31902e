// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package murmur

import "expvar"

// nodeMetrics record node activity counters.
type nodeMetrics struct {
	frameRecv    expvar.Int
	frameSent    expvar.Int
	frameDropped expvar.Int
	callIn       expvar.Int // number of inbound calls received
	callInErr    expvar.Int // number of inbound calls reporting an error
	callActive   expvar.Int // inbound
	callOut      expvar.Int // number of outbound calls initiated
	callOutErr   expvar.Int // number of outbound calls reporting an error
	attemptErr   expvar.Int // number of outbound attempts that failed
	callPending  expvar.Int // outbound
	eventIn      expvar.Int // number of events received from other peers
	eventOut     expvar.Int // number of event frames sent
	eventErr     expvar.Int // number of event handlers that failed

	emap *expvar.Map
}

func newNodeMetrics() *nodeMetrics {
	nm := &nodeMetrics{emap: new(expvar.Map)}
	nm.emap.Set("frames_received", &nm.frameRecv)
	nm.emap.Set("frames_sent", &nm.frameSent)
	nm.emap.Set("frames_dropped", &nm.frameDropped)
	nm.emap.Set("calls_in", &nm.callIn)
	nm.emap.Set("calls_in_failed", &nm.callInErr)
	nm.emap.Set("calls_active", &nm.callActive)
	nm.emap.Set("calls_out", &nm.callOut)
	nm.emap.Set("calls_out_failed", &nm.callOutErr)
	nm.emap.Set("call_attempts_failed", &nm.attemptErr)
	nm.emap.Set("calls_pending", &nm.callPending)
	nm.emap.Set("events_in", &nm.eventIn)
	nm.emap.Set("events_out", &nm.eventOut)
	nm.emap.Set("event_handler_failures", &nm.eventErr)
	return nm
}
