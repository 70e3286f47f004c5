// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package agentrpc

import "expvar"

// pipeMetrics record pipeline activity counters.
type pipeMetrics struct {
	msgRecv     expvar.Int
	msgSent     expvar.Int
	msgStopped  expvar.Int // messages ended early by a stage
	msgDropped  expvar.Int // unmatched responses and unanswerable garbage
	parseErr    expvar.Int
	callIn      expvar.Int // number of inbound requests received
	callInErr   expvar.Int // number of inbound requests answered with an error
	notifyIn    expvar.Int // number of inbound notifications received
	callOut     expvar.Int // number of outbound calls initiated
	callOutErr  expvar.Int // number of outbound calls reporting an error
	callTimeout expvar.Int // number of outbound calls that timed out
	callPending expvar.Int // outbound

	emap *expvar.Map
}

func newPipeMetrics() *pipeMetrics {
	pm := &pipeMetrics{emap: new(expvar.Map)}
	pm.emap.Set("messages_received", &pm.msgRecv)
	pm.emap.Set("messages_sent", &pm.msgSent)
	pm.emap.Set("messages_stopped", &pm.msgStopped)
	pm.emap.Set("messages_dropped", &pm.msgDropped)
	pm.emap.Set("parse_errors", &pm.parseErr)
	pm.emap.Set("calls_in", &pm.callIn)
	pm.emap.Set("calls_in_failed", &pm.callInErr)
	pm.emap.Set("notifications_in", &pm.notifyIn)
	pm.emap.Set("calls_out", &pm.callOut)
	pm.emap.Set("calls_out_failed", &pm.callOutErr)
	pm.emap.Set("calls_timed_out", &pm.callTimeout)
	pm.emap.Set("calls_pending", &pm.callPending)
	return pm
}
