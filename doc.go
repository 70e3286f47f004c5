// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package agentrpc implements the core of a JSON-RPC 2.0 system for
// communicating agents.
//
// Agents exchange JSON-RPC messages over a message-oriented [Transport] that
// does not itself pair requests with replies. Each agent serves a root value
// whose methods are described by plain-data dispatch tables (see the dispatch
// package), and reaches other agents by address.
//
// # Pipelines
//
// The core type defined by this package is the [Pipeline]. A pipeline joins
// a root value to a transport through an ordered chain of interceptor
// [Stage] values:
//
//	p := agentrpc.New(&agentrpc.Options{
//	   Root:      myAgent,
//	   Registry:  reg,
//	   Transport: tr,
//	   Stages:    []agentrpc.Stage{stage.Log(logger), stage.Inbox(time.Minute)},
//	})
//
// Transports deliver inbound messages by calling [Pipeline.Receive]. Inbound
// messages visit the stages in order and then reach the terminal stage,
// which executes requests against the root and completes pending calls with
// responses. Outbound messages visit the stages in reverse order before they
// are handed to the transport.
//
// A stage can modify a message, replace it, or stop it. A stage may also
// defer a message with [Meta.Defer] and continue its traversal later with
// [Meta.Resume]; the stage package uses this to implement a single-threaded
// inbox.
//
// # Calls
//
// To call a method on another agent and wait for the result, use
// [Pipeline.Call]:
//
//	rsp, err := p.Call(ctx, "agent-b", "scheduler.schedule", map[string]any{
//	   "job": "nightly",
//	})
//	if err != nil {
//	   log.Fatalf("Call failed: %v", err)
//	}
//
// Errors returned by p.Call have concrete type [*agentrpc.CallError]. To call
// a method without blocking, use [Pipeline.Go] with a callback; the
// pending.Func helper decodes the result into a typed value. To send a
// notification, which has no response, use [Pipeline.Notify].
//
// # Callbacks
//
// A method serving an inbound request may call back to other agents. It can
// obtain the pipeline from its context with [ContextPipeline]:
//
//	func (a *Agent) Relay(ctx context.Context, to wire.Address) (string, error) {
//	    rsp, err := agentrpc.ContextPipeline(ctx).Call(ctx, to, "echo", map[string]string{
//	       "message": "hello",
//	    })
//	    ...
//	}
//
// # Service Description
//
// Every pipeline answers the built-in method [DescribeMethod] with a
// description of the methods the caller is permitted to use. Use
// [Pipeline.Describe] to fetch the description of another agent.
//
// # Metrics
//
// Pipelines maintain a collection of metrics. Use [Pipeline.Metrics] to
// obtain an [expvar.Map] containing:
//
//   - messages_received: counter of messages delivered by the transport
//   - messages_sent: counter of messages handed to the transport
//   - messages_stopped: counter of messages stopped by a stage
//   - messages_dropped: counter of unmatched responses and unanswerable garbage
//   - parse_errors: counter of inbound messages that could not be parsed
//   - calls_in: counter of inbound requests received
//   - calls_in_failed: counter of inbound requests answered with an error
//   - notifications_in: counter of inbound notifications received
//   - calls_out: counter of outbound calls initiated
//   - calls_out_failed: counter of outbound calls reporting an error
//   - calls_timed_out: counter of outbound calls that timed out
//   - calls_pending: gauge of outbound calls currently pending
package agentrpc
