// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/creachadair/agentrpc"
	"github.com/creachadair/agentrpc/wire"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Header names used by the HTTP transport.
const (
	SenderHeader = "X-Agent-Sender"
	TagHeader    = "X-Agent-Tag"
)

// MaxBodyBytes is the largest message body the HTTP transport accepts.
const MaxBodyBytes = 4 << 20

// HTTPOptions are settings for an HTTP transport. A nil *HTTPOptions
// provides default values.
type HTTPOptions struct {
	// Client is used to send outbound messages. If nil, http.DefaultClient
	// is used.
	Client *http.Client

	// AllowedOrigins, if non-empty, enables CORS for the listed origins so
	// that browser-hosted agents can post messages.
	AllowedOrigins []string
}

// HTTP is a transport that exchanges messages as HTTP POST requests. An
// address is the URL of an agent's endpoint; sending a message posts the
// payload to that URL, with the sender address and tag in the SenderHeader
// and TagHeader headers.
//
// An HTTP transport can host several agents. Use Mount to attach a receiver
// for an agent name, and serve Handler to receive messages posted to
// /{agent}. Each agent sends with its own address, via Sender.
type HTTP struct {
	client  *http.Client
	origins []string

	μ      sync.Mutex
	agents map[string]agentrpc.Receiver
}

// NewHTTP constructs a new HTTP transport with no agents mounted.
func NewHTTP(opts *HTTPOptions) *HTTP {
	h := &HTTP{client: http.DefaultClient, agents: make(map[string]agentrpc.Receiver)}
	if opts != nil {
		if opts.Client != nil {
			h.client = opts.Client
		}
		h.origins = opts.AllowedOrigins
	}
	return h
}

// Mount attaches r to receive messages posted for the named agent.
// Passing a nil Receiver removes the agent.
func (h *HTTP) Mount(name string, r agentrpc.Receiver) *HTTP {
	h.μ.Lock()
	defer h.μ.Unlock()
	if r == nil {
		delete(h.agents, name)
	} else {
		h.agents[name] = r
	}
	return h
}

func (h *HTTP) agent(name string) (agentrpc.Receiver, bool) {
	h.μ.Lock()
	defer h.μ.Unlock()
	r, ok := h.agents[name]
	return r, ok
}

// Handler returns an HTTP handler that delivers messages posted to
// /{agent} to the receiver mounted for that agent. The message is processed
// before the handler replies 202 Accepted; any response to a request is sent
// separately, by a POST to the sender's address.
func (h *HTTP) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if len(h.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.origins,
			AllowedMethods: []string{"POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", SenderHeader, TagHeader},
		}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/{agent}", h.serveMessage)
	return r
}

func (h *HTTP) serveMessage(w http.ResponseWriter, r *http.Request) {
	recv, ok := h.agent(chi.URLParam(r, "agent"))
	if !ok {
		http.Error(w, "unknown agent", http.StatusNotFound)
		return
	}
	from := r.Header.Get(SenderHeader)
	if from == "" {
		http.Error(w, "missing "+SenderHeader, http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	recv.Receive(r.Context(), body, wire.Address(from), r.Header.Get(TagHeader))
	w.WriteHeader(http.StatusAccepted)
}

// Sender returns a transport that sends messages on behalf of the agent
// whose own address is self.
func (h *HTTP) Sender(self wire.Address) *HTTPSender {
	return &HTTPSender{self: self, client: h.client}
}

// HTTPSender sends messages from one agent over HTTP. It implements the
// agentrpc.Transport interface.
type HTTPSender struct {
	self   wire.Address
	client *http.Client
}

// Send implements the agentrpc.Transport interface.
func (s *HTTPSender) Send(ctx context.Context, to wire.Address, payload []byte, tag string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, string(to), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SenderHeader, string(s.self))
	if tag != "" {
		req.Header.Set(TagHeader, tag)
	}
	rsp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer rsp.Body.Close()
	io.Copy(io.Discard, rsp.Body)
	switch rsp.StatusCode {
	case http.StatusAccepted, http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %q", ErrUnknownAddress, to)
	default:
		return fmt.Errorf("post to %q: %s", to, rsp.Status)
	}
}
