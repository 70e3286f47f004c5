// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/creachadair/agentrpc"
	"github.com/creachadair/agentrpc/wire"
)

// Chain is a transport that sends each message through the first of its
// transports that can reach the destination. A transport that reports
// ErrUnknownAddress is skipped; any other error ends the attempt.
type Chain []agentrpc.Transport

// Send implements the agentrpc.Transport interface.
func (c Chain) Send(ctx context.Context, to wire.Address, payload []byte, tag string) error {
	for _, t := range c {
		err := t.Send(ctx, to, payload, tag)
		if !errors.Is(err, ErrUnknownAddress) {
			return err
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownAddress, to)
}
