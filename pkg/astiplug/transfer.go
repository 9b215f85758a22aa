package astiplug

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
)

type MediaSource interface {
	ReadPacket() (*Packet, error)
}

type MediaSink interface {
	PutPacket(p *Packet) error
}

// Implemented by sinks receiving messages from their consumer, e.g. *Writer
type Pinger interface {
	Ping() int
}

const (
	transferBufferSize = 16
	transferPingPeriod = backchannelTimeout
)

// Copies packets from src to dst until src returns io.EOF, an error occurs or ctx is done. Returns the
// number of packets copied. When dst is a Pinger, it is pinged periodically so that its consumer's
// commands are dispatched even when no packet flows.
func Transfer(ctx context.Context, src MediaSource, dst MediaSink) (n int, err error) {
	// Create group
	g, ctx := errgroup.WithContext(ctx)
	ch := make(chan *Packet, transferBufferSize)
	done := make(chan struct{})

	// Read
	g.Go(func() error {
		defer close(ch)
		for {
			// Read packet
			p, err := src.ReadPacket()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return fmt.Errorf("astiplug: reading packet failed: %w", err)
			}

			// Send
			select {
			case ch <- p:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	// Write
	g.Go(func() error {
		defer close(done)
		for p := range ch {
			if err := dst.PutPacket(p); err != nil {
				return fmt.Errorf("astiplug: putting packet failed: %w", err)
			}
			n++
		}
		return nil
	})

	// Ping
	if pr, ok := dst.(Pinger); ok {
		g.Go(func() error {
			t := time.NewTicker(transferPingPeriod)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-done:
					return nil
				case <-t.C:
					pr.Ping()
				}
			}
		})
	}

	// Wait
	err = g.Wait()
	return
}
