package astiplug

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Unix socket the writer listens on when the media transport is unidirectional
type backchannelListener struct {
	addr   string
	cancel context.CancelFunc
	ctx    context.Context
	l      net.Listener
}

func newBackchannelListener() (*backchannelListener, error) {
	// Create address
	addr := filepath.Join(os.TempDir(), "astiplug-"+uuid.NewString()+".sock")

	// Listen
	l, err := net.Listen("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("astiplug: listening on %s failed: %w", addr, err)
	}

	// Create listener
	bl := &backchannelListener{
		addr: addr,
		l:    l,
	}
	bl.ctx, bl.cancel = context.WithCancel(context.Background())
	return bl, nil
}

func (bl *backchannelListener) accept() (*Transport, error) {
	c, err := accept(bl.ctx, bl.l)
	if err != nil {
		return nil, fmt.Errorf("astiplug: accepting backchannel on %s failed: %w", bl.addr, err)
	}
	return NewConnTransport(c), nil
}

func (bl *backchannelListener) close() error {
	bl.cancel()
	if err := bl.l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("astiplug: closing backchannel listener failed: %w", err)
	}
	return nil
}

func dialBackchannel(ctx context.Context, addr string) (*Transport, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", addr)
	if err != nil {
		return nil, fmt.Errorf("astiplug: dialing backchannel %s failed: %w", addr, err)
	}
	return NewConnTransport(c), nil
}
