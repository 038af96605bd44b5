package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/zoro11031/winebasin/internal/common"
)

// Client talks to an elevated helper process. The helper is spawned on the
// first request and reused until Close, so one session costs at most one
// credential prompt.
type Client struct {
	// Elevate is the command prefix used to gain privileges, e.g. ["sudo"]
	Elevate []string
	// Executable is the winebasin binary the helper runs
	Executable string
	// Root is the data directory the helper is confined to
	Root string
	// Stderr receives the helper's diagnostics; defaults to os.Stderr
	Stderr io.Writer

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *json.Encoder
	dec    *json.Decoder
	nextID int
	dead   error
}

// NewClient returns a Client for the current executable
func NewClient(elevate []string, root string) (*Client, error) {
	if len(elevate) == 0 {
		return nil, fmt.Errorf("elevate command is empty")
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate winebasin executable: %w", err)
	}
	return &Client{Elevate: elevate, Executable: exe, Root: root}, nil
}

// Mount implements Broker
func (c *Client) Mount(ctx context.Context, req MountRequest) error {
	return c.roundTrip(ctx, Request{
		Op:     OpMount,
		Lower:  req.Lower,
		Upper:  req.Upper,
		Work:   req.Work,
		Target: req.Target,
	})
}

// Unmount implements Broker
func (c *Client) Unmount(ctx context.Context, target string) error {
	return c.roundTrip(ctx, Request{Op: OpUnmount, Target: target})
}

// Close shuts the helper down by closing its stdin and waits for it to exit
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil {
		return nil
	}
	c.stdin.Close()
	err := c.cmd.Wait()
	c.cmd = nil
	if c.dead != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("broker helper exited with error: %w", err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, req Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead != nil {
		return c.dead
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.cmd == nil {
		if err := c.start(ctx); err != nil {
			return err
		}
	}

	c.nextID++
	req.ID = c.nextID
	if err := c.enc.Encode(req); err != nil {
		return c.fail(fmt.Errorf("failed to send broker request: %w", err))
	}

	var resp Response
	if err := c.await(ctx, &resp); err != nil {
		return c.fail(fmt.Errorf("broker helper did not answer: %w", err))
	}
	if resp.ID != req.ID {
		return c.fail(fmt.Errorf("broker answered request %d, expected %d", resp.ID, req.ID))
	}
	return resp.Err()
}

// start spawns the helper and waits for its hello line. A helper that exits
// before saying hello was refused elevation.
func (c *Client) start(ctx context.Context) error {
	args := append(append([]string{}, c.Elevate[1:]...), c.Executable, "broker", "--root", c.Root)
	cmd := exec.Command(c.Elevate[0], args...)
	cmd.Stderr = c.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create broker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create broker stdout: %w", err)
	}

	log.Debug().Strs("argv", cmd.Args).Msg("starting broker helper")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: failed to start %s: %v", common.ErrPrivilegeDenied, c.Elevate[0], err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.enc = json.NewEncoder(stdin)
	c.dec = json.NewDecoder(bufio.NewReader(stdout))

	var hello Hello
	if err := c.await(ctx, &hello); err != nil {
		if ctx.Err() != nil {
			return c.fail(ctx.Err())
		}
		return c.fail(fmt.Errorf("%w: broker helper exited before becoming ready", common.ErrPrivilegeDenied))
	}
	if !hello.Ready || hello.EUID != 0 {
		return c.fail(fmt.Errorf("%w: broker helper is not running as root (euid %d)", common.ErrPrivilegeDenied, hello.EUID))
	}
	return nil
}

type decoded struct {
	err error
}

// await decodes one value from the helper, giving up when ctx is cancelled
func (c *Client) await(ctx context.Context, v any) error {
	done := make(chan decoded, 1)
	dec := c.dec
	go func() {
		done <- decoded{err: dec.Decode(v)}
	}()

	select {
	case d := <-done:
		if errors.Is(d.err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return d.err
	case <-ctx.Done():
		if c.cmd != nil && c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
		<-done
		return ctx.Err()
	}
}

// fail marks the helper unusable, reaps it and returns err. Later requests
// return the same error without respawning, so a refused elevation is never
// retried within a session.
func (c *Client) fail(err error) error {
	c.dead = err
	if c.cmd != nil {
		c.stdin.Close()
		if c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
		c.cmd.Wait()
		c.cmd = nil
	}
	return err
}
