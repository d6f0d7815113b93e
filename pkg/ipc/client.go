// oreon/defense · watchthelight <wtl>

package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

const (
	dialTimeout    = 5 * time.Second
	requestTimeout = 30 * time.Second
)

// Client talks to the daemon's control socket. It connects lazily on the
// first call and is safe for concurrent use.
type Client struct {
	socketPath string

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	nextID int
}

// NewClient creates a client for socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

func (c *Client) connect() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", c.socketPath, dialTimeout)
	if err != nil {
		return fmt.Errorf("connect to logband: %w", err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

func (c *Client) reset() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
}

// Call sends one command and waits for its response. A non-nil args is
// encoded as the request arguments.
func (c *Client) Call(command string, args any) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(); err != nil {
		return nil, err
	}

	c.nextID++
	req := Request{Version: ProtocolVersion, ID: strconv.Itoa(c.nextID), Command: command}
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal %s args: %w", command, err)
		}
		req.Args = data
	}

	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", command, err)
	}
	c.conn.SetDeadline(time.Now().Add(requestTimeout))
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		c.reset()
		return nil, fmt.Errorf("send %s: %w", command, err)
	}

	for {
		data, err := c.reader.ReadBytes('\n')
		if err != nil {
			c.reset()
			return nil, fmt.Errorf("read %s response: %w", command, err)
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.reset()
			return nil, fmt.Errorf("decode %s response: %w", command, err)
		}
		if resp.ID == req.ID || resp.ID == "" {
			return &resp, nil
		}
	}
}

func (c *Client) call(command string, args any, data any) error {
	resp, err := c.Call(command, args)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s: %s", command, resp.Error)
	}
	if data == nil {
		return nil
	}
	return resp.UnmarshalData(data)
}

// Ping checks that the daemon answers.
func (c *Client) Ping() error {
	var pong string
	if err := c.call(CmdPing, nil, &pong); err != nil {
		return err
	}
	if pong != "pong" {
		return fmt.Errorf("unexpected ping response: %q", pong)
	}
	return nil
}

// Status returns the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var status StatusResponse
	if err := c.call(CmdStatus, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Bans lists tracked offenders.
func (c *Client) Bans() ([]Ban, error) {
	var bans BansResponse
	if err := c.call(CmdBans, nil, &bans); err != nil {
		return nil, err
	}
	return bans.Bans, nil
}

// Unban lifts the ban of addr in the given trigger.
func (c *Client) Unban(trigger, addr string) error {
	return c.call(CmdUnban, UnbanArgs{Trigger: trigger, Addr: addr}, nil)
}

// Subscribe opens a dedicated connection and calls fn for every pushed
// event until ctx is done or the daemon closes the connection.
func (c *Client) Subscribe(ctx context.Context, fn func(Event)) error {
	conn, err := net.DialTimeout("unix", c.socketPath, dialTimeout)
	if err != nil {
		return fmt.Errorf("connect to logband: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	req, _ := json.Marshal(Request{Version: ProtocolVersion, ID: "subscribe", Command: CmdSubscribe})
	if _, err := conn.Write(append(req, '\n')); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if !resp.Success {
			return errors.New(resp.Error)
		}
		if resp.ID != EventID {
			continue
		}
		var ev Event
		if err := resp.UnmarshalData(&ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		fn(ev)
	}
}

// Close drops the connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	return nil
}
