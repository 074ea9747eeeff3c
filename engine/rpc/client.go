package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCallTimeout reports a call that exceeded its deadline. The response may
// still arrive later; callers must treat the transport as poisoned.
type ErrCallTimeout struct {
	Method  string
	Timeout time.Duration
}

func (e ErrCallTimeout) Error() string {
	return fmt.Sprintf("JSON-RPC call %q timed out after %v", e.Method, e.Timeout)
}

type callResult struct {
	msg Message
	err error
}

// Client drives one subprocess over its stdio. A background reader goroutine
// dispatches responses to per-request channels keyed by id, so concurrent
// Call invocations from different goroutines are safe. Note that the warm
// process pool still serialises callers per process: interleaved writes on
// one child's stdin would corrupt frame boundaries.
type Client struct {
	out io.Writer // child stdin
	in  *bufio.Reader

	writeMu sync.Mutex

	mu        sync.Mutex
	nextID    int64
	pending   map[int64]chan callResult
	readerErr error
}

// NewClient binds a client to the child's stdin (for writing) and stdout
// (for reading) and starts the reader goroutine.
func NewClient(stdin io.Writer, stdout io.Reader) *Client {
	c := &Client{
		out:     stdin,
		in:      bufio.NewReader(stdout),
		nextID:  1,
		pending: make(map[int64]chan callResult),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		msg, err := ReadMessage(c.in)
		if err != nil {
			if err != io.EOF {
				logrus.Errorf("rpc reader terminating: %v", err)
			}
			c.failAll(err)
			return
		}
		if msg.ID == nil {
			logrus.Warnf("ignoring rpc message without id")
			continue
		}
		c.mu.Lock()
		ch := c.pending[*msg.ID]
		c.mu.Unlock()
		if ch == nil {
			logrus.Warnf("no pending rpc call for id %d", *msg.ID)
			continue
		}
		ch <- callResult{msg: msg}
	}
}

// failAll pushes the reader failure to every pending call and marks the
// client broken for future callers.
func (c *Client) failAll(err error) {
	if err == io.EOF {
		err = fmt.Errorf("rpc stream closed: %w", io.ErrUnexpectedEOF)
	}
	c.mu.Lock()
	c.readerErr = err
	pending := c.pending
	c.pending = make(map[int64]chan callResult)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

// Call invokes a remote method and waits for its response. A zero timeout
// waits forever. The result is decoded into out when out is non-nil.
func (c *Client) Call(method string, params any, timeout time.Duration, out any) error {
	c.mu.Lock()
	if c.readerErr != nil {
		err := c.readerErr
		c.mu.Unlock()
		return err
	}
	id := c.nextID
	c.nextID++
	ch := make(chan callResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := Message{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	c.writeMu.Lock()
	err := WriteMessage(c.out, req)
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	var res callResult
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case res = <-ch:
		case <-timer.C:
			return ErrCallTimeout{Method: method, Timeout: timeout}
		}
	} else {
		res = <-ch
	}

	if res.err != nil {
		return res.err
	}
	if res.msg.Error != nil {
		return res.msg.Error
	}
	if out != nil {
		if err := json.Unmarshal(res.msg.Result, out); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}
