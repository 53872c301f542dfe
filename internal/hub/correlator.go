package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mochi-link/mochi/internal/protocol"
)

// pendingSet tracks in-flight requests for one connection. Correlation is by
// frame id only; responses may arrive in any order.
type pendingSet struct {
	mu     sync.Mutex
	byID   map[string]*pendingRequest
	closed bool
}

type pendingRequest struct {
	op string
	ch chan requestResult
}

type requestResult struct {
	data json.RawMessage
	err  error
}

func newPendingSet() *pendingSet {
	return &pendingSet{byID: make(map[string]*pendingRequest)}
}

// add registers a pending request, refusing once the connection has started
// closing so no request can be orphaned after failAll ran.
func (p *pendingSet) add(id string, pr *pendingRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrConnectionClosed
	}
	p.byID[id] = pr
	return nil
}

// take removes and returns the pending entry for id, if any.
func (p *pendingSet) take(id string) *pendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr := p.byID[id]
	delete(p.byID, id)
	return pr
}

func (p *pendingSet) remove(id string) {
	p.mu.Lock()
	delete(p.byID, id)
	p.mu.Unlock()
}

// failAll rejects every outstanding request with err and refuses new ones.
func (p *pendingSet) failAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, pr := range p.byID {
		pr.resolve(requestResult{err: err})
		delete(p.byID, id)
	}
}

func (p *pendingSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// resolve delivers the result exactly once; the channel is buffered so the
// dispatcher never blocks on a caller that already gave up.
func (pr *pendingRequest) resolve(res requestResult) {
	select {
	case pr.ch <- res:
	default:
	}
}

// request sends one correlated request on this connection and waits for the
// response, a remote error, the timeout, caller cancellation, or teardown.
func (c *conn) request(ctx context.Context, op string, data any, timeout time.Duration) (json.RawMessage, error) {
	f, err := protocol.NewRequest(op, data)
	if err != nil {
		return nil, err
	}
	pr := &pendingRequest{op: op, ch: make(chan requestResult, 1)}
	if err := c.pending.add(f.ID, pr); err != nil {
		return nil, err
	}
	if err := c.enqueue(f); err != nil {
		c.pending.remove(f.ID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-pr.ch:
		if res.err != nil {
			return nil, fmt.Errorf("hub: request %s to %s: %w", op, c.serverID, res.err)
		}
		return res.data, nil
	case <-timer.C:
		c.pending.remove(f.ID)
		return nil, fmt.Errorf("hub: request %s to %s: %w", op, c.serverID, ErrRequestTimeout)
	case <-ctx.Done():
		c.pending.remove(f.ID)
		return nil, fmt.Errorf("hub: request %s to %s: %w", op, c.serverID, ctx.Err())
	case <-c.done:
		// failAll runs before done closes, so the precise reason
		// (shutting down vs connection closed) is already buffered.
		select {
		case res := <-pr.ch:
			if res.err != nil {
				return nil, fmt.Errorf("hub: request %s to %s: %w", op, c.serverID, res.err)
			}
			return res.data, nil
		default:
		}
		return nil, fmt.Errorf("hub: request %s to %s: %w", op, c.serverID, ErrConnectionClosed)
	}
}

// resolveResponse matches a response frame to its pending request. Late
// responses for timed-out requests are logged and dropped.
func (c *conn) resolveResponse(f *protocol.Frame) {
	pr := c.pending.take(f.ID)
	if pr == nil {
		c.logger.Debug("response with no pending request", "id", f.ID)
		return
	}
	pr.resolve(requestResult{data: f.Data})
}

// resolveError matches an error frame to its pending request, wrapping the
// payload as a RemoteError.
func (c *conn) resolveError(f *protocol.Frame) {
	if f.ID == "" {
		c.logger.Warn("connector error", "code", f.Error.Code, "message", f.Error.Message)
		return
	}
	pr := c.pending.take(f.ID)
	if pr == nil {
		c.logger.Debug("error with no pending request", "id", f.ID)
		return
	}
	pr.resolve(requestResult{err: &RemoteError{Code: f.Error.Code, Message: f.Error.Message}})
}
