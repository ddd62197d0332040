package loom

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// defaultDataChannelCapacity bounds the per-request streaming buffer.
// When a consumer falls behind, the read loop blocks on this channel
// instead of dropping chunks; a silently dropped chunk corrupts a
// large-file read undetectably, so backpressure is mandatory here.
const defaultDataChannelCapacity = 64

// defaultWriteQueueCapacity bounds outgoing request lines.
const defaultWriteQueueCapacity = 64

// requestOutcome is the terminal resolution of one request.
type requestOutcome struct {
	result json.RawMessage
	err    error
}

// pendingRequest tracks one in-flight request.
type pendingRequest struct {
	dataCh   chan json.RawMessage
	resultCh chan requestOutcome
}

// ChannelOptions configures an AgentChannel.
type ChannelOptions struct {
	// DataChannelCapacity is the per-request streaming buffer size.
	// Lower values make backpressure engage sooner; zero means default.
	DataChannelCapacity int

	// ConsumerDelay is slept after each chunk in the internal drain loop
	// of RequestWithData. Zero in production; tests set it to provoke
	// backpressure deterministically.
	ConsumerDelay time.Duration

	// Logger receives protocol anomaly warnings. Nil means a quiet
	// stderr logger.
	Logger *log.Logger
}

// AgentChannel multiplexes request/response traffic with a remote agent
// over a line-delimited JSON transport. Multiple requests may be in
// flight; responses correlate by id. Streamed data chunks for a request
// are delivered in order through a bounded channel whose blocking send
// is the backpressure contract: the read loop stalls rather than drop.
type AgentChannel struct {
	writeCh chan []byte

	mu      sync.Mutex
	pending map[uint64]*pendingRequest

	nextID    atomic.Uint64
	connected atomic.Bool
	closeOnce sync.Once

	dataCapacity  int
	consumerDelay time.Duration
	logger        *log.Logger

	group *errgroup.Group
}

// NewAgentChannel starts the read and write loops over the given
// transport and returns a channel ready for requests. Closing the
// writer (or EOF on the reader) disconnects the channel and resolves
// every pending request with ErrChannelClosed.
func NewAgentChannel(reader io.Reader, writer io.WriteCloser, opts ChannelOptions) *AgentChannel {
	capacity := opts.DataChannelCapacity
	if capacity <= 0 {
		capacity = defaultDataChannelCapacity
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Level: log.WarnLevel})
	}

	ch := &AgentChannel{
		writeCh:       make(chan []byte, defaultWriteQueueCapacity),
		pending:       make(map[uint64]*pendingRequest),
		dataCapacity:  capacity,
		consumerDelay: opts.ConsumerDelay,
		logger:        logger,
		group:         &errgroup.Group{},
	}
	ch.connected.Store(true)
	ch.nextID.Store(0)

	ch.group.Go(func() error { return ch.writeLoop(writer) })
	ch.group.Go(func() error { return ch.readLoop(reader) })

	return ch
}

// IsConnected reports whether the transport is still up.
func (ch *AgentChannel) IsConnected() bool {
	return ch.connected.Load()
}

// Close tears down the transport side this channel owns and waits for
// the loops to finish.
func (ch *AgentChannel) Close() error {
	ch.closeOnce.Do(func() { close(ch.writeCh) })
	return ch.group.Wait()
}

func (ch *AgentChannel) writeLoop(writer io.WriteCloser) error {
	defer writer.Close()
	for line := range ch.writeCh {
		if _, err := writer.Write(line); err != nil {
			ch.connected.Store(false)
			return nil
		}
	}
	return nil
}

func (ch *AgentChannel) readLoop(reader io.Reader) error {
	scanner := bufio.NewScanner(reader)
	// Response lines carry base64 file chunks; allow generous lines.
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var resp agentResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			ch.logger.Warn("discarding malformed response line", "error", err)
			continue
		}
		ch.handleResponse(resp)
	}

	ch.connected.Store(false)
	ch.resolveAllPending()
	return nil
}

// handleResponse routes one incoming message. Streamed data is sent on
// the request's bounded channel without holding the pending-table mutex:
// the send may block on a slow consumer, and blocking there is exactly
// the backpressure the transport promises.
func (ch *AgentChannel) handleResponse(resp agentResponse) {
	if resp.Data != nil {
		ch.mu.Lock()
		req := ch.pending[resp.ID]
		ch.mu.Unlock()

		if req != nil {
			req.dataCh <- resp.Data
		} else {
			ch.logger.Warn("data for unknown request", "id", resp.ID)
		}
	}

	if !resp.isTerminal() {
		return
	}

	ch.mu.Lock()
	req := ch.pending[resp.ID]
	delete(ch.pending, resp.ID)
	ch.mu.Unlock()

	if req == nil {
		// A late response for a request we already resolved (for example
		// after a cancel). Indicates caller-side abandonment, not a
		// transport fault.
		ch.logger.Warn("terminal response for unknown request", "id", resp.ID)
		return
	}

	close(req.dataCh)
	if resp.Error != "" {
		req.resultCh <- requestOutcome{err: fmt.Errorf("%w: %s", ErrRemote, resp.Error)}
	} else {
		req.resultCh <- requestOutcome{result: resp.Result}
	}
}

// resolveAllPending fails every outstanding request exactly once after
// the transport disconnects.
func (ch *AgentChannel) resolveAllPending() {
	ch.mu.Lock()
	pending := ch.pending
	ch.pending = make(map[uint64]*pendingRequest)
	ch.mu.Unlock()

	for id, req := range pending {
		close(req.dataCh)
		select {
		case req.resultCh <- requestOutcome{err: ErrChannelClosed}:
		default:
			// Receiver already gone; callers should hold their result
			// channel until the operation completes.
			ch.logger.Warn("receiver dropped during disconnect cleanup", "id", id)
		}
	}
}

// requestStreaming sends a request and returns the raw data and result
// channels. The caller owns draining: the data channel must be consumed
// until closed or the read loop will stall on this request's buffer.
func (ch *AgentChannel) requestStreaming(method string, params any) (uint64, <-chan json.RawMessage, <-chan requestOutcome, error) {
	if !ch.IsConnected() {
		return 0, nil, nil, ErrChannelClosed
	}

	raw, err := marshalParams(params)
	if err != nil {
		return 0, nil, nil, err
	}

	id := ch.nextID.Add(1)
	req := &pendingRequest{
		dataCh:   make(chan json.RawMessage, ch.dataCapacity),
		resultCh: make(chan requestOutcome, 1),
	}

	ch.mu.Lock()
	ch.pending[id] = req
	ch.mu.Unlock()

	line, err := (agentRequest{ID: id, Method: method, Params: raw}).toJSONLine()
	if err != nil {
		ch.abandon(id)
		return 0, nil, nil, err
	}

	if err := ch.enqueue(line); err != nil {
		ch.abandon(id)
		return 0, nil, nil, err
	}

	return id, req.dataCh, req.resultCh, nil
}

func (ch *AgentChannel) enqueue(line []byte) (err error) {
	defer func() {
		// The write channel closes on Close(); treat a send on a closed
		// channel as a disconnect rather than a crash.
		if recover() != nil {
			err = ErrChannelClosed
		}
	}()
	ch.writeCh <- line
	return nil
}

func (ch *AgentChannel) abandon(id uint64) {
	ch.mu.Lock()
	delete(ch.pending, id)
	ch.mu.Unlock()
}

// Request sends a request, discards any streamed data, and returns the
// terminal result. It respects ctx for cancellation; the remote side is
// also told to cancel, best-effort.
func (ch *AgentChannel) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id, dataCh, resultCh, err := ch.requestStreaming(method, params)
	if err != nil {
		return nil, err
	}
	return ch.await(ctx, id, dataCh, resultCh, nil)
}

// RequestWithData sends a request and collects every streamed chunk in
// order along with the terminal result.
func (ch *AgentChannel) RequestWithData(ctx context.Context, method string, params any) ([]json.RawMessage, json.RawMessage, error) {
	id, dataCh, resultCh, err := ch.requestStreaming(method, params)
	if err != nil {
		return nil, nil, err
	}

	var chunks []json.RawMessage
	result, err := ch.await(ctx, id, dataCh, resultCh, func(chunk json.RawMessage) {
		chunks = append(chunks, chunk)
	})
	if err != nil {
		return nil, nil, err
	}
	return chunks, result, nil
}

// await drains the data channel (invoking onChunk for each message) and
// then waits for the terminal outcome. A started stream is always fully
// drained, even on ctx cancellation, so the read loop never stalls on an
// abandoned per-request buffer.
func (ch *AgentChannel) await(ctx context.Context, id uint64, dataCh <-chan json.RawMessage, resultCh <-chan requestOutcome, onChunk func(json.RawMessage)) (json.RawMessage, error) {
	done := ctx.Done()
	cancelled := false
	for {
		select {
		case chunk, ok := <-dataCh:
			if !ok {
				dataCh = nil
				continue
			}
			if !cancelled && onChunk != nil {
				onChunk(chunk)
			}
			if ch.consumerDelay > 0 {
				time.Sleep(ch.consumerDelay)
			}
		case outcome := <-resultCh:
			// Drain any chunks the read loop delivered before closing.
			if dataCh != nil {
				for chunk := range dataCh {
					if !cancelled && onChunk != nil {
						onChunk(chunk)
					}
				}
			}
			if cancelled {
				return nil, ErrRequestCancelled
			}
			return outcome.result, outcome.err
		case <-done:
			// Keep draining until the terminal message or disconnect; the
			// remote side does not guarantee it stops before completion.
			cancelled = true
			done = nil
			ch.Cancel(id)
		}
	}
}

// Cancel asks the agent to abort a request by id. Best-effort: the
// request may still complete, and callers must tolerate a late result.
func (ch *AgentChannel) Cancel(requestID uint64) {
	if !ch.IsConnected() {
		return
	}
	raw, err := marshalParams(cancelParams{RequestID: requestID})
	if err != nil {
		return
	}
	line, err := (agentRequest{ID: ch.nextID.Add(1), Method: "cancel", Params: raw}).toJSONLine()
	if err != nil {
		return
	}
	if err := ch.enqueue(line); err != nil {
		ch.logger.Warn("cancel not delivered", "request_id", requestID, "error", err)
	}
}
