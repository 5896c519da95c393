// Package dispatch implements the parallel job dispatcher that drives N
// worker clients over a caller-supplied job source: at most one job
// in-flight per client, ready-order (not submission-order) completion,
// and error-per-job propagation that never halts the dispatcher.
package dispatch

import (
	"context"
	"reflect"
	"time"

	"github.com/cuemby/pgbackup/internal/log"
	"github.com/cuemby/pgbackup/internal/protocol"
)

// Job is one unit of work handed to a client. Key is opaque
// caller-correlation data; Param is the pack-encoded request parameter.
type Job struct {
	Key      string
	Param    []byte
	HasParam bool
}

// Result is a completed (or failed) Job, tagged with the client index
// and process id (clientIdx+1, per spec.md §4.6) that ran it.
type Result struct {
	Key       string
	ClientIdx int
	ProcessID int

	Data    []byte
	HasData bool

	ErrorCode    string
	ErrorMessage string
}

// NextFunc supplies the next Job for clientIdx, or ok=false if the
// source has no more work. Once it returns false for a given client the
// dispatcher never calls it again for that slot — the source is
// considered permanently exhausted for that worker (spec.md's bound of
// at most K+N next calls for K jobs and N clients).
type NextFunc func(clientIdx int) (Job, bool)

type slot struct {
	job    Job
	future *protocol.Future
}

// Dispatcher schedules Jobs across a fixed set of protocol clients.
type Dispatcher struct {
	clients     []*protocol.Client
	next        NextFunc
	reqType     protocol.RequestType
	pollTimeout time.Duration

	slots     []*slot // nil entry == that client is free
	exhausted []bool  // per-client: next() has told us there is no more work
	ready     []Result
}

// New builds a Dispatcher over clients, requesting reqType on each
// submitted Job. pollTimeout bounds how long Process waits for at least
// one client to become ready.
func New(clients []*protocol.Client, reqType protocol.RequestType, pollTimeout time.Duration, next NextFunc) *Dispatcher {
	return &Dispatcher{
		clients:     clients,
		next:        next,
		reqType:     reqType,
		pollTimeout: pollTimeout,
		slots:       make([]*slot, len(clients)),
		exhausted:   make([]bool, len(clients)),
	}
}

// fillFreeSlots calls next for every free, non-exhausted client and
// submits whatever jobs it returns.
func (d *Dispatcher) fillFreeSlots() error {
	for i := range d.clients {
		if d.slots[i] != nil || d.exhausted[i] {
			continue
		}
		job, ok := d.next(i)
		if !ok {
			d.exhausted[i] = true
			continue
		}
		future, err := d.clients[i].Submit(d.reqType, 0, false, job.Param, job.HasParam)
		if err != nil {
			d.ready = append(d.ready, Result{
				Key: job.Key, ClientIdx: i, ProcessID: i + 1,
				ErrorCode: "AccessError", ErrorMessage: err.Error(),
			})
			continue
		}
		d.slots[i] = &slot{job: job, future: future}
	}
	return nil
}

// Process polls every busy client for a response, up to pollTimeout. Any
// client that answers has its job completed and its slot refilled from
// NextFunc. Process returns promptly if no client is busy and the
// dispatcher is not yet Done — the caller is expected to loop
// Process/Result until Done reports true.
func (d *Dispatcher) Process(ctx context.Context) error {
	if err := d.fillFreeSlots(); err != nil {
		return err
	}

	busyIdx := make([]int, 0, len(d.clients))
	busyCases := make([]reflect.SelectCase, 0, len(d.clients))
	for i, s := range d.slots {
		if s == nil {
			continue
		}
		busyIdx = append(busyIdx, i)
		busyCases = append(busyCases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(s.future.Ready()),
		})
	}
	if len(busyIdx) == 0 {
		return nil
	}

	timeout := time.NewTimer(d.pollTimeout)
	defer timeout.Stop()
	timeoutCase := reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timeout.C)}

	// First wait: block until at least one client responds or the poll
	// timeout elapses.
	chosen, recv, _ := reflect.Select(append(append([]reflect.SelectCase{}, busyCases...), timeoutCase))
	if chosen == len(busyCases) {
		return nil // timeout: nothing became ready this round
	}
	d.completeSlot(busyIdx[chosen], recv.Interface().(protocol.CallResult))
	busyIdx = removeIdx(busyIdx, chosen)
	busyCases = removeCase(busyCases, chosen)

	// Drain any other clients that are already ready without blocking
	// again, so one Process call can yield several results per
	// spec.md §4.6 ("for each ready client").
	for len(busyCases) > 0 {
		withDefault := append(append([]reflect.SelectCase{}, busyCases...), reflect.SelectCase{Dir: reflect.SelectDefault})
		chosen, recv, _ := reflect.Select(withDefault)
		if chosen == len(busyCases) {
			break
		}
		d.completeSlot(busyIdx[chosen], recv.Interface().(protocol.CallResult))
		busyIdx = removeIdx(busyIdx, chosen)
		busyCases = removeCase(busyCases, chosen)
	}
	return nil
}

func removeCase(cases []reflect.SelectCase, i int) []reflect.SelectCase {
	out := make([]reflect.SelectCase, 0, len(cases)-1)
	out = append(out, cases[:i]...)
	out = append(out, cases[i+1:]...)
	return out
}

func removeIdx(idx []int, i int) []int {
	out := make([]int, 0, len(idx)-1)
	out = append(out, idx[:i]...)
	out = append(out, idx[i+1:]...)
	return out
}

func (d *Dispatcher) completeSlot(clientIdx int, cr protocol.CallResult) {
	s := d.slots[clientIdx]
	d.slots[clientIdx] = nil

	res := Result{Key: s.job.Key, ClientIdx: clientIdx, ProcessID: clientIdx + 1}
	switch {
	case cr.Err != nil:
		res.ErrorCode = "ProtocolError"
		res.ErrorMessage = cr.Err.Error()
	case cr.Resp.Type == protocol.ResponseError:
		res.ErrorCode = cr.Resp.ErrorCode
		res.ErrorMessage = cr.Resp.ErrorMessage
	default:
		res.Data = cr.Resp.Data
		res.HasData = cr.Resp.HasData
	}
	d.ready = append(d.ready, res)

	log.Logger.Debug().Str("component", "dispatch").Int("client", clientIdx).
		Str("key", s.job.Key).Bool("error", res.ErrorCode != "").Msg("job completed")
}

// Result returns the next completed job in ready order, or ok=false if
// none is currently available.
func (d *Dispatcher) Result() (Result, bool) {
	if len(d.ready) == 0 {
		return Result{}, false
	}
	r := d.ready[0]
	d.ready = d.ready[1:]
	return r, true
}

// Done reports whether every client is idle, the job source is
// exhausted on every client, and no completed results remain unread.
func (d *Dispatcher) Done() bool {
	if len(d.ready) != 0 {
		return false
	}
	for i := range d.clients {
		if d.slots[i] != nil {
			return false
		}
		if !d.exhausted[i] {
			return false
		}
	}
	return true
}

// Close cancels every in-flight job and closes every client, per
// spec.md §4.6 ("freeing the dispatcher cancels all in-flight sessions
// and closes clients").
func (d *Dispatcher) Close() error {
	for i, s := range d.slots {
		if s != nil {
			_ = d.clients[i].Cancel(0)
		}
	}
	var firstErr error
	for _, c := range d.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
