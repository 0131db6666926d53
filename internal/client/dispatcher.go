package client

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"seedgate/internal/queue"
)

// CommandKind names one mutating operation a client can queue.
type CommandKind string

const (
	CmdAddFile   CommandKind = "add-file"
	CmdAddMagnet CommandKind = "add-magnet"
	CmdPause     CommandKind = "pause"
	CmdResume    CommandKind = "resume"
	CmdRemove    CommandKind = "remove"
)

// Command is one queued mutation. Which fields matter depends on Kind:
// add-file carries File, add-magnet carries the InfoHash of a parked pending
// torrent, pause/resume/remove carry InfoHash, remove optionally RemoveData.
type Command struct {
	Kind       CommandKind
	InfoHash   string
	File       []byte
	RemoveData bool
}

// Caller is the slice of the connection the dispatcher needs.
type Caller interface {
	Call(ctx context.Context, op string, payload interface{}) (Response, error)
}

// Dispatcher serializes mutating commands per kind: each kind has its own
// FIFO queue with at most one command in flight, so pauses cannot overtake
// earlier pauses but can proceed independently of a slow add. A command that
// fails stays at the head of its queue for retry.
type Dispatcher struct {
	conn Caller
	log  *logrus.Logger

	mu     sync.Mutex
	queues map[CommandKind]*queue.FIFO[Command]
	busy   map[CommandKind]bool
}

func NewDispatcher(conn Caller, log *logrus.Logger) *Dispatcher {
	if log == nil {
		log = logrus.New()
	}
	return &Dispatcher{
		conn:   conn,
		log:    log,
		queues: make(map[CommandKind]*queue.FIFO[Command]),
		busy:   make(map[CommandKind]bool),
	}
}

// Enqueue appends cmd to its kind's queue and starts draining that queue if
// nothing is currently in flight for the kind.
func (d *Dispatcher) Enqueue(ctx context.Context, cmd Command) {
	d.mu.Lock()
	q, ok := d.queues[cmd.Kind]
	if !ok {
		q = queue.New[Command]()
		d.queues[cmd.Kind] = q
	}
	q.Enqueue(cmd)
	d.kickLocked(ctx, cmd.Kind)
	d.mu.Unlock()
}

// Retry resumes draining a kind whose head command previously failed.
func (d *Dispatcher) Retry(ctx context.Context, kind CommandKind) {
	d.mu.Lock()
	d.kickLocked(ctx, kind)
	d.mu.Unlock()
}

// PendingOf reports how many commands of a kind are still queued, including a
// failed head awaiting retry.
func (d *Dispatcher) PendingOf(kind CommandKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[kind]; ok {
		return q.Len()
	}
	return 0
}

func (d *Dispatcher) kickLocked(ctx context.Context, kind CommandKind) {
	if d.busy[kind] {
		return
	}
	if q, ok := d.queues[kind]; !ok || q.Len() == 0 {
		return
	}
	d.busy[kind] = true
	go d.drain(ctx, kind)
}

// drain sends queued commands of one kind in order. The head is dequeued only
// after the daemon acknowledges it; a failed head halts the queue until the
// next Enqueue or Retry for the kind.
func (d *Dispatcher) drain(ctx context.Context, kind CommandKind) {
	d.mu.Lock()
	q := d.queues[kind]
	d.mu.Unlock()

	var failed bool
	for {
		cmd, ok := q.Peek()
		if !ok {
			break
		}
		if err := d.send(ctx, cmd); err != nil {
			d.log.WithField("kind", string(kind)).Warnf("command failed, left at queue head: %v", err)
			failed = true
			break
		}
		q.Dequeue()
	}

	d.mu.Lock()
	d.busy[kind] = false
	// A command may have landed while the loop was winding down.
	if !failed {
		d.kickLocked(ctx, kind)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) send(ctx context.Context, cmd Command) error {
	var (
		op      string
		payload interface{}
	)
	switch cmd.Kind {
	case CmdAddFile:
		op = "add_file"
		payload = map[string][]byte{"file": cmd.File}
	case CmdAddMagnet:
		op = "add_magnet"
		payload = map[string]string{"action": "add", "info_hash": cmd.InfoHash}
	case CmdPause:
		op = "pause"
		payload = map[string]string{"info_hash": cmd.InfoHash}
	case CmdResume:
		op = "resume"
		payload = map[string]string{"info_hash": cmd.InfoHash}
	case CmdRemove:
		op = "remove"
		payload = map[string]interface{}{"info_hash": cmd.InfoHash, "remove_data": cmd.RemoveData}
	default:
		// Drop unknown kinds rather than wedge the queue.
		d.log.Warnf("unknown command kind %q dropped", cmd.Kind)
		return nil
	}

	resp, err := d.conn.Call(ctx, op, payload)
	if err != nil {
		return err
	}
	return resp.Err()
}
