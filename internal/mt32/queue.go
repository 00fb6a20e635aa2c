package mt32

import "log/slog"

// Controllers ControllerSysExBase.. drive the SysEx queues. Each queue owns
// five consecutive numbers: three address bytes, data and final data.
const (
	ControllerSysExBase = 0x50
	SysExQueues         = 3
	SysExQueueSize      = 32

	controllersPerQueue = 5
)

const (
	cmdAddress1 = iota
	cmdAddress2
	cmdAddress3
	cmdData
	cmdFinalData
)

type sysExQueue struct {
	target uint32
	data   [SysExQueueSize]byte
	pos    int
}

// Assembler turns the SysEx controllers into addressed memory writes.
type Assembler struct {
	link   *Link
	log    *slog.Logger
	queues [SysExQueues]sysExQueue
}

func NewAssembler(link *Link, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{link: link, log: logger}
}

// IsSysExController reports whether controller belongs to a queue.
func IsSysExController(controller int) bool {
	return controller >= ControllerSysExBase && controller < ControllerSysExBase+SysExQueues*controllersPerQueue
}

// Control feeds one controller event to its queue. It reports false for
// controllers outside the queue range.
func (a *Assembler) Control(controller, value int) bool {
	if !IsSysExController(controller) {
		return false
	}
	n := controller - ControllerSysExBase
	q := &a.queues[n/controllersPerQueue]
	v := uint32(value & 0x7F)
	switch n % controllersPerQueue {
	case cmdAddress1:
		q.target = q.target&0x003FFF | v<<14
	case cmdAddress2:
		q.target = q.target&0x1FC07F | v<<7
	case cmdAddress3:
		q.target = q.target&0x1FFF80 | v
	case cmdData:
		q.data[q.pos] = byte(v)
		q.pos++
		if q.pos == SysExQueueSize {
			a.flush(q, q.pos)
		}
	case cmdFinalData:
		// the cursor stays put so the next final byte lands at the
		// following address
		q.data[q.pos] = byte(v)
		a.flush(q, q.pos+1)
	}
	return true
}

func (a *Assembler) flush(q *sysExQueue, n int) {
	if err := a.link.Write(q.target, q.data[:n]); err != nil {
		a.log.Warn("mt32: sysex queue flush failed", "err", err)
	}
	q.target = (q.target + uint32(n)) & AddressMask
	q.pos = 0
}

// Reset clears every queue's address and buffered data.
func (a *Assembler) Reset() {
	a.queues = [SysExQueues]sysExQueue{}
}
