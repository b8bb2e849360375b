// Package transport manages the peer-to-peer connections dlcd uses to
// exchange dlcwire messages: one TCP (optionally TLS, optionally Tor)
// connection per counterparty, a read/write goroutine pair per connection
// backed by a concurrent outgoing queue, and a Manager that indexes
// connected peers by public key.
//
// Grounded on the teacher's peer.go: the same sendQueue/outgoingQueue
// backpressure split between a writeHandler and an unbounded queue in
// front of it, generalized from lnwire messages and HTLC channel
// multiplexing to dlcwire messages dispatched to a single MessageHandler
// per peer (a DLC has at most one active contract negotiation or channel
// per counterparty at a time, so there's no per-channel fan-out to
// maintain). The unbounded list.List the teacher hand-rolled for this is
// replaced with lnd/queue's ConcurrentQueue, which the same pack's later
// lnd versions use for exactly this purpose.
package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/queue"

	"github.com/dlcd-io/dlcd/dlcerrors"
	"github.com/dlcd-io/dlcd/dlcwire"
)

const (
	// outgoingQueueLen is the buffer size of the channel which houses
	// messages queued by subsystems outside the peer itself.
	outgoingQueueLen = 50

	// pingInterval is not referenced: a peer sends no keepalive frames,
	// so an idle connection carries no traffic.
	pingInterval = 30 * time.Second

	// writeTimeout bounds a single message write.
	writeTimeout = 10 * time.Second
)

// outgoingMsg pairs a message with an optional completion channel, used as
// a synchronization semaphore by callers that need to know the write
// landed before proceeding (e.g. before releasing a contract state lock).
type outgoingMsg struct {
	msg      dlcwire.Message
	sentChan chan struct{}
}

// MessageHandler is implemented by the subsystem that owns protocol
// semantics (contractmgr). The transport layer itself never interprets
// message contents beyond fragment reassembly.
type MessageHandler interface {
	HandleMessage(peer *btcec.PublicKey, msg dlcwire.Message)
	HandleDisconnect(peer *btcec.PublicKey)
}

// Peer wraps a single connection to a counterparty.
type Peer struct {
	framesSent     uint64
	framesReceived uint64

	connected  int32
	disconnect int32

	conn   net.Conn
	pubKey *btcec.PublicKey

	handler MessageHandler

	reassembler *dlcwire.Reassembler
	fragmentIDs uint64

	outgoingQueue *queue.ConcurrentQueue

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewPeer wraps conn, identified by the counterparty's static public key,
// dispatching decoded messages to handler.
func NewPeer(conn net.Conn, pubKey *btcec.PublicKey, handler MessageHandler) *Peer {
	return &Peer{
		conn:          conn,
		pubKey:        pubKey,
		handler:       handler,
		reassembler:   dlcwire.NewReassembler(),
		outgoingQueue: queue.NewConcurrentQueue(outgoingQueueLen),
		quit:          make(chan struct{}),
	}
}

// PubKey returns the counterparty's static public key.
func (p *Peer) PubKey() *btcec.PublicKey {
	return p.pubKey
}

// Addr returns the underlying connection's remote address.
func (p *Peer) Addr() net.Addr {
	return p.conn.RemoteAddr()
}

func (p *Peer) String() string {
	return fmt.Sprintf("%x@%v", p.pubKey.SerializeCompressed(), p.Addr())
}

// Start launches the peer's read, write and queue goroutines.
func (p *Peer) Start() error {
	if !atomic.CompareAndSwapInt32(&p.connected, 0, 1) {
		return dlcerrors.New(dlcerrors.KindTransportError, "peer already started")
	}

	log.Infof("Starting peer %v", p)

	p.outgoingQueue.Start()

	p.wg.Add(2)
	go p.writeHandler()
	go p.readHandler()

	return nil
}

// Stop signals every peer goroutine to exit and waits for them to finish.
func (p *Peer) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.disconnect, 0, 1) {
		return nil
	}

	log.Infof("Disconnecting peer %v", p)

	close(p.quit)
	p.conn.Close()
	p.outgoingQueue.Stop()
	p.wg.Wait()

	return nil
}

// QueueMessage queues msg for delivery. If doneChan is non-nil it is
// closed once the message has been written to the wire (or dropped
// because the peer disconnected). The queue is unbounded, so this never
// blocks the caller on the writeHandler catching up.
func (p *Peer) QueueMessage(msg dlcwire.Message, doneChan chan struct{}) {
	if atomic.LoadInt32(&p.disconnect) != 0 {
		if doneChan != nil {
			close(doneChan)
		}
		return
	}

	select {
	case p.outgoingQueue.ChanIn() <- outgoingMsg{msg, doneChan}:
	case <-p.quit:
		if doneChan != nil {
			close(doneChan)
		}
	}
}

func (p *Peer) writeHandler() {
	defer p.wg.Done()

	for {
		select {
		case elem := <-p.outgoingQueue.ChanOut():
			out := elem.(outgoingMsg)
			err := p.writeMessage(out.msg)
			if out.sentChan != nil {
				close(out.sentChan)
			}
			if err != nil {
				log.Errorf("unable to write message to %v: %v", p, err)
				go p.Stop()
				return
			}

		case <-p.quit:
			return
		}
	}
}

// writeMessage fragments msg if it exceeds a single frame, then writes
// each resulting frame to the wire in order.
func (p *Peer) writeMessage(msg dlcwire.Message) error {
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	fragmentID := atomic.AddUint64(&p.fragmentIDs, 1)
	fragments, wasFragmented, err := dlcwire.FragmentMessage(fragmentID, msg)
	if err != nil {
		return err
	}

	if !wasFragmented {
		if err := dlcwire.WriteMessage(p.conn, msg); err != nil {
			return err
		}
		atomic.AddUint64(&p.framesSent, 1)
		return nil
	}

	for _, frag := range fragments {
		if err := dlcwire.WriteMessage(p.conn, frag); err != nil {
			return err
		}
		atomic.AddUint64(&p.framesSent, 1)
	}
	return nil
}

// readHandler reads frames off the wire in series, reassembling
// fragmented messages before dispatching the complete message to the
// handler.
func (p *Peer) readHandler() {
	defer func() {
		p.wg.Done()
		go p.Stop()
		p.handler.HandleDisconnect(p.pubKey)
	}()

	for atomic.LoadInt32(&p.disconnect) == 0 {
		msg, err := dlcwire.ReadMessage(p.conn)
		if err != nil {
			log.Infof("unable to read message from %v: %v", p, err)
			return
		}
		atomic.AddUint64(&p.framesReceived, 1)

		if frag, ok := msg.(*dlcwire.Fragment); ok {
			complete, err := p.reassembler.Add(frag)
			if err != nil {
				log.Errorf("unable to reassemble fragment from %v: %v", p, err)
				continue
			}
			if complete == nil {
				continue
			}
			msg = complete
		}

		log.Tracef("Received %T from %v: %v", msg, p,
			newLogClosure(func() string { return spew.Sdump(msg) }))

		p.handler.HandleMessage(p.pubKey, msg)
	}
}
