package dlcwire

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/dlcd-io/dlcd/dlcerrors"
)

// maxFragmentPayload leaves room for Fragment's own header fields inside a
// MaxMessagePayload frame.
const maxFragmentPayload = MaxMessagePayload - 16

// reassemblyTimeout bounds how long a partial message's chunks are kept
// before being discarded, per spec.md §4.5's fragmentation note: a peer
// that never finishes sending a multi-frame message must not leak memory
// forever.
const reassemblyTimeout = 2 * time.Minute

// Fragment carries one chunk of a message too large to fit in a single
// MaxMessagePayload frame — a numeric contract's adaptor signature set
// routinely exceeds it. FragmentID groups chunks of the same logical
// message; Index/Count identify this chunk's position.
type Fragment struct {
	FragmentID uint64
	Index      uint16
	Count      uint16
	InnerType  MessageType
	Chunk      []byte
}

func (f *Fragment) MsgType() MessageType { return MsgFragment }

func (f *Fragment) Encode(w io.Writer) error {
	if err := writeUint64(w, f.FragmentID); err != nil {
		return err
	}
	if err := writeUint16(w, f.Index); err != nil {
		return err
	}
	if err := writeUint16(w, f.Count); err != nil {
		return err
	}
	if err := writeUint16(w, uint16(f.InnerType)); err != nil {
		return err
	}
	return writeVarBytes(w, f.Chunk)
}

func (f *Fragment) Decode(r io.Reader) error {
	var err error
	if f.FragmentID, err = readUint64(r); err != nil {
		return err
	}
	if f.Index, err = readUint16(r); err != nil {
		return err
	}
	if f.Count, err = readUint16(r); err != nil {
		return err
	}
	innerType, err := readUint16(r)
	if err != nil {
		return err
	}
	f.InnerType = MessageType(innerType)
	f.Chunk, err = readVarBytes(r, maxFragmentPayload)
	return err
}

// FragmentMessage splits msg's encoded form into a Fragment sequence if it
// exceeds maxFragmentPayload, and returns (nil, false) when fragmentation
// isn't needed (the caller should send msg directly).
func FragmentMessage(fragmentID uint64, msg Message) ([]*Fragment, bool, error) {
	var buf bytes.Buffer
	if err := msg.Encode(&buf); err != nil {
		return nil, false, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}
	payload := buf.Bytes()
	if len(payload) <= maxFragmentPayload {
		return nil, false, nil
	}

	count := (len(payload) + maxFragmentPayload - 1) / maxFragmentPayload
	fragments := make([]*Fragment, 0, count)
	for i := 0; i < count; i++ {
		start := i * maxFragmentPayload
		end := start + maxFragmentPayload
		if end > len(payload) {
			end = len(payload)
		}
		fragments = append(fragments, &Fragment{
			FragmentID: fragmentID,
			Index:      uint16(i),
			Count:      uint16(count),
			InnerType:  msg.MsgType(),
			Chunk:      payload[start:end],
		})
	}
	return fragments, true, nil
}

type partial struct {
	chunks    [][]byte
	have      int
	innerType MessageType
	deadline  time.Time
}

// Reassembler accumulates Fragment chunks keyed by FragmentID and produces
// the original Message once every chunk has arrived, discarding any partial
// message that's sat unfinished past reassemblyTimeout. Expiry reads an
// injectable clock so tests drive the timeout without sleeping.
type Reassembler struct {
	mu      sync.Mutex
	pending map[uint64]*partial
	clock   clock.Clock
}

// NewReassembler constructs an empty Reassembler on the wall clock.
func NewReassembler() *Reassembler {
	return NewReassemblerWithClock(clock.NewDefaultClock())
}

// NewReassemblerWithClock constructs an empty Reassembler reading c for its
// eviction deadlines.
func NewReassemblerWithClock(c clock.Clock) *Reassembler {
	return &Reassembler{
		pending: make(map[uint64]*partial),
		clock:   c,
	}
}

// Add ingests one Fragment, returning the fully reassembled Message once
// all of its chunks have arrived (nil otherwise).
func (re *Reassembler) Add(f *Fragment) (Message, error) {
	re.mu.Lock()
	defer re.mu.Unlock()

	re.evictExpiredLocked()

	p, ok := re.pending[f.FragmentID]
	if !ok {
		if f.Count == 0 {
			return nil, dlcerrors.New(dlcerrors.KindTransportError, "fragment with zero count")
		}
		p = &partial{
			chunks:    make([][]byte, f.Count),
			innerType: f.InnerType,
			deadline:  re.clock.Now().Add(reassemblyTimeout),
		}
		re.pending[f.FragmentID] = p
	}
	if int(f.Index) >= len(p.chunks) {
		return nil, dlcerrors.New(dlcerrors.KindTransportError, "fragment index out of range")
	}
	if p.chunks[f.Index] == nil {
		p.chunks[f.Index] = f.Chunk
		p.have++
	}
	if p.have < len(p.chunks) {
		return nil, nil
	}

	delete(re.pending, f.FragmentID)
	var full bytes.Buffer
	for _, c := range p.chunks {
		full.Write(c)
	}
	msg, err := makeEmptyMessage(p.innerType)
	if err != nil {
		return nil, err
	}
	if err := msg.Decode(&full); err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}
	return msg, nil
}

func (re *Reassembler) evictExpiredLocked() {
	now := re.clock.Now()
	for id, p := range re.pending {
		if now.After(p.deadline) {
			delete(re.pending, id)
		}
	}
}
