package transport

import (
	"crypto/tls"
	"io"
	"net"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/tor"

	"github.com/dlcd-io/dlcd/dlcerrors"
	"github.com/dlcd-io/dlcd/dlcwire"
)

// Config configures a Manager's listening and outbound-dialing behavior.
type Config struct {
	// ListenAddrs are the addresses the manager listens on for inbound
	// peer connections.
	ListenAddrs []string

	// TLSConfig, when non-nil, is used for both the listener and
	// outbound dials, matching lnd's self-signed-cert peer transport.
	TLSConfig *tls.Config

	// Net is the network abstraction dials and host lookups go through:
	// tor.ClearNet (the default when nil) or a tor.ProxyNet routing
	// through a SOCKS endpoint.
	Net tor.Net

	// NodeKey, when non-nil, is this node's static identity key. Every
	// connection then starts with a cleartext 33-byte pubkey prelude from
	// the dialer/accepter, after which all frames are sealed under
	// session keys derived from the static-static ECDH of the two
	// identity keys (see sessionConn). With NodeKey nil, connections run
	// in cleartext and identity is inferred from the first message.
	NodeKey *btcec.PrivateKey

	// Handler receives every decoded message and disconnect
	// notification from every connected peer.
	Handler MessageHandler
}

// Manager is the central registry of connected peers, indexed by
// counterparty public key. It has no multi-hop forwarding or payment
// circuit concerns the way the teacher's htlc switch did — a DLC
// negotiation or channel is strictly between two parties, so a message
// addressed to a peer either goes out that peer's connection or fails.
type Manager struct {
	cfg Config

	mu    sync.RWMutex
	peers map[[33]byte]*Peer

	listeners []net.Listener

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a Manager with the given configuration.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:   cfg,
		peers: make(map[[33]byte]*Peer),
		quit:  make(chan struct{}),
	}
}

// SetHandler installs the MessageHandler used for every subsequently
// accepted or dialed peer, letting a caller break the construction cycle
// between a transport Manager and a handler (such as contractmgr.Manager)
// that itself needs a reference to the Manager to send messages out.
func (m *Manager) SetHandler(h MessageHandler) {
	m.cfg.Handler = h
}

// Start opens every configured listener and begins accepting inbound
// connections.
func (m *Manager) Start() error {
	for _, addr := range m.cfg.ListenAddrs {
		var (
			l   net.Listener
			err error
		)
		if m.cfg.TLSConfig != nil {
			l, err = tls.Listen("tcp", addr, m.cfg.TLSConfig)
		} else {
			l, err = net.Listen("tcp", addr)
		}
		if err != nil {
			m.Stop()
			return dlcerrors.Wrap(dlcerrors.KindTransportError, err)
		}

		m.listeners = append(m.listeners, l)
		m.wg.Add(1)
		go m.acceptLoop(l)
	}

	return nil
}

// Stop closes every listener and every connected peer.
func (m *Manager) Stop() error {
	close(m.quit)
	for _, l := range m.listeners {
		l.Close()
	}

	m.mu.Lock()
	for _, p := range m.peers {
		p.Stop()
	}
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

func (m *Manager) acceptLoop(l net.Listener) {
	defer m.wg.Done()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-m.quit:
				return
			default:
				log.Errorf("accept failed on %v: %v", l.Addr(), err)
				return
			}
		}
		go m.handleInbound(conn)
	}
}

// handleInbound performs the identity handshake (spec.md leaves the exact
// authentication handshake to the transport; dlcd authenticates the
// counterparty by requiring the first frame be an Offer/Accept/OfferChannel
// carrying the sender's own funding public key, consistent with how the
// teacher's peer identity is only confirmed once the brontide handshake
// completes) then registers the peer.
func (m *Manager) handleInbound(conn net.Conn) {
	// With a node identity key configured, the dialer leads with its
	// static pubkey and every subsequent frame is AEAD-sealed; the
	// prelude is the authenticated identity, since only its owner can
	// produce frames under the derived keys.
	if m.cfg.NodeKey != nil {
		pub, sconn, err := m.acceptEncrypted(conn)
		if err != nil {
			log.Errorf("inbound session setup failed from %v: %v", conn.RemoteAddr(), err)
			conn.Close()
			return
		}
		if peer := m.register(sconn, pub); peer == nil {
			conn.Close()
		}
		return
	}

	msg, err := dlcwire.ReadMessage(conn)
	if err != nil {
		log.Errorf("inbound handshake failed from %v: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	pub, err := identityFromMessage(msg)
	if err != nil {
		log.Errorf("inbound handshake from %v carried no identity: %v",
			conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	peer := m.register(conn, pub)
	if peer == nil {
		conn.Close()
		return
	}

	peer.handler.HandleMessage(pub, msg)
}

// acceptEncrypted reads the dialer's pubkey prelude, replies with our own,
// and wraps conn in the derived session keys.
func (m *Manager) acceptEncrypted(conn net.Conn) (*btcec.PublicKey, net.Conn, error) {
	var prelude [33]byte
	if _, err := io.ReadFull(conn, prelude[:]); err != nil {
		return nil, nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}
	pub, err := btcec.ParsePubKey(prelude[:])
	if err != nil {
		return nil, nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}
	if _, err := conn.Write(m.cfg.NodeKey.PubKey().SerializeCompressed()); err != nil {
		return nil, nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}
	sconn, err := newSessionConn(conn, m.cfg.NodeKey, pub)
	if err != nil {
		return nil, nil, err
	}
	return pub, sconn, nil
}

// dialEncrypted sends our pubkey prelude, reads the accepter's, verifies it
// matches the expected counterparty, and wraps conn.
func (m *Manager) dialEncrypted(conn net.Conn, expected *btcec.PublicKey) (net.Conn, error) {
	if _, err := conn.Write(m.cfg.NodeKey.PubKey().SerializeCompressed()); err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}
	var prelude [33]byte
	if _, err := io.ReadFull(conn, prelude[:]); err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}
	pub, err := btcec.ParsePubKey(prelude[:])
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}
	if !pub.IsEqual(expected) {
		return nil, dlcerrors.New(dlcerrors.KindTransportError, "remote identity key does not match the expected counterparty")
	}
	return newSessionConn(conn, m.cfg.NodeKey, pub)
}

// identityFromMessage extracts the sender's static public key from the
// first message of a new connection.
func identityFromMessage(msg dlcwire.Message) (*btcec.PublicKey, error) {
	switch m := msg.(type) {
	case *dlcwire.Offer:
		return m.FundingPubKey, nil
	case *dlcwire.Accept:
		return m.FundingPubKey, nil
	case *dlcwire.OfferChannel:
		return m.ContractOffer.FundingPubKey, nil
	default:
		return nil, dlcerrors.New(dlcerrors.KindTransportError,
			"first message of a new connection must be an offer")
	}
}

// Connect dials addr and registers the resulting connection under pub. The
// dial goes through the configured tor.Net, so a SOCKS-proxied deployment
// never leaks the counterparty's clearnet address in a direct connection.
func (m *Manager) Connect(addr string, pub *btcec.PublicKey) (*Peer, error) {
	conn, err := m.dial(addr)
	if err != nil {
		return nil, dlcerrors.Wrap(dlcerrors.KindTransportError, err)
	}

	if m.cfg.NodeKey != nil {
		sconn, err := m.dialEncrypted(conn, pub)
		if err != nil {
			conn.Close()
			return nil, err
		}
		conn = sconn
	}

	peer := m.register(conn, pub)
	if peer == nil {
		conn.Close()
		return nil, dlcerrors.New(dlcerrors.KindTransportError, "already connected to peer")
	}
	return peer, nil
}

// dial opens the raw (optionally TLS) connection through the configured
// network abstraction.
func (m *Manager) dial(addr string) (net.Conn, error) {
	conn, err := m.net().Dial("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	if m.cfg.TLSConfig != nil {
		conn = tls.Client(conn, m.cfg.TLSConfig)
	}
	return conn, nil
}

func (m *Manager) register(conn net.Conn, pub *btcec.PublicKey) *Peer {
	var key [33]byte
	copy(key[:], pub.SerializeCompressed())

	m.mu.Lock()
	if _, exists := m.peers[key]; exists {
		m.mu.Unlock()
		return nil
	}
	peer := NewPeer(conn, pub, m.cfg.Handler)
	m.peers[key] = peer
	m.mu.Unlock()

	if err := peer.Start(); err != nil {
		log.Errorf("unable to start peer %v: %v", peer, err)
		m.unregister(key)
		return nil
	}

	// Drop the registry entry once the peer shuts down, so Peers lists only
	// live connections and the counterparty can connect again.
	go func() {
		<-peer.quit
		m.unregister(key)
	}()

	return peer
}

func (m *Manager) unregister(key [33]byte) {
	m.mu.Lock()
	delete(m.peers, key)
	m.mu.Unlock()
}

// SendTo queues msg for the peer identified by pub, returning an error if
// no connection to that peer is currently registered.
func (m *Manager) SendTo(pub *btcec.PublicKey, msg dlcwire.Message) error {
	var key [33]byte
	copy(key[:], pub.SerializeCompressed())

	m.mu.RLock()
	peer, ok := m.peers[key]
	m.mu.RUnlock()
	if !ok {
		return dlcerrors.New(dlcerrors.KindTransportError, "no connection to peer")
	}

	peer.QueueMessage(msg, nil)
	return nil
}

// Peers returns a snapshot of the currently connected peers.
func (m *Manager) Peers() []*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	return peers
}
