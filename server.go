package main

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/cert"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/tor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/net/netutil"
	"golang.org/x/term"

	"github.com/dlcd-io/dlcd/contractdb"
	"github.com/dlcd-io/dlcd/contractmgr"
	"github.com/dlcd-io/dlcd/oracle"
	"github.com/dlcd-io/dlcd/transport"
)

// maxAdminConns bounds concurrent admin API connections.
const maxAdminConns = 32

// server is dlcd's top-level runtime: the transport manager, the contract
// state machine, and the admin/metrics HTTP listeners, wired around the
// storage/wallet/chain/oracle collaborators newServer assembles.
//
// Grounded on the teacher's own server struct (newServer/Start/Stop wiring
// the brontide listener, funding manager, htlc switch and routing manager
// together): the same top-level construct-then-wire shape, narrowed to
// dlcd's own collaborators — transport.Manager and contractmgr.Manager —
// since a DLC negotiation has no payment routing, multi-hop forwarding, or
// invoice concept for the dropped htlcSwitch/routingMgr/fundingMgr/
// utxoNursery/rpcServer to serve; those are superseded here by
// contractmgr.Manager and the adminAPI HTTP surface respectively.
type server struct {
	cfg *config

	store     *contractdb.Store
	chain     *chainClient
	chainDone func()
	wallet    *walletController
	oracle    oracle.Client

	transport *transport.Manager
	contracts *contractmgr.Manager

	admin   *http.Server
	metrics *http.Server
	health  *healthcheck.Monitor

	nodeKey *btcec.PrivateKey
	netImpl tor.Net
	nat     transport.NATTraversal

	wg sync.WaitGroup
}

// newServer constructs every collaborator from cfg and wires them into a
// contractmgr.Manager and transport.Manager.
func newServer(cfg *config) (*server, error) {
	params, err := cfg.netParams()
	if err != nil {
		return nil, err
	}

	blobKey, err := resolveBlobKey(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve blob encryption key: %v", err)
	}
	store, err := contractdb.Open(contractdb.Config{
		MetadataDriver:    cfg.Storage.MetadataDriver,
		MetadataDSN:       cfg.Storage.MetadataDSN,
		BlobDBPath:        cfg.Storage.BlobDBPath,
		BlobEncryptionKey: blobKey,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open storage: %v", err)
	}

	chain, chainDone, err := newChainClient(cfg, params)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("unable to start chain client: %v", err)
	}

	seed, err := randomSeed()
	if err != nil {
		chainDone()
		store.Close()
		return nil, fmt.Errorf("unable to seed wallet: %v", err)
	}
	wallet, err := newWalletController(params, seed)
	if err != nil {
		chainDone()
		store.Close()
		return nil, fmt.Errorf("unable to start wallet controller: %v", err)
	}

	var oracleClient oracle.Client
	if len(cfg.Oracle.Endpoints) > 0 {
		oracleClient = newHTTPOracleClient(cfg.Oracle.Endpoints[0])
	}

	nodeKey, err := loadOrCreateNodeKey(filepath.Join(cfg.DataDir, "nodekey.bin"))
	if err != nil {
		chainDone()
		store.Close()
		return nil, fmt.Errorf("unable to load node identity key: %v", err)
	}

	var tlsConf *tls.Config
	if cfg.PeerTLS {
		tlsConf, err = peerTLSConfig(cfg.DataDir)
		if err != nil {
			chainDone()
			store.Close()
			return nil, fmt.Errorf("unable to set up peer TLS: %v", err)
		}
	}

	var netImpl tor.Net = &tor.ClearNet{}
	if cfg.Tor.Active {
		netImpl = &tor.ProxyNet{
			SOCKS:           cfg.Tor.SOCKS,
			DNS:             cfg.Tor.DNS,
			StreamIsolation: cfg.Tor.StreamIsolation,
		}
	}

	s := &server{
		cfg:       cfg,
		store:     store,
		chain:     chain,
		chainDone: chainDone,
		wallet:    wallet,
		oracle:    oracleClient,
		nodeKey:   nodeKey,
		netImpl:   netImpl,
	}

	s.transport = transport.NewManager(transport.Config{
		ListenAddrs: cfg.ListenAddrs,
		TLSConfig:   tlsConf,
		NodeKey:     nodeKey,
		Net:         netImpl,
	})

	eventHub := newContractEventHub()
	s.contracts = contractmgr.NewManager(contractmgr.Config{
		Wallet:               wallet,
		Storage:              store,
		Blockchain:           chain,
		Oracle:               oracleClient,
		Transport:            s.transport,
		FundingConfirmations: cfg.FundingConfirmations,
		RefundSafetyBlocks:   cfg.RefundSafetyBlocks,
		OnContractUpdate:     eventHub.broadcastContract,
	})

	// Manager already implements transport.MessageHandler directly; wire
	// it in now that both collaborators exist, breaking the construction
	// cycle between them.
	s.transport.SetHandler(s.contracts)

	s.admin = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.RPCPort),
		Handler: newAdminAPI(s.contracts, store, wallet, eventHub),
	}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metrics = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	s.health = newHealthMonitor(s)

	return s, nil
}

// Start launches every long-running collaborator: the transport manager's
// listeners, the contract manager's periodic_check loop, and the admin and
// metrics HTTP servers.
func (s *server) Start() error {
	if err := s.transport.Start(); err != nil {
		return fmt.Errorf("unable to start transport: %v", err)
	}
	if err := s.contracts.Start(); err != nil {
		return fmt.Errorf("unable to start contract manager: %v", err)
	}
	if s.health != nil {
		s.health.Start()
	}

	if s.cfg.NAT {
		s.setupNAT()
	}
	if len(s.cfg.DNSSeeds) > 0 {
		s.wg.Add(1)
		go s.bootstrapPeers()
	}

	// The admin API is a localhost control surface; cap its concurrent
	// connections so a runaway script can't starve the daemon of fds.
	adminListener, err := net.Listen("tcp", s.admin.Addr)
	if err != nil {
		return fmt.Errorf("unable to listen on admin API address: %v", err)
	}
	adminListener = netutil.LimitListener(adminListener, maxAdminConns)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.admin.Serve(adminListener); err != nil && err != http.ErrServerClosed {
			rpcsLog.Errorf("admin API stopped: %v", err)
		}
	}()

	if s.metrics != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				rpcsLog.Errorf("metrics listener stopped: %v", err)
			}
		}()
	}

	srvrLog.Infof("dlcd server started, listening on %v", s.cfg.ListenAddrs)
	return nil
}

// Stop tears every collaborator down in reverse order of Start, waiting for
// the background goroutines it launched to return.
func (s *server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.admin.Shutdown(ctx)
	if s.metrics != nil {
		s.metrics.Shutdown(ctx)
	}

	if s.health != nil {
		s.health.Stop()
	}
	if s.nat != nil {
		if err := s.nat.DeletePortMapping(uint16(s.cfg.PeerPort)); err != nil {
			srvrLog.Warnf("unable to remove NAT port mapping: %v", err)
		}
	}
	if err := s.contracts.Stop(); err != nil {
		srvrLog.Errorf("error stopping contract manager: %v", err)
	}
	if err := s.transport.Stop(); err != nil {
		srvrLog.Errorf("error stopping transport: %v", err)
	}
	s.chainDone()
	if err := s.store.Close(); err != nil {
		srvrLog.Errorf("error closing storage: %v", err)
	}

	s.wg.Wait()
	return nil
}

// WaitForShutdown blocks until every background goroutine Start launched
// has returned, mirroring the teacher's own WaitForShutdown.
func (s *server) WaitForShutdown() {
	s.wg.Wait()
}

// loadOrCreateNodeKey loads the node's static transport identity key,
// generating and persisting a fresh one on first start. This is a transport
// identity only, never a funding key; the Wallet collaborator owns those.
func loadOrCreateNodeKey(path string) (*btcec.PrivateKey, error) {
	if raw, err := os.ReadFile(path); err == nil {
		if len(raw) != 32 {
			return nil, fmt.Errorf("node key file %v is not 32 bytes", path)
		}
		priv, _ := btcec.PrivKeyFromBytes(raw)
		return priv, nil
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, priv.Serialize(), 0600); err != nil {
		return nil, err
	}
	return priv, nil
}

// peerTLSConfig loads (generating on first start) the self-signed
// certificate pair the peer listener presents, the same
// GenCertPair/LoadCert/TLSConfFromCert sequence the teacher runs for its
// gRPC listener, applied to the peer transport instead.
func peerTLSConfig(dataDir string) (*tls.Config, error) {
	certPath := filepath.Join(dataDir, "tls.cert")
	keyPath := filepath.Join(dataDir, "tls.key")

	if !fileExists(certPath) || !fileExists(keyPath) {
		certBytes, keyBytes, err := cert.GenCertPair(
			"dlcd autogenerated cert", nil, nil, false,
			cert.DefaultAutogenValidity,
		)
		if err != nil {
			return nil, err
		}
		if err := cert.WriteCertPair(certPath, keyPath, certBytes, keyBytes); err != nil {
			return nil, err
		}
	}

	certData, _, err := cert.LoadCert(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	tlsConf := cert.TLSConfFromCert(certData)
	// Peer identity is proven by the node-key session handshake, not the
	// self-signed certificate, which only provides wire privacy here.
	tlsConf.InsecureSkipVerify = true
	return tlsConf, nil
}

// setupNAT discovers a forwarding-capable gateway (UPnP first, NAT-PMP as
// fallback, the teacher's order) and maps the peer listening port.
func (s *server) setupNAT() {
	traversal, err := transport.DiscoverUPnP(context.Background())
	if err != nil {
		srvrLog.Debugf("no UPnP gateway found (%v), trying NAT-PMP", err)
		traversal, err = transport.DiscoverPMP()
	}
	if err != nil {
		srvrLog.Warnf("NAT traversal requested but no capable gateway found: %v", err)
		return
	}

	port := uint16(s.cfg.PeerPort)
	if err := traversal.AddPortMapping(port); err != nil {
		srvrLog.Warnf("unable to forward port %d via %v: %v", port, traversal.Name(), err)
		return
	}
	s.nat = traversal

	if ip, err := traversal.ExternalIP(); err == nil {
		srvrLog.Infof("NAT traversal via %v active, reachable at %v:%d",
			traversal.Name(), ip, port)
	}
}

// bootstrapPeers samples candidate peer addresses from the configured DNS
// seeds and surfaces them to the operator; connecting still requires the
// counterparty's identity key via the admin API.
func (s *server) bootstrapPeers() {
	defer s.wg.Done()

	bootstrapper := transport.NewDNSSeedBootstrapper(
		s.cfg.DNSSeeds, s.netImpl, s.cfg.Tor.DNS,
	)
	addrs, err := bootstrapper.SampleAddrs(8)
	if err != nil {
		srvrLog.Warnf("DNS seed bootstrap failed: %v", err)
		return
	}
	for _, addr := range addrs {
		srvrLog.Infof("DNS seed candidate peer address: %v", addr)
	}
}

// resolveBlobKey produces the 48-byte AEZ blob key: interactively from a
// passphrase when prompting is enabled, from the configured key file
// otherwise, or nil (blobs stored in the clear) with neither set.
func resolveBlobKey(cfg *storageConfig) ([]byte, error) {
	if cfg.BlobKeyPrompt {
		return promptBlobKey()
	}
	return readBlobKey(cfg.BlobEncryptionKey), nil
}

// promptBlobKey reads a passphrase without echo and stretches it through
// HKDF-SHA256 to aez's 48-byte key size.
func promptBlobKey() ([]byte, error) {
	fmt.Print("Blob encryption passphrase: ")
	passphrase, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return nil, err
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("empty passphrase")
	}

	key := make([]byte, 48)
	r := hkdf.New(sha256.New, passphrase, []byte("dlcd blob key"), nil)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// readBlobKey reads the AEZ key file path if set, returning nil (blobs
// stored in the clear) if the operator hasn't configured one.
func readBlobKey(keyfile string) []byte {
	if keyfile == "" {
		return nil
	}
	data, err := os.ReadFile(keyfile)
	if err != nil {
		ltndLog.Warnf("unable to read blob encryption key %v, storing blobs unencrypted: %v", keyfile, err)
		return nil
	}
	return data
}
