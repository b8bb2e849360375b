package main

import (
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	defaultConfigFilename = "dlcd.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "dlcd.log"
	defaultRPCPort        = 8575
	defaultPeerPort       = 9735
	defaultMetricsAddr    = "localhost:9090"
)

var (
	dlcdHomeDir       = btcutil.AppDataDir("dlcd", false)
	defaultConfigFile = filepath.Join(dlcdHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(dlcdHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(dlcdHomeDir, defaultLogDirname)
)

// neutrinoConfig mirrors the teacher's NeutrinoMode block, narrowed to the
// one backend dlcd's chain collaborator supports.
type neutrinoConfig struct {
	AddPeers     []string `long:"addpeer" description:"add a peer to connect with at startup"`
	ConnectPeers []string `long:"connect" description:"connect only to the specified peers at startup"`
}

// storageConfig selects and configures contractdb.Store's two backends.
type storageConfig struct {
	MetadataDriver    string `long:"metadata.driver" description:"metadata backend: postgres or sqlite" default:"sqlite"`
	MetadataDSN       string `long:"metadata.dsn" description:"metadata data source name"`
	BlobDBPath        string `long:"blobdb.path" description:"path to the bbolt blob store"`
	BlobEncryptionKey string `long:"blobdb.keyfile" description:"path to a 48-byte AEZ key sealing blobs at rest; blobs are stored in the clear if unset"`
	BlobKeyPrompt     bool   `long:"blobdb.promptkey" description:"prompt for a blob-encryption passphrase on startup instead of reading a key file"`
}

// oracleConfig points dlcd at the attestation oracle(s) it trusts. Multiple
// oracles may be configured; contracts name the one they depend on by
// public key.
type oracleConfig struct {
	Endpoints []string `long:"oracle" description:"base URL of a trusted oracle, may be given multiple times"`
}

// torConfig mirrors the teacher's Tor block: when active, every outbound
// peer dial is proxied through the given SOCKS endpoint and DNS queries go
// through Tor's resolver instead of the system one.
type torConfig struct {
	Active          bool   `long:"active" description:"proxy all outbound peer connections through Tor"`
	SOCKS           string `long:"socks" description:"host:port of Tor's SOCKS proxy" default:"localhost:9050"`
	DNS             string `long:"dns" description:"host:port of the DNS server reachable over Tor used for SRV queries" default:"soa.nodes.lightning.directory:53"`
	StreamIsolation bool   `long:"streamisolation" description:"use a distinct Tor circuit per connection"`
}

// config is dlcd's top-level configuration, assembled from the config file
// and command line by loadConfig, mirroring the teacher's flags-based
// config/ini loading.
type config struct {
	ConfigFile string `short:"C" long:"configfile" description:"path to configuration file"`
	DataDir    string `short:"d" long:"datadir" description:"directory to store data"`
	LogDir     string `long:"logdir" description:"directory to log output"`
	DebugLevel string `long:"debuglevel" description:"logging level for all subsystems"`

	PeerPort   int      `long:"peerport" description:"port to listen for peer connections"`
	ListenAddrs []string `long:"listen" description:"host:port to listen for peer connections; may be given multiple times"`

	RPCPort     int    `long:"rpcport" description:"port the local admin HTTP API listens on"`
	MetricsAddr string `long:"metricsaddr" description:"host:port the prometheus /metrics endpoint listens on"`

	NetworkName string `long:"network" description:"mainnet, testnet, regtest, or simnet" default:"testnet"`

	Profile string `long:"profile" description:"enable HTTP profiling on the given port"`

	NeutrinoMode neutrinoConfig `group:"Neutrino" namespace:"neutrino"`
	Storage      storageConfig  `group:"Storage" namespace:"storage"`
	Oracle       oracleConfig   `group:"Oracle" namespace:"oracle"`
	Tor          torConfig      `group:"Tor" namespace:"tor"`

	PeerTLS  bool     `long:"peertls" description:"wrap peer connections in TLS under a self-signed certificate generated on first start"`
	NAT      bool     `long:"nat" description:"attempt NAT traversal (UPnP, then NAT-PMP) to forward the peer listening port"`
	DNSSeeds []string `long:"dnsseed" description:"DNS seed queried at startup for candidate peer addresses; may be given multiple times"`

	FundingConfirmations int32 `long:"fundingconfs" description:"confirmations required before a Signed contract is treated as Confirmed"`
	RefundSafetyBlocks   int32 `long:"refundsafetyblocks" description:"blocks before refund_locktime by which a Signed contract's funding must confirm; past that point the contract is flagged as expired before funding"`
}

// defaultConfig returns a config populated with every default, the same
// shape loadConfig's flags.Parse then overrides from file and CLI.
func defaultConfig() config {
	return config{
		ConfigFile:  defaultConfigFile,
		DataDir:     defaultDataDir,
		LogDir:      defaultLogDir,
		DebugLevel:  defaultLogLevel,
		PeerPort:    defaultPeerPort,
		RPCPort:     defaultRPCPort,
		MetricsAddr: defaultMetricsAddr,
		NetworkName: "testnet",
		Storage: storageConfig{
			MetadataDriver: "sqlite",
		},
		FundingConfirmations: 6,
		RefundSafetyBlocks:   144,
	}
}

// loadConfig reads dlcd.conf (if present) then the command line, creating
// the data and log directories, and returns the fully resolved config.
func loadConfig() (*config, error) {
	cfg := defaultConfig()

	preCfg := cfg
	if _, err := flags.NewParser(&preCfg, flags.Default).Parse(); err != nil {
		return nil, err
	}
	if preCfg.ConfigFile != "" {
		cfg.ConfigFile = preCfg.ConfigFile
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if fileExists(cfg.ConfigFile) {
		if err := flags.NewIniParser(parser).ParseFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create data directory: %v", err)
	}
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create log directory: %v", err)
	}

	if cfg.Storage.BlobDBPath == "" {
		cfg.Storage.BlobDBPath = filepath.Join(cfg.DataDir, "blobs.db")
	}
	if cfg.Storage.MetadataDSN == "" && cfg.Storage.MetadataDriver == "sqlite" {
		cfg.Storage.MetadataDSN = filepath.Join(cfg.DataDir, "metadata.db")
	}
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = []string{fmt.Sprintf(":%d", cfg.PeerPort)}
	}

	if err := initLogRotator(cfg.LogDir); err != nil {
		return nil, err
	}
	if err := setLogLevels(cfg.DebugLevel); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// netParams resolves the configured network name to its chaincfg
// parameters, narrowed to the four networks dlcd supports (the teacher
// also carried a Litecoin branch; dropped per DESIGN.md, since a DLC's
// oracle/adaptor-signature scheme has no Litecoin-specific behavior worth
// a second chain parameter set).
func (c *config) netParams() (*chaincfg.Params, error) {
	switch c.NetworkName {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network: %v", c.NetworkName)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
