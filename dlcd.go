package main

import (
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"

	"github.com/coreos/go-systemd/daemon"
	flags "github.com/jessevdk/go-flags"
)

// dlcdMain is the true entry point for dlcd. Defers created here run when
// it returns, before main calls os.Exit on an error; defers in main itself
// would be skipped by that os.Exit.
//
// Grounded on the teacher's own lndMain: load config, open storage, build
// every collaborator, wire the server, start it, wait on a shutdown signal.
// Narrowed to dlcd's own collaborators — there is no channeldb, no btcd RPC
// notifier, no lnwallet.LightningWallet, and no gRPC/REST gateway pair to
// stand up, since newServer builds contractdb.Store, chainClient,
// walletController and the admin HTTP API directly.
func dlcdMain() error {
	loadedConfig, err := loadConfig()
	if err != nil {
		return err
	}
	ltndLog.Infof("Version %s", version())

	if loadedConfig.Profile != "" {
		go func() {
			listenAddr := net.JoinHostPort("", loadedConfig.Profile)
			profileRedirect := http.RedirectHandler("/debug/pprof", http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			fmt.Println(http.ListenAndServe(listenAddr, nil))
		}()
	}

	srv, err := newServer(loadedConfig)
	if err != nil {
		srvrLog.Errorf("unable to create server: %v", err)
		return err
	}
	if err := srv.Start(); err != nil {
		srvrLog.Errorf("unable to start server: %v", err)
		return err
	}

	addInterruptHandler(func() {
		ltndLog.Infof("gracefully shutting down the server...")
		srv.Stop()
		srv.WaitForShutdown()
	})

	ltndLog.Infof("dlcd started, admin API listening on port %d", loadedConfig.RPCPort)

	// Tell a supervising systemd unit (Type=notify) we're serving; a no-op
	// outside systemd.
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		srvrLog.Debugf("unable to notify systemd: %v", err)
	}

	<-shutdownChannel
	ltndLog.Info("Shutdown complete")
	return nil
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	if err := dlcdMain(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
