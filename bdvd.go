// Copyright (c) 2016 The btcview developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"

	"github.com/btcsuite/btcd/rpcclient"

	"github.com/btcview/bdvd/chain"
	"github.com/btcview/bdvd/clients"
	"github.com/btcview/bdvd/rpc/bdvrpc"
)

var cfg *config

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := bdvdMain(); err != nil {
		os.Exit(1)
	}
}

// bdvdMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func bdvdMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	if cfg.Profile != "" {
		go func() {
			listenAddr := net.JoinHostPort("", cfg.Profile)
			log.Infof("Profile server listening on %s", listenAddr)
			profileRedirect := http.RedirectHandler("/debug/pprof",
				http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			log.Errorf("%v", http.ListenAndServe(listenAddr, nil))
		}()
	}

	// Read CA certs for the TLS connection with the consensus node.
	var certs []byte
	if !cfg.DisableClientTLS {
		certs, err = os.ReadFile(cfg.CAFile)
		if err != nil {
			log.Warnf("Cannot open CA file: %v", err)
			// If there's an error reading the CA file, continue
			// with nil certs and without the client connection.
			certs = nil
		}
	} else {
		log.Info("Client TLS is disabled")
	}

	// Create the blockchain engine backed by the btcd websocket RPC
	// interface.
	engine, err := chain.NewRPCEngine(&chain.RPCEngineConfig{
		Conn: &rpcclient.ConnConfig{
			Host:         cfg.RPCConnect,
			Endpoint:     "ws",
			User:         cfg.BtcdUsername,
			Pass:         cfg.BtcdPassword,
			Certificates: certs,
			DisableTLS:   cfg.DisableClientTLS,
		},
		Chain:             activeNet.Params,
		Node:              cfg.nodeConfig(),
		ReconnectAttempts: 3,
	})
	if err != nil {
		log.Errorf("Cannot create blockchain engine: %v", err)
		return err
	}
	if err := engine.Start(); err != nil {
		log.Errorf("Cannot connect to the consensus node at %s: %v",
			cfg.RPCConnect, err)
		return err
	}

	// Create the session registry and start the notification pipeline.
	// The shutdown callback lets a client-requested shutdown travel the
	// same path as an interrupt.
	registry, err := clients.New(&clients.Config{
		Engine:           engine,
		FanOutWorkers:    fanOutWorkers(engine.Config()),
		GCInterval:       cfg.GCInterval,
		ShutdownCallback: simulateInterrupt,
	})
	if err != nil {
		log.Errorf("Cannot create session registry: %v", err)
		engine.Stop()
		engine.WaitForShutdown()
		return err
	}

	// Open the request server listeners and begin serving clients.
	listeners, err := makeListeners(cfg.Listeners)
	if err != nil {
		log.Errorf("Cannot listen for connections: %v", err)
		registry.Shutdown()
		engine.Stop()
		engine.WaitForShutdown()
		return err
	}
	server := bdvrpc.NewServer(&bdvrpc.Options{
		Username:            cfg.Username,
		Password:            cfg.Password,
		MaxPOSTClients:      cfg.RPCMaxClients,
		MaxWebsocketClients: cfg.RPCMaxWebsockets,
		PollTimeout:         cfg.PollTimeout,
	}, registry, listeners)

	// Tear down when an interrupt arrives.  The registry goes first so
	// every session callback shuts down and releases any in-flight long
	// poll; only then can the request server join its handlers without
	// waiting out a poll timeout.  The node connection is dropped last.
	addInterruptHandler(func() {
		registry.Shutdown()
		server.Stop()
		engine.Stop()
		engine.WaitForShutdown()
	})

	<-interruptHandlersDone
	log.Info("Shutdown complete")
	return nil
}

// makeListeners opens a TCP listener for each of the normalized listen
// addresses.  Opening any listener fails the whole call.
func makeListeners(addrs []string) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return nil, err
		}
		listeners = append(listeners, listener)
	}
	return listeners, nil
}
