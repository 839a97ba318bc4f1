// Rendezvous — the standing discovery server for keyfwd.
//
// Servers announce their derived public keys here; clients address session
// offers to those keys. The rendezvous relays only the handshake — tunneled
// bytes flow peer to peer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"

	"github.com/ayane-k/keyfwd/internal/rendezvous"
	"github.com/ayane-k/keyfwd/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	listen := flag.String("listen", ":4600", "Listen address")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("keyfwd rendezvous — v%s", version))

	srv := &http.Server{
		Addr:    *listen,
		Handler: rendezvous.NewServer().Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	util.LogInfo("listening on %s", *listen)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			util.LogError("server error: %v", err)
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	util.LogInfo("rendezvous stopped")
}
