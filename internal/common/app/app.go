package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gridwms/wms/internal/common/wmscontext"
)

// CreateContextWithShutdown returns a context that is cancelled when SIGINT or SIGTERM is received.
func CreateContextWithShutdown() *wmscontext.Context {
	ctx, cancel := wmscontext.WithCancel(wmscontext.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-c:
			ctx.Log.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()
	return ctx
}
