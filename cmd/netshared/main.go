// Command netshared runs a NetShare node: UDP peer discovery, the TCP
// session server, and the local share registry, wired together from
// persisted settings.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/netshare/netshare-node/internal/config"
	"github.com/netshare/netshare-node/internal/discovery"
	"github.com/netshare/netshare-node/internal/logging"
	"github.com/netshare/netshare-node/internal/metrics"
	"github.com/netshare/netshare-node/internal/netutil"
	"github.com/netshare/netshare-node/internal/peers"
	"github.com/netshare/netshare-node/internal/server"
	"github.com/netshare/netshare-node/internal/shares"
	"github.com/netshare/netshare-node/internal/transfer"
	"github.com/netshare/netshare-node/internal/wireproto"
)

func main() {
	var (
		discoveryPort = flag.Int("discovery-port", 0, "UDP discovery port (0 = use settings file)")
		tcpPort       = flag.Int("tcp-port", 0, "TCP control/transfer port (0 = use settings file)")
		openMode      = flag.Bool("open", false, "force open-mode auth regardless of settings file")
		enableHashReq = flag.Bool("enable-hash-req", false, "dispatch the reserved HASH_REQ range-hash operation")
		metricsAddr   = flag.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	)
	flag.Parse()

	log.Printf("starting netshare node")

	cfgMgr := config.NewManager()
	settings, err := cfgMgr.Load()
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}
	if *discoveryPort != 0 {
		settings.DiscoveryPort = *discoveryPort
	}
	if *tcpPort != 0 {
		settings.TCPPort = *tcpPort
	}
	if *openMode {
		settings.OpenMode = true
	}
	if err := cfgMgr.Save(settings); err != nil {
		log.Printf("warning: failed to persist settings: %v", err)
	}

	logger, err := logging.NewHub(settings.DeviceID)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	coll := metrics.NewCollector()
	if *metricsAddr != "" {
		if err := coll.Register(prometheus.DefaultRegisterer); err != nil {
			log.Fatalf("failed to register metrics: %v", err)
		}
		go serveMetrics(*metricsAddr, logger)
	}

	shareRegistry := shares.NewRegistry()
	shareRegistry.SetMetrics(coll)
	for _, p := range settings.Shares {
		if _, err := shareRegistry.Add(p.LocalPath, p.ReadOnly, p.ShareID, p.Name); err != nil {
			logger.Warn("main", "failed to restore share %s (%s): %v", p.ShareID, p.LocalPath, err)
		}
	}

	hashes, err := transfer.NewHashCache(64)
	if err != nil {
		log.Fatalf("failed to build hash cache: %v", err)
	}

	peerDir := peers.NewDirectory(settings.DeviceID)
	peerDir.SetMetrics(coll)

	tracker := transfer.NewTracker()

	srv := server.NewServer(server.Policy{
		ProtocolVersion: wireproto.ProtocolVersion,
		ServerDeviceID:  settings.DeviceID,
		OpenMode:        settings.OpenMode,
		SharedKey:       settings.SharedKey,
		EnableHashReq:   *enableHashReq,
	}, shareRegistry, hashes, logger, coll)
	srv.Tracker = tracker

	tcpAddr := addrFor(settings.TCPPort)
	if err := netutil.WaitForTCPPort(tcpAddr, 3*time.Second); err != nil {
		log.Fatalf("tcp :%d unavailable: %v", settings.TCPPort, err)
	}
	ln, err := server.Listen(tcpAddr)
	if err != nil {
		log.Fatalf("failed to listen on tcp :%d: %v", settings.TCPPort, err)
	}
	log.Printf("session server listening on tcp :%d", settings.TCPPort)

	go func() {
		if err := srv.Serve(ln); err != nil {
			logger.Warn("main", "session server stopped: %v", err)
		}
	}()

	disco := discovery.NewService(discovery.Identity{
		DeviceID:      settings.DeviceID,
		DeviceName:    settings.DeviceName,
		TCPPort:       settings.TCPPort,
		DiscoveryPort: settings.DiscoveryPort,
		Capability: wireproto.Capability{
			AuthModes: []string{"open", "psk-hmac-sha256"},
			Resume:    true,
			HashReq:   *enableHashReq,
		},
	}, peerDir, logger, netutil.BroadcastAddressForInterface(settings.PreferredAdapter))
	disco.RespondToQueries = true

	ctx, cancel := signalContext()
	defer cancel()

	if err := disco.Start(ctx); err != nil {
		log.Fatalf("failed to start discovery: %v", err)
	}
	disco.Query()

	log.Printf("node %s (%s) running; press Ctrl+C to stop", settings.DeviceID, settings.DeviceName)
	<-ctx.Done()

	log.Printf("shutting down")
	shutdownErr := multierr.Combine(disco.Stop(), ln.Close())
	if shutdownErr != nil {
		log.Printf("shutdown completed with errors: %v", shutdownErr)
	} else {
		log.Printf("shutdown complete")
	}
}

// signalContext returns a context canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func addrFor(port int) string {
	return ":" + strconv.Itoa(port)
}

func serveMetrics(addr string, logger *logging.Hub) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("main", "serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("main", "metrics server stopped", err)
	}
}
