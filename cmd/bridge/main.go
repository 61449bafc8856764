// Command bridge runs the voice device gateway: UDP audio ingress/egress, a
// per-session jitter buffer, an EchoKit WebSocket client pool, the Session
// Manager, the MQTT control plane, and the HTTP health/stats surface.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rapidaai/bridge/config"
	"github.com/rapidaai/bridge/internal/device"
	"github.com/rapidaai/bridge/internal/echokit"
	"github.com/rapidaai/bridge/internal/jitter"
	"github.com/rapidaai/bridge/internal/mqttctl"
	"github.com/rapidaai/bridge/internal/session"
	"github.com/rapidaai/bridge/internal/supervisor"
	"github.com/rapidaai/bridge/internal/udpio"
	"github.com/rapidaai/bridge/pkg/clock"
	"github.com/rapidaai/bridge/pkg/commons"
	"golang.org/x/sync/errgroup"
)

func main() {
	vConfig, err := config.InitConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg, err := config.GetApplicationConfig(vConfig)
	if err != nil {
		log.Fatalf("validate config: %v", err)
	}

	logger := commons.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	clk := clock.NewReal()
	devices := device.NewRegistry()
	devices.SetProvisionList(cfg.ProvisionedDevices())

	managerCfg := session.Config{
		MaxSessions: cfg.MaxSessions,
		Jitter: jitter.Config{
			WindowFrames: cfg.JitterBufferFrames,
			ReleaseDelay: cfg.JitterRelease(),
			IdleTimeout:  cfg.InactivityTimeout(),
		},
		EchoKit: echokit.Config{
			URL:              cfg.EchoKitWebsocketURL,
			EgressRingDepth:  cfg.EgressRingDepth,
			HandshakeTimeout: cfg.HandshakeTimeout(),
		},
		CooldownWindow: cfg.ReconnectCooldown(),
		DrainTimeout:   cfg.DrainTimeout(),
	}

	// Manager needs Egress, but Egress needs Ingress's socket, and Ingress
	// needs Manager as its Dispatcher: break the cycle by constructing
	// Ingress with a dispatcher handle that is filled in once Manager
	// exists, mirroring how the jitter buffer and EchoKit client are wired
	// inside Manager.OpenSession itself.
	dispatcherHandle := &dispatcherProxy{}
	ingress, err := udpio.NewIngress(cfg.UDPBindAddress, dispatcherHandle, logger)
	if err != nil {
		logger.Fatalf("bind udp socket at %s: %v", cfg.UDPBindAddress, err)
	}

	egress := udpio.NewEgress(ingress.Conn(), devices, logger)

	manager := session.NewManager(managerCfg, devices, egress, nil, logger, clk)
	dispatcherHandle.manager = manager

	mqttCfg := mqttctl.Config{
		BrokerURL:          cfg.MQTTBrokerURL,
		ClientID:           cfg.MQTTClientID,
		QoS:                cfg.MQTTQoS,
		ConfigAckTTL:       30 * time.Second,
		MinProtocolVersion: cfg.MinProtocolVersion,
	}
	controller := mqttctl.NewController(mqttCfg, manager, devices, logger, clk)
	manager.SetPublisher(controller)

	if err := controller.Connect(); err != nil {
		logger.Fatalf("connect to mqtt broker %s: %v", cfg.MQTTBrokerURL, err)
	}

	aggregator := supervisor.NewAggregator(ingress, egress, manager.EchoKitPool(), manager, devices, controller, clk)
	httpServer := supervisor.NewServer(cfg.HTTPBindAddress, cfg.ServiceName, aggregator, logger)
	shutdowner := supervisor.NewShutdowner(httpServer, controller, manager, ingress, cfg.ShutdownDrainTimeout(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	// The UDP read loop and the HTTP server run as a group: either one's
	// unrecoverable exit is surfaced together, mirroring the teacher's use
	// of errgroup to coordinate a WebSocket executor's concurrent
	// connection/listener goroutines.
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ingress.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		return httpServer.Run(gCtx)
	})

	logger.Infow("bridge started",
		"udp", cfg.UDPBindAddress,
		"http", cfg.HTTPBindAddress,
		"echokit", cfg.EchoKitWebsocketURL,
		"mqtt", cfg.MQTTBrokerURL,
	)

	<-ctx.Done()
	shutdowner.Run(context.Background())

	if err := g.Wait(); err != nil {
		logger.Warnf("component stopped with error during shutdown: %v", err)
	}
}

// dispatcherProxy exists only to break the Ingress<->Manager construction
// cycle: udpio.NewIngress needs a Dispatcher before Manager can be
// constructed (Manager needs Ingress's shared UDP socket first). Once
// manager is set, every call is forwarded straight through.
type dispatcherProxy struct {
	manager *session.Manager
}

func (p *dispatcherProxy) IngressFrame(ctx context.Context, sessionID string, frame udpio.Frame, endpoint *net.UDPAddr) {
	if p.manager == nil {
		return
	}
	p.manager.IngressFrame(ctx, sessionID, frame, endpoint)
}
