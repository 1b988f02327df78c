//go:build linux

// Command xhci-probe brings up an xHCI controller exported through UIO,
// reports its capabilities and root ports, and enumerates every attached
// device. With -sim it runs against the software controller model instead.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"github.com/ardnew/xhci/host"
	"github.com/ardnew/xhci/host/hal"
	"github.com/ardnew/xhci/host/hal/xhci"
	"github.com/ardnew/xhci/host/hal/xhci/sim"
	"github.com/ardnew/xhci/host/hal/xhci/uio"
	"github.com/ardnew/xhci/pkg"
	"github.com/ardnew/xhci/pkg/prof"
	"github.com/ardnew/xhci/pkg/usbid"
)

const componentProbe pkg.Component = "probe"

var (
	verbose  = flag.Bool("v", false, "Enable verbose logging")
	jsonOut  = flag.Bool("json", false, "Output logs as JSON")
	index    = flag.Int("uio", 0, "UIO device index (/dev/uioN)")
	regsMap  = flag.Int("regs", 0, "UIO map holding the register window")
	dmaMap   = flag.Int("dma", 1, "UIO map holding coherent DMA memory")
	useSim   = flag.Bool("sim", false, "Probe the software controller model")
	watch    = flag.Bool("watch", false, "Keep running and enumerate hot-plugged devices")
	metrics  = flag.String("metrics", "", "Serve Prometheus metrics on this address")
	cmdTmo   = flag.Duration("timeout", 5*time.Second, "Command completion timeout")
	ringSize = flag.Int("ring", 64, "TRB ring size in entries")
	idsPath  = flag.String("ids", "", "USB ID database (default: search the usual locations)")
	cpuProf  = flag.String("cpuprofile", "", "Write a CPU profile (needs -tags profile)")
)

// names resolves vendor and product IDs; nil when no database was found.
var names *usbid.Database

func main() {
	flag.Parse()

	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	} else {
		pkg.SetLogLevel(slog.LevelInfo)
	}
	if *jsonOut {
		pkg.SetLogger(pkg.NewJSONLogger(os.Stderr, nil))
	}

	if *metrics != "" {
		if err := serveMetrics(*metrics); err != nil {
			pkg.LogError(componentProbe, "failed to serve metrics", "error", err)
			os.Exit(1)
		}
	}

	stopProfile := func() {}
	if *cpuProf != "" {
		stop, err := prof.StartCPU(*cpuProf)
		if err != nil {
			pkg.LogError(componentProbe, "failed to start CPU profile", "error", err)
			os.Exit(1)
		}
		stopProfile = stop
	}

	loadNames()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx)
	cancel()
	stopProfile()
	if err != nil {
		pkg.LogError(componentProbe, "probe failed", "error", err)
		os.Exit(1)
	}
}

func loadNames() {
	var paths []string
	if *idsPath != "" {
		paths = []string{*idsPath}
	}
	db, path, err := usbid.Load(afero.NewOsFs(), paths...)
	if err != nil {
		pkg.LogDebug(componentProbe, "no USB ID database", "error", err)
		return
	}
	vendors, products := db.Len()
	pkg.LogDebug(componentProbe, "USB ID database loaded",
		"path", path,
		"vendors", vendors,
		"products", products)
	names = db
}

func run(ctx context.Context) error {
	cfg := xhci.DefaultConfig()
	cfg.CommandTimeout = *cmdTmo
	cfg.CommandRingSize = *ringSize
	cfg.EventRingSize = *ringSize
	cfg.TransferRingSize = *ringSize

	var c *xhci.Controller
	if *useSim {
		model, err := sim.New(sim.DefaultConfig())
		if err != nil {
			return err
		}
		defer model.Close()
		for port, speed := range []hal.Speed{hal.SpeedHigh, hal.SpeedSuper} {
			if err := model.Attach(port+1, sim.NewDevice(speed)); err != nil {
				return err
			}
		}
		c = xhci.New(model, model, model, cfg)
	} else {
		ucfg := uio.DefaultConfig()
		ucfg.Index, ucfg.RegisterMap, ucfg.DMAMap = *index, *regsMap, *dmaMap
		dev, err := uio.Open(ucfg)
		if err != nil {
			return err
		}
		defer dev.Close()
		c = xhci.New(dev, dev, dev, cfg)
	}

	h := host.New(c)
	h.SetOnDeviceConnect(logDevice)
	h.SetOnDeviceDisconnect(func(dev *host.Device) {
		pkg.LogInfo(componentProbe, "device removed",
			"port", dev.Port(),
			"address", dev.Address())
	})
	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer h.Close()

	caps := c.Capabilities()
	pkg.LogInfo(componentProbe, "controller",
		"version", fmt.Sprintf("%x.%02x", caps.Version>>8, caps.Version&0xff),
		"slots", caps.MaxSlots,
		"ports", caps.MaxPorts,
		"interrupters", caps.Interrupts,
		"scratchpads", caps.Scratchpads,
		"context_size", caps.ContextSize,
		"ac64", caps.AC64)

	if err := c.NoOp(ctx); err != nil {
		return fmt.Errorf("command ring check: %w", err)
	}

	for port := 1; port <= h.NumPorts(); port++ {
		st, err := h.GetPortStatus(port)
		if err != nil {
			return err
		}
		pkg.LogInfo(componentProbe, "port",
			"port", port,
			"connected", st.Connected,
			"enabled", st.Enabled,
			"powered", st.PowerOn,
			"speed", st.Speed.String())
	}

	if !*watch {
		return nil
	}
	for {
		if _, err := h.WaitDevice(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// logDevice reports an enumerated device and the endpoints of its active
// configuration.
func logDevice(dev *host.Device) {
	d := dev.Descriptor()
	pkg.LogInfo(componentProbe, "device",
		"port", dev.Port(),
		"address", dev.Address(),
		"speed", dev.Speed().String(),
		"usb", fmt.Sprintf("%x.%02x", d.USBVersion>>8, d.USBVersion&0xff),
		"vid", fmt.Sprintf("%04x", d.VendorID),
		"pid", fmt.Sprintf("%04x", d.ProductID),
		"name", names.Describe(d.VendorID, d.ProductID),
		"product", dev.Product(),
		"configuration", dev.GetConfiguration(),
		"interfaces", len(dev.Interfaces()))
	for _, ep := range dev.Endpoints() {
		pkg.LogInfo(componentProbe, "endpoint",
			"address", dev.Address(),
			"endpoint", fmt.Sprintf("%#02x", ep.Address),
			"type", ep.TransferType().String(),
			"max_packet", ep.MaxPacketSize,
			"interval", ep.Interval)
	}
}

func serveMetrics(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("could not listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	prof.Register(mux)
	go func() {
		if err := http.Serve(l, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			pkg.LogError(componentProbe, "metrics server stopped", "error", err)
		}
	}()
	return nil
}
