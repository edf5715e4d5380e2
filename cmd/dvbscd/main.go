// dvbscd coordinates descrambling of DVB adapters: it receives control words
// and CA PMTs from a dvbapi authority, routes scrambled channels to CI
// modules or the software descrambler and hands the clear stream to the
// configured outputs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/RabbitLabs/dvbsc/config"
	"github.com/RabbitLabs/dvbsc/device"
	"github.com/RabbitLabs/dvbsc/dvbapi"
	"github.com/RabbitLabs/dvbsc/internal/log"
	"github.com/RabbitLabs/dvbsc/linuxdvb"
	"github.com/RabbitLabs/dvbsc/output"
	"github.com/RabbitLabs/dvbsc/status"
	"github.com/RabbitLabs/dvbsc/virtual"
)

// how long outputs may take to drain buffered packets on shutdown
const drainTimeout = 3 * time.Second

func main() {
	configFile := flag.String("config", "dvbscd.yaml", "configuration file")
	budget := flag.String("budget", "", "comma separated adapters forced into budget mode")
	keypress := flag.Bool("keypress", false, "stop on a key press on stdin")
	writeConfig := flag.String("write-config", "", "write the configuration with defaults to this file and exit")
	flag.Parse()

	var cfg config.Config
	if err := cfg.ReadConfig(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "dvbscd: %s\n", err.Error())
		os.Exit(2)
	}

	if *budget != "" {
		for _, s := range strings.Split(*budget, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				fmt.Fprintf(os.Stderr, "dvbscd: bad budget adapter %q\n", s)
				os.Exit(2)
			}
			cfg.ForceBudget = append(cfg.ForceBudget, n)
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "dvbscd: %s\n", err.Error())
			os.Exit(2)
		}
	}

	if *writeConfig != "" {
		if err := cfg.WriteConfig(*writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "dvbscd: %s\n", err.Error())
			os.Exit(1)
		}
		return
	}

	log.InitLogger(cfg.Log.FileLogging, cfg.LogLevel(), cfg.Log.File, cfg.Log.MaxSize, cfg.Log.MaxBackups, cfg.Log.MaxAge, cfg.Log.Compress)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *keypress {
		// this async function waits for a key press to stop properly
		go func() {
			b := make([]byte, 1)
			_, _ = os.Stdin.Read(b)
			log.Sugar.Info("key pressed, closing ...")
			stop()
		}()
	}

	if err := run(ctx, &cfg); err != nil {
		log.Sugar.Errorf("dvbscd: %s", err.Error())
		log.Sync()
		os.Exit(1)
	}
	log.Sugar.Info("finished, exit")
}

func newDriver(cfg *config.Config) device.Driver {
	if cfg.Driver == config.DriverVirtual {
		drv := virtual.New()
		for _, a := range cfg.Adapters {
			drv.AddAdapter(a.Adapter, virtual.Source{File: a.Source, Loop: true, CA: a.CA >= 0})
		}
		return drv
	}
	return linuxdvb.New(cfg.DvbRoot)
}

func run(ctx context.Context, cfg *config.Config) error {
	configs, err := cfg.DeviceConfigs()
	if err != nil {
		return err
	}
	budget, err := cfg.Budget()
	if err != nil {
		return err
	}

	m := device.NewManager(newDriver(cfg), configs...)
	if err := m.SetBudget(budget); err != nil {
		return err
	}
	if err := m.Initialize(ctx); err != nil {
		return err
	}
	if err := m.Startup(); err != nil {
		m.Shutdown()
		return err
	}
	defer m.Shutdown()

	for _, a := range cfg.Adapters {
		if a.Channel == 0 {
			continue
		}
		ch := cfg.Channels[a.Channel]
		if _, err := m.TuneAdapter(a.Adapter, ch, a.Live); err != nil {
			log.Sugar.Warnf("adapter%d: tune %s: %s", a.Adapter, ch.String(), err.Error())
		}
	}

	// outputs run until their device is drained, not until ctx is done
	pumpCtx, cancelPumps := context.WithCancel(context.Background())
	defer cancelPumps()

	var pumps sync.WaitGroup
	var tools []*output.Tool
	for _, a := range cfg.Adapters {
		if a.Output == nil {
			continue
		}
		d, err := m.Device(a.Adapter)
		if err != nil {
			log.Sugar.Warnf("adapter%d: no output: %s", a.Adapter, err.Error())
			continue
		}

		tool := output.NewTool(*a.Output)
		if err := tool.Start(map[string]string{"adapter": strconv.Itoa(a.Adapter), "name": d.Name()}); err != nil {
			log.Sugar.Warnf("%s: start output: %s", d.Name(), err.Error())
			continue
		}
		tools = append(tools, tool)

		pumps.Add(1)
		go func(d *device.Device, tool *output.Tool) {
			defer pumps.Done()
			if err := output.Pump(pumpCtx, d, tool); err != nil && !errors.Is(err, context.Canceled) {
				log.Sugar.Warnf("%s: output stopped: %s", d.Name(), err.Error())
			}
		}(d, tool)
	}

	var servers sync.WaitGroup
	serverCtx, cancelServers := context.WithCancel(ctx)
	defer cancelServers()

	authority := &dvbapi.Server{Sink: m, AdapterOffset: cfg.Dvbapi.AdapterOffset}
	servers.Add(1)
	go func() {
		defer servers.Done()
		if err := authority.ListenAndServe(serverCtx, cfg.Dvbapi.Network, cfg.Dvbapi.Listen); err != nil {
			log.Sugar.Errorf("dvbapi: %s", err.Error())
		}
	}()

	var upnp *status.UPnPDevice
	if cfg.Status.Listen != "" {
		l, err := net.Listen("tcp", cfg.Status.Listen)
		if err != nil {
			return err
		}

		api := status.NewApiServer(m, cfg.SortedChannels())
		if cfg.Status.UPnP {
			upnp = status.NewUPnPDevice(cfg.Name, l.Addr().(*net.TCPAddr).Port)
			upnp.Register(api.Router())
			if err := upnp.Start(); err != nil {
				log.Sugar.Warnf("upnp: %s", err.Error())
			}
		}

		servers.Add(1)
		go func() {
			defer servers.Done()
			if err := status.Serve(serverCtx, l, api); err != nil {
				log.Sugar.Errorf("status: %s", err.Error())
			}
		}()
	}

	<-ctx.Done()
	log.Sugar.Info("shutting down")

	// stop taking packets and let the outputs drain what is buffered
	m.EarlyShutdown()
	drained := make(chan struct{})
	go func() {
		pumps.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		log.Sugar.Warn("outputs did not drain in time")
		cancelPumps()
		<-drained
	}

	log.Sugar.Info("stopping running tools")
	for _, tool := range tools {
		tool.Stop()
	}

	cancelServers()
	servers.Wait()
	if upnp != nil {
		upnp.Stop()
	}
	return nil
}
