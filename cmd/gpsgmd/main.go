/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/host"

	"github.com/facebook/gpsgm/clockadapter"
	"github.com/facebook/gpsgm/config"
	"github.com/facebook/gpsgm/grandmaster"
	"github.com/facebook/gpsgm/phc"
	"github.com/facebook/gpsgm/refsource"
	"github.com/facebook/gpsgm/rtcadapter"
	"github.com/facebook/gpsgm/telemetry"
)

func main() {
	var (
		cfgPath        string
		verbose        bool
		monitoringPort int
	)

	flag.StringVar(&cfgPath, "cfg", "/etc/gpsgm/gpsgm.yaml", "path to config")
	flag.BoolVar(&verbose, "verbose", false, "verbose logging")
	flag.IntVar(&monitoringPort, "monitoringport", 9981, "port to serve /metrics on")
	flag.Parse()

	log.SetReportCaller(true)
	if verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := config.ReadConfig(cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.EvalAndValidate(); err != nil {
		log.Fatal(err)
	}

	ppsFile, err := os.OpenFile(cfg.PHCDevice, os.O_RDWR, 0)
	if err != nil {
		log.Fatalf("opening PHC device %q for PPS input: %v", cfg.PHCDevice, err)
	}
	ppsWaiter, err := refsource.NewPHCPPSWaiter(phc.FromFile(ppsFile), cfg.PPSPinIndex)
	if err != nil {
		log.Fatalf("arming PPS input on %q pin %d: %v", cfg.PHCDevice, cfg.PPSPinIndex, err)
	}

	provider, err := refsource.NewSerialNMEAProvider(
		refsource.SerialConfig{Port: cfg.GPSDevice, BaudRate: cfg.GPSBaud},
		ppsWaiter,
		refsource.NewRMCZDADecoder(),
	)
	if err != nil {
		log.Fatalf("opening GPS reference provider: %v", err)
	}
	defer provider.Close()

	clock, err := clockadapter.OpenPHCAdapter(cfg.PHCDevice)
	if err != nil {
		log.Fatalf("opening PHC clock adapter: %v", err)
	}

	var rtc rtcadapter.Adapter
	if cfg.RTCI2CBus != "" {
		if _, err := host.Init(); err != nil {
			log.Fatalf("initializing periph host drivers: %v", err)
		}
		bus, err := i2creg.Open(cfg.RTCI2CBus)
		if err != nil {
			log.Fatalf("opening RTC I2C bus %q: %v", cfg.RTCI2CBus, err)
		}
		defer bus.Close()
		rtc = rtcadapter.NewI2CRTC(bus, cfg.RTCI2CAddr)
	}

	stats := telemetry.NewStats()
	gmCfg := grandmaster.DefaultConfig()
	gmCfg.RTIsolatedCPU = cfg.RTIsolatedCPU
	gmCfg.RTPriority = cfg.RTPriority
	gmCfg.AssocLock = cfg.AssociationLock()
	gmCfg.Disciplinor = cfg.Disciplinor()
	gmCfg.HintFile = cfg.HintFile

	controller := grandmaster.New(gmCfg, provider, clock, rtc, cfg.RTCDisciplinor(), stats, log.StandardLogger())

	exporter := telemetry.NewPrometheusExporter(stats, monitoringPort, log.StandardLogger())
	go func() {
		if err := exporter.ListenAndServe(); err != nil {
			log.WithError(err).Error("prometheus exporter stopped")
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Debug("sd_notify failed")
	} else if ok {
		log.Debug("notified systemd we are ready")
	}

	if err := controller.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("controller exited: %v", err)
	}
}
