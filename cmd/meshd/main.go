package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/op/go-logging"
	"github.com/urfave/cli"

	"github.com/agrinman/btmesh/bearer/ble"
	"github.com/agrinman/btmesh/bearer/cloudrelay"
	"github.com/agrinman/btmesh/internal/devicestate"
	"github.com/agrinman/btmesh/mesh"
	"github.com/agrinman/btmesh/stack"
)

var log *logging.Logger

// loggingAccessLayer is the default AccessLayer used when meshd isn't
// embedded by a model implementation that wants the transport PDUs
// itself: it just logs what arrived, so a node is runnable and
// observable on its own.
type loggingAccessLayer struct{}

func (loggingAccessLayer) DeliverTransportPDU(pdu stack.IncomingTransportPDU) {
	log.Noticef("delivered %d-byte transport pdu from %s to %s (seq=%d iv_index=%d)",
		len(pdu.UpperPDU), pdu.Src, pdu.Dst, pdu.Seq, pdu.IVIndex)
}

func main() {
	app := cli.NewApp()
	app.Name = "meshd"
	app.Usage = "run a Bluetooth Mesh node's network-to-transport core"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "state",
			Value: "/var/lib/meshd/device.json",
			Usage: "path to the device-state document",
		},
		cli.BoolFlag{
			Name:  "bootstrap",
			Usage: "provision a fresh in-memory development device-state document instead of loading one from disk",
		},
		cli.IntFlag{
			Name:  "primary-unicast",
			Value: 0x0001,
			Usage: "primary unicast address to bootstrap with, ignored unless --bootstrap is set",
		},
		cli.BoolFlag{
			Name:  "no-ble",
			Usage: "do not register the advertising-bearer BLE input/output",
		},
		cli.StringFlag{
			Name:  "cloudrelay-send-queue",
			Usage: "SQS queue name to publish outbound PDUs to; enables the cloud-relay bearer when set together with --cloudrelay-receive-queue",
		},
		cli.StringFlag{
			Name:  "cloudrelay-receive-queue",
			Usage: "SQS queue name to poll inbound PDUs from",
		},
		cli.StringFlag{
			Name:  "cloudrelay-region",
			Value: "us-east-1",
		},
		cli.StringFlag{
			Name:  "cloudrelay-account-id",
		},
		cli.StringFlag{
			Name:  "aws-access-key-id",
			EnvVar: "MESHD_AWS_ACCESS_KEY_ID",
		},
		cli.StringFlag{
			Name:  "aws-secret-access-key",
			EnvVar: "MESHD_AWS_SECRET_ACCESS_KEY",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "NOTICE",
		},
	}
	app.Action = run
	app.OnUsageError = func(c *cli.Context, err error, isSubcommand bool) error {
		fmt.Fprintln(os.Stderr, mesh.Red(err.Error()))
		return err
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, mesh.Red(err.Error()))
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level, err := logging.LogLevel(c.String("log-level"))
	if err != nil {
		level = logging.NOTICE
	}
	log = mesh.SetupLogging("meshd", level, true)

	ds, err := loadDeviceState(c)
	if err != nil {
		return fmt.Errorf("loading device state: %w", err)
	}
	log.Notice(mesh.Cyan("meshd ▶ ") + devicestate.Dump(ds))

	internals := stack.NewInternals(ds.PrimaryUnicast, ds.ElementCount, ds.DefaultTTL, ds.RelayEnabled, ds.IVIndex, ds.Seq, ds.NetKeys)
	s := stack.NewStack(internals, loggingAccessLayer{}, stack.DefaultConfig(), log)

	closers, err := registerBearers(c, s)
	if err != nil {
		return err
	}
	defer func() {
		for _, closer := range closers {
			if cerr := closer(); cerr != nil {
				log.Warningf("bearer shutdown error: %s", cerr)
			}
		}
	}()

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run() }()

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)

	select {
	case sig := <-stopSignal:
		log.Notice("stopping with signal", sig)
		s.Close()
		<-runDone
	case err := <-runDone:
		if err != nil && err != stack.ErrQueueClosed {
			return err
		}
	}

	if !c.Bool("bootstrap") {
		ds.Seq = internals.CurrentSeq()
		ds.IVIndex = internals.IVIndex()
		if err := devicestate.Save(c.String("state"), ds); err != nil {
			log.Warningf("failed to persist device state on shutdown: %s", err)
		}
	}
	return nil
}

func loadDeviceState(c *cli.Context) (devicestate.DeviceState, error) {
	if c.Bool("bootstrap") {
		primary, err := mesh.NewUnicastAddress(uint16(c.Int("primary-unicast")))
		if err != nil {
			return devicestate.DeviceState{}, err
		}
		return devicestate.NewDevelopmentDocument(primary, 1)
	}
	return devicestate.Load(c.String("state"))
}

// bearerCloser lets every registered bearer's teardown share one shape
// regardless of which concrete type it came from.
type bearerCloser func() error

func registerBearers(c *cli.Context, s *stack.Stack) ([]bearerCloser, error) {
	var closers []bearerCloser

	if !c.Bool("no-ble") {
		in, err := ble.NewInput()
		if err != nil {
			return nil, fmt.Errorf("ble input: %w", err)
		}
		out, err := ble.NewOutput()
		if err != nil {
			return nil, fmt.Errorf("ble output: %w", err)
		}
		go runInput("ble", s, in)
		s.RegisterOutputInterface(out)
		closers = append(closers, in.Close, out.Close)
	}

	sendQueue := c.String("cloudrelay-send-queue")
	recvQueue := c.String("cloudrelay-receive-queue")
	if sendQueue != "" && recvQueue != "" {
		cfg := cloudrelay.Config{
			Region:       c.String("cloudrelay-region"),
			AccountID:    c.String("cloudrelay-account-id"),
			SendQueue:    sendQueue,
			ReceiveQueue: recvQueue,
		}
		relay, err := cloudrelay.New(cfg, c.String("aws-access-key-id"), c.String("aws-secret-access-key"), log)
		if err != nil {
			return nil, fmt.Errorf("cloudrelay: %w", err)
		}
		go runInput("cloudrelay", s, relay)
		s.RegisterOutputInterface(relay)
		closers = append(closers, relay.Close)
	}

	return closers, nil
}

// runInput drives a (possibly long-lived, blocking) InputInterface.Start
// in its own goroutine, logging its eventual exit; bearers are never
// expected to exit during normal operation, so an exit is always worth
// a log line even if it's a deliberate Close.
func runInput(name string, s *stack.Stack, iface stack.InputInterface) {
	if err := s.RegisterInputInterface(iface); err != nil {
		log.Warningf("%s input interface stopped: %s", name, err)
	}
}
