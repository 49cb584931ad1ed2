package main

import (
	"context"
	"fmt"
	"io"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"github.com/ugorji/go/codec"
	"github.com/urfave/cli"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"rootserver/kernel/bootinfo"
	"rootserver/kernel/cap"
	"rootserver/kernel/kfmt"
	"rootserver/kernel/kmain"
	"rootserver/kernel/kobj"
	"rootserver/kernel/proc"
)

const version = "0.1.0"

// run parses args and boots the system. Reports go to output, log records
// and traces to journal.
func run(args []string, output, journal io.Writer) error {
	app := cli.NewApp()
	app.Name = "rootserver"
	app.Usage = "bootstrap child processes from untyped memory and wire them together"
	app.Version = version
	app.Writer = journal
	app.ErrWriter = journal

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "manifest, m",
			Usage: "YAML manifest describing the machine and the children (built-in two-party demo if empty)",
		},
		cli.StringFlag{
			Name:  "format, f",
			Value: "text",
			Usage: "report format: text or json",
		},
		cli.BoolFlag{
			Name:  "trace",
			Usage: "export bootstrap spans to the journal",
		},
		cli.BoolFlag{
			Name:  "verbose",
			Usage: "log every kernel object invocation",
		},
	}

	app.Action = func(ctx *cli.Context) error {
		format := ctx.String("format")
		if format != "text" && format != "json" {
			return errors.Errorf("unknown report format %q", format)
		}

		kfmt.SetOutputSink(journal)
		if ctx.Bool("verbose") {
			kfmt.SetLevel(log15.LvlDebug)
		}

		manifest, err := loadManifest(ctx.String("manifest"))
		if err != nil {
			return err
		}

		if ctx.Bool("trace") {
			shutdown, err := installTracer(journal)
			if err != nil {
				return err
			}
			defer shutdown()
		}

		k, sys := kmain.Kmain(context.Background(), manifest)
		if sys == nil {
			return errors.New("bootstrap failed")
		}

		if err := exchange(k, sys); err != nil {
			return err
		}

		return writeReport(output, format, sys.Report())
	}

	return app.Run(args)
}

func loadManifest(path string) (*bootinfo.Manifest, error) {
	if path == "" {
		return bootinfo.DefaultManifest(), nil
	}
	return bootinfo.LoadManifestFile(path)
}

// installTracer registers a tracer provider that exports spans to w. The
// returned function flushes and stops the provider.
func installTracer(w io.Writer) (func(), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, errors.Wrap(err, "creating span exporter")
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", "rootserver"),
			attribute.String("service.version", version),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating trace resource")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func() { _ = tp.Shutdown(context.Background()) }, nil
}

// exchange drives the children over every wired channel: the sender
// signals once and the receiver waits for the badge.
func exchange(k *kobj.Kernel, sys *kmain.System) error {
	log := kfmt.Logger("main")

	for _, ch := range sys.Channels {
		sender, _ := sys.Process(ch.Sender)
		receiver, _ := sys.Process(ch.Receiver)

		senderThread, kerr := k.Thread(sender.TCB)
		if kerr != nil {
			return errors.Wrapf(kerr, "channel %q: sender thread", ch.Name)
		}
		receiverThread, kerr := k.Thread(receiver.TCB)
		if kerr != nil {
			return errors.Wrapf(kerr, "channel %q: receiver thread", ch.Name)
		}

		if kerr = senderThread.Signal(grantSlot(sender.Grants, ch.Name)); kerr != nil {
			return errors.Wrapf(kerr, "channel %q: signal", ch.Name)
		}

		badge, kerr := receiverThread.Wait(grantSlot(receiver.Grants, ch.Name))
		if kerr != nil {
			return errors.Wrapf(kerr, "channel %q: wait", ch.Name)
		}

		log.Info("notification received",
			"channel", ch.Name,
			"receiver", receiver.Name,
			"badge", fmt.Sprintf("%#x", uint64(badge)),
		)
	}
	return nil
}

// grantSlot returns the address of the capability granted for channel.
func grantSlot(grants []proc.Grant, channel string) cap.CPtr {
	for _, g := range grants {
		if g.Channel == channel {
			return g.CPtr()
		}
	}
	return cap.Null
}

func writeReport(w io.Writer, format string, rep kmain.Report) error {
	if format == "text" {
		return rep.WriteText(w)
	}

	if err := codec.NewEncoder(w, &codec.JsonHandle{Indent: 2}).Encode(rep); err != nil {
		return errors.Wrap(err, "encoding report")
	}
	_, err := w.Write([]byte{'\n'})
	return err
}
