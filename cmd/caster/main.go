// Command caster captures a display region plus audio, encodes it, and
// streams it over WebRTC to receivers (spec.md §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethan/screencaster/pkg/audiocodec"
	"github.com/ethan/screencaster/pkg/bundle"
	"github.com/ethan/screencaster/pkg/capture"
	"github.com/ethan/screencaster/pkg/clock"
	"github.com/ethan/screencaster/pkg/config"
	"github.com/ethan/screencaster/pkg/discovery"
	"github.com/ethan/screencaster/pkg/encode"
	"github.com/ethan/screencaster/pkg/events"
	"github.com/ethan/screencaster/pkg/framepool"
	"github.com/ethan/screencaster/pkg/health"
	"github.com/ethan/screencaster/pkg/logger"
	"github.com/ethan/screencaster/pkg/sender"
	"github.com/ethan/screencaster/pkg/signalling"
	"github.com/ethan/screencaster/pkg/stage"
	"github.com/ethan/screencaster/pkg/webrtcpeer"
	"github.com/rs/zerolog"
)

// instanceName is the fixed mDNS instance literal spec.md §6 names.
const instanceName = "ScreenCaster"

const (
	exitOK            = 0
	exitPipelineError = 1
	exitSignalling    = 2
	exitCaptureDevice = 3
)

func main() {
	fs := flag.NewFlagSet("caster", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)

	display := fs.Uint("display", 0, "X11 display number to capture")
	width := fs.Int("width", 1920, "capture width")
	height := fs.Int("height", 1080, "capture height")
	fps := fs.Int("fps", 30, "capture frame rate (15-60)")
	audio := fs.Bool("audio", true, "capture default audio source")
	manual := fs.Bool("manual", false, "print a manual SDP+ICE bundle instead of mDNS/WebSocket signalling")
	envPath := fs.String("env", ".env", "path to .env config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Screen caster: captures a display and streams it over WebRTC\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(exitPipelineError)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logger: %v\n", err)
		os.Exit(exitPipelineError)
	}
	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(exitPipelineError)
	}
	defer log.Close()
	logger.SetDefault(log)

	log.Info("starting screen caster", "log_config", logFlags.String())

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(exitPipelineError)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(exitPipelineError)
	}
	webrtcpeer.SetSTUNServers(cfg.STUN.Servers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	device, err := capture.NewFFmpegDevice(uint32(*display), *width, *height, *fps, *audio)
	if err != nil {
		log.Error("failed to start capture device", "error", err)
		os.Exit(exitCaptureDevice)
	}
	defer device.Close()

	videoEnc, err := encode.NewFFmpegVideoEncoder(*width, *height, *fps)
	if err != nil {
		log.Error("failed to start video encoder", "error", err)
		os.Exit(exitPipelineError)
	}
	defer videoEnc.Close()

	var audioEnc *audiocodec.Encoder
	if *audio {
		audioEnc, err = audiocodec.NewEncoder(48000, 2)
		if err != nil {
			log.Error("failed to create audio encoder", "error", err)
			os.Exit(exitPipelineError)
		}
	}

	pool := framepool.New(8, (*width)*(*height)*3/2, log.Logger)
	mc := clock.New()
	h := health.New(log.Logger)
	bus := events.NewBus(log.Logger)

	factory, err := webrtcpeer.NewFactory(log.Logger)
	if err != nil {
		log.Error("failed to build webrtc factory", "error", err)
		os.Exit(exitPipelineError)
	}

	onFailure := func(stageName string, stageErr *stage.Error) {
		log.Error("stage failure", "stage", stageName, "error", stageErr)
	}

	coord := sender.New(device, videoEnc, audioEnc, pool, mc, h, bus, log.Logger, sender.Config{
		Width:  *width,
		Height: *height,
		FPS:    *fps,
		OutCap: cfg.Channels.VideoEncodeToTransmit,
	}, onFailure)

	coord.SetCaptureOpts(capture.Opts{FPS: *fps, Audio: *audio})

	if err := coord.Start(ctx); err != nil {
		log.Error("failed to start sender pipeline", "error", err)
		os.Exit(exitPipelineError)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		coord.Stop(stopCtx)
	}()

	peerID := "receiver-1"
	session, err := factory.NewSession(ctx, peerID)
	if err != nil {
		log.Error("failed to create peer session", "error", err)
		os.Exit(exitSignalling)
	}
	defer session.Close()

	offer, err := session.CreateOfferBundle(ctx)
	if err != nil {
		log.Error("failed to create offer", "error", err)
		os.Exit(exitSignalling)
	}

	if *manual {
		packed, err := bundle.Pack(*offer)
		if err != nil {
			log.Error("failed to pack manual bundle", "error", err)
			os.Exit(exitSignalling)
		}
		fmt.Println("Paste this bundle into the receiver, then paste its answer below:")
		fmt.Println(packed)

		var answerText string
		fmt.Scanln(&answerText)
		answer, err := bundle.Unpack(answerText)
		if err != nil {
			log.Error("failed to unpack answer bundle", "error", err)
			os.Exit(exitSignalling)
		}
		if err := session.InstallAnswer(answer); err != nil {
			log.Error("failed to install answer", "error", err)
			os.Exit(exitSignalling)
		}
	} else {
		adv, err := discovery.Advertise(instanceName, log.Logger)
		if err != nil {
			log.Error("failed to advertise via mdns", "error", err)
			os.Exit(exitSignalling)
		}
		defer adv.Close()

		sigLog := zerolog.New(os.Stderr).With().Timestamp().Str("component", "signalling").Logger()
		server := signalling.NewServer(fmt.Sprintf(":%d", discovery.ServicePort), sigLog)
		if err := server.Start(); err != nil {
			log.Error("failed to start signalling server", "error", err)
			os.Exit(exitSignalling)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			server.Stop(stopCtx)
		}()

		peer, err := server.Accept(ctx)
		if err != nil {
			log.Error("failed to accept signalling peer", "error", err)
			os.Exit(exitSignalling)
		}
		defer peer.Close()

		if err := peer.SendBundle(*offer); err != nil {
			log.Error("failed to send offer bundle", "error", err)
			os.Exit(exitSignalling)
		}
		answer, err := peer.RecvBundle(ctx)
		if err != nil {
			log.Error("failed to receive answer bundle", "error", err)
			os.Exit(exitSignalling)
		}
		if err := session.InstallAnswer(answer); err != nil {
			log.Error("failed to install answer", "error", err)
			os.Exit(exitSignalling)
		}
	}

	session.SetOnKeyframeRequest(func() {
		coord.Encode.RequestKeyframe()
	})
	coord.Attach(peerID, session)
	bus.Publish(events.Event{Kind: events.PeerConnected, Payload: peerID})

	log.Info("streaming started", "peer_id", peerID, "width", *width, "height", *height, "fps", *fps)

	h.Run(ctx, 10*time.Second, func(tick health.Tick) {
		log.Info("health tick", "fps", tick.CurrentFPS, "drops", tick.FramesDropped)
	})

	coord.Detach(peerID)
	bus.Publish(events.Event{Kind: events.PeerDisconnected, Payload: peerID})
	log.Info("caster shutting down")
}
