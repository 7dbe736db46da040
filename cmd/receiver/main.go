// Command receiver discovers or pairs with a caster, decodes the
// incoming WebRTC stream, and exposes it through a display buffer
// (spec.md §1).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethan/screencaster/pkg/audiocodec"
	"github.com/ethan/screencaster/pkg/bundle"
	"github.com/ethan/screencaster/pkg/clock"
	"github.com/ethan/screencaster/pkg/config"
	"github.com/ethan/screencaster/pkg/decode"
	"github.com/ethan/screencaster/pkg/discovery"
	"github.com/ethan/screencaster/pkg/events"
	"github.com/ethan/screencaster/pkg/framepool"
	"github.com/ethan/screencaster/pkg/health"
	"github.com/ethan/screencaster/pkg/logger"
	"github.com/ethan/screencaster/pkg/receive"
	"github.com/ethan/screencaster/pkg/receiver"
	"github.com/ethan/screencaster/pkg/signalling"
	"github.com/ethan/screencaster/pkg/stage"
	"github.com/ethan/screencaster/pkg/webrtcpeer"
)

const instanceName = "ScreenCaster"

const (
	exitOK            = 0
	exitPipelineError = 1
	exitSignalling    = 2
	exitCaptureDevice = 3
)

func main() {
	fs := flag.NewFlagSet("receiver", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)

	width := fs.Int("width", 1920, "expected stream width")
	height := fs.Int("height", 1080, "expected stream height")
	manual := fs.Bool("manual", false, "pair via a copy-pasted SDP+ICE bundle instead of mDNS/WebSocket signalling")
	casterAddr := fs.String("caster", "", "caster address for WebSocket signalling (auto-discovered via mDNS if empty)")
	envPath := fs.String("env", ".env", "path to .env config file")
	audioWait := fs.Duration("audio-wait", 2*time.Second, "how long to wait for an audio track before continuing video-only")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Screen receiver: decodes and displays an incoming WebRTC stream\n\n")
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

	log.Info("starting screen receiver", "log_config", logFlags.String())

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

	pool := framepool.New(8, (*width)*(*height)*3/2, log.Logger)
	mc := clock.New()
	h := health.New(log.Logger)
	bus := events.NewBus(log.Logger)

	factory, err := webrtcpeer.NewFactory(log.Logger)
	if err != nil {
		log.Error("failed to build webrtc factory", "error", err)
		os.Exit(exitPipelineError)
	}

	peerID := "caster-1"
	session, err := factory.NewReceiverSession(ctx, peerID)
	if err != nil {
		log.Error("failed to create receiver session", "error", err)
		os.Exit(exitSignalling)
	}
	defer session.Close()

	if *manual {
		reader := bufio.NewReader(os.Stdin)
		fmt.Println("Paste the caster's bundle:")
		offerText, _ := reader.ReadString('\n')
		offer, err := bundle.Unpack(offerText)
		if err != nil {
			log.Error("failed to unpack offer bundle", "error", err)
			os.Exit(exitSignalling)
		}
		answer, err := session.AcceptOfferBundle(ctx, offer)
		if err != nil {
			log.Error("failed to accept offer", "error", err)
			os.Exit(exitSignalling)
		}
		packed, err := bundle.Pack(*answer)
		if err != nil {
			log.Error("failed to pack answer bundle", "error", err)
			os.Exit(exitSignalling)
		}
		fmt.Println("Paste this answer back into the caster:")
		fmt.Println(packed)
	} else {
		addr := *casterAddr
		if addr == "" {
			resolveCtx, resolveCancel := context.WithTimeout(ctx, discovery.ResolveTimeout)
			ip, err := discovery.Resolve(resolveCtx, instanceName, log.Logger)
			resolveCancel()
			if err != nil {
				log.Error("failed to resolve caster via mdns", "error", err)
				os.Exit(exitSignalling)
			}
			addr = fmt.Sprintf("%s:%d", ip.String(), discovery.ServicePort)
		}

		peer, err := signalling.Dial(ctx, addr)
		if err != nil {
			log.Error("failed to dial caster", "error", err)
			os.Exit(exitSignalling)
		}
		defer peer.Close()

		offer, err := peer.RecvBundle(ctx)
		if err != nil {
			log.Error("failed to receive offer bundle", "error", err)
			os.Exit(exitSignalling)
		}
		answer, err := session.AcceptOfferBundle(ctx, offer)
		if err != nil {
			log.Error("failed to accept offer", "error", err)
			os.Exit(exitSignalling)
		}
		if err := peer.SendBundle(*answer); err != nil {
			log.Error("failed to send answer bundle", "error", err)
			os.Exit(exitSignalling)
		}
	}

	videoTrack, err := session.WaitForVideoTrack(ctx)
	if err != nil {
		log.Error("failed waiting for video track", "error", err)
		os.Exit(exitSignalling)
	}
	audioTrack, err := session.WaitForAudioTrack(ctx, *audioWait)
	if err != nil {
		log.Error("failed waiting for audio track", "error", err)
		os.Exit(exitSignalling)
	}

	videoDec, err := decode.NewFFmpegVideoDecoder(*width, *height, pool)
	if err != nil {
		log.Error("failed to start video decoder", "error", err)
		os.Exit(exitPipelineError)
	}
	defer videoDec.Close()

	audioDec, err := audiocodec.NewDecoder()
	if err != nil {
		log.Error("failed to create audio decoder", "error", err)
		os.Exit(exitPipelineError)
	}

	var audioReader receive.RTPReader
	if audioTrack != nil {
		audioReader = audioTrack
	}

	onFailure := func(stageName string, stageErr *stage.Error) {
		log.Error("stage failure", "stage", stageName, "error", stageErr)
	}

	coord := receiver.New(videoTrack, audioReader, videoDec, audioDec, session, mc, h, bus, log.Logger, onFailure)

	if err := coord.Start(ctx); err != nil {
		log.Error("failed to start receiver pipeline", "error", err)
		os.Exit(exitPipelineError)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		coord.Stop(stopCtx)
	}()

	bus.Publish(events.Event{Kind: events.PeerConnected, Payload: peerID})
	bus.Publish(events.Event{Kind: events.StreamStarted})

	log.Info("receiving started", "peer_id", peerID, "has_audio", audioTrack != nil)

	h.Run(ctx, 10*time.Second, func(tick health.Tick) {
		log.Info("health tick", "fps", tick.CurrentFPS, "drops", tick.FramesDropped)
	})

	bus.Publish(events.Event{Kind: events.StreamStopped})
	bus.Publish(events.Event{Kind: events.PeerDisconnected, Payload: peerID})
	log.Info("receiver shutting down")
}
