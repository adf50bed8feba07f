// Command translatorsrv wires one Translator to a UDP RTP source and a
// single configured TranslatorEndPoint, logging every packet it would hand
// back to the SFU. It exists to exercise the full pipeline end to end
// outside of a test binary, not as a production entrypoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/n0remac/sfu-translate/bufferpool"
	"github.com/n0remac/sfu-translate/consumers"
	"github.com/n0remac/sfu-translate/endpoint"
	"github.com/n0remac/sfu-translate/mediaframe"
	"github.com/n0remac/sfu-translate/player"
	"github.com/n0remac/sfu-translate/timerwheel"
	"github.com/n0remac/sfu-translate/translator"
	"github.com/n0remac/sfu-translate/writerqueue"
	"github.com/pion/rtp"
)

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:5004", "UDP address to receive original RTP on")
	ssrc := flag.Uint("ssrc", 1, "original producer SSRC")
	mappedSSRC := flag.Uint("mapped-ssrc", 2, "mapped SSRC for translated/forwarded output")
	payloadType := flag.Uint("payload-type", 111, "RTP payload type (Opus default)")
	clockRate := flag.Uint("clock-rate", 48000, "RTP clock rate")
	endpointKind := flag.String("endpoint", "stub", "endpoint kind: ws, file, or stub")
	wsURI := flag.String("ws-uri", "", "translation service WebSocket URI (endpoint=ws)")
	filePath := flag.String("file-path", "", "fixture WebM path to replay (endpoint=file)")
	producerID := flag.String("producer-id", "demo-producer", "producer id for logging")
	producerLang := flag.String("producer-lang", string(translator.LanguageAuto), "producer source language")
	consumerLang := flag.String("consumer-lang", string(translator.LanguageSpanish), "demo consumer target language")
	consumerVoice := flag.String("consumer-voice", translator.VoiceAbdul.VoiceID(), "demo consumer target voice id")
	flag.Parse()

	wheel := timerwheel.New()
	defer wheel.Close()

	alloc := bufferpool.New()
	queue := writerqueue.New[*mediaframe.Frame]()
	rtpPlayer := player.New(wheel, alloc)
	collector := &logCollector{}

	factory, err := buildEndPointFactory(*endpointKind, *wsURI, *filePath, wheel, alloc)
	if err != nil {
		log.Fatalf("translatorsrv: %v", err)
	}

	tr := translator.New(translator.Config{
		ProducerID:      *producerID,
		Wheel:           wheel,
		Allocator:       alloc,
		Queue:           queue,
		Player:          rtpPlayer,
		Output:          collector,
		EndPointFactory: factory,
		InitialLanguage: translator.Language(*producerLang),
	})

	stream := translator.StreamInfo{
		SSRC:        uint32(*ssrc),
		PayloadType: uint8(*payloadType),
		ClockRate:   uint32(*clockRate),
		Mime:        mediaframe.MimeOpus,
	}
	if err := tr.AddStream(stream, uint32(*mappedSSRC)); err != nil {
		log.Fatalf("translatorsrv: AddStream: %v", err)
	}
	if err := tr.AddConsumer("demo-consumer", *consumerLang, *consumerVoice); err != nil {
		log.Fatalf("translatorsrv: AddConsumer: %v", err)
	}

	conn, err := net.ListenPacket("udp", *listenAddr)
	if err != nil {
		log.Fatalf("translatorsrv: listen %s: %v", *listenAddr, err)
	}
	defer conn.Close()
	log.Printf("[translatorsrv] receiving RTP on %s for ssrc=%d", *listenAddr, *ssrc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go readLoop(ctx, conn, tr)

	<-ctx.Done()
	log.Printf("[translatorsrv] shutting down")
}

func readLoop(ctx context.Context, conn net.PacketConn, tr *translator.Translator) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			continue
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Printf("[translatorsrv] bad RTP packet: %v", err)
			continue
		}
		tr.AddOriginalRtpPacket(&pkt)
	}
}

// buildEndPointFactory returns an EndPointFactory choosing between the
// websocket, file, or stub endpoint kind per the -endpoint flag.
func buildEndPointFactory(kind, wsURI, filePath string, wheel *timerwheel.Wheel, alloc *bufferpool.Allocator) (translator.EndPointFactory, error) {
	switch kind {
	case "ws":
		if wsURI == "" {
			return nil, errors.New("-ws-uri is required with -endpoint=ws")
		}
		return func(consumers.LangVoiceKey) endpoint.EndPoint {
			return endpoint.NewWSEndPoint(endpoint.WSConfig{URI: wsURI}, alloc)
		}, nil
	case "file":
		if filePath == "" {
			return nil, errors.New("-file-path is required with -endpoint=file")
		}
		return func(consumers.LangVoiceKey) endpoint.EndPoint {
			return endpoint.NewFileEndPoint(endpoint.FileEndPointConfig{Path: filePath}, wheel, alloc)
		}, nil
	case "stub":
		return func(consumers.LangVoiceKey) endpoint.EndPoint {
			return endpoint.NewStubEndPoint()
		}, nil
	default:
		return nil, fmt.Errorf("unknown -endpoint kind %q", kind)
	}
}

// logCollector is the demo's RtpPacketsCollector: it just logs every
// packet's key fields instead of forwarding them into a real SFU.
type logCollector struct{}

func (c *logCollector) Collect(pkt *rtp.Packet, rejected map[string]struct{}) {
	log.Printf("[translatorsrv] out ssrc=%d seq=%d ts=%d payloadBytes=%d rejected=%d",
		pkt.SSRC, pkt.SequenceNumber, pkt.Timestamp, len(pkt.Payload), len(rejected))
}
