// Command loqui-cli runs an interactive voice conversation against a loqui
// voice pipeline backend: microphone in, assistant audio out, transcripts and
// responses on the terminal.
//
// Environment variables:
//
//	LOQUI_TOKEN        - Required access token
//	LOQUI_URL          - Backend endpoint (default https://api.loqui.ai/v1/voice)
//	LOQUI_METRICS_ADDR - Optional address for a Prometheus /metrics listener
//
// Controls:
//
//	/t <text>  - Send a typed message
//	b          - Barge in (stop assistant playback)
//	q          - Quit
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loqui-ai/loqui-go/pkg/audio"
	"github.com/loqui-ai/loqui-go/pkg/protocol"
	"github.com/loqui-ai/loqui-go/pkg/telemetry"
	loqui "github.com/loqui-ai/loqui-go/sdk"
)

const playbackSampleRate = 24000

func main() {
	_ = godotenv.Load()

	token := os.Getenv("LOQUI_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "LOQUI_TOKEN required")
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	fmt.Println("╔══════════════════════════════════════════════════╗")
	fmt.Println("║                loqui voice client                ║")
	fmt.Println("╠══════════════════════════════════════════════════╣")
	fmt.Println("║  Speak naturally - turn detection is automatic.  ║")
	fmt.Println("║                                                  ║")
	fmt.Println("║  Commands:                                       ║")
	fmt.Println("║    /t <text>   Send a typed message              ║")
	fmt.Println("║    b           Barge in                          ║")
	fmt.Println("║    q           Quit                              ║")
	fmt.Println("╚══════════════════════════════════════════════════╝")
	fmt.Println()

	recorder := telemetry.NewRecorder(prometheus.DefaultRegisterer)
	if addr := os.Getenv("LOQUI_METRICS_ADDR"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warn("metrics listener stopped", "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", addr)
	}

	mic, err := audio.NewCapture(audio.CaptureConfig{})
	if err != nil {
		logger.Error("microphone unavailable", "error", err)
		os.Exit(1)
	}

	out := audio.NewOutput(playbackSampleRate, audio.DefaultOutputConfig())
	spk, err := newSpeaker(playbackSampleRate)
	if err != nil {
		logger.Error("speaker unavailable", "error", err)
		os.Exit(1)
	}
	defer spk.Close()
	out.HandleAudio(spk.Write, spk.Flush)

	opts := []loqui.SessionOption{
		loqui.WithToken(token),
		loqui.WithLogger(logger),
		loqui.WithCaptureSource(mic),
		loqui.WithVoiceSettings(protocol.VoiceSettings{
			SampleRateHz:     16000,
			Channels:         1,
			EchoCancellation: true,
			NoiseSuppression: true,
		}),
		loqui.WithCallbacks(loqui.Callbacks{
			OnTranscript: func(text string, final bool) {
				if final {
					fmt.Printf("\ryou: %s\n", text)
				} else {
					fmt.Printf("\r… %s", text)
				}
			},
			OnResponse: func(text string, final bool) {
				if final {
					fmt.Printf("assistant: %s\n", text)
				}
			},
			OnAudio: func(pcm []byte, final bool) {
				out.Push(pcm, final)
			},
			OnSpeechStart: func() {
				// Barge-in: cut assistant playback the instant speech starts.
				out.DoFlush()
			},
			OnStatusChange: func(st loqui.Status) {
				logger.Info("session status", "status", st)
			},
			OnError: func(err error) {
				fmt.Fprintf(os.Stderr, "[error] %v\n", err)
				recorder.RecordError(err)
			},
			OnMetrics:          recorder.Observe,
			OnHeartbeatLatency: recorder.ObserveHeartbeat,
		}),
	}
	if url := os.Getenv("LOQUI_URL"); url != "" {
		opts = append(opts, loqui.WithBaseURL(url))
	}
	session := loqui.New(opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		cancel()
	}()

	if err := session.Connect(ctx); err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	recorder.SessionStarted()
	defer func() {
		_ = session.Disconnect()
		recorder.SessionEnded()
		out.Close()
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Println("listening... ('q' to quit)")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			input := strings.TrimSpace(line)
			switch {
			case input == "":
			case strings.EqualFold(input, "q"):
				return
			case strings.EqualFold(input, "b"):
				out.DoFlush()
				if err := session.BargeIn(); err != nil {
					fmt.Fprintf(os.Stderr, "[error] barge in: %v\n", err)
				}
			case strings.HasPrefix(input, "/t "):
				text := strings.TrimPrefix(input, "/t ")
				if err := session.SendText(text); err != nil {
					fmt.Fprintf(os.Stderr, "[error] send text: %v\n", err)
				}
			default:
				fmt.Println("commands: /t <text>, b, q")
			}
		}
	}
}
