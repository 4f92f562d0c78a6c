// Command transcribe records from a capture device and streams it to a
// speech-to-text provider, printing finalized segments as they arrive.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/meeting-voice-lab/internal/archive"
	"github.com/meeting-voice-lab/internal/audio"
	"github.com/meeting-voice-lab/internal/config"
	"github.com/meeting-voice-lab/internal/credential"
	"github.com/meeting-voice-lab/internal/logging"
	"github.com/meeting-voice-lab/internal/mcp"
	"github.com/meeting-voice-lab/internal/provider"
	_ "github.com/meeting-voice-lab/internal/provider/amivoice"
	_ "github.com/meeting-voice-lab/internal/provider/elevenlabs"
	"github.com/meeting-voice-lab/internal/provider/googlerelay"
	_ "github.com/meeting-voice-lab/internal/provider/openai"
	"github.com/meeting-voice-lab/internal/session"
	"github.com/meeting-voice-lab/internal/transcript"
)

const version = "v0.1.0"

// printer writes new segments to stdout and the interim line to stderr.
type printer struct {
	mu      sync.Mutex
	printed int
	interim bool
}

func (p *printer) update(s transcript.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(s.Segments) < p.printed {
		p.printed = 0
	}
	if p.interim {
		fmt.Fprint(os.Stderr, "\r\033[K")
		p.interim = false
	}
	for _, seg := range s.Segments[p.printed:] {
		fmt.Println(seg)
	}
	p.printed = len(s.Segments)
	if s.Interim != "" {
		fmt.Fprint(os.Stderr, "… "+s.Interim)
		p.interim = true
	}
}

func main() {
	code := run()
	_ = logging.Sync()
	os.Exit(code)
}

// exitStatus is 1 when the session failed without producing any text.
func exitStatus(sessionErr error, segments int) int {
	if sessionErr != nil && segments == 0 {
		return 1
	}
	return 0
}

// run records one session and returns the process exit status. Buffered
// log output is flushed by main after run returns.
func run() int {
	cfg, err := config.Load[config.Client]()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	flag.StringVar(&cfg.Provider, "provider", cfg.Provider, "provider: "+strings.Join(provider.Transports.List(), ", "))
	device := flag.String("device", "stdin", "capture device: stdin, file:<path>, ffmpeg:<format>[:<input>], opus:<path>")
	format := flag.String("format", "f32le", "raw PCM sample format for stdin/file devices: f32le or s16le")
	flag.IntVar(&cfg.SampleRate, "rate", cfg.SampleRate, "capture sample rate")
	flag.IntVar(&cfg.FrameSize, "frame", cfg.FrameSize, "samples per capture frame")
	flag.StringVar(&cfg.Language, "lang", cfg.Language, "recognition language")
	model := flag.String("model", "", "provider model or grammar override")
	endpoint := flag.String("url", "", "provider endpoint override")
	flag.StringVar(&cfg.TokenBaseURL, "token-url", cfg.TokenBaseURL, "credential backend base URL")
	flag.StringVar(&cfg.ArchiveDir, "archive", cfg.ArchiveDir, "directory for WAV + transcript archives")
	flag.StringVar(&cfg.InsightsMCP, "notes", cfg.InsightsMCP, "MCP insights server URL; structures the meeting after recording")
	duration := flag.Duration("duration", 0, "stop after this long (0 records until interrupted)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flag.Parse()

	logging.Init(cfg.LogLevel)

	sampleFormat, err := parseFormat(*format)
	if err != nil {
		logging.Errorw("transcribe: bad flag", "err", err)
		return 2
	}
	dev, err := deviceFor(*device, sampleFormat, cfg.SampleRate)
	if err != nil {
		logging.Errorw("transcribe: bad flag", "err", err)
		return 2
	}
	issuer, err := credential.ForProvider(cfg.Provider, cfg.TokenBaseURL, cfg.TokenBearer)
	if err != nil {
		logging.Errorw("transcribe: credentials", "err", err)
		return 2
	}
	opts := provider.Options{URL: *endpoint, Language: cfg.Language, Model: *model, HandshakeTimeout: cfg.HandshakeWait}
	if cfg.Provider == googlerelay.Name && opts.URL == "" {
		opts.URL = cfg.RelayURL
	}

	rec := archive.NewRecorder("", cfg.Provider)
	out := &printer{}
	ended := make(chan session.State, 1)
	ctl := session.New(session.Config{
		Provider: cfg.Provider,
		Options:  opts,
		Issuer:   issuer,
		Device:   dev,
		Engine: []audio.Option{
			audio.WithConstraints(audio.Constraints{SampleRate: cfg.SampleRate, ChannelCount: 1, EchoCancellation: true, NoiseSuppression: true}),
			audio.WithFrameSize(cfg.FrameSize),
		},
		OnState: func(s session.State) {
			logging.Debugw("transcribe: state", "state", s.String())
			if s == session.Idle || s == session.Error {
				select {
				case ended <- s:
				default:
				}
			}
		},
		OnTranscript: out.update,
		FrameTap:     rec.Add,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ctl.Start(ctx); err != nil {
		logging.Errorw("transcribe: start failed", "provider", cfg.Provider, "device", dev.Name(), "err", err)
		return 1
	}
	rec.SessionID = ctl.ID()
	logging.Infow("transcribe: recording", logging.SessionFields(ctl.ID(), cfg.Provider)...)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
	var timeout <-chan time.Time
	if *duration > 0 {
		timeout = time.After(*duration)
	}
wait:
	for {
		select {
		case s := <-sig:
			if s != syscall.SIGUSR1 {
				break wait
			}
			if ctl.State() == session.Paused {
				_ = ctl.Resume()
			} else if err := ctl.Pause(); err != nil {
				logging.Warnw("transcribe: pause", "err", err)
			}
			logging.Infow("transcribe: toggled pause", "state", ctl.State().String())
		case <-timeout:
			break wait
		case s := <-ended:
			if s == session.Error {
				logging.Errorw("transcribe: session failed", "err", ctl.Err())
			}
			break wait
		}
	}
	ctl.Stop()
	final := ctl.Transcript()
	out.update(transcript.State{Segments: final.Segments})

	store := archive.NewStore(cfg.ArchiveDir)
	sc, err := store.Save(rec, final)
	if err != nil {
		logging.Warnw("transcribe: archive failed", "err", err)
	}
	store.Prune(cfg.ArchiveKeep, cfg.ArchiveMax)

	if cfg.InsightsMCP != "" && len(final.Segments) > 0 {
		structureMeeting(cfg.InsightsMCP, final.Text(), store, sc.CorrelationID)
	}
	return exitStatus(ctl.Err(), len(final.Segments))
}

// structureMeeting asks the insights MCP server for meeting notes, prints
// them and attaches them to the archived sidecar.
func structureMeeting(url, text string, store *archive.Store, cid string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	c := mcp.NewClientWrapper("transcribe", version)
	if err := c.ConnectWebSocket(ctx, url); err != nil {
		logging.Warnw("transcribe: insights unavailable", "err", err)
		return
	}
	defer c.Close()
	notes, err := c.StructureMeeting(ctx, text)
	if err != nil {
		logging.Warnw("transcribe: structure meeting failed", "err", err)
		return
	}
	b, _ := json.MarshalIndent(notes, "", "  ")
	fmt.Println(string(b))
	if store != nil && cid != "" {
		if err := store.Merge(cid, map[string]interface{}{"notes": notes}); err != nil {
			logging.Warnw("transcribe: attach notes failed", "err", err)
		}
	}
}
