// Command carbridge-demo is a minimal runnable example wiring a real USB
// adapter to the PortAudio platform binding. It has no UI: it logs state
// transitions and media metadata to stderr until interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gordonklaus/portaudio"
	flag "github.com/spf13/pflag"

	"carbridge"
	"carbridge/internal/audio"
	"carbridge/internal/message"
	"carbridge/internal/mic"
	"carbridge/internal/session"
	"carbridge/platform/fileprefs"
	platformpa "carbridge/platform/portaudio"
)

func main() {
	width := flag.Uint32("width", 800, "negotiated screen width")
	height := flag.Uint32("height", 480, "negotiated screen height")
	fps := flag.Uint32("fps", 30, "negotiated video frame rate")
	androidAuto := flag.Bool("android-auto", false, "negotiate Android Auto instead of CarPlay")
	micEnabled := flag.Bool("microphone", true, "open a PortAudio input device for the uplink")
	outputDevice := flag.Int("output-device", -1, "PortAudio output device index (-1: default)")
	inputDevice := flag.Int("input-device", -1, "PortAudio input device index (-1: default)")
	flag.Parse()

	if err := portaudio.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "portaudio init: %v\n", err)
		os.Exit(1)
	}
	defer portaudio.Terminate()

	cfg := carbridge.DefaultConfig()
	cfg.ScreenWidth, cfg.ScreenHeight, cfg.FPS = *width, *height, *fps
	if *androidAuto {
		cfg.PhoneType = carbridge.PhoneTypeAndroidAuto
	}

	deps := carbridge.Dependencies{
		Logger: carbridge.DefaultLogger(),
		AudioSinkFactory: func(audio.Context) carbridge.AudioSink {
			return platformpa.NewSink(*outputDevice)
		},
	}

	if prefPath, err := fileprefs.DefaultPath(); err != nil {
		deps.Logger.Warn("preferences unavailable", "err", err.Error())
	} else {
		deps.Preferences = fileprefs.Open(prefPath)
	}

	if *micEnabled {
		micFormat, _ := audio.FormatForDecodeType(mic.Params.DecodeType)
		src, err := platformpa.NewSource(*inputDevice, micFormat)
		if err != nil {
			deps.Logger.Warn("microphone unavailable", "err", err.Error())
		} else {
			deps.MicSource = src
		}
	}

	sess := carbridge.New(cfg, deps)
	sess.OnStateChanged(func(state session.State, err error) {
		if err != nil {
			deps.Logger.Error("state changed", "state", state.String(), "err", err.Error())
			return
		}
		deps.Logger.Info("state changed", "state", state.String())
	})
	sess.OnMediaInfo(func(md message.MediaData) {
		deps.Logger.Info("now playing", "song", md.SongTitle, "artist", md.Artist)
	})

	sess.Start()
	defer sess.Dispose()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
