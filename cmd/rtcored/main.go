package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lanikai/rtcore"
	"github.com/lanikai/rtcore/internal/ice"
	"github.com/lanikai/rtcore/internal/media"
	"github.com/lanikai/rtcore/internal/media/rtsp"
	"github.com/lanikai/rtcore/internal/signaling"
	"github.com/lanikai/rtcore/internal/v4l2"
)

var videoSource media.VideoSource

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}

	if flagVersion {
		version()
		os.Exit(0)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Open video source.
	{
		err := fmt.Errorf("unsupported input: %s", flagInput)

		if strings.HasPrefix(flagInput, "rtsp://") {
			videoSource, err = rtsp.Open(flagInput)
		} else if strings.HasSuffix(flagInput, ".mp4") {
			videoSource, err = media.OpenMP4(flagInput)
		} else {
			var fi os.FileInfo
			if fi, err = os.Stat(flagInput); err == nil {
				// Assume device type files are Video4Linux2 devices.
				if os.ModeDevice == fi.Mode()&os.ModeDevice {
					videoSource, err = v4l2.Open(flagInput, v4l2.Config{
						Width:                flagWidth,
						Height:               flagHeight,
						Bitrate:              1000 * flagBitrate,
						RepeatSequenceHeader: true,
					})
				} else {
					err = errors.New("unrecognized device type")
				}
			}
		}

		if err != nil {
			log.Fatal().Err(err).Msg("failed to open video source")
		}
		log.Info().
			Int("width", videoSource.Width()).
			Int("height", videoSource.Height()).
			Str("codec", videoSource.Codec()).
			Msg("opened local video source")
	}

	if closer, ok := videoSource.(io.Closer); ok {
		defer closer.Close()
	}

	client, err := signaling.NewClient(doPeerSession)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create signaling client")
	}
	if err := client.Listen(); err != nil {
		log.Fatal().Err(err).Msg("signaling client exited")
	}
}

// doPeerSession negotiates and runs a single peer connection against one
// remote signaling session. It is invoked in its own goroutine per call.
func doPeerSession(ss *signaling.Session) {
	ctx, cancel := context.WithCancel(ss.Context)
	defer cancel()

	slog := log.With().Str("component", "session").Logger()

	session, err := rtcore.NewSession(ctx, rtcore.Config{
		LocalVideo: videoSource,
		ICE: ice.Config{
			EnableIPv6: flagEnableIPv6,
			StunServer: flagSTUNAddress,
		},
	})
	if err != nil {
		slog.Error().Err(err).Msg("failed to create session")
		return
	}
	defer session.Close()

	select {
	case offer, ok := <-ss.Offer:
		if !ok {
			return
		}
		answer, err := session.SetRemoteDescription(offer)
		if err != nil {
			slog.Error().Err(err).Msg("failed to negotiate remote offer")
			return
		}
		if err := ss.SendAnswer(answer); err != nil {
			slog.Error().Err(err).Msg("failed to send SDP answer")
			return
		}
	case <-ctx.Done():
		return
	}

	lcand := make(chan ice.Candidate, 8)
	go func() {
		for c := range lcand {
			if err := ss.SendLocalCandidate(c); err != nil {
				slog.Warn().Err(err).Msg("failed to trickle local candidate")
			}
		}
	}()

	go func() {
		for c := range ss.RemoteCandidates {
			if err := session.AddIceCandidate(c.String(), c.Mid()); err != nil {
				slog.Warn().Err(err).Msg("failed to add remote candidate")
			}
		}
		session.AddIceCandidate("", "")
	}()

	if err := session.Connect(lcand); err != nil {
		slog.Error().Err(err).Msg("failed to establish connection")
		return
	}

	slog.Info().Msg("session connected")
	<-ctx.Done()
}
