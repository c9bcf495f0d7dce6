//////////////////////////////////////////////////////////////////////////////
//
// Config contains configuration data for Session
//
// Copyright 2019 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package rtcore

import (
	"github.com/lanikai/rtcore/internal/datachannel"
	"github.com/lanikai/rtcore/internal/ice"
	"github.com/lanikai/rtcore/internal/media"
)

// Config holds the local media endpoints and ICE gathering options for one
// Session. A nil source/sink simply means that direction of that media kind
// is not offered/accepted.
type Config struct {
	LocalAudio  media.AudioSource
	LocalVideo  media.VideoSource
	RemoteAudio media.MediaSink
	RemoteVideo media.MediaSink

	ICE ice.Config

	// UltraLowLatency is threaded down to internal/jitter: favor immediate
	// release of in-order packets over smoothing out network jitter.
	UltraLowLatency bool

	// OnDataChannel is invoked whenever the remote peer opens a new DCEP
	// data channel. Channels opened locally with OpenDataChannel are not
	// reported through it. May be nil if the application does not use data
	// channels.
	OnDataChannel func(*datachannel.Channel)
}
