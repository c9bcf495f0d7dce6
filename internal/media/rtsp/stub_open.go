// +build !rtsp

package rtsp

import (
	"github.com/lanikai/rtcore/internal/media"
)

func Open(uri string) (media.VideoSource, error) {
	panic("RTSP support disabled")
}
