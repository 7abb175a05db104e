package segcache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/asticode/go-astits"
)

// ErrNotTransportStream is returned for files that hold no MPEG-TS payload.
var ErrNotTransportStream = errors.New("not an MPEG-TS segment")

// VerifySegment demuxes a segment far enough to confirm it carries a program
// map and at least one PES packet. Truncated or foreign files fail.
func VerifySegment(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening segment: %w", err)
	}
	defer f.Close()

	dmx := astits.NewDemuxer(context.Background(), bufio.NewReader(f))
	var sawPMT, sawPES bool
	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				break
			}
			return fmt.Errorf("%w: %v", ErrNotTransportStream, err)
		}
		if d.PMT != nil {
			sawPMT = true
		}
		if d.PES != nil {
			sawPES = true
		}
		if sawPMT && sawPES {
			return nil
		}
	}
	if !sawPES {
		return ErrNotTransportStream
	}
	return nil
}
