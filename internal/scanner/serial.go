package scanner

import (
	"fmt"
	"io"

	"github.com/tarm/serial"
)

// OpenSerial opens a scanner configured for serial (USB CDC) output. The
// returned closer must be closed to unblock Run.
func OpenSerial(device string, baud int) (*ReaderChannel, io.Closer, error) {
	if baud <= 0 {
		baud = 9600
	}
	port, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud})
	if err != nil {
		return nil, nil, fmt.Errorf("open scanner serial %s: %w", device, err)
	}
	return NewReaderChannel(port), port, nil
}
