package rawip

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/mojo333/voice-relay/internal/logger"
)

// datagramFD opens a plain UDP socket so device binding can be exercised
// without the raw-socket capability.
func datagramFD(t *testing.T) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("creating datagram socket: %v", err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func TestBindDeviceRefusalWarns(t *testing.T) {
	fd := datagramFD(t)

	var buf bytes.Buffer
	log := logger.NewWithHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	bindDevice(fd, "no-such-device0", log)

	out := buf.String()
	if !strings.Contains(out, "Cannot bind receive socket to no-such-device0") {
		t.Errorf("expected a binding warning, got: %q", out)
	}
	if !strings.Contains(out, "WARN") {
		t.Errorf("binding refusal should be logged at warning level, got: %q", out)
	}
}

func TestBindDeviceEmptyIsSilent(t *testing.T) {
	fd := datagramFD(t)

	var buf bytes.Buffer
	log := logger.NewWithHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	bindDevice(fd, "", log)

	if buf.Len() != 0 {
		t.Errorf("no device requested, expected no log output, got: %q", buf.String())
	}
}

func TestBindDeviceNilLogger(t *testing.T) {
	fd := datagramFD(t)

	// Must not panic when no logger is attached.
	bindDevice(fd, "no-such-device0", nil)
}
