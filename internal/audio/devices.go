package audio

import (
	"log/slog"
	"os/exec"
	"regexp"
	"strings"

	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// Device represents an available audio input device.
type Device struct {
	// ID is the ALSA PCM name usable as capture device.
	ID string `json:"id"`
	// Name is the device display name.
	Name string `json:"name"`
}

// cardPattern matches "card 1: Mic [USB Microphone], device 0: USB Audio [USB Audio]".
var cardPattern = regexp.MustCompile(`card\s+(\d+):\s+(\w+)\s+\[([^\]]+)\],\s+device\s+(\d+)`)

// fallbackDevices is returned when arecord is missing or lists nothing.
var fallbackDevices = []Device{{ID: DefaultDevice, Name: "System default"}}

// Devices returns the capture devices reported by "arecord -l".
func Devices() []Device {
	output, err := exec.Command("arecord", "-l").CombinedOutput()
	if err != nil {
		slog.Error("failed to list audio devices", "error", err, "detail", util.ExtractLastError(string(output)))
		return fallbackDevices
	}
	return ParseDeviceList(string(output))
}

// ParseDeviceList extracts capture devices from "arecord -l" output.
// The default device is always listed first.
func ParseDeviceList(output string) []Device {
	devices := []Device{fallbackDevices[0]}
	for line := range strings.SplitSeq(output, "\n") {
		matches := cardPattern.FindStringSubmatch(line)
		if len(matches) < 5 {
			continue
		}
		devices = append(devices, Device{
			ID:   "plughw:CARD=" + matches[2] + ",DEV=" + matches[4],
			Name: matches[3],
		})
	}
	return devices
}
