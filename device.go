package main

import (
	"fmt"
	"io"

	"babel/audio"
	"babel/log"
	"babel/recorder"
)

// resolveDevice maps the configured device name to a capture device;
// an empty name is the system default.
func resolveDevice(ctx audio.Context, name string) (*audio.DeviceInfo, error) {
	dev, err := audio.FindDevice(ctx, name)
	if err != nil {
		return nil, err
	}
	if dev != nil && audio.IsBluetooth(dev.Name) {
		log.Warnf("%s is a Bluetooth headset; its mic records narrowband audio", dev.Name)
	}
	return dev, nil
}

func listDevices(ctx audio.Context, w io.Writer) error {
	devices, err := ctx.Devices()
	if err != nil {
		return audio.Classify(err)
	}
	if len(devices) == 0 {
		fmt.Fprintln(w, "no capture devices found")
		return nil
	}
	for _, d := range devices {
		bt := ""
		if audio.IsBluetooth(d.Name) {
			bt = "  [narrowband headset]"
		}
		fmt.Fprintf(w, "%-40s %s%s\n", d.Name, d.ID, bt)
	}
	return nil
}

func deviceLineText(dev *audio.DeviceInfo) string {
	name := "system default"
	suffix := ""
	if dev != nil {
		name = dev.Name
		if audio.IsBluetooth(dev.Name) {
			suffix = " (BT!)"
		}
	}
	return "mic: " + name + suffix
}

func modeLineText(mode recorder.Mode, source, target string) string {
	return fmt.Sprintf("[%s | %s → %s]", mode, source, target)
}
