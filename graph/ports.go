package graph

import "github.com/shaban/audiohost/render"

// MaxPatchbayPlugins sizes the per-kind port bands of patchbay port ids.
const MaxPatchbayPlugins = 255

// Patchbay port id bands. A port id encodes kind, direction and channel.
const (
	PortOffsetNull     uint = 0
	PortOffsetAudioIn  uint = MaxPatchbayPlugins
	PortOffsetAudioOut uint = MaxPatchbayPlugins * 2
	PortOffsetCVIn     uint = MaxPatchbayPlugins * 3
	PortOffsetCVOut    uint = MaxPatchbayPlugins * 4
	PortOffsetMIDIIn   uint = MaxPatchbayPlugins * 5
	PortOffsetMIDIOut  uint = MaxPatchbayPlugins*5 + 1
	PortOffsetMax      uint = MaxPatchbayPlugins*5 + 2
)

// EncodePort returns the patchbay port id of a channel.
func EncodePort(kind render.Kind, isInput bool, index int) (uint, bool) {
	if index < 0 || index >= MaxPatchbayPlugins {
		return 0, false
	}
	i := uint(index)
	switch kind {
	case render.KindAudio:
		if isInput {
			return PortOffsetAudioIn + i, true
		}
		return PortOffsetAudioOut + i, true
	case render.KindCV:
		if isInput {
			return PortOffsetCVIn + i, true
		}
		return PortOffsetCVOut + i, true
	case render.KindMIDI:
		if index != 0 {
			return 0, false
		}
		if isInput {
			return PortOffsetMIDIIn, true
		}
		return PortOffsetMIDIOut, true
	}
	return 0, false
}

// DecodePort splits a patchbay port id into kind, direction and channel.
func DecodePort(port uint) (kind render.Kind, isInput bool, index int, ok bool) {
	switch {
	case port >= PortOffsetAudioIn && port < PortOffsetAudioOut:
		return render.KindAudio, true, int(port - PortOffsetAudioIn), true
	case port >= PortOffsetAudioOut && port < PortOffsetCVIn:
		return render.KindAudio, false, int(port - PortOffsetAudioOut), true
	case port >= PortOffsetCVIn && port < PortOffsetCVOut:
		return render.KindCV, true, int(port - PortOffsetCVIn), true
	case port >= PortOffsetCVOut && port < PortOffsetMIDIIn:
		return render.KindCV, false, int(port - PortOffsetCVOut), true
	case port == PortOffsetMIDIIn:
		return render.KindMIDI, true, 0, true
	case port == PortOffsetMIDIOut:
		return render.KindMIDI, false, 0, true
	}
	return 0, false, 0, false
}

func portHints(kind render.Kind, isInput bool) PortHints {
	var h PortHints
	switch kind {
	case render.KindAudio:
		h = PortTypeAudio
	case render.KindCV:
		h = PortTypeCV
	case render.KindMIDI:
		h = PortTypeMIDI
	}
	if isInput {
		h |= PortIsInput
	}
	return h
}
