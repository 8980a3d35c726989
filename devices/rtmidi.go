//go:build rtmidi

package devices

// The rtmidi driver registers itself with gomidi, which makes system MIDI
// ports visible to GomidiProvider and to the engine's MIDI bridge.
import _ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
