//go:build !portmidi

package devices

func platformProviders() []Provider {
	return []Provider{GomidiProvider{}}
}
