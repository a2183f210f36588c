//go:build !linux

package capture

func openExtensionUnit(path string) (extensionUnit, error) {
	return nil, ErrUnsupportedPlatform
}
