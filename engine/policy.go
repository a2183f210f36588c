package engine

// ProviderOrder lists the providers to try for goos, best first. CPU is always last.
func ProviderOrder(goos string, useGPU bool) []Provider {
	if !useGPU {
		return []Provider{ProviderCPU}
	}
	var order []Provider
	switch goos {
	case "ios":
		order = append(order, ProviderCoreMLMobile)
	case "android":
	case "windows":
		order = append(order, ProviderDirectML, ProviderCUDA, ProviderOpenVINO)
	case "darwin":
		order = append(order, ProviderCoreML, ProviderCUDA, ProviderOpenVINO)
	default:
		order = append(order, ProviderCUDA, ProviderOpenVINO)
	}
	return append(order, ProviderCPU)
}
