package prefork

// Version is the current version of the go-prefork library
const Version = "1.0.0"

// ProtocolVersion names the channel wire format
const ProtocolVersion = "prefork-jsonl/1"

// VersionInfo contains detailed version information
type VersionInfo struct {
	// Version is the semantic version
	Version string
	// Protocol is the channel wire format spoken by managers and workers
	Protocol string
}

// GetVersion returns the current version information
func GetVersion() VersionInfo {
	return VersionInfo{
		Version:  Version,
		Protocol: ProtocolVersion,
	}
}
