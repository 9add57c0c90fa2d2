package ir

// Version constants for the host and the guest ABI.
const (
	// HostVersion is the vigil host version.
	HostVersion = "0.1.0"

	// ABIVersion is the version of the guest host-call ABI.
	ABIVersion = "1"

	// HostModuleName is the only import module a daemon may link against.
	HostModuleName = "vigil"
)
