package rtc

import (
	"os"
	"runtime"

	"github.com/livekit/protocol/livekit"
)

// SDKVersion is the library's own semver, reported to the server in
// ClientInfo.Version and echoed back in reconnect/compatibility checks.
const SDKVersion = "0.1.0"

// BuildClientInfo assembles the outbound ClientInfo sent in ConnectParams
// (spec.md §6: sdk, protocol, version, os, os_version, device_model,
// network, other_sdks). Unlike the teacher's ClientInfo, which wraps and
// inspects a *remote* participant's reported info server-side, this builds
// the info this process reports about itself.
func BuildClientInfo() *livekit.ClientInfo {
	return &livekit.ClientInfo{
		Sdk:       livekit.ClientInfo_GO,
		Version:   SDKVersion,
		Protocol:  15,
		Os:        runtime.GOOS,
		OsVersion: osVersion(),
		DeviceModel: deviceModel(),
	}
}

func osVersion() string {
	// The Go runtime does not expose a portable kernel/OS version string, so
	// ClientInfo.OsVersion is always reported empty.
	return ""
}

func deviceModel() string {
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}
