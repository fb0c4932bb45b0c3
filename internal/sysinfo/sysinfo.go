// Package sysinfo describes the local client host: build version, platform
// and the addresses an instrument can push side-channel data to.
package sysinfo

import (
	"net"
	"os"
	"runtime"
	"sync"
	"time"
)

var (
	// Version is the client version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/spcmremote/spcmremote/internal/sysinfo.Version=1.0.0"
	Version = "dev"

	// startTime is when the process started.
	startTime     time.Time
	startTimeOnce sync.Once
)

func init() {
	startTimeOnce.Do(func() {
		startTime = time.Now()
	})
}

// Info describes the local host.
type Info struct {
	Version     string
	Hostname    string
	OS          string
	Arch        string
	GoVersion   string
	StartTime   time.Time
	IPAddresses []string
}

// Collect gathers local system information.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Version:     Version,
		Hostname:    hostname,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		GoVersion:   runtime.Version(),
		StartTime:   startTime,
		IPAddresses: GetLocalIPs(),
	}
}

// Platform returns "os/arch".
func (i Info) Platform() string {
	return i.OS + "/" + i.Arch
}

// GetLocalIPs returns non-loopback IPv4 addresses.
func GetLocalIPs() []string {
	var ips []string

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.IsLoopback() {
			continue
		}
		if ipv4 := ipNet.IP.To4(); ipv4 != nil {
			ips = append(ips, ipv4.String())
		}
	}

	if len(ips) > 10 {
		ips = ips[:10]
	}

	return ips
}

// StartTime returns the process start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the process uptime.
func Uptime() time.Duration {
	return time.Since(startTime)
}
