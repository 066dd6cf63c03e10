package gpuinfo

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/jaypipes/ghw"
)

// GPU identifies one graphics card.
type GPU struct {
	Vendor  string
	Product string
}

// GPUInfo answers questions about the accelerators present on the host.
type GPUInfo struct {
	// list enumerates graphics cards.
	list func() ([]GPU, error)
	// goos and goarch identify the host platform.
	goos, goarch string
}

// New creates a GPUInfo backed by ghw.
func New() *GPUInfo {
	return &GPUInfo{list: listGPUs, goos: runtime.GOOS, goarch: runtime.GOARCH}
}

func listGPUs() ([]GPU, error) {
	info, err := ghw.GPU()
	if err != nil {
		return nil, err
	}
	var gpus []GPU
	for _, card := range info.GraphicsCards {
		if card == nil || card.DeviceInfo == nil {
			continue
		}
		var gpu GPU
		if card.DeviceInfo.Vendor != nil {
			gpu.Vendor = card.DeviceInfo.Vendor.Name
		}
		if card.DeviceInfo.Product != nil {
			gpu.Product = card.DeviceInfo.Product.Name
		}
		gpus = append(gpus, gpu)
	}
	return gpus, nil
}

// GPUs lists the host's graphics cards.
func (g *GPUInfo) GPUs() ([]GPU, error) {
	return g.list()
}

// HasNVIDIAGPU reports whether an NVIDIA card is present.
func (g *GPUInfo) HasNVIDIAGPU() (bool, error) {
	gpus, err := g.list()
	if err != nil {
		return false, err
	}
	for _, gpu := range gpus {
		if strings.Contains(strings.ToLower(gpu.Vendor), "nvidia") {
			return true, nil
		}
	}
	return false, nil
}

// SupportsDevice reports whether the host can run on device, one of "cpu",
// "gpu", "cuda" or "mps".
func (g *GPUInfo) SupportsDevice(device string) (bool, error) {
	switch device {
	case "cpu":
		return true, nil
	case "mps":
		return g.goos == "darwin" && g.goarch == "arm64", nil
	case "cuda":
		return g.HasNVIDIAGPU()
	case "gpu":
		if g.goos == "darwin" && g.goarch == "arm64" {
			return true, nil
		}
		gpus, err := g.list()
		if err != nil {
			return false, err
		}
		return len(gpus) > 0, nil
	default:
		return false, fmt.Errorf("unknown device %q", device)
	}
}
