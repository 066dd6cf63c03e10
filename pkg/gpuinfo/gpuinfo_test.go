package gpuinfo

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeInfo(goos, goarch string, gpus []GPU, err error) *GPUInfo {
	return &GPUInfo{
		list:   func() ([]GPU, error) { return gpus, err },
		goos:   goos,
		goarch: goarch,
	}
}

func TestSupportsDevice(t *testing.T) {
	nvidia := []GPU{{Vendor: "NVIDIA Corporation", Product: "GA102"}}
	intel := []GPU{{Vendor: "Intel Corporation", Product: "UHD 620"}}

	tests := []struct {
		name   string
		info   *GPUInfo
		device string
		want   bool
	}{
		{"cpu always", fakeInfo("linux", "amd64", nil, nil), "cpu", true},
		{"cuda with nvidia", fakeInfo("linux", "amd64", nvidia, nil), "cuda", true},
		{"cuda without nvidia", fakeInfo("linux", "amd64", intel, nil), "cuda", false},
		{"gpu with any card", fakeInfo("linux", "amd64", intel, nil), "gpu", true},
		{"gpu without cards", fakeInfo("linux", "amd64", nil, nil), "gpu", false},
		{"gpu on apple silicon", fakeInfo("darwin", "arm64", nil, nil), "gpu", true},
		{"mps on apple silicon", fakeInfo("darwin", "arm64", nil, nil), "mps", true},
		{"mps on linux", fakeInfo("linux", "amd64", nvidia, nil), "mps", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.info.SupportsDevice(tt.device)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSupportsDeviceErrors(t *testing.T) {
	_, err := fakeInfo("linux", "amd64", nil, nil).SupportsDevice("tpu")
	assert.Error(t, err)

	pciErr := errors.New("no pci")
	_, err = fakeInfo("linux", "amd64", nil, pciErr).SupportsDevice("cuda")
	assert.ErrorIs(t, err, pciErr)

	ok, err := fakeInfo("linux", "amd64", nil, pciErr).SupportsDevice("cpu")
	require.NoError(t, err)
	assert.True(t, ok)
}
