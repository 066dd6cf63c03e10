package commands

import (
	"bytes"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/examstutor/model-quantizer/pkg/gpuinfo"
)

// deviceLister is the part of gpuinfo.GPUInfo used by the devices command.
type deviceLister interface {
	GPUs() ([]gpuinfo.GPU, error)
	SupportsDevice(device string) (bool, error)
}

// devices are the device hints accepted by --device, in display order.
var devices = []string{"cpu", "gpu", "cuda", "mps"}

func newDevicesCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "devices",
		Short: "List the graphics cards and the usable device hints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := devicesTable(gpuinfo.New())
			if err != nil {
				return err
			}
			cmd.Print(out)
			return nil
		},
	}
	return c
}

func devicesTable(lister deviceLister) (string, error) {
	gpus, err := lister.GPUs()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if len(gpus) == 0 {
		buf.WriteString("No graphics cards found\n\n")
	} else {
		cards := newBorderlessTable(&buf, []string{"VENDOR", "PRODUCT"})
		for _, gpu := range gpus {
			cards.Append([]string{gpu.Vendor, gpu.Product})
		}
		cards.Render()
		buf.WriteString("\n")
	}

	hints := newBorderlessTable(&buf, []string{"DEVICE", "SUPPORTED"})
	for _, device := range devices {
		ok, err := lister.SupportsDevice(device)
		if err != nil {
			return "", err
		}
		hints.Append([]string{device, strconv.FormatBool(ok)})
	}
	hints.Render()
	return buf.String(), nil
}

func newBorderlessTable(buf *bytes.Buffer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(buf)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}
