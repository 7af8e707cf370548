/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"fmt"
	"strings"

	"github.com/allbin/probemon/internal/device"
	"github.com/allbin/probemon/internal/tui/colors"
	"github.com/allbin/probemon/serial"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List attached debug probes",
	Long: `List the debug probes probemon would capture: serial ports whose USB vendor
ID is in probe.vendor_ids and whose product or description contains
probe.match.

With --all every communication-capable serial port is listed instead,
optionally narrowed with --filter (usb, standard, arm).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		filterType, _ := cmd.Flags().GetString("filter")
		tableFormat, _ := cmd.Flags().GetBool("table")

		if all {
			return listPorts(filterType, tableFormat)
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		enum := device.NewSysfsEnumerator(device.Signature{
			VendorIDs: cfg.Probe.VendorIDs,
			Match:     cfg.Probe.Match,
		})
		probes, err := enum.Enumerate(cmd.Context())
		if err != nil {
			return fmt.Errorf("listing probes: %w", err)
		}
		if len(probes) == 0 {
			fmt.Println("No probes found")
			return nil
		}

		if tableFormat {
			fmt.Printf("Found %d probe(s):\n\n", len(probes))
			fmt.Println(renderProbeTable(probes))
			return nil
		}
		for _, p := range probes {
			fmt.Printf("%s\t%s\n", p.ID, p.Path)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().BoolP("all", "a", false, "List every serial port, not only probes")
	listCmd.Flags().StringP("filter", "f", "", "With --all, filter by port type: usb, standard, arm, all")
	listCmd.Flags().BoolP("table", "t", false, "Display output in a styled table format")
}

func listPorts(filterType string, tableFormat bool) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return fmt.Errorf("listing ports: %w", err)
	}

	filtered := filterPorts(ports, filterType)
	if len(filtered) == 0 {
		if filterType != "" {
			fmt.Printf("No serial ports found matching filter: %s\n", filterType)
		} else {
			fmt.Println("No serial ports found")
		}
		return nil
	}

	if !tableFormat {
		for _, port := range filtered {
			fmt.Println(port)
		}
		return nil
	}

	fmt.Printf("Found %d serial port(s):\n\n", len(filtered))
	rows := make([][]string, 0, len(filtered))
	for _, port := range filtered {
		info, err := serial.GetPortInfo(port)
		if err != nil {
			rows = append(rows, []string{port, "Unknown", fmt.Sprintf("Error: %v", err)})
			continue
		}
		rows = append(rows, []string{info.Name, getPortType(info.Name), info.Description})
	}
	fmt.Println(styledTable([]string{"Port", "Type", "Description"}, rows))
	return nil
}

// filterPorts filters the port list based on the specified filter type
func filterPorts(ports []string, filterType string) []string {
	if filterType == "" || filterType == "all" {
		return ports
	}

	var filtered []string
	for _, port := range ports {
		name := strings.ToLower(port[strings.LastIndex(port, "/")+1:])
		switch strings.ToLower(filterType) {
		case "usb":
			if strings.HasPrefix(name, "ttyusb") || strings.HasPrefix(name, "ttyacm") {
				filtered = append(filtered, port)
			}
		case "standard":
			if strings.HasPrefix(name, "ttys") {
				filtered = append(filtered, port)
			}
		case "arm":
			if strings.HasPrefix(name, "ttyama") {
				filtered = append(filtered, port)
			}
		}
	}
	return filtered
}

func renderProbeTable(probes []device.Info) string {
	rows := make([][]string, 0, len(probes))
	for _, p := range probes {
		rows = append(rows, []string{
			p.ID,
			p.Path,
			p.VendorID + ":" + p.ProductID,
			p.SerialNumber,
			p.Product,
		})
	}
	return styledTable([]string{"Device", "Port", "USB ID", "Serial", "Product"}, rows)
}

func styledTable(headers []string, rows [][]string) string {
	p := colors.Mocha
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(p.Mauve).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(p.Surface2)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		String()
}

// getPortType returns a more specific type classification for the port
func getPortType(name string) string {
	name = strings.ToLower(name)
	switch {
	case strings.HasPrefix(name, "ttyusb"):
		return "USB Serial"
	case strings.HasPrefix(name, "ttyacm"):
		return "USB CDC/ACM"
	case strings.HasPrefix(name, "ttyama"):
		return "ARM Serial"
	case strings.HasPrefix(name, "ttys"):
		return "Standard Serial"
	default:
		return "Serial Port"
	}
}
