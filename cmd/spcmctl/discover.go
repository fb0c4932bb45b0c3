package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/spcmremote/spcmremote/internal/discovery"
	"github.com/spcmremote/spcmremote/internal/probe"
)

func discoverCmd(g *globalOptions) *cobra.Command {
	var noProbe bool

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List SPCM instances advertised on the local network",
		Long: `Browse mDNS for one sweep and list every advertised remote-control
instance. The instance that "version" would pick for --id is marked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := g.newApp()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			finder := discovery.NewFinder(discovery.NewZeroconfBrowser(), r.discoveryOptions())
			fmt.Printf("Browsing %s for %s...\n", r.cfg.Discovery.Service, r.cfg.Discovery.SweepTimeout)

			candidates, err := finder.Sweep(ctx)
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				fmt.Println("No instances found")
				return nil
			}

			serviceID := r.cfg.Remote.ServiceID
			if serviceID == 0 {
				serviceID = discovery.DefaultServiceID
			}
			best, _ := discovery.Select(candidates, serviceID)

			rows := make([][]string, 0, len(candidates))
			for _, c := range candidates {
				reach := "-"
				if !noProbe {
					reach = probeLabel(ctx, c.Endpoint().Address(), r.cfg.Discovery.ProbeTimeout)
				}
				mark := ""
				if c.Name == best.Name {
					mark = "*"
				}
				rows = append(rows, candidateRow(c, reach, mark))
			}

			fmt.Println(renderTable(rows))
			return nil
		},
	}

	cmd.Flags().BoolVar(&noProbe, "no-probe", false, "Skip the reachability probe")

	return cmd
}

func probeLabel(ctx context.Context, addr string, timeout time.Duration) string {
	res := probe.Probe(ctx, probe.Options{Address: addr, Timeout: timeout})
	if res.Success {
		return res.RTT.Round(time.Millisecond).String()
	}
	return res.ErrorDetail
}

func candidateRow(c discovery.Candidate, reach, mark string) []string {
	ordinal := ""
	if c.Numbered {
		ordinal = strconv.Itoa(c.Ordinal)
	}
	return []string{
		mark,
		c.Name,
		strconv.Itoa(c.ServiceID),
		ordinal,
		c.Entry.Host(),
		strconv.Itoa(c.Entry.Port),
		reach,
	}
}

func renderTable(rows [][]string) string {
	header := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("241"))).
		Headers("", "INSTANCE", "ID", "N", "HOST", "PORT", "PROBE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
	return t.Render()
}
