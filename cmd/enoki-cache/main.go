// Command enoki-cache inspects and maintains the on-disk kernel cache
// out of process (SPEC_FULL.md §4.16): list, gc, and clear.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/arrayjit/enoki"
	"github.com/arrayjit/enoki/backend"
	"github.com/arrayjit/enoki/internal/must"
	"github.com/arrayjit/enoki/kernelcache"
)

func main() {
	cmd := &cli.Command{
		Name:  "enoki-cache",
		Usage: "inspect and maintain the on-disk kernel cache",
		Commands: []*cli.Command{
			listCommand(),
			gcCommand(),
			clearCommand(),
		},
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "enoki-cache:", err)
		os.Exit(1)
	}
}

func cache() *kernelcache.Cache {
	return enoki.Process().Cache()
}

func listCommand() *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:  "list",
		Usage: "list cached kernels",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "encode entries as JSON", Destination: &asJSON},
		},
		Action: func(_ context.Context, c *cli.Command) error {
			entries, err := cache().ListDisk()
			if err != nil {
				return err
			}
			if err := kernelcache.WriteManifest(cache().Dir(), entries, time.Now()); err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(entries)
			}
			headerStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1)
			cellStyle := lipgloss.NewStyle().Padding(0, 1)
			t := table.New().
				Border(lipgloss.NormalBorder()).
				StyleFunc(func(row, col int) lipgloss.Style {
					if row == 0 {
						return headerStyle
					}
					return cellStyle
				}).
				Headers("FINGERPRINT", "SIZE", "PATH")
			for _, e := range entries {
				t.Row(e.Fingerprint.String(), humanize.Bytes(uint64(e.Size)), e.Path)
			}
			fmt.Println(t.Render())
			fmt.Printf("%d entries\n", len(entries))
			return nil
		},
	}
}

func gcCommand() *cli.Command {
	return &cli.Command{
		Name:  "gc",
		Usage: "evict corrupt or stale cache entries",
		Action: func(_ context.Context, c *cli.Command) error {
			ck := cache()
			entries, err := ck.ListDisk()
			if err != nil {
				return err
			}

			g := enoki.Process()
			haveCPU := g.Backend(backend.CPU) != nil && g.Backend(backend.CPU).Available()
			haveGPU := g.Backend(backend.GPU) != nil && g.Backend(backend.GPU).Available()

			var kept []kernelcache.DiskEntry
			evicted := 0
			for _, e := range entries {
				stale := (e.BackendTag == 0 && !haveCPU) || (e.BackendTag == 1 && !haveGPU)
				if verr := ck.Validate(e.Fingerprint); verr != nil || stale {
					must.M(ck.Evict(e.Fingerprint))
					evicted++
					continue
				}
				kept = append(kept, e)
			}
			if err := kernelcache.WriteManifest(ck.Dir(), kept, time.Now()); err != nil {
				return err
			}
			fmt.Printf("evicted %d entries\n", evicted)
			return nil
		},
	}
}

func clearCommand() *cli.Command {
	var yes bool
	return &cli.Command{
		Name:  "clear",
		Usage: "remove the entire cache directory",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "skip confirmation", Destination: &yes},
		},
		Action: func(_ context.Context, c *cli.Command) error {
			dir := cache().Dir()
			if !yes {
				fmt.Printf("remove %s and all cached kernels? [y/N] ", dir)
				var reply string
				fmt.Scanln(&reply)
				if reply != "y" && reply != "Y" {
					fmt.Println("aborted")
					return nil
				}
			}
			return os.RemoveAll(dir)
		},
	}
}
