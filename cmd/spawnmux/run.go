package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/spawnmux/spawnmux/internal/client"
	"github.com/spawnmux/spawnmux/internal/protocol"
)

var runCmd = &cobra.Command{
	Use:   "run command [args...]",
	Short: "Run one command under a private supervisor",
	Long:  "Starts a throwaway supervisor, spawns the command through it with stdout and stderr forwarded, mirrors the output, and exits with the command's status. Mostly useful for poking at the protocol.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("cannot locate own binary: %w", err)
		}

		// The supervisor does not search $PATH; resolve here.
		path, err := exec.LookPath(args[0])
		if err != nil {
			return err
		}

		c, err := client.Start(cmd.Context(), self, "daemon")
		if err != nil {
			return err
		}

		p, err := c.Spawn(client.SpawnSpec{
			Path:  path,
			Args:  args,
			Stdin: client.Inherit,
		})
		if err != nil {
			c.Close()
			return err
		}

		code := 0
		for m := range p.Status() {
			switch m.Status {
			case protocol.StatusOutput:
				switch m.Value {
				case protocol.StreamStdout:
					os.Stdout.Write(m.Payload)
				case protocol.StreamStderr:
					os.Stderr.Write(m.Payload)
				}
			case protocol.StatusIllFormed, protocol.StatusSpawnError:
				fmt.Fprintf(os.Stderr, "spawnmux: %s\n", m.Payload)
				code = 127
			case protocol.StatusExited:
				ws := unix.WaitStatus(m.Value)
				switch {
				case ws.Exited():
					code = ws.ExitStatus()
				case ws.Signaled():
					code = 128 + int(ws.Signal())
				}
			}
		}

		if err := c.Shutdown(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "spawnmux: %v\n", err)
		}
		if code != 0 {
			os.Exit(code)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
