// numacachectl is an operator REPL for a running numacached daemon. It
// connects to the daemon's control socket and lets an operator inspect
// partition occupancy, force a write-back flush, or simulate how a
// command would be split across cache blocks.
//
// Usage:
//
//	numacachectl [-socket <path>]
//
// Commands (in REPL):
//
//	stats                               Show per-partition occupancy and hit/miss counts
//	flush <lun>                         Force a write-back drain for one LUN
//	split <opcode> <lba> <len> <shift>  Simulate splitting a command
//	help                                Show this help
//	exit / quit / q                     Exit
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/peterh/liner"

	"github.com/stonybrook/tgt-numacache/internal/ctl"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "numacachectl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	socketPath := flag.StringP("socket", "s", "/run/numacached.sock", "daemon control socket path")
	flag.Parse()

	client, err := ctl.Dial(*socketPath)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", *socketPath, err)
	}
	defer client.Close()

	repl := &REPL{client: client, socketPath: *socketPath}

	return repl.Run()
}

// REPL is the interactive command loop against a control-plane connection.
type REPL struct {
	client     *ctl.Client
	socketPath string
	liner      *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".numacachectl_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("numacachectl - connected to %s\n", r.socketPath)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("numacachectl> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "stats":
			r.cmdStats()

		case "flush":
			r.cmdFlush(args)

		case "split":
			r.cmdSplit(args)

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{"stats", "flush", "split", "help", "exit", "quit", "q"}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  stats                               Show per-partition occupancy and hit/miss counts")
	fmt.Println("  flush <lun>                          Force a write-back drain for one LUN")
	fmt.Println("  split <opcode> <lba> <len> <shift>   Simulate splitting a command")
	fmt.Println("  help                                 Show this help")
	fmt.Println("  exit / quit / q                      Exit")
}

func (r *REPL) cmdStats() {
	resp, err := r.client.Call(ctl.Request{Op: "stats"})
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if !resp.OK {
		fmt.Printf("Error: %s\n", resp.Error)

		return
	}

	fmt.Printf("Snapshot at %s:\n", resp.Stats.Timestamp.Format("2006-01-02T15:04:05Z07:00"))

	for _, p := range resp.Stats.Partitions {
		fmt.Printf("  partition %3d (node %d): %5d/%5d slots valid, %d hits, %d misses\n",
			p.PartitionID, p.Node, p.ValidSlots, p.TotalSlots, p.Hits, p.Misses)
	}
}

func (r *REPL) cmdFlush(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: flush <lun>")

		return
	}

	lun, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Printf("Error parsing lun: %v\n", err)

		return
	}

	resp, err := r.client.Call(ctl.Request{Op: "flush", LUN: uint32(lun)})
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if !resp.OK {
		fmt.Printf("Error: %s\n", resp.Error)

		return
	}

	fmt.Println("OK: flush requested")
}

func (r *REPL) cmdSplit(args []string) {
	if len(args) < 4 {
		fmt.Println("Usage: split <opcode> <lba> <len> <block-shift>")

		return
	}

	opcode, err := strconv.ParseUint(args[0], 0, 8)
	if err != nil {
		fmt.Printf("Error parsing opcode: %v\n", err)

		return
	}

	lba, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing lba: %v\n", err)

		return
	}

	length, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing len: %v\n", err)

		return
	}

	shift, err := strconv.ParseUint(args[3], 10, 8)
	if err != nil {
		fmt.Printf("Error parsing block-shift: %v\n", err)

		return
	}

	resp, err := r.client.Call(ctl.Request{
		Op: "split", Opcode: byte(opcode), LBA: lba, Length: length, BlockShift: uint8(shift),
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if !resp.OK {
		fmt.Printf("Error: %s\n", resp.Error)

		return
	}

	fmt.Printf("Preferred node: %d\n", resp.Split.PreferredNode)
	fmt.Printf("Sub-requests (%d):\n", len(resp.Split.SubRequests))

	for i, sub := range resp.Split.SubRequests {
		fmt.Printf("  %2d. cache_block=%d file_offset=%d in_block_offset=%d len=%d\n",
			i, sub.CacheBlockID, sub.FileOffset, sub.InBlockOffset, sub.Length)
	}
}
