package trace

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// CommandKind distinguishes the entries of the command list.
type CommandKind int

const (
	// CommandMemcpyHtoD copies host data into device memory.
	CommandMemcpyHtoD CommandKind = iota

	// CommandKernelLaunch launches a traced kernel.
	CommandKernelLaunch
)

func (k CommandKind) String() string {
	switch k {
	case CommandMemcpyHtoD:
		return "MemcpyHtoD"
	case CommandKernelLaunch:
		return "KernelLaunch"
	default:
		return fmt.Sprintf("CommandKind(%d)", int(k))
	}
}

// Command is one entry of the traced application's command list.
type Command struct {
	Kind CommandKind

	// Addr and Bytes describe a MemcpyHtoD destination range.
	Addr  uint64
	Bytes uint64

	// Kernel is the launch payload of a KernelLaunch command.
	Kernel *Kernel
}

var kernelCommandRe = regexp.MustCompile(`^kernel-(\d+)$`)

// ReadCommands parses a command list file. Each non-empty line is
// either "MemcpyHtoD,<hex_addr>,<bytes>" or "kernel-<n>"; the latter
// loads "kernel-<n>.traceg" from the same directory.
func ReadCommands(path string) ([]Command, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	defer f.Close()

	dir := filepath.Dir(path)

	var commands []Command
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, err := parseCommand(line, dir)
		if err != nil {
			return nil, fmt.Errorf("trace: %s:%d: %w", path, lineNo, err)
		}
		commands = append(commands, cmd)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("trace: %s: %w", path, err)
	}

	return commands, nil
}

func parseCommand(line, dir string) (Command, error) {
	if m := kernelCommandRe.FindStringSubmatch(line); m != nil {
		kernel, err := ReadKernel(filepath.Join(dir, line+".traceg"))
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: CommandKernelLaunch, Kernel: kernel}, nil
	}

	fields := strings.Split(line, ",")
	if fields[0] != "MemcpyHtoD" {
		return Command{}, fmt.Errorf("unknown command %q", line)
	}
	if len(fields) != 3 {
		return Command{}, fmt.Errorf("malformed MemcpyHtoD %q: want MemcpyHtoD,<hex_addr>,<bytes>", line)
	}

	addr, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 0, 64)
	if err != nil {
		return Command{}, fmt.Errorf("malformed MemcpyHtoD address %q: %w", fields[1], err)
	}
	bytes, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 64)
	if err != nil {
		return Command{}, fmt.Errorf("malformed MemcpyHtoD size %q: %w", fields[2], err)
	}

	return Command{Kind: CommandMemcpyHtoD, Addr: addr, Bytes: bytes}, nil
}
