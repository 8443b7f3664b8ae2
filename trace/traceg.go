package trace

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ReadKernel parses a .traceg kernel trace: a "-key = value" header
// followed by "#BEGIN_TB".."#END_TB" sections holding per-warp
// instruction records.
func ReadKernel(path string) (*Kernel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	defer f.Close()

	p := &tracegParser{path: path}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		p.lineNo++
		if err := p.parseLine(strings.TrimSpace(scanner.Text())); err != nil {
			return nil, fmt.Errorf("trace: %s:%d: %w", path, p.lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("trace: %s: %w", path, err)
	}

	return p.finish()
}

type tracegParser struct {
	path   string
	lineNo int

	config KernelConfig
	blocks []BlockTrace

	inBlock   bool
	block     BlockTrace
	blockSet  bool
	warpID    int
	instsLeft int
	inWarp    bool
}

func (p *tracegParser) parseLine(line string) error {
	switch {
	case line == "":
		return nil

	case strings.HasPrefix(line, "-"):
		return p.parseHeader(line)

	case line == "#BEGIN_TB":
		if p.inBlock {
			return fmt.Errorf("nested #BEGIN_TB")
		}
		p.inBlock = true
		p.blockSet = false
		p.inWarp = false
		p.block = BlockTrace{}
		return nil

	case line == "#END_TB":
		return p.endBlock()

	case strings.HasPrefix(line, "thread block"):
		return p.parseThreadBlock(line)

	case strings.HasPrefix(line, "warp "):
		return p.parseWarp(line)

	case strings.HasPrefix(line, "insts "):
		return p.parseInstCount(line)

	default:
		return p.parseInst(line)
	}
}

func (p *tracegParser) parseHeader(line string) error {
	if p.inBlock {
		return fmt.Errorf("header line inside thread block")
	}

	key, value, found := strings.Cut(strings.TrimPrefix(line, "-"), "=")
	if !found {
		return fmt.Errorf("malformed header line %q", line)
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)

	var err error
	switch key {
	case "kernel name":
		p.config.Name = value
	case "kernel id":
		p.config.ID, err = strconv.Atoi(value)
	case "grid dim":
		p.config.GridDim, err = parseDim(value)
	case "block dim":
		p.config.BlockDim, err = parseDim(value)
	case "shmem":
		p.config.SharedMemBytes, err = strconv.Atoi(value)
	case "nregs":
		p.config.NumRegisters, err = strconv.Atoi(value)
	case "cuda stream id":
		p.config.StreamID, err = strconv.Atoi(value)
	default:
		// Tracer version lines and base addresses are irrelevant here.
	}
	if err != nil {
		return fmt.Errorf("header %q: %w", key, err)
	}

	return nil
}

// parseDim accepts "(x,y,z)" and "x,y,z".
func parseDim(s string) (Dim, error) {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	fields := strings.Split(s, ",")
	if len(fields) != 3 {
		return Dim{}, fmt.Errorf("malformed dim %q", s)
	}

	var vals [3]int
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return Dim{}, fmt.Errorf("malformed dim %q: %w", s, err)
		}
		vals[i] = v
	}

	return Dim{X: vals[0], Y: vals[1], Z: vals[2]}, nil
}

func (p *tracegParser) parseThreadBlock(line string) error {
	if !p.inBlock {
		return fmt.Errorf("thread block outside #BEGIN_TB")
	}

	_, value, found := strings.Cut(line, "=")
	if !found {
		return fmt.Errorf("malformed thread block line %q", line)
	}

	dim, err := parseDim(strings.TrimSpace(value))
	if err != nil {
		return err
	}

	warps := (p.config.BlockDim.Size() + WarpSize - 1) / WarpSize
	if warps <= 0 {
		return fmt.Errorf("thread block before block dim header")
	}

	p.block.Block = dim
	p.block.Warps = make([][]Inst, warps)
	p.blockSet = true
	return nil
}

func (p *tracegParser) parseWarp(line string) error {
	if !p.blockSet {
		return fmt.Errorf("warp outside thread block")
	}
	if p.inWarp && p.instsLeft > 0 {
		return fmt.Errorf("warp %d short by %d instructions", p.warpID, p.instsLeft)
	}

	_, value, found := strings.Cut(line, "=")
	if !found {
		return fmt.Errorf("malformed warp line %q", line)
	}

	id, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("malformed warp id: %w", err)
	}
	if id < 0 || id >= len(p.block.Warps) {
		return fmt.Errorf("warp id %d out of range [0,%d)", id, len(p.block.Warps))
	}

	p.warpID = id
	p.inWarp = true
	p.instsLeft = 0
	return nil
}

func (p *tracegParser) parseInstCount(line string) error {
	if !p.inWarp {
		return fmt.Errorf("insts outside warp")
	}

	_, value, found := strings.Cut(line, "=")
	if !found {
		return fmt.Errorf("malformed insts line %q", line)
	}

	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("malformed inst count: %w", err)
	}

	p.instsLeft = n
	p.block.Warps[p.warpID] = make([]Inst, 0, n)
	return nil
}

func (p *tracegParser) parseInst(line string) error {
	if !p.inWarp {
		return fmt.Errorf("unexpected line %q", line)
	}
	if p.instsLeft <= 0 {
		return fmt.Errorf("instruction beyond declared count: %q", line)
	}

	inst, err := ParseInst(line)
	if err != nil {
		return err
	}

	p.block.Warps[p.warpID] = append(p.block.Warps[p.warpID], inst)
	p.instsLeft--
	return nil
}

func (p *tracegParser) endBlock() error {
	if !p.inBlock {
		return fmt.Errorf("#END_TB without #BEGIN_TB")
	}
	if !p.blockSet {
		return fmt.Errorf("thread block missing before #END_TB")
	}
	if p.inWarp && p.instsLeft > 0 {
		return fmt.Errorf("warp %d short by %d instructions", p.warpID, p.instsLeft)
	}

	p.blocks = append(p.blocks, p.block)
	p.inBlock = false
	p.blockSet = false
	p.inWarp = false
	return nil
}

func (p *tracegParser) finish() (*Kernel, error) {
	if p.inBlock {
		return nil, fmt.Errorf("trace: %s: unterminated thread block", p.path)
	}

	kernel, err := NewKernel(p.config, p.blocks)
	if err != nil {
		return nil, err
	}
	return kernel, nil
}

// ParseInst parses one instruction record:
//
//	<pc> <mask> <#dest> <dest regs> <opcode> <#src> <src regs> <width> [<mode> <addrs>]
//
// pc and mask are hex. Memory addresses use the tracer's compression
// modes: 0 lists one address per active lane, 1 is base plus constant
// stride, 2 is base plus per-lane deltas.
func ParseInst(line string) (Inst, error) {
	fields := strings.Fields(line)
	t := &tokens{fields: fields, line: line}

	var inst Inst
	var err error

	if inst.PC, err = t.hex("pc"); err != nil {
		return inst, err
	}
	mask, err := t.hex("mask")
	if err != nil {
		return inst, err
	}
	inst.Mask = uint32(mask)

	ndest, err := t.count("dest count")
	if err != nil {
		return inst, err
	}
	for i := 0; i < ndest; i++ {
		reg, err := t.reg("dest reg")
		if err != nil {
			return inst, err
		}
		inst.DestRegs = append(inst.DestRegs, reg)
	}

	if inst.Opcode, err = t.next("opcode"); err != nil {
		return inst, err
	}

	nsrc, err := t.count("src count")
	if err != nil {
		return inst, err
	}
	for i := 0; i < nsrc; i++ {
		reg, err := t.reg("src reg")
		if err != nil {
			return inst, err
		}
		inst.SrcRegs = append(inst.SrcRegs, reg)
	}

	if inst.MemWidth, err = t.count("mem width"); err != nil {
		return inst, err
	}
	if inst.MemWidth > 0 {
		if err := parseAddrs(t, &inst); err != nil {
			return inst, err
		}
	}

	if !t.empty() {
		return inst, fmt.Errorf("trailing tokens in %q", line)
	}

	return inst, nil
}

func parseAddrs(t *tokens, inst *Inst) error {
	mode, err := t.count("address mode")
	if err != nil {
		return err
	}

	switch mode {
	case 0:
		for lane := 0; lane < WarpSize; lane++ {
			if !inst.Active(lane) {
				continue
			}
			if inst.Addrs[lane], err = t.hex("address"); err != nil {
				return err
			}
		}

	case 1:
		base, err := t.hex("base address")
		if err != nil {
			return err
		}
		stride, err := t.int("stride")
		if err != nil {
			return err
		}
		k := int64(0)
		for lane := 0; lane < WarpSize; lane++ {
			if !inst.Active(lane) {
				continue
			}
			inst.Addrs[lane] = uint64(int64(base) + k*stride)
			k++
		}

	case 2:
		addr, err := t.hex("base address")
		if err != nil {
			return err
		}
		first := true
		for lane := 0; lane < WarpSize; lane++ {
			if !inst.Active(lane) {
				continue
			}
			if !first {
				delta, err := t.int("delta")
				if err != nil {
					return err
				}
				addr = uint64(int64(addr) + delta)
			}
			inst.Addrs[lane] = addr
			first = false
		}

	default:
		return fmt.Errorf("unknown address mode %d in %q", mode, t.line)
	}

	return nil
}

// tokens walks the whitespace-split fields of an instruction record.
type tokens struct {
	fields []string
	line   string
}

func (t *tokens) empty() bool {
	return len(t.fields) == 0
}

func (t *tokens) next(what string) (string, error) {
	if len(t.fields) == 0 {
		return "", fmt.Errorf("missing %s in %q", what, t.line)
	}
	f := t.fields[0]
	t.fields = t.fields[1:]
	return f, nil
}

func (t *tokens) hex(what string) (uint64, error) {
	f, err := t.next(what)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(f, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed %s %q in %q", what, f, t.line)
	}
	return v, nil
}

func (t *tokens) count(what string) (int, error) {
	f, err := t.next(what)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(f)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("malformed %s %q in %q", what, f, t.line)
	}
	return v, nil
}

func (t *tokens) int(what string) (int64, error) {
	f, err := t.next(what)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(f, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed %s %q in %q", what, f, t.line)
	}
	return v, nil
}

func (t *tokens) reg(what string) (int, error) {
	f, err := t.next(what)
	if err != nil {
		return 0, err
	}
	f = strings.TrimPrefix(f, "R")
	v, err := strconv.Atoi(f)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("malformed %s %q in %q", what, f, t.line)
	}
	return v, nil
}
