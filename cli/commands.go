package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/memkit"
	"github.com/sliverarmory/memkit/elfscan"
	"github.com/sliverarmory/memkit/procfs"
	"github.com/sliverarmory/memkit/scanner"
)

// withSession runs fn on an open session and closes it afterwards.
func (a *app) withSession(fn func(cmd *cobra.Command, s *memkit.Session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := a.openSession()
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(cmd, s, args)
	}
}

func newMapsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "maps [filter]",
		Short: "List the memory mappings of the target",
		Args:  cobra.MaximumNArgs(1),
		RunE: a.withSession(func(cmd *cobra.Command, s *memkit.Session, args []string) error {
			maps, err := procfs.Maps(s.PID())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				maps = procfs.Filter(maps, func(path string) bool { return strings.Contains(path, args[0]) })
			}
			for _, m := range maps {
				fmt.Fprintln(cmd.OutOrStdout(), m.String())
			}
			return nil
		}),
	}
}

func newReadCmd(a *app) *cobra.Command {
	var asString bool
	cmd := &cobra.Command{
		Use:   "read <address> <length>",
		Short: "Hex dump target memory",
		Args:  cobra.ExactArgs(2),
		RunE: a.withSession(func(cmd *cobra.Command, s *memkit.Session, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			size, err := strconv.Atoi(args[1])
			if err != nil || size <= 0 {
				return fmt.Errorf("invalid length %q", args[1])
			}

			if asString {
				fmt.Fprintln(cmd.OutOrStdout(), s.ReadString(addr, size))
				return nil
			}
			buf := make([]byte, size)
			n := s.Read(addr, buf)
			if n == 0 {
				return fmt.Errorf("couldn't read %#x", addr)
			}
			if n < size {
				a.log.Warnf("read %d of %d bytes at %#x", n, size, addr)
			}
			fmt.Fprint(cmd.OutOrStdout(), hex.Dump(buf[:n]))
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asString, "string", false, "Print as a NUL terminated string")
	return cmd
}

func newWriteCmd(a *app) *cobra.Command {
	var patch bool
	cmd := &cobra.Command{
		Use:   "write <address> <hex>",
		Short: "Write bytes into target memory",
		Args:  cobra.ExactArgs(2),
		RunE: a.withSession(func(cmd *cobra.Command, s *memkit.Session, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			if patch {
				p, err := s.NewPatchHex(addr, args[1])
				if err != nil {
					return err
				}
				if err := p.Modify(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%#x: %s -> %s\n", addr, p.OriginalBytes(), p.CurrentBytes())
				return nil
			}

			b, err := scanner.DecodeHex(args[1])
			if err != nil {
				return err
			}
			if n := s.Write(addr, b); n != len(b) {
				return fmt.Errorf("wrote %d of %d bytes at %#x", n, len(b), addr)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%#x: wrote %d bytes\n", addr, len(b))
			return nil
		}),
	}
	cmd.Flags().BoolVar(&patch, "patch", false, "Write through /proc/<pid>/mem, reaching read-only pages")
	return cmd
}

func newELFCmd(a *app) *cobra.Command {
	var symbols bool
	cmd := &cobra.Command{
		Use:   "elf <library>",
		Short: "Describe a loaded ELF image",
		Args:  cobra.ExactArgs(1),
		RunE: a.withSession(func(cmd *cobra.Command, s *memkit.Session, args []string) error {
			img, err := findImage(s, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			h := img.Header()
			fmt.Fprintf(out, "path:       %s\n", img.FilePath())
			fmt.Fprintf(out, "type:       %s %s %s\n", h.Class, h.Type, h.Machine)
			fmt.Fprintf(out, "base:       %#x\n", img.Base())
			fmt.Fprintf(out, "end:        %#x\n", img.End())
			fmt.Fprintf(out, "load bias:  %#x\n", img.LoadBias())
			fmt.Fprintf(out, "load size:  %#x\n", img.LoadSize())
			fmt.Fprintf(out, "bss:        %#x (%#x)\n", img.BSS(), img.BSSSize())
			fmt.Fprintf(out, "dynamic:    %#x\n", img.Dynamic())
			fmt.Fprintf(out, "symtab:     %#x\n", img.SymbolTable())
			fmt.Fprintf(out, "strtab:     %#x (%#x)\n", img.StringTable(), img.StringTableSize())
			fmt.Fprintf(out, "segments:   %d\n", len(img.Segments()))
			fmt.Fprintf(out, "symbols:    %d\n", len(img.Symbols()))
			if symbols {
				for _, sym := range img.Symbols() {
					fmt.Fprintf(out, "%#x %s\n", sym.Address, sym.Name)
				}
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&symbols, "symbols", false, "List dynamic symbols")
	return cmd
}

func newSymbolCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "symbol <library> <name>",
		Short: "Resolve a symbol in memory and in the library file",
		Args:  cobra.ExactArgs(2),
		RunE: a.withSession(func(cmd *cobra.Command, s *memkit.Session, args []string) error {
			img, err := findImage(s, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			mem := img.FindSymbol(args[1])
			fmt.Fprintf(out, "memory: %#x\n", mem)

			file, err := s.RemoteSymbolFromFile(args[0], args[1])
			if err != nil {
				a.log.Warnf("file lookup: %v", err)
			} else {
				fmt.Fprintf(out, "file:   %#x\n", file)
			}
			if mem == 0 && file == 0 {
				return fmt.Errorf("symbol %s: %w", args[1], memkit.ErrNotFound)
			}
			return nil
		}),
	}
}

func newScanCmd(a *app) *cobra.Command {
	var (
		region string
		first  bool
	)
	cmd := &cobra.Command{
		Use:   "scan [<start> <end>] <ida-pattern>",
		Short: "Search target memory for an IDA style pattern",
		Args:  cobra.RangeArgs(1, 3),
		RunE: a.withSession(func(cmd *cobra.Command, s *memkit.Session, args []string) error {
			var start, end uintptr
			pattern := args[len(args)-1]
			switch {
			case region != "" && len(args) == 1:
				img, err := findImage(s, region)
				if err != nil {
					return err
				}
				start, end = img.Base(), img.End()
			case region == "" && len(args) == 3:
				var err error
				if start, err = parseAddress(args[0]); err != nil {
					return err
				}
				if end, err = parseAddress(args[1]); err != nil {
					return err
				}
			default:
				return fmt.Errorf("give either <start> <end> or --region")
			}

			p, err := scanner.ParseIDA(pattern)
			if err != nil {
				return err
			}
			var found []uintptr
			if first {
				if addr := s.Scanner().FindFirst(start, end, p); addr != 0 {
					found = append(found, addr)
				}
			} else {
				found = s.Scanner().FindAll(start, end, p)
			}
			for _, addr := range found {
				fmt.Fprintf(cmd.OutOrStdout(), "%#x\n", addr)
			}
			a.log.Infof("%d matches of %q in [%#x - %#x]", len(found), p, start, end)
			return nil
		}),
	}
	cmd.Flags().StringVar(&region, "region", "", "Scan the loaded span of this library")
	cmd.Flags().BoolVar(&first, "first", false, "Stop at the first match")
	return cmd
}

func newCallCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "call <library> <symbol> [args...]",
		Short: "Call a function inside the target",
		Args:  cobra.MinimumNArgs(2),
		RunE: a.withSession(func(cmd *cobra.Command, s *memkit.Session, args []string) error {
			img, err := findImage(s, args[0])
			if err != nil {
				return err
			}
			fn := img.FindSymbol(args[1])
			if fn == 0 {
				if fn, err = s.RemoteSymbolFromFile(args[0], args[1]); err != nil {
					return err
				}
			}

			callArgs := make([]uintptr, 0, len(args)-2)
			for _, arg := range args[2:] {
				v, err := parseAddress(arg)
				if err != nil {
					return err
				}
				callArgs = append(callArgs, v)
			}

			tracer := s.Tracer()
			if err := tracer.Attach(); err != nil {
				return err
			}
			defer tracer.Detach()

			ret, err := tracer.Call(fn, callArgs...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s(%d args) = %#x\n", args[1], len(callArgs), ret)
			return nil
		}),
	}
}

func newDumpCmd(a *app) *cobra.Command {
	var mapped bool
	cmd := &cobra.Command{
		Use:   "dump <library> <output>",
		Short: "Dump a loaded ELF image or mapped file to disk",
		Args:  cobra.ExactArgs(2),
		RunE: a.withSession(func(cmd *cobra.Command, s *memkit.Session, args []string) error {
			var (
				n   int
				err error
			)
			if mapped {
				n, err = s.DumpFile(args[0], args[1])
			} else {
				var img *elfscan.Image
				if img, err = findImage(s, args[0]); err != nil {
					return err
				}
				n, err = s.DumpELF(img.Base(), args[1])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes\n", args[1], n)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&mapped, "mapped-file", false, "Dump the mapped file whose path ends with <library>")
	return cmd
}

// findImage accepts "exe" for the main executable and "libc" for the C
// library.
func findImage(s *memkit.Session, name string) (*elfscan.Image, error) {
	switch name {
	case "exe":
		return s.ExeELF()
	case "libc":
		return s.LibcELF()
	}
	return s.FindELF(name)
}
