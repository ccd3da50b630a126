package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/chzyer/readline"

	"github.com/KevoDB/usf/pkg/engine"
	"github.com/KevoDB/usf/pkg/format"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".stats"),
	readline.PcItem(".exit"),
	readline.PcItem("STORE",
		readline.PcItem("TEXT"),
		readline.PcItem("BINARY"),
		readline.PcItem("JSON"),
		readline.PcItem("STRUCTURED"),
	),
	readline.PcItem("IMPORT"),
	readline.PcItem("EXPORT"),
	readline.PcItem("RETRIEVE"),
	readline.PcItem("DELETE"),
	readline.PcItem("LIST"),
	readline.PcItem("STAT"),
	readline.PcItem("VERIFY"),
	readline.PcItem("COMPACT"),
)

const shellHelpText = `
Commands:
  .help                         - Show this help message
  .stats                        - Show container statistics
  .exit                         - Exit the shell

  STORE key value               - Store value as text
  STORE TYPE key value          - Store value with a data type (TEXT, BINARY, JSON, STRUCTURED)
  IMPORT key path [TYPE]        - Store the contents of a file
  EXPORT key path               - Write the value of key to a file
  RETRIEVE key                  - Print the value of key
  DELETE key                    - Delete key
  LIST [prefix]                 - List keys, optionally only those with prefix
  STAT [key]                    - Describe the container or one key
  VERIFY                        - Read back every key and report damage
  COMPACT                       - Rewrite the container without dead records
`

func (a *app) shell(args []string) error {
	fs := a.flagSet("shell")
	rest, err := parse(fs, args, 1, 1)
	if err != nil {
		return ignoreHelp(err)
	}

	s, err := a.open(rest[0])
	if err != nil {
		return err
	}
	defer s.Close()

	historyFile := filepath.Join(os.TempDir(), ".usf_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("usf:%s> ", filepath.Base(rest[0])),
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
		Stdin:           io.NopCloser(a.stdin),
		Stdout:          a.stdout,
		Stderr:          a.stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(a.stdout, "Enter .help for usage hints.")
	sh := &shell{engine: s.Engine, out: a.stdout}
	for {
		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					return nil
				}
				continue
			}
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}

		if done := sh.exec(line); done {
			return nil
		}
	}
}

// shell executes one REPL line at a time against an open engine
type shell struct {
	engine *engine.Engine
	out    io.Writer
}

// exec runs line and reports whether the shell should exit
func (sh *shell) exec(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	parts := strings.Fields(line)
	cmd := strings.ToUpper(parts[0])

	if strings.HasPrefix(cmd, ".") {
		switch strings.ToLower(cmd) {
		case ".help":
			fmt.Fprint(sh.out, shellHelpText)
		case ".stats":
			sh.printStats()
		case ".exit", ".quit":
			return true
		default:
			fmt.Fprintf(sh.out, "Unknown command: %s\n", cmd)
		}
		return false
	}

	var err error
	switch cmd {
	case "STORE":
		err = sh.store(line, parts)
	case "IMPORT":
		err = sh.importFile(parts)
	case "EXPORT":
		err = sh.exportFile(parts)
	case "RETRIEVE", "GET":
		if len(parts) != 2 {
			fmt.Fprintln(sh.out, "Error: RETRIEVE requires a key argument")
			return false
		}
		var data []byte
		if data, err = sh.engine.Retrieve(parts[1]); err == nil {
			fmt.Fprintf(sh.out, "%s\n", data)
		}
	case "DELETE":
		if len(parts) != 2 {
			fmt.Fprintln(sh.out, "Error: DELETE requires a key argument")
			return false
		}
		if err = sh.engine.Delete(parts[1]); err == nil {
			fmt.Fprintln(sh.out, "Key deleted")
		}
	case "LIST":
		count := 0
		for key := range sh.engine.List() {
			if len(parts) > 1 && !strings.HasPrefix(key, parts[1]) {
				continue
			}
			fmt.Fprintln(sh.out, key)
			count++
		}
		fmt.Fprintf(sh.out, "%d keys found\n", count)
	case "STAT":
		if len(parts) > 1 {
			err = statKey(sh.engine, sh.out, parts[1])
		} else {
			statContainer(sh.engine, sh.out)
		}
	case "VERIFY":
		err = verifyAndReport(sh.engine, sh.out)
	case "COMPACT":
		err = compactAndReport(sh.engine, sh.out)
	default:
		fmt.Fprintf(sh.out, "Unknown command: %s\n", cmd)
		return false
	}

	if err != nil {
		sh.printError(err)
	}
	return false
}

// store handles STORE key value and STORE TYPE key value. The value is the
// rest of the line after the key, spaces included.
func (sh *shell) store(line string, parts []string) error {
	if len(parts) < 3 {
		fmt.Fprintln(sh.out, "Error: STORE requires key and value arguments")
		return nil
	}

	dt := format.TypeText
	fields := 2
	if len(parts) >= 4 {
		if parsed, err := format.ParseDataType(parts[1]); err == nil {
			dt = parsed
			fields = 3
		}
	}

	key := parts[fields-1]
	value := restAfterFields(line, fields)
	return storeAndReport(sh.engine, sh.out, key, []byte(value), dt)
}

func (sh *shell) importFile(parts []string) error {
	if len(parts) < 3 {
		fmt.Fprintln(sh.out, "Error: IMPORT requires key and path arguments")
		return nil
	}
	dt := guessType(parts[2])
	if len(parts) > 3 {
		parsed, err := format.ParseDataType(parts[3])
		if err != nil {
			return err
		}
		dt = parsed
	}
	data, err := os.ReadFile(parts[2])
	if err != nil {
		return err
	}
	return storeAndReport(sh.engine, sh.out, parts[1], data, dt)
}

func (sh *shell) exportFile(parts []string) error {
	if len(parts) != 3 {
		fmt.Fprintln(sh.out, "Error: EXPORT requires key and path arguments")
		return nil
	}
	data, err := sh.engine.Retrieve(parts[1])
	if err != nil {
		return err
	}
	if err := os.WriteFile(parts[2], data, 0644); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "Wrote %d bytes to %s\n", len(data), parts[2])
	return nil
}

func (sh *shell) printError(err error) {
	var be *engine.BlockError
	switch {
	case errors.Is(err, engine.ErrKeyNotFound):
		fmt.Fprintln(sh.out, "Key not found")
	case errors.As(err, &be):
		fmt.Fprintf(sh.out, "Damaged: %v\n", err)
	default:
		fmt.Fprintf(sh.out, "Error: %v\n", err)
	}
}

func (sh *shell) printStats() {
	stats := sh.engine.Stats()

	getUint64 := func(m map[string]interface{}, key string) uint64 {
		switch v := m[key].(type) {
		case uint64:
			return v
		case int64:
			return uint64(v)
		case int:
			return uint64(v)
		}
		return 0
	}

	fmt.Fprintln(sh.out, "Operations:")
	for _, op := range []string{"store", "retrieve", "delete", "list", "verify", "compact"} {
		line := fmt.Sprintf("  %s: %d", toTitle(op), getUint64(stats, op+"_ops"))
		if latency, ok := stats[op+"_latency"].(map[string]interface{}); ok {
			if avgNs, ok := latency["avg_ns"].(uint64); ok {
				line += fmt.Sprintf(" (avg %.2f ms)", float64(avgNs)/float64(time.Millisecond))
			}
		}
		fmt.Fprintln(sh.out, line)
	}

	fmt.Fprintln(sh.out, "\nStorage:")
	fmt.Fprintf(sh.out, "  Keys: %d\n", getUint64(stats, "keys"))
	fmt.Fprintf(sh.out, "  File Size: %d bytes\n", getUint64(stats, "file_size"))
	fmt.Fprintf(sh.out, "  Logical Size: %d bytes\n", getUint64(stats, "logical_size"))
	fmt.Fprintf(sh.out, "  Bytes Written: %d\n", getUint64(stats, "total_bytes_written"))
	fmt.Fprintf(sh.out, "  Bytes Read: %d\n", getUint64(stats, "total_bytes_read"))
	if ratio, ok := stats["compression_ratio"].(float64); ok {
		fmt.Fprintf(sh.out, "  Compression Ratio: %.2f\n", ratio)
	}

	if codecs, ok := stats["codecs"].(map[string]uint64); ok && len(codecs) > 0 {
		fmt.Fprintln(sh.out, "\nCodecs:")
		for name, count := range codecs {
			fmt.Fprintf(sh.out, "  %s: %d blocks\n", name, count)
		}
	}

	if corrupt, ok := stats["corruption"].(map[string]uint64); ok && len(corrupt) > 0 {
		fmt.Fprintln(sh.out, "\nCorruption:")
		for kind, count := range corrupt {
			fmt.Fprintf(sh.out, "  %s: %d\n", toTitle(kind), count)
		}
	}

	if errs, ok := stats["errors"].(map[string]uint64); ok && len(errs) > 0 {
		fmt.Fprintln(sh.out, "\nErrors:")
		for errType, count := range errs {
			fmt.Fprintf(sh.out, "  %s: %d\n", toTitle(strings.ReplaceAll(errType, "_", " ")), count)
		}
	}

	if recovery, ok := stats["recovery"].(map[string]interface{}); ok && getUint64(recovery, "rebuilds") > 0 {
		fmt.Fprintln(sh.out, "\nIndex Recovery:")
		fmt.Fprintf(sh.out, "  Records Scanned: %d\n", getUint64(recovery, "records_scanned"))
		fmt.Fprintf(sh.out, "  Entries Rebuilt: %d\n", getUint64(recovery, "entries_rebuilt"))
		fmt.Fprintf(sh.out, "  Regions Skipped: %d\n", getUint64(recovery, "regions_skipped"))
	}

	if n := getUint64(stats, "compaction_count"); n > 0 {
		fmt.Fprintln(sh.out, "\nCompaction:")
		fmt.Fprintf(sh.out, "  Count: %d\n", n)
		if reclaimed, ok := stats["compaction_reclaimed_bytes"].(int64); ok {
			fmt.Fprintf(sh.out, "  Reclaimed: %d bytes\n", reclaimed)
		}
	}
}

// restAfterFields returns line with its first n whitespace separated fields
// removed
func restAfterFields(line string, n int) string {
	rest := strings.TrimLeftFunc(line, unicode.IsSpace)
	for i := 0; i < n; i++ {
		idx := strings.IndexFunc(rest, unicode.IsSpace)
		if idx < 0 {
			return ""
		}
		rest = strings.TrimLeftFunc(rest[idx:], unicode.IsSpace)
	}
	return rest
}

// toTitle converts the first character of each word to title case
func toTitle(s string) string {
	prev := ' '
	return strings.Map(
		func(r rune) rune {
			if unicode.IsSpace(prev) || unicode.IsPunct(prev) {
				prev = r
				return unicode.ToTitle(r)
			}
			prev = r
			return r
		},
		s)
}
