package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/KevoDB/usf/pkg/crypt"
	"github.com/KevoDB/usf/pkg/engine"
	"github.com/KevoDB/usf/pkg/format"
)

// errDamaged is returned by verify when any key fails to read back
var errDamaged = errors.New("container has damaged entries")

func (a *app) create(args []string) error {
	fs := a.flagSet("create")
	blockSize := fs.Int("block-size", 0, "block size in bytes (default from config, 65536)")
	compressor := fs.String("compressor", "", "auto, zstd, lz4, snappy, xz or none")
	encrypt := fs.Bool("encrypt", false, "encrypt block payloads; generates --key-file if it does not exist")
	rest, err := parse(fs, args, 1, 1)
	if err != nil {
		return ignoreHelp(err)
	}

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if *blockSize != 0 {
		cfg.BlockSize = *blockSize
	}
	if *compressor != "" {
		cfg.Compressor = *compressor
	}
	if *encrypt {
		cfg.Encrypt = true
		if a.keyFile == "" {
			return usageError("--encrypt requires --key-file")
		}
		if err := ensureKeyFile(a.keyFile); err != nil {
			return err
		}
	}

	opts, tel, err := a.options(cfg)
	if err != nil {
		return err
	}
	e, err := engine.Create(rest[0], opts...)
	if err != nil {
		return err
	}
	s := &session{Engine: e, tel: tel}
	defer s.Close()

	hdr := s.Header()
	fmt.Fprintf(a.stdout, "Created %s (block size %d, encrypted %v)\n", rest[0], hdr.BlockSize, hdr.Encrypted())
	return nil
}

// ensureKeyFile writes fresh key material to path unless it already exists
func ensureKeyFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	key, err := crypt.GenerateKey()
	if err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return f.Close()
}

func (a *app) store(args []string) error {
	fs := a.flagSet("store")
	typeName := fs.StringP("type", "t", "", "data type: text, binary, image, json or structured (default guessed from the source name)")
	rest, err := parse(fs, args, 3, 3)
	if err != nil {
		return ignoreHelp(err)
	}
	path, key, src := rest[0], rest[1], rest[2]

	dt := guessType(src)
	if *typeName != "" {
		if dt, err = format.ParseDataType(*typeName); err != nil {
			return usageError("%v", err)
		}
	}

	var data []byte
	if src == "-" {
		data, err = io.ReadAll(a.stdin)
	} else {
		data, err = os.ReadFile(src)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}

	s, err := a.open(path)
	if err != nil {
		return err
	}
	defer s.Close()

	return storeAndReport(s.Engine, a.stdout, key, data, dt)
}

func storeAndReport(e *engine.Engine, w io.Writer, key string, data []byte, dt format.DataType) error {
	if err := e.Store(key, data, dt); err != nil {
		return err
	}
	info, err := e.Stat(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Stored %s: %d bytes as %s in %d blocks, %d on disk\n",
		key, len(data), dt, len(info.Blocks), info.StoredBytes)
	return nil
}

// guessType picks a data type from a file extension
func guessType(name string) format.DataType {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".csv", ".log", ".go", ".html", ".xml":
		return format.TypeText
	case ".json":
		return format.TypeJSON
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp":
		return format.TypeImage
	case ".bin", ".dat":
		return format.TypeBinary
	}
	return format.TypeUnknown
}

func (a *app) retrieve(args []string) error {
	fs := a.flagSet("retrieve")
	output := fs.StringP("output", "o", "", "write to this file instead of stdout")
	rest, err := parse(fs, args, 2, 2)
	if err != nil {
		return ignoreHelp(err)
	}

	s, err := a.open(rest[0])
	if err != nil {
		return err
	}
	defer s.Close()

	data, err := s.Retrieve(rest[1])
	if err != nil {
		return err
	}
	if *output != "" {
		return os.WriteFile(*output, data, 0644)
	}
	_, err = a.stdout.Write(data)
	return err
}

func (a *app) delete(args []string) error {
	fs := a.flagSet("delete")
	rest, err := parse(fs, args, 2, 2)
	if err != nil {
		return ignoreHelp(err)
	}

	s, err := a.open(rest[0])
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Delete(rest[1]); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Deleted %s\n", rest[1])
	return nil
}

func (a *app) list(args []string) error {
	fs := a.flagSet("list")
	long := fs.BoolP("long", "l", false, "show size, type and block count")
	rest, err := parse(fs, args, 1, 1)
	if err != nil {
		return ignoreHelp(err)
	}

	s, err := a.open(rest[0])
	if err != nil {
		return err
	}
	defer s.Close()

	return listKeys(s.Engine, a.stdout, *long)
}

func listKeys(e *engine.Engine, w io.Writer, long bool) error {
	if !long {
		for key := range e.List() {
			fmt.Fprintln(w, key)
		}
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSIZE\tSTORED\tTYPE\tBLOCKS\tMODIFIED")
	for key := range e.List() {
		info, err := e.Stat(key)
		if err != nil {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%d\t%s\n", key, info.Size, info.StoredBytes, info.Type,
			len(info.Blocks), info.ModifiedAt().Format(time.RFC3339))
	}
	return tw.Flush()
}

func (a *app) stat(args []string) error {
	fs := a.flagSet("stat")
	rest, err := parse(fs, args, 1, 2)
	if err != nil {
		return ignoreHelp(err)
	}

	s, err := a.open(rest[0])
	if err != nil {
		return err
	}
	defer s.Close()

	if len(rest) == 2 {
		return statKey(s.Engine, a.stdout, rest[1])
	}
	statContainer(s.Engine, a.stdout)
	return nil
}

func statKey(e *engine.Engine, w io.Writer, key string) error {
	info, err := e.Stat(key)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Key:\t%s\n", info.Key)
	fmt.Fprintf(tw, "Type:\t%s\n", info.Type)
	fmt.Fprintf(tw, "Size:\t%d\n", info.Size)
	fmt.Fprintf(tw, "Stored:\t%d\n", info.StoredBytes)
	fmt.Fprintf(tw, "Transform:\t%s\n", info.Transform)
	fmt.Fprintf(tw, "Blocks:\t%d\n", len(info.Blocks))
	fmt.Fprintf(tw, "Generation:\t%d\n", info.Generation)
	fmt.Fprintf(tw, "Encrypted:\t%v\n", info.Encrypted)
	fmt.Fprintf(tw, "Created:\t%s\n", info.CreatedAt().Format(time.RFC3339))
	fmt.Fprintf(tw, "Modified:\t%s\n", info.ModifiedAt().Format(time.RFC3339))
	fmt.Fprintf(tw, "Digest:\t%s\n", hex.EncodeToString(info.Digest[:]))
	return tw.Flush()
}

func statContainer(e *engine.Engine, w io.Writer) {
	hdr := e.Header()
	stats := e.Stats()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Path:\t%s\n", e.Path())
	fmt.Fprintf(tw, "Version:\t%d\n", hdr.Version)
	fmt.Fprintf(tw, "Block size:\t%d\n", hdr.BlockSize)
	fmt.Fprintf(tw, "Encrypted:\t%v\n", hdr.Encrypted())
	fmt.Fprintf(tw, "Created:\t%s\n", hdr.CreatedAt().Format(time.RFC3339))
	fmt.Fprintf(tw, "Keys:\t%v\n", stats["keys"])
	fmt.Fprintf(tw, "Logical size:\t%v\n", stats["logical_size"])
	fmt.Fprintf(tw, "File size:\t%v\n", stats["file_size"])
	fmt.Fprintf(tw, "Reclaimable:\t%v\n", stats["reclaimable_bytes"])
	if suggested, _ := stats["compaction_suggested"].(bool); suggested {
		fmt.Fprintf(tw, "Hint:\trun compact to reclaim space\n")
	}
	fmt.Fprintf(tw, "Index:\t%v\n", stats["recovery_state"])
	if rec := e.LastRecovery(); rec.Reason != nil {
		fmt.Fprintf(tw, "Rebuilt:\t%d entries from %d records (%v)\n",
			rec.Rebuild.Entries, rec.Rebuild.Records, rec.Reason)
	}
	tw.Flush()
}

func (a *app) verify(args []string) error {
	fs := a.flagSet("verify")
	rest, err := parse(fs, args, 1, 1)
	if err != nil {
		return ignoreHelp(err)
	}

	s, err := a.open(rest[0])
	if err != nil {
		return err
	}
	defer s.Close()

	return verifyAndReport(s.Engine, a.stdout)
}

func verifyAndReport(e *engine.Engine, w io.Writer) error {
	corrupt, err := e.Verify()
	if err != nil {
		return err
	}
	for _, c := range corrupt {
		fmt.Fprintf(w, "DAMAGED %s: %v\n", c.Key, c.Err)
	}
	fmt.Fprintf(w, "%d keys checked, %d damaged\n", e.Len(), len(corrupt))
	if len(corrupt) > 0 {
		return errDamaged
	}
	return nil
}

func (a *app) compact(args []string) error {
	fs := a.flagSet("compact")
	rest, err := parse(fs, args, 1, 1)
	if err != nil {
		return ignoreHelp(err)
	}

	s, err := a.open(rest[0])
	if err != nil {
		return err
	}
	defer s.Close()

	return compactAndReport(s.Engine, a.stdout)
}

func compactAndReport(e *engine.Engine, w io.Writer) error {
	res, err := e.Compact()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Compacted %d keys (%d blocks): %d -> %d bytes, %d reclaimed in %s\n",
		res.Entries, res.Blocks, res.BytesBefore, res.BytesAfter, res.Reclaimed(),
		res.Duration.Round(time.Millisecond))
	return nil
}

// ignoreHelp turns a --help request into a clean exit
func ignoreHelp(err error) error {
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	return err
}
