// Command svarog is a thin CLI front-end over the p4k, cryxml and
// datacore packages (spec.md §6). The CLI is explicitly out of CORE
// scope: it maps subcommands onto the library calls plus filesystem
// writes and is not held to the invariants the packages themselves are.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/19h/svarog/cryxml"
	"github.com/19h/svarog/datacore"
	"github.com/19h/svarog/ferr"
	"github.com/19h/svarog/p4k"
)

var verbose bool

// exitCode maps a CLI-level failure to spec.md §6's exit code contract:
// 0 success, 1 user error, 2 format error, 3 I/O error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch ferr.KindOf(err) {
	case ferr.Io:
		return 3
	case ferr.Unknown:
		return 1
	default:
		return 2
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(exitCode(err))
}

func main() {
	var rootCmd = &cobra.Command{
		Use:   "svarog",
		Short: "Reads P4K archives, CryXmlB documents, and DataCore databases",
		Long:  "svarog inspects and extracts the P4K/CryXmlB/DataCore game-data formats",
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		newP4KListCmd(),
		newP4KExtractCmd(),
		newDCBExtractCmd(),
		newCryXMLConvertCmd(),
		newCryXMLCreateCmd(),
		newCryXMLConvertAllCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fail(err)
	}
}

func newP4KListCmd() *cobra.Command {
	var glob string
	cmd := &cobra.Command{
		Use:   "p4k-list <archive.p4k>",
		Short: "List entries in a P4K archive",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			archive, err := p4k.Open(args[0], nil)
			if err != nil {
				fail(err)
			}
			defer archive.Close()

			for _, e := range archive.Iter() {
				if glob != "" {
					if ok, _ := filepath.Match(glob, e.Name); !ok {
						continue
					}
				}
				fmt.Printf("%10d %10d %s\n", e.CompressedSize, e.UncompressedSize, e.Name)
			}
		},
	}
	cmd.Flags().StringVar(&glob, "glob", "", "only list entries whose canonicalized name matches this glob")
	return cmd
}

func newP4KExtractCmd() *cobra.Command {
	var glob string
	var workers int
	var verifyCRC bool
	var keyHex string
	cmd := &cobra.Command{
		Use:   "p4k-extract <archive.p4k> <outdir>",
		Short: "Extract entries from a P4K archive",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			opts := &p4k.Options{VerifyCRC: verifyCRC}
			if keyHex != "" {
				key, err := parseAESKeyHex(keyHex)
				if err != nil {
					fail(ferr.Wrap(ferr.Unknown, "parsing --key", err))
				}
				opts.AESKey = key
			}

			archive, err := p4k.Open(args[0], opts)
			if err != nil {
				fail(err)
			}
			defer archive.Close()

			var selected []p4k.Entry
			for _, e := range archive.Iter() {
				if glob != "" {
					if ok, _ := filepath.Match(glob, e.Name); !ok {
						continue
					}
				}
				selected = append(selected, e)
			}

			results := archive.ExtractParallel(selected, args[1], workers)
			failures := 0
			for _, r := range results {
				if r.Err != nil {
					failures++
					fmt.Fprintf(os.Stderr, "%s: %v\n", r.Entry.Name, r.Err)
				} else if verbose {
					fmt.Println(r.Entry.Name)
				}
			}
			if failures > 0 {
				os.Exit(2)
			}
		},
	}
	cmd.Flags().StringVar(&glob, "glob", "", "only extract entries whose canonicalized name matches this glob")
	cmd.Flags().IntVar(&workers, "workers", 0, "parallel extraction worker count (default: 1)")
	cmd.Flags().BoolVar(&verifyCRC, "verify-crc", false, "verify CRC32 of every extracted entry")
	cmd.Flags().StringVar(&keyHex, "key", "", "32 hex-character AES-128 key (default: the published key)")
	return cmd
}

func newDCBExtractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dcb-extract <database.dcb> <outdir>",
		Short: "Project every record of a DataCore database to XML",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			db, err := datacore.Open(args[0], nil)
			if err != nil {
				fail(err)
			}
			defer db.Close()

			var progress func(current, total int)
			if verbose {
				progress = func(current, total int) {
					fmt.Printf("\r%d/%d", current, total)
				}
			}
			if err := datacore.ExportAll(db, args[1], progress); err != nil {
				fail(err)
			}
			if verbose {
				fmt.Println()
			}
		},
	}
	return cmd
}

func newCryXMLConvertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cryxml-convert <in.cryxml> <out.xml>",
		Short: "Decode a CryXmlB file to textual XML",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			if err := convertCryXMLToXML(args[0], args[1]); err != nil {
				fail(err)
			}
		},
	}
	return cmd
}

func newCryXMLCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cryxml-create <in.xml> <out.cryxml>",
		Short: "Encode a textual XML document as CryXmlB",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			if err := convertXMLToCryXML(args[0], args[1]); err != nil {
				fail(err)
			}
		},
	}
	return cmd
}

func newCryXMLConvertAllCmd() *cobra.Command {
	var glob string
	cmd := &cobra.Command{
		Use:   "cryxml-convert-all <indir> <outdir>",
		Short: "Decode every CryXmlB file under indir to textual XML under outdir",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			inDir, outDir := args[0], args[1]
			failures := 0
			err := filepath.Walk(inDir, func(path string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if info.IsDir() {
					return nil
				}
				rel, err := filepath.Rel(inDir, path)
				if err != nil {
					return err
				}
				if glob != "" {
					if ok, _ := filepath.Match(glob, filepath.ToSlash(rel)); !ok {
						return nil
					}
				}
				outPath := filepath.Join(outDir, rel) + ".xml"
				if convErr := convertCryXMLToXML(path, outPath); convErr != nil {
					failures++
					fmt.Fprintf(os.Stderr, "%s: %v\n", path, convErr)
					return nil
				}
				if verbose {
					fmt.Println(rel)
				}
				return nil
			})
			if err != nil {
				fail(ferr.Wrap(ferr.Io, "walking input directory", err))
			}
			if failures > 0 {
				os.Exit(2)
			}
		},
	}
	cmd.Flags().StringVar(&glob, "glob", "", "only convert files whose canonicalized relative path matches this glob")
	return cmd
}

func convertCryXMLToXML(inPath, outPath string) error {
	data, err := os.ReadFile(inPath)
	if err != nil {
		return ferr.Wrap(ferr.Io, "reading cryxml input", err)
	}
	doc, err := cryxml.Decode(data, nil)
	if err != nil {
		return err
	}
	text, err := cryxml.ToXML(doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return ferr.Wrap(ferr.Io, "creating output directory", err)
	}
	if err := os.WriteFile(outPath, []byte(text), 0o644); err != nil {
		return ferr.Wrap(ferr.Io, "writing xml output", err)
	}
	return nil
}

func convertXMLToCryXML(inPath, outPath string) error {
	f, err := os.Open(inPath)
	if err != nil {
		return ferr.Wrap(ferr.Io, "reading xml input", err)
	}
	defer f.Close()

	doc, err := cryxml.ParseXML(f)
	if err != nil {
		return err
	}
	out := cryxml.Encode(doc)

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return ferr.Wrap(ferr.Io, "creating output directory", err)
	}
	if err := os.WriteFile(outPath, out, 0o644); err != nil {
		return ferr.Wrap(ferr.Io, "writing cryxml output", err)
	}
	return nil
}

func parseAESKeyHex(s string) (*[16]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) != 32 {
		return nil, errors.New("key must be exactly 32 hex characters (16 bytes)")
	}
	var key [16]byte
	for i := 0; i < 16; i++ {
		var b byte
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err != nil {
			return nil, fmt.Errorf("invalid hex byte at position %d: %w", i, err)
		}
		key[i] = b
	}
	return &key, nil
}
