// Command luks-rescue recovers sector data from a disk image written by
// a LUKS2 volume in AES-GCM authenticated mode whose header is lost.
// The raw master key must be supplied; the payload offset is searched
// by sampled tag verification, then every sector is decrypted, checked
// and streamed out.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/markuschaaf/luks-rescue/internal/blockio"
	"github.com/markuschaaf/luks-rescue/internal/luks"
)

type options struct {
	imageFile     string
	masterKeyFile string
	sectorCount   sizeValue
	sectorSize    sizeValue
	alignment     sizeValue
	certainty     uint
	dataFile      string
	tagFile       string
}

func main() {
	opt := options{
		sectorSize: 512,
		alignment:  0x8000,
		certainty:  25,
	}
	cmd := &cobra.Command{
		Use:   "luks-rescue",
		Short: "Recover sector data from a headerless LUKS2 AES-GCM volume",
		Long: `luks-rescue searches a disk image for the data payload of a LUKS2
volume that was configured with AES-GCM authenticated encryption, then
decrypts it with a master key obtained out of band. The LUKS2 header is
not consulted and may be missing or destroyed.

--sector-count, --sector-size and --alignment accept decimal,
0x-prefixed hex or 0-prefixed octal values, with an optional binary K,
M, G or T suffix.`,
		Example:       `  luks-rescue --image sda.img --master-key mk.bin --sector-count 0x100000 --data recovered.bin`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(&opt, os.Stderr)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opt.imageFile, "image", "", "disk image to search")
	flags.StringVar(&opt.masterKeyFile, "master-key", "", "file holding the raw AES master key (16, 24 or 32 bytes)")
	flags.Var(&opt.sectorCount, "sector-count", "number of logical sectors the volume had")
	flags.Var(&opt.sectorSize, "sector-size", "sector size in bytes (512, 1024, 2048 or 4096)")
	flags.Var(&opt.alignment, "alignment", "candidate offsets are multiples of this")
	flags.UintVar(&opt.certainty, "certainty", opt.certainty, "percentage of sampled verifications an offset must pass")
	flags.StringVar(&opt.dataFile, "data", "", "write recovered plaintext here ('-' for stdout)")
	flags.StringVar(&opt.tagFile, "tags", "", "write computed per-sector tags here ('-' for stdout)")
	for _, f := range []string{"image", "master-key", "sector-count"} {
		cobra.CheckErr(cmd.MarkFlagRequired(f))
	}
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func (o *options) check() error {
	if o.certainty > 100 {
		return fmt.Errorf("bad certainty %d%% (want 0..100)", o.certainty)
	}
	for _, v := range []struct {
		name string
		val  sizeValue
	}{
		{"sector-count", o.sectorCount},
		{"alignment", o.alignment},
	} {
		if v.val == 0 || v.val > maxSize {
			return fmt.Errorf("bad %s %#x", v.name, uint64(v.val))
		}
	}
	if _, err := luks.NewGeometry(int(o.sectorSize)); err != nil {
		return err
	}
	return nil
}

// run is the driver: map the inputs, find the payload, rescue it into
// the requested sinks. Progress and diagnostics go to diag.
func run(opt *options, diag io.Writer) (err error) {
	if err := opt.check(); err != nil {
		return err
	}

	img, err := blockio.MapFile(opt.imageFile)
	if err != nil {
		return err
	}
	defer closeKeep(img, &err)
	key, err := blockio.MapFile(opt.masterKeyFile)
	if err != nil {
		return err
	}
	defer closeKeep(key, &err)

	vol, err := luks.NewVolume(img.Data(), key.Data(), int(opt.sectorCount), int(opt.sectorSize))
	if err != nil {
		return fmt.Errorf("%s: %w", opt.masterKeyFile, err)
	}

	fmt.Fprintln(diag, "searching data offset ...")
	cert := vol.FindOffset(int(opt.alignment), opt.certainty)
	if cert == 0 {
		return errors.New("Cannot find offset.")
	}
	fmt.Fprintf(diag, "found offset %#x with %d%% certainty\n", vol.Offset(), cert)

	if opt.dataFile == "" && opt.tagFile == "" {
		return nil
	}
	data, err := openSink(opt.dataFile)
	if err != nil {
		return err
	}
	defer closeKeep(data, &err)
	tags, err := openSink(opt.tagFile)
	if err != nil {
		return err
	}
	defer closeKeep(tags, &err)

	return vol.Rescue(data, tags, diag)
}

// sink couples a writer with the closer the driver must run on exit.
type sink struct {
	io.Writer
	io.Closer
}

// openSink resolves an output path: empty discards, "-" streams to
// stdout (refused on a terminal, the plaintext is binary), anything
// else is created fresh.
func openSink(name string) (*sink, error) {
	switch name {
	case "":
		return &sink{io.Discard, nopCloser{}}, nil
	case "-":
		if term.IsTerminal(1) {
			return nil, errors.New("stdout is a terminal, not writing binary data to it")
		}
		f := blockio.Stdout()
		return &sink{f, f}, nil
	}
	f, err := blockio.Create(name)
	if err != nil {
		return nil, err
	}
	return &sink{f, f}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// closeKeep closes c and keeps the close error unless an earlier one is
// already being returned.
func closeKeep(c io.Closer, errp *error) {
	if err := c.Close(); err != nil && *errp == nil {
		*errp = err
	}
}
