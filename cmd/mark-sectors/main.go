// Command mark-sectors stamps every sector of a block device (or a
// regular file) with its own index: the first eight bytes of each
// sector are the little-endian sector number, the rest zeros. A device
// prepared this way makes it trivial to see, after an encryption layer
// scrambled or relocated data, which plaintext sector ended up where.
package main

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/markuschaaf/luks-rescue/internal/blockio"
)

type options struct {
	device     string
	sectorSize int
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:           "mark-sectors <device>",
		Short:         "Write a little-endian sector index into every sector of a device",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opt.device = args[0]
			return run(&opt, os.Stderr)
		},
	}
	cmd.Flags().IntVar(&opt.sectorSize, "sector-size", 512, "sector size when the target is a regular file")
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(opt *options, diag io.Writer) (err error) {
	dev, err := blockio.OpenFile(opt.device, unix.O_WRONLY)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := dev.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	secSize, devSize, err := deviceGeometry(dev, opt.sectorSize)
	if err != nil {
		return err
	}
	fmt.Fprintf(diag, "sector size: %d\n", secSize)
	fmt.Fprintf(diag, "device size: %d\n", devSize)

	return markSectors(dev, devSize, secSize, diag)
}

// deviceGeometry queries a block device for its sector and total size;
// for a regular file it falls back to the configured sector size and
// the file length.
func deviceGeometry(dev *blockio.OutFile, fileSecSize int) (int, uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(dev.Fd(), &st); err != nil {
		return 0, 0, fmt.Errorf("%s: fstat: %w", dev.Name(), err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		if fileSecSize <= 0 {
			return 0, 0, fmt.Errorf("bad sector size %d", fileSecSize)
		}
		return fileSecSize, uint64(st.Size), nil
	}
	secSize, err := unix.IoctlGetInt(dev.Fd(), unix.BLKSSZGET)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: ioctl BLKSSZGET: %w", dev.Name(), err)
	}
	var devSize uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(dev.Fd()), unix.BLKGETSIZE64,
		uintptr(unsafe.Pointer(&devSize)))
	if errno != 0 {
		return 0, 0, fmt.Errorf("%s: ioctl BLKGETSIZE64: %w", dev.Name(), errno)
	}
	return secSize, devSize, nil
}

// markSectors writes devSize/secSize index-stamped sectors to dev, with
// a coarse progress line on diag.
func markSectors(dev io.Writer, devSize uint64, secSize int, diag io.Writer) error {
	buf := make([]byte, secSize)
	lastPerc := -1
	cnt := devSize / uint64(secSize)
	for i := uint64(0); i < cnt; i++ {
		for k := 0; k < 8; k++ {
			buf[k] = byte(i >> (8 * k))
		}
		if _, err := dev.Write(buf); err != nil {
			return err
		}
		if perc := int(100 * (i + 1) / cnt); perc > lastPerc {
			fmt.Fprintf(diag, "written: %d%%\r", perc)
			lastPerc = perc
		}
	}
	fmt.Fprintln(diag)
	return nil
}
