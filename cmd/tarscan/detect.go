package main

import (
	"bufio"
	"fmt"
	"io"

	"github.com/moby/tarstream/pkg/compression"
	"github.com/moby/tarstream/pkg/tarheader"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newDetectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "detect ARCHIVE",
		Short: "Print the compression of an archive and its first entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDetect(cmd.OutOrStdout(), args[0])
		},
	}
}

func runDetect(out io.Writer, file string) error {
	f, err := openArchive(file)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := bufio.NewReader(f)
	head, err := buf.Peek(10)
	if err != nil && err != io.EOF {
		return errors.Wrap(err, "failed to read archive")
	}
	c := compression.Detect(head)
	if c == compression.None {
		// brotli has no magic number
		if hint, ok := compression.FromFilename(file); ok && hint == compression.Brotli {
			c = hint
		}
	}

	rc, err := compression.NewReader(c, buf)
	if err != nil {
		return err
	}
	defer rc.Close()

	block := make([]byte, tarheader.BlockSize)
	if _, err := io.ReadFull(rc, block); err != nil {
		fmt.Fprintf(out, "compression: %s\nnot a tar archive: %v\n", c, err)
		return nil
	}
	fmt.Fprintf(out, "compression: %s\n", c)
	switch hdr, err := tarheader.Decode(block); {
	case tarheader.IsZeroBlock(block):
		fmt.Fprintln(out, "empty archive")
	case err != nil:
		fmt.Fprintf(out, "not a tar archive: %v\n", err)
	default:
		fmt.Fprintf(out, "first entry: %s %s\n", hdr.Type, hdr.Path)
	}
	return nil
}
