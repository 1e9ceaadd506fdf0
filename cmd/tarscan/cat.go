package main

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/moby/tarstream/pkg/tarheader"
	"github.com/moby/tarstream/pkg/tarstream"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newCatCommand(common *commonOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cat ARCHIVE PATH",
		Short: "Write the body of one entry to standard output",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCat(cmd.Context(), cmd.OutOrStdout(), common, args[0], args[1])
		},
	}
}

func runCat(ctx context.Context, out io.Writer, common *commonOptions, file, name string) error {
	popts, err := common.parserOptions(file)
	if err != nil {
		return err
	}
	want := cleanPath(name)
	popts.Filter = func(p string, hdr *tarheader.Header) bool {
		return cleanPath(p) == want
	}

	f, err := openArchive(file)
	if err != nil {
		return err
	}
	defer f.Close()

	// Every other entry is filtered out, so the first one is the match.
	r := tarstream.NewReader(ctx, f, popts)
	defer r.Close()
	e, err := r.Next()
	if err == io.EOF {
		return errors.Wrapf(errdefs.ErrNotFound, "%s: no such entry in %s", name, file)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", file)
	}
	if e.Type == tarheader.Directory {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "%s is a directory", name)
	}
	_, err = io.Copy(out, r)
	return err
}

func cleanPath(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}
