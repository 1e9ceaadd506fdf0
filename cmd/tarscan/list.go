package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/containerd/log"
	"github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"
	"github.com/moby/patternmatcher"
	"github.com/moby/tarstream/internal/metrics"
	"github.com/moby/tarstream/pkg/tarheader"
	"github.com/moby/tarstream/pkg/tarstream"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type listOptions struct {
	digest        bool
	exclude       []string
	metrics       bool
	failOnWarning bool
}

func newListCommand(common *commonOptions) *cobra.Command {
	var opts listOptions

	cmd := &cobra.Command{
		Use:   "list [OPTIONS] ARCHIVE",
		Short: "List the entries of an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), cmd.OutOrStdout(), common, opts, args[0])
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.digest, "digest", false, "Print the digest of each file body")
	flags.StringSliceVar(&opts.exclude, "exclude", nil, "Skip entries matching these patterns")
	flags.BoolVar(&opts.metrics, "metrics", false, "Print parser metrics after the listing")
	flags.BoolVar(&opts.failOnWarning, "fail-on-warning", false, "Exit with an error if any warning was raised")
	return cmd
}

func runList(ctx context.Context, out io.Writer, common *commonOptions, opts listOptions, file string) error {
	popts, err := common.parserOptions(file)
	if err != nil {
		return err
	}
	if len(opts.exclude) > 0 {
		pm, err := patternmatcher.New(opts.exclude)
		if err != nil {
			return errors.Wrap(err, "invalid --exclude pattern")
		}
		popts.Filter = excludeFilter(ctx, pm)
	}

	f, err := openArchive(file)
	if err != nil {
		return err
	}
	defer f.Close()

	r := tarstream.NewReader(ctx, f, popts)
	defer r.Close()
	if opts.metrics {
		defer metrics.Observe(r.Parser())()
	}

	tw := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	header := "TYPE\tMODE\tSIZE\tPATH"
	if opts.digest {
		header += "\tDIGEST"
	}
	fmt.Fprintln(tw, header)
	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			tw.Flush()
			return errors.Wrapf(err, "failed to read %s", file)
		}
		line := fmt.Sprintf("%s\t%04o\t%s\t%s", e.Type, e.Mode, units.HumanSize(float64(e.Size)), displayPath(e.Header))
		if opts.digest {
			dgst, err := bodyDigest(r, e)
			if err != nil {
				tw.Flush()
				return errors.Wrapf(err, "failed to read %s", e.Path)
			}
			line += "\t" + dgst
		}
		fmt.Fprintln(tw, line)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	var result *multierror.Error
	for _, w := range r.Warnings() {
		log.G(ctx).WithFields(log.Fields{"code": w.TarCode, "file": w.File}).Warn(w.Message)
		if opts.failOnWarning {
			result = multierror.Append(result, w)
		}
	}
	if opts.metrics {
		if err := metrics.WriteText(out); err != nil {
			return err
		}
	}
	return result.ErrorOrNil()
}

func excludeFilter(ctx context.Context, pm *patternmatcher.PatternMatcher) func(string, *tarheader.Header) bool {
	return func(path string, _ *tarheader.Header) bool {
		excluded, err := pm.MatchesOrParentMatches(strings.TrimSuffix(path, "/"))
		if err != nil {
			log.G(ctx).WithError(err).WithField("path", path).Warn("failed to match exclude patterns")
			return true
		}
		if excluded {
			log.G(ctx).WithField("path", path).Debug("excluded")
		}
		return !excluded
	}
}

func displayPath(h *tarheader.Header) string {
	switch h.Type {
	case tarheader.SymbolicLink:
		return h.Path + " -> " + h.Linkpath
	case tarheader.Link:
		return h.Path + " link to " + h.Linkpath
	}
	return h.Path
}

// bodyDigest digests the rest of the current entry's body. Entries without
// a body have no digest.
func bodyDigest(r io.Reader, e *tarstream.Entry) (string, error) {
	switch e.Type {
	case tarheader.File, tarheader.OldFile, tarheader.ContiguousFile:
	default:
		return "-", nil
	}
	digester := digest.Canonical.Digester()
	if _, err := io.Copy(digester.Hash(), r); err != nil {
		return "", err
	}
	return digester.Digest().String(), nil
}
