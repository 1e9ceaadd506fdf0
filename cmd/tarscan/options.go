package main

import (
	"io"
	"os"

	"github.com/containerd/log"
	"github.com/docker/go-units"
	"github.com/moby/tarstream/pkg/tarstream"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// commonOptions are the flags shared by every subcommand.
type commonOptions struct {
	logLevel    string
	logFormat   string
	strict      bool
	brotli      bool
	maxMetaSize string
	fileHint    string
}

func newCommonOptions() *commonOptions {
	return &commonOptions{
		logLevel:    "info",
		logFormat:   string(log.TextFormat),
		maxMetaSize: units.BytesSize(tarstream.DefaultMaxMetaEntrySize),
	}
}

func (o *commonOptions) installFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&o.logLevel, "log-level", "l", o.logLevel, `Set the logging level ("debug"|"info"|"warn"|"error"|"fatal")`)
	flags.StringVar(&o.logFormat, "log-format", o.logFormat, `Set the logging format ("text"|"json")`)
	flags.BoolVar(&o.strict, "strict", false, "Fail on the first warning")
	flags.BoolVar(&o.brotli, "brotli", false, "Treat input that is not gzip as brotli compressed")
	flags.StringVar(&o.maxMetaSize, "max-meta-size", o.maxMetaSize, "Largest extended header or long name body to read")
	flags.StringVar(&o.fileHint, "file-hint", "", "File name used to guess the compression of standard input")
}

func (o *commonOptions) setupLogging() error {
	if err := log.SetLevel(o.logLevel); err != nil {
		return errors.Wrapf(err, "invalid log level %q", o.logLevel)
	}
	return log.SetFormat(log.OutputFormat(o.logFormat))
}

// parserOptions builds the parser configuration for the archive named file.
func (o *commonOptions) parserOptions(file string) (tarstream.Options, error) {
	maxMeta, err := units.RAMInBytes(o.maxMetaSize)
	if err != nil {
		return tarstream.Options{}, errors.Wrap(err, "invalid --max-meta-size")
	}
	if maxMeta <= 0 {
		return tarstream.Options{}, errors.Errorf("invalid --max-meta-size: %s", o.maxMetaSize)
	}
	hint := o.fileHint
	if hint == "" && file != "-" {
		hint = file
	}
	return tarstream.Options{
		Strict:           o.strict,
		Brotli:           o.brotli,
		MaxMetaEntrySize: maxMeta,
		File:             hint,
	}, nil
}

// openArchive opens file for reading; "-" is standard input.
func openArchive(file string) (io.ReadCloser, error) {
	if file == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(file)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open archive")
	}
	return f, nil
}
