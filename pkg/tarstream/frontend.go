package tarstream

import (
	"context"

	"github.com/containerd/log"
	"github.com/moby/tarstream/pkg/compression"
	"github.com/moby/tarstream/pkg/tarheader"
)

// sniffSize is the amount of input needed to tell gzip input apart.
const sniffSize = 2

// feed routes raw input through the decompressor, once one has been
// selected, into the parser. final is set when no more input will follow.
func (p *Parser) feed(b []byte, final bool) {
	if !p.sniffed {
		p.head = append(p.head, b...)
		if !p.sniff(final) {
			return
		}
		b, p.head = p.head, nil
	}
	if len(b) == 0 {
		return
	}
	if p.decoder != nil {
		if err := p.decoder.Write(b); err != nil {
			p.Abort(err)
		}
		return
	}
	p.consumeChunk(b)
}

// sniff selects the decompressor from the buffered head of the input. It
// returns false if more input is needed to decide.
func (p *Parser) sniff(final bool) bool {
	c, ok := p.selectCompression(final)
	if !ok {
		return false
	}
	p.sniffed = true
	if c != compression.None {
		log.G(context.TODO()).WithField("file", p.opts.File).Debugf("tarstream: input is %s compressed", c)
		p.decoder = compression.NewDecoder(c, p.consumeChunk)
	}
	return true
}

// selectCompression applies the detection rules in order: the gzip magic
// number, the Brotli option, a brotli file name, and the magic numbers of
// the other supported formats. Input whose first block is a valid header
// is never decompressed on the strength of a file name or a magic number
// alone.
func (p *Parser) selectCompression(final bool) (compression.Compression, bool) {
	head := p.head
	if len(head) < sniffSize && !final {
		return compression.None, false
	}
	if compression.Detect(head) == compression.Gzip {
		return compression.Gzip, true
	}
	if len(head) == 0 {
		return compression.None, true
	}
	if p.opts.Brotli {
		return compression.Brotli, true
	}
	if len(head) < tarheader.BlockSize && !final {
		return compression.None, false
	}

	tarLike := len(head) >= tarheader.BlockSize && looksLikeTar(head[:tarheader.BlockSize])
	if hint, ok := compression.FromFilename(p.opts.File); ok && hint == compression.Brotli {
		if tarLike {
			return compression.None, true
		}
		return compression.Brotli, true
	}
	if c := compression.Detect(head); c != compression.None && !tarLike {
		return c, true
	}
	return compression.None, true
}

func looksLikeTar(block []byte) bool {
	if tarheader.IsZeroBlock(block) {
		return true
	}
	_, err := tarheader.Decode(block)
	return err == nil
}
