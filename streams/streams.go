package streams

import (
	"io"

	"go.uber.org/multierr"
)

// NewReadWriteCloser joins the stdout (in) and stdin (out) pipes of a child
// process into a single io.ReadWriteCloser. Close closes both pipes.
func NewReadWriteCloser(in io.ReadCloser, out io.WriteCloser) io.ReadWriteCloser {
	return &combinedReadWriteCloser{reader: in, writer: out}
}

type combinedReadWriteCloser struct {
	reader io.ReadCloser
	writer io.WriteCloser
}

func (sd *combinedReadWriteCloser) Read(p []byte) (int, error) {
	return sd.reader.Read(p)
}

func (sd *combinedReadWriteCloser) Write(p []byte) (int, error) {
	return sd.writer.Write(p)
}

func (sd *combinedReadWriteCloser) Close() error {
	// stdin first: the server sees EOF and may still flush its output
	return multierr.Combine(sd.writer.Close(), sd.reader.Close())
}
