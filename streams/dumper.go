package streams

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// LogReadWriteCloserToFile returns a proxy for upstream that copies every
// read, write and close into logfile, one timestamped record each. Reads and
// writes may come from different goroutines.
func LogReadWriteCloserToFile(upstream io.ReadWriteCloser, logfile io.WriteCloser) io.ReadWriteCloser {
	return &dumper{upstream: upstream, logfile: logfile}
}

type dumper struct {
	upstream io.ReadWriteCloser
	logMutex sync.Mutex
	logfile  io.WriteCloser
}

func (d *dumper) record(direction string, format string, a ...interface{}) {
	d.logMutex.Lock()
	defer d.logMutex.Unlock()
	stamp := time.Now().Format("15:04:05.000")
	_, _ = fmt.Fprintf(d.logfile, "%s %s "+format+"\n", append([]interface{}{direction, stamp}, a...)...)
}

func (d *dumper) Read(buff []byte) (int, error) {
	n, err := d.upstream.Read(buff)
	if n > 0 {
		d.record("<<<", "read %d bytes\n%s", n, buff[:n])
	}
	if err != nil {
		d.record("<<<", "read error: %s", err)
	}
	return n, err
}

func (d *dumper) Write(buff []byte) (int, error) {
	n, err := d.upstream.Write(buff)
	if err != nil {
		d.record(">>>", "write error: %s", err)
	} else {
		d.record(">>>", "wrote %d bytes\n%s", n, buff[:n])
	}
	return n, err
}

func (d *dumper) Close() error {
	err := d.upstream.Close()
	d.record("---", "stream closed, err=%v", err)
	d.logMutex.Lock()
	defer d.logMutex.Unlock()
	_ = d.logfile.Close()
	return err
}
