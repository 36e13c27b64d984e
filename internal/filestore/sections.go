package filestore

import "io"

// readWriterAt is what a span needs from a file; *os.File satisfies it,
// tests substitute in-memory fakes.
type readWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// fileSpan is one contiguous byte range within a single file.
type fileSpan struct {
	file   readWriterAt
	off    int64
	length int64
}

// fileSpans is the ordered list of file ranges a piece's bytes map onto.
// Pieces are defined over the concatenation of all files, so in a
// multi-file torrent a piece regularly straddles file boundaries.
type fileSpans []fileSpan

// readFull fills buf with the spans' bytes, in order. buf must be
// exactly as long as the spans' total length.
func (s fileSpans) readFull(buf []byte) error {
	pos := 0
	for _, sp := range s {
		end := pos + int(sp.length)
		n, err := sp.file.ReadAt(buf[pos:end], sp.off)
		pos += n
		if err == io.EOF && n == int(sp.length) {
			err = nil // read ended exactly at the file's end
		}
		if err != nil {
			return err
		}
	}
	if pos != len(buf) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// write distributes p across the spans in order. p must be exactly as
// long as the spans' total length; a file accepting fewer bytes than its
// span is reported as a short write.
func (s fileSpans) write(p []byte) (int, error) {
	var written int
	for _, sp := range s {
		n, err := sp.file.WriteAt(p[:sp.length], sp.off)
		written += n
		if err != nil {
			return written, err
		}
		if int64(n) < sp.length {
			return written, io.ErrShortWrite
		}
		p = p[n:]
	}
	return written, nil
}
