package multiplex

import (
	"io"
	"sync"
)

type halfCloser interface {
	CloseWrite() error
}

type readAborter interface {
	CloseRead() error
}

type splitStream struct {
	rwc        io.ReadWriteCloser
	mutex      sync.Mutex
	sendClosed bool
	recvClosed bool
	closed     bool
}

func (s *splitStream) closeIfDone() (err error) {
	if s.sendClosed && s.recvClosed && !s.closed {
		s.closed = true
		err = s.rwc.Close()
	}
	return
}

type splitSend struct {
	*splitStream
}

func (s splitSend) Write(b []byte) (err error) {
	var n int
	for len(b) > 0 {
		if n, err = s.rwc.Write(b); err != nil {
			return
		}
		b = b[n:]
	}
	return
}

func (s splitSend) Close() (err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.sendClosed {
		return
	}
	s.sendClosed = true
	if hc, ok := s.rwc.(halfCloser); ok && !s.recvClosed {
		if err = hc.CloseWrite(); err != nil {
			return
		}
	}
	return s.closeIfDone()
}

type splitRecv struct {
	*splitStream
}

func (s splitRecv) Read(maxLen int) ([]byte, error) {
	buf := make([]byte, maxLen)
	for {
		n, err := s.rwc.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (s splitRecv) Close() (err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.recvClosed {
		return
	}
	s.recvClosed = true
	if ra, ok := s.rwc.(readAborter); ok {
		if err = ra.CloseRead(); err != nil {
			return
		}
	}
	return s.closeIfDone()
}

// Split adapts a full-duplex stream into independent halves. The underlying
// stream closes once both halves are closed. If it implements
// CloseWrite() error, closing the send half signals EOF to the peer right away.
// If it implements CloseRead() error, closing the receive half unblocks a
// pending Read.
func Split(rwc io.ReadWriteCloser) (SendStream, RecvStream) {
	s := &splitStream{rwc: rwc}
	return splitSend{s}, splitRecv{s}
}
