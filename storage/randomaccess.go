package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Mofe-Bankole/Sekiro-bittorrent/torrent"
	"github.com/spf13/afero"
)

type fileSpan struct {
	file   afero.File
	lock   *sync.Mutex
	offset int // absolute offset of the file's first byte in the torrent
	length int
}

// randomAccess lays the torrent payload out as its final files and
// serves block reads and writes by walking the file spans a byte range
// crosses.
type randomAccess struct {
	tor   *torrent.Torrent
	spans []*fileSpan
}

func NewRandomAccess(tor *torrent.Torrent, dir string) (Storage, error) {
	s := &randomAccess{tor: tor}

	abs := 0
	addFile := func(path string, length int) error {
		if sub := filepath.Dir(path); sub != "." {
			if err := appFS.MkdirAll(sub, 0755); err != nil {
				return &Error{Op: "mkdir " + sub, Err: err}
			}
		}
		file, err := appFS.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return &Error{Op: "open " + path, Err: err}
		}
		s.spans = append(s.spans, &fileSpan{
			file:   file,
			lock:   &sync.Mutex{},
			offset: abs,
			length: length,
		})
		abs += length
		return nil
	}

	info := tor.MetaInfo.Info
	if len(info.Files) > 0 {
		// Multiple file mode: files nest under the torrent name.
		for _, f := range info.Files {
			parts := append([]string{dir, info.Name}, f.Path...)
			if err := addFile(filepath.Join(parts...), f.Length); err != nil {
				s.Close()
				return nil, err
			}
		}
	} else {
		if err := addFile(filepath.Join(dir, info.Name), info.Length); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *randomAccess) WriteBlock(pieceIndex, begin int, data []byte) error {
	abs := pieceIndex*s.tor.MetaInfo.Info.PieceLength + begin
	if abs < 0 || abs+len(data) > s.tor.Length {
		return &Error{Op: "write", Err: fmt.Errorf("range [%d, %d) outside torrent", abs, abs+len(data))}
	}
	for _, span := range s.spans {
		if len(data) == 0 {
			break
		}
		if abs >= span.offset+span.length {
			continue
		}
		rel := abs - span.offset
		n := span.length - rel
		if n > len(data) {
			n = len(data)
		}
		span.lock.Lock()
		_, err := span.file.WriteAt(data[:n], int64(rel))
		span.lock.Unlock()
		if err != nil {
			return &Error{Op: "write " + span.file.Name(), Err: err}
		}
		data = data[n:]
		abs += n
	}
	return nil
}

func (s *randomAccess) ReadBlock(pieceIndex, begin, length int) ([]byte, error) {
	abs := pieceIndex*s.tor.MetaInfo.Info.PieceLength + begin
	if abs < 0 || length < 0 || abs+length > s.tor.Length {
		return nil, &Error{Op: "read", Err: fmt.Errorf("range [%d, %d) outside torrent", abs, abs+length)}
	}
	data := make([]byte, 0, length)
	for _, span := range s.spans {
		if length == 0 {
			break
		}
		if abs >= span.offset+span.length {
			continue
		}
		rel := abs - span.offset
		n := span.length - rel
		if n > length {
			n = length
		}
		chunk := make([]byte, n)
		span.lock.Lock()
		_, err := span.file.ReadAt(chunk, int64(rel))
		span.lock.Unlock()
		if err != nil {
			return nil, &Error{Op: "read " + span.file.Name(), Err: err}
		}
		data = append(data, chunk...)
		length -= n
		abs += n
	}
	return data, nil
}

func (s *randomAccess) Close() error {
	var first error
	for _, span := range s.spans {
		if err := span.file.Close(); err != nil && first == nil {
			first = &Error{Op: "close " + span.file.Name(), Err: err}
		}
	}
	return first
}
