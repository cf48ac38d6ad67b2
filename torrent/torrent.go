package torrent

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"io"
	"log"

	bencode "github.com/jackpal/bencode-go"
	msbencode "github.com/marksamman/bencode"
)

var (
	PEER_ID = make([]byte, 20)
)

func init() {
	copy(PEER_ID[:8], []byte("-SK0001-"))
	if _, err := rand.Read(PEER_ID[8:]); err != nil {
		log.Fatalln(err)
	}
}

// Torrent is the decoded metadata of one torrent: piece geometry, the
// expected digest per piece and the file layout. It is read once at
// engine initialization and never mutated afterwards.
type Torrent struct {
	Length    int
	MetaInfo  MetaInfo
	InfoHash  []byte
	NumPieces int
}

type MetaInfo struct {
	Info         Info
	Announce     string
	AnnounceList [][]string `bencode:"announce-list"`
	CreationDate int        `bencode:"creation date"`
	Comment      string
	CreatedBy    string `bencode:"created by"`
	Encoding     string
}

type Info struct {
	PieceLength int `bencode:"piece length"`
	Pieces      string
	Private     int
	Name        string
	Length      int
	Md5sum      string
	Files       []File
}

type File struct {
	Length int
	Md5sum string
	Path   []string
}

// Load decodes a .torrent file. The infohash is the SHA-1 of the
// re-encoded info dictionary, not of the file as stored, so the raw
// dictionary is round-tripped through the encoder.
func Load(r io.Reader) (*Torrent, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	raw, err := bencode.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	rawMap, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("torrent: malformed torrent file")
	}
	rawInfo, ok := rawMap["info"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("torrent: missing info dictionary")
	}
	infoHash := sha1.Sum(msbencode.Encode(rawInfo))

	tor := &Torrent{InfoHash: infoHash[:]}
	if err := bencode.Unmarshal(bytes.NewReader(data), &tor.MetaInfo); err != nil {
		return nil, err
	}

	if tor.MetaInfo.Info.PieceLength <= 0 {
		return nil, fmt.Errorf("torrent: piece length %d", tor.MetaInfo.Info.PieceLength)
	}
	if len(tor.MetaInfo.Info.Pieces)%20 != 0 || len(tor.MetaInfo.Info.Pieces) == 0 {
		return nil, fmt.Errorf("torrent: pieces string of %d bytes", len(tor.MetaInfo.Info.Pieces))
	}
	tor.NumPieces = len(tor.MetaInfo.Info.Pieces) / 20

	if len(tor.MetaInfo.Info.Files) > 0 {
		for _, f := range tor.MetaInfo.Info.Files {
			tor.Length += f.Length
		}
	} else {
		tor.Length = tor.MetaInfo.Info.Length
	}
	if tor.Length <= (tor.NumPieces-1)*tor.MetaInfo.Info.PieceLength ||
		tor.Length > tor.NumPieces*tor.MetaInfo.Info.PieceLength {
		return nil, fmt.Errorf("torrent: %d bytes do not fit %d pieces of %d",
			tor.Length, tor.NumPieces, tor.MetaInfo.Info.PieceLength)
	}
	return tor, nil
}

func (t *Torrent) Name() string {
	return t.MetaInfo.Info.Name
}

// PieceSize is the actual byte length of a piece; only the last piece
// may be shorter than the nominal piece length.
func (t *Torrent) PieceSize(pieceIndex int) int {
	if pieceIndex == t.NumPieces-1 {
		return t.Length - (t.NumPieces-1)*t.MetaInfo.Info.PieceLength
	}
	return t.MetaInfo.Info.PieceLength
}

// PieceHash is the expected 20-byte digest of a piece.
func (t *Torrent) PieceHash(pieceIndex int) []byte {
	return []byte(t.MetaInfo.Info.Pieces[20*pieceIndex : 20*(pieceIndex+1)])
}
