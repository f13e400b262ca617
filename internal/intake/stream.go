package intake

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"io"
)

// streamInfo is the result of one pass over an object's bytes. The hash
// and byte count are always produced, even when the structural check
// fails; only a stream-level I/O failure aborts early, and it is kept
// separate from a structural failure so the processor can tell a broken
// download from a malformed document.
type streamInfo struct {
	ContentHash   string
	Bytes         int64
	XMLWellFormed bool
	XMLErr        error
	StreamErr     error
}

var errNoRootElement = errors.New("xml document has no root element")

// digestStream hashes the full stream with SHA-256 and, when checkXML is
// set, simultaneously scans it with a strict XML tokenizer. An XML syntax
// error flags the content as malformed but the remaining bytes are still
// drained through the hasher so the content hash covers the whole object.
func digestStream(r io.Reader, checkXML bool) streamInfo {
	hasher := sha256.New()
	counter := &countingReader{r: r}
	tee := io.TeeReader(counter, hasher)

	info := streamInfo{XMLWellFormed: true}

	if checkXML {
		sawElement := false
		decoder := xml.NewDecoder(tee)
		decoder.Strict = true
	scan:
		for {
			token, err := decoder.Token()
			switch {
			case err == nil:
				if _, ok := token.(xml.StartElement); ok {
					sawElement = true
				}
			case errors.Is(err, io.EOF):
				break scan
			default:
				var syntaxErr *xml.SyntaxError
				if errors.As(err, &syntaxErr) {
					info.XMLWellFormed = false
					info.XMLErr = err
					break scan
				}
				// Underlying reader failure, not a parse problem.
				info.XMLWellFormed = false
				info.StreamErr = err
				info.Bytes = counter.n
				info.ContentHash = hex.EncodeToString(hasher.Sum(nil))
				return info
			}
		}
		if info.XMLWellFormed && !sawElement {
			info.XMLWellFormed = false
			info.XMLErr = errNoRootElement
		}
	}

	if _, err := io.Copy(io.Discard, tee); err != nil {
		info.StreamErr = err
	}
	info.Bytes = counter.n
	info.ContentHash = hex.EncodeToString(hasher.Sum(nil))
	return info
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
