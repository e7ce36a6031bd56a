package keeper

import (
	"bytes"
	"io"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// Value is a stored byte sequence together with the metadata it was written with.
type Value struct {
	Key  Key
	Data []byte
	Meta Metadata
}

// Bytes returns the value's content.
func (v Value) Bytes() []byte { return v.Data }

// Len is the length of the value's content in bytes.
func (v Value) Len() int { return len(v.Data) }

// Metadata returns the value's metadata.
// It is never nil.
func (v Value) Metadata() Metadata {
	if v.Meta == nil {
		return Metadata{}
	}
	return v.Meta
}

// MIME returns the value's "mime" attribute, if any.
func (v Value) MIME() string { return v.Meta[MIMEAttr] }

// Encoding returns the value's "encoding" attribute, if any.
func (v Value) Encoding() string { return v.Meta[EncodingAttr] }

// Text decodes the value's content as a string
// using the text encoding named in its metadata
// (UTF-8 if none is named).
func (v Value) Text() (string, error) {
	enc, err := lookupEncoding(v.Encoding())
	if err != nil {
		return "", err
	}
	if enc == nil {
		return string(v.Data), nil
	}
	b, err := enc.NewDecoder().Bytes(v.Data)
	if err != nil {
		return "", errors.Wrapf(err, "decoding %s as %s", v.Key, v.Encoding())
	}
	return string(b), nil
}

// Reader returns a reader over the value's raw content.
func (v Value) Reader() io.Reader { return bytes.NewReader(v.Data) }

// TextReader is like Text but produces the decoded content as a stream of UTF-8.
func (v Value) TextReader() (io.Reader, error) {
	enc, err := lookupEncoding(v.Encoding())
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return v.Reader(), nil
	}
	return enc.NewDecoder().Reader(v.Reader()), nil
}

// String is like Text but falls back to the raw content
// if it cannot be decoded.
func (v Value) String() string {
	s, err := v.Text()
	if err != nil {
		return string(v.Data)
	}
	return s
}

// lookupEncoding returns nil for UTF-8,
// which needs no conversion.
func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(name) {
	case "", "utf-8", "utf8":
		return nil, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, errors.Wrapf(err, "unknown text encoding %s", name)
	}
	return enc, nil
}

func encodeString(s, encName string) ([]byte, error) {
	enc, err := lookupEncoding(encName)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return []byte(s), nil
	}
	b, err := enc.NewEncoder().Bytes([]byte(s))
	return b, errors.Wrapf(err, "encoding string as %s", encName)
}
